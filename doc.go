// Package obvcore implements the channel and protocol engine of an
// end-to-end encrypted multi-device messenger.
//
// Devices of two identities talk through oblivious channels: symmetric
// ratchets keyed per (owned identity, remote identity, remote device), with
// a window of precomputed receive keys so that messages may arrive out of
// order. Channels are established, renewed and discovered by cryptographic
// protocols that run on a generic state machine engine. Every protocol
// state, pending message, channel and outgoing message is persisted with the
// self-describing encoding of the encoder package.
//
// # Getting Started
//
// Create an engine, host an owned identity and introduce a contact:
//
//	cfg, err := obvcore.LoadConfig("obvcore.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := obvcore.New(cfg,
//	    obvcore.WithNetwork(network),
//	    obvcore.WithServer(server),
//	    obvcore.WithRegisterer(prometheus.DefaultRegisterer),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	me, _ := identity.Generate("https://id.example", crypto.SignatureEd25519, nil)
//	engine.AddIdentity(me)
//	engine.AddContact(me.ID(), contact)
//
//	// Fetch the contact's devices and create a channel with each of them.
//	engine.DiscoverDevices(ctx, me.ID(), contact.ID())
//
// Packets received from the network are handed to ReceiveNetworkMessage:
//
//	res, err := engine.ReceiveNetworkMessage(ctx, me.ID(), transport, payload)
//
// # Concurrency
//
// Each owned identity has a worker goroutine. Calls for one identity are
// queued and run one after the other, each in its own atomic flow; calls for
// different identities run in parallel. Once queued, a call always runs to
// completion even if its context is cancelled.
//
// # Outgoing messages
//
// With a network configured, the outbox of an identity is sent after each
// job: channel and asymmetric messages go to the network, server queries to
// the ServerQuerier, whose answers are delivered back to the protocol that
// asked. An entry leaves the outbox only once it was handed over, so
// messages that failed are retried after the next job or maintenance pass
// until Delivery.OutboxLifetime drops them. Without a network the host polls
// DrainOutbox.
//
// # Maintenance
//
// Every MaintenanceInterval, and whenever Maintain is called, the engine
// deletes finished and abandoned protocol instances, drops expired receive
// keys and starts a full ratchet on every confirmed channel whose send seed
// is due for renewal.
//
// # Sub-packages
//
//   - encoder: the binary encoding
//   - crypto: suites, ratchet derivation, signatures and key agreement
//   - channel: the oblivious channel layer
//   - protocol: the state machine engine and protocol composition
//   - protocols/...: channel creation, full ratchet and device discovery
//   - store, flow: goleveldb persistence and atomic flows
//   - simulation: an in-memory network and identity server for tests
package obvcore
