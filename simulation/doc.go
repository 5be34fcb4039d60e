// Package simulation provides in-memory stand-ins for the network and the
// identity server, for deterministic tests of the protocol engine.
//
// # Overview
//
// [Network] implements interfaces.NetworkDelivery. Delivered payloads wait in
// the inbox of the addressed device until a test takes them, and every
// delivery is recorded in a log that tests can inspect. [IdentityServer]
// implements interfaces.ServerQuerier and answers device queries from device
// lists published by the test.
//
// [Cluster] ties both to one protocol engine hosting several owned
// identities and moves messages synchronously:
//
//	c, err := simulation.NewCluster(channel.DefaultPolicy(), protocol.DefaultSettings(), defs...)
//	alice, _ := c.AddIdentity()
//	bob, _ := c.AddIdentity()
//	c.Introduce(alice, bob, true)
//	uid, _ := c.Start(alice.ID(), channelcreation.ID, channelcreation.InitiateMessage{...})
//	stats, err := c.Run(ctx)
//
// # Thread Safety
//
// Network and IdentityServer are safe for concurrent use. Cluster is meant to
// be driven from a single test goroutine.
package simulation
