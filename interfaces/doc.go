// Package interfaces defines the abstractions between the protocol engine and
// the outside world: the network that carries encrypted protocol messages and
// the identity servers that answer queries.
//
// # Core Interfaces
//
// [NetworkDelivery] hands an outgoing message, already encrypted for an
// oblivious channel or sealed to an identity key, to the network:
//
//	for _, out := range outgoing {
//	    if err := delivery.Deliver(ctx, out); err != nil {
//	        log.Printf("delivery failed: %v", err)
//	    }
//	}
//
// [ServerQuerier] answers server queries emitted by protocol steps. The answer
// is delivered back to the instance that asked, as the response message it
// named.
//
// # Server Queries
//
// Queries and answers use the binary encoding of package encoder. The only
// query kind currently defined is [QueryDeviceUIDs]:
//
//	query := interfaces.EncodeDeviceQuery(contactID)
//	answer, err := server.Query(ctx, contactID, query)
//	devices, err := interfaces.DecodeDeviceList(answer)
//
// # Simulation
//
// Package simulation provides in-memory implementations of both interfaces
// for deterministic tests.
package interfaces
