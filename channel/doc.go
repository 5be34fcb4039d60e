// Package channel implements oblivious channels: pairwise ratcheting
// authenticated-encryption channels between one local and one remote device.
//
// A channel starts Provisional when it is created from an agreed seed and
// becomes Confirmed the first time a message from the remote device
// authenticates. Both ends diversify the seed with the sending device's UID,
// so A's send ratchet and B's receive ratchet derive the same keys.
//
// The receive side keeps a window of precomputed keys per seed generation
// (a provision). Key ids travel in clear in front of each ciphertext, which
// lets a receiver find the right key for messages that arrive out of order
// and lets it route a message to its channel without knowing the sender.
// A forged or corrupted message never consumes a key.
//
//	m, _ := channel.NewManager(channel.DefaultPolicy(), directory)
//	tx := db.Begin()
//	wrapped, err := m.EncryptForChannel(tx, key, payload)
//	...
//	err = tx.Commit()
package channel
