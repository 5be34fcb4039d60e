// Package encoder implements the self-describing binary encoding used for
// network messages and persisted engine state.
//
// Every encoded value is laid out as a one byte type identifier, a four byte
// big-endian length and the inner bytes:
//
//	+--------+-----------------+----------------+
//	| byteID | length (uint32) | inner (length) |
//	+--------+-----------------+----------------+
//
// Lists are the concatenation of their encoded elements and dictionaries
// alternate an encoded byte-string key with an encoded value. Keys carry an
// implementation byte in front of their material so that a decoder can pick
// the right algorithm without out-of-band information.
//
//	list := encoder.EncodeList(encoder.EncodeBytes([]byte{1, 2}), encoder.EncodeInt(7))
//	items, err := encoder.DecodeListN(list, 2)
//
// Decoding failures always wrap [ErrDecoding].
package encoder
