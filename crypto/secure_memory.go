package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding seeds or keys with zeros. It
// returns an error if the byte slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep the overwrite from being optimized away
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes is SecureWipe without the nil check error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeys zeroes every non-nil buffer.
func WipeKeys(buffers ...[]byte) {
	for _, b := range buffers {
		if b != nil {
			ZeroBytes(b)
		}
	}
}
