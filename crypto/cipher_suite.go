package crypto

import (
	"errors"
	"fmt"
)

// Suite pairs the authenticated encryption and the KDF used by a channel.
// Suites are identified on the wire by their version number only.
type Suite struct {
	Version int
	AE      AEID
	KDF     KDFID
	Name    string
}

var (
	// SuiteV0 is the original channel suite.
	SuiteV0 = Suite{Version: 0, AE: AEAES256CTRHMACSHA256, KDF: KDFHMACDRBG, Name: "AES256CTR-HMACSHA256_DRBG"}
	// SuiteV1 is the current suite.
	SuiteV1 = Suite{Version: 1, AE: AEChaCha20Poly1305, KDF: KDFHKDFSHA256, Name: "XChaCha20Poly1305_HKDFSHA256"}
)

const (
	// LatestSuiteVersion is offered by default.
	LatestSuiteVersion = 1
	// MinAcceptableSuiteVersion is the oldest version a peer may negotiate.
	MinAcceptableSuiteVersion = 0
)

var supportedSuites = map[int]Suite{
	SuiteV0.Version: SuiteV0,
	SuiteV1.Version: SuiteV1,
}

// ErrUnsupportedSuite is returned for unknown or unacceptable suite versions.
var ErrUnsupportedSuite = errors.New("unsupported crypto suite version")

// SuiteForVersion returns the suite registered under version.
func SuiteForVersion(version int) (Suite, error) {
	s, ok := supportedSuites[version]
	if !ok || version < MinAcceptableSuiteVersion {
		return Suite{}, fmt.Errorf("%w: %d", ErrUnsupportedSuite, version)
	}
	return s, nil
}

// NegotiateSuiteVersion picks the highest version supported by both sides,
// given the highest version each side offers.
func NegotiateSuiteVersion(localMax, remoteMax int) (int, error) {
	v := localMax
	if remoteMax < v {
		v = remoteMax
	}
	for ; v >= MinAcceptableSuiteVersion; v-- {
		if _, ok := supportedSuites[v]; ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: no common version (local %d, remote %d)", ErrUnsupportedSuite, localMax, remoteMax)
}

// AEImpl returns the suite's authenticated encryption.
func (s Suite) AEImpl() AuthenticatedEncryption { return aeRegistry[s.AE] }

// KDFImpl returns the suite's key derivation function.
func (s Suite) KDFImpl() KDF { return kdfRegistry[s.KDF] }

// Validate checks that both implementations are registered.
func (s Suite) Validate() error {
	if _, err := AEForID(s.AE); err != nil {
		return err
	}
	if _, err := KDFForID(s.KDF); err != nil {
		return err
	}
	return nil
}
