package interfaces

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// QueryDeviceUIDs asks the identity server for the current devices of an identity.
const QueryDeviceUIDs = "device_uids"

// EncodeDeviceQuery builds the server query listing the devices of id.
func EncodeDeviceQuery(id crypto.UID) encoder.Encoded {
	return encoder.EncodeList(encoder.EncodeString(QueryDeviceUIDs), id.Encode())
}

// QueryKind returns the kind of a server query.
func QueryKind(query encoder.Encoded) (string, error) {
	items, err := encoder.DecodeList(query)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: empty server query", encoder.ErrDecoding)
	}
	return encoder.DecodeString(items[0])
}

// DecodeDeviceQuery returns the identity a device query is about.
func DecodeDeviceQuery(query encoder.Encoded) (crypto.UID, error) {
	items, err := encoder.DecodeListN(query, 2)
	if err != nil {
		return crypto.UID{}, err
	}
	kind, err := encoder.DecodeString(items[0])
	if err != nil {
		return crypto.UID{}, err
	}
	if kind != QueryDeviceUIDs {
		return crypto.UID{}, fmt.Errorf("%w: %q", ErrUnsupportedQuery, kind)
	}
	return crypto.DecodeUID(items[1])
}

// EncodeDeviceList builds the answer to a device query.
func EncodeDeviceList(devices []crypto.UID) encoder.Encoded {
	items := make([]encoder.Encoded, len(devices))
	for i, d := range devices {
		items[i] = d.Encode()
	}
	return encoder.EncodeList(items...)
}

// DecodeDeviceList parses the answer to a device query.
func DecodeDeviceList(e encoder.Encoded) ([]crypto.UID, error) {
	items, err := encoder.DecodeList(e)
	if err != nil {
		return nil, err
	}
	devices := make([]crypto.UID, len(items))
	for i, it := range items {
		if devices[i], err = crypto.DecodeUID(it); err != nil {
			return nil, err
		}
	}
	return devices, nil
}
