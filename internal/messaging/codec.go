package messaging

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"pod-service/internal/types"
)

// encMode writes the device list with core deterministic encoding so an
// unchanged list always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("messaging: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("messaging: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeDevices(devices []types.Device) ([]byte, error) {
	if devices == nil {
		devices = []types.Device{}
	}
	b, err := encMode.Marshal(devices)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device list: %w", err)
	}
	return b, nil
}

func decodeDevices(b []byte) ([]types.Device, error) {
	var devices []types.Device
	if err := decMode.Unmarshal(b, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}
	return devices, nil
}
