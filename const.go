package proximity

// This file includes constants from the BLE spec and the fixed identifiers
// of the proximity protocol.

// Protocol service and characteristics.
var (
	// SensorServiceUUID is advertised by every foreground device and hosts
	// the signal and payload characteristics.
	SensorServiceUUID = MustParseUUID("428132af-4746-42d3-801e-4572d65bfd9b")

	// AndroidSignalCharacteristicUUID is present on Android GATT servers.
	AndroidSignalCharacteristicUUID = MustParseUUID("f617b813-092e-4e3a-a1b6-8be5d8ef2c8b")

	// IOSSignalCharacteristicUUID is present on iOS GATT servers.
	IOSSignalCharacteristicUUID = MustParseUUID("0eb0d5f2-eae4-4a9a-8af3-a4adb02d4363")

	// PayloadCharacteristicUUID serves the local identity payload.
	PayloadCharacteristicUUID = MustParseUUID("3e98c0f8-8f05-4829-a121-43e38f8933e7")

	// LegacyCharacteristicUUID is the combined read/write characteristic of
	// version 1 peers. Finding it confirms a tentative OS inference.
	LegacyCharacteristicUUID = MustParseUUID("b82ab3fc-1595-4f6a-80f0-fe094cc218f9")
)

// Manufacturer identifiers.
const (
	ManufacturerIDApple         uint16 = 0x004C
	ManufacturerIDPseudoAddress uint16 = 0xFFFA
)

// PseudoAddressLength is the length of the rotating pseudo device address
// carried in the manufacturer data of our own advertisements.
const PseudoAddressLength = 6

// DefaultMTU is the ATT payload size available before MTU negotiation.
const DefaultMTU = 20
