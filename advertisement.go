package proximity

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"
)

// MaxEIRPacketLength is the maximum allowed AdvertisingPacket
// and ScanResponsePacket length.
const MaxEIRPacketLength = 31

// ErrEIRPacketTooLong is the error returned when an AdvertisingPacket
// or ScanResponsePacket is too long.
var ErrEIRPacketTooLong = errors.New("max packet length is 31")

// ErrInvalidAdvertisement is returned for advertising data that is not a
// sequence of well formed AD structures.
var ErrInvalidAdvertisement = errors.New("invalid advertise data")

// advertising data field types
const (
	typeFlags            = 0x01 // Flags
	typeSomeUUID16       = 0x02 // Incomplete List of 16-bit Service Class UUIDs
	typeAllUUID16        = 0x03 // Complete List of 16-bit Service Class UUIDs
	typeSomeUUID32       = 0x04 // Incomplete List of 32-bit Service Class UUIDs
	typeAllUUID32        = 0x05 // Complete List of 32-bit Service Class UUIDs
	typeSomeUUID128      = 0x06 // Incomplete List of 128-bit Service Class UUIDs
	typeAllUUID128       = 0x07 // Complete List of 128-bit Service Class UUIDs
	typeShortName        = 0x08 // Shortened Local Name
	typeCompleteName     = 0x09 // Complete Local Name
	typeTxPower          = 0x0A // Tx Power Level
	typeServiceSol16     = 0x14 // List of 16-bit Service Solicitation UUIDs
	typeServiceSol128    = 0x15 // List of 128-bit Service Solicitation UUIDs
	typeServiceData16    = 0x16 // Service Data - 16-bit UUID
	typeServiceSol32     = 0x1F // List of 32-bit Service Solicitation UUIDs
	typeServiceData32    = 0x20 // Service Data - 32-bit UUID
	typeServiceData128   = 0x21 // Service Data - 128-bit UUID
	typeManufacturerData = 0xFF // Manufacturer Specific Data
)

// flag bits
const (
	flagLimitedDiscoverable = 1 << iota // LE Limited Discoverable Mode
	flagGeneralDiscoverable             // LE General Discoverable Mode
	flagLEOnly                          // BR/EDR Not Supported. Bit 37 of LMP Feature Mask Definitions (Page 0)
)

// ManufacturerData is one Manufacturer Specific Data field.
type ManufacturerData struct {
	ID   uint16
	Data []byte
}

// An Advertisement is the decoded content of an advertising packet,
// merged with its scan response when there was one.
type Advertisement struct {
	LocalName        string
	Manufacturer     []ManufacturerData
	ServiceData      []byte
	Services         []UUID
	SolicitedService []UUID
	TxPowerLevel     int
	HasTxPower       bool
	Connectable      bool
}

// Unmarshall decodes the AD structures in b into a, appending to any fields
// already set. Unknown field types are skipped.
func (a *Advertisement) Unmarshall(b []byte) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return ErrInvalidAdvertisement
		}
		l, t := b[0], b[1]
		if l == 0 || len(b) < int(1+l) {
			return ErrInvalidAdvertisement
		}
		d := b[2 : 1+l]
		switch t {
		case typeFlags:
			if len(d) > 0 {
				a.Connectable = d[0]&(flagLimitedDiscoverable|flagGeneralDiscoverable) != 0
			}
		case typeSomeUUID16, typeAllUUID16:
			a.Services = uuidList(a.Services, d, 2)
		case typeSomeUUID32, typeAllUUID32:
			a.Services = uuidList(a.Services, d, 4)
		case typeSomeUUID128, typeAllUUID128:
			a.Services = uuidList(a.Services, d, 16)
		case typeShortName, typeCompleteName:
			a.LocalName = string(d)
		case typeTxPower:
			if len(d) > 0 {
				a.TxPowerLevel = int(int8(d[0]))
				a.HasTxPower = true
			}
		case typeServiceSol16:
			a.SolicitedService = uuidList(a.SolicitedService, d, 2)
		case typeServiceSol32:
			a.SolicitedService = uuidList(a.SolicitedService, d, 4)
		case typeServiceSol128:
			a.SolicitedService = uuidList(a.SolicitedService, d, 16)
		case typeServiceData16, typeServiceData32, typeServiceData128:
			a.ServiceData = make([]byte, len(d))
			copy(a.ServiceData, d)
		case typeManufacturerData:
			if len(d) < 2 {
				return ErrInvalidAdvertisement
			}
			m := ManufacturerData{ID: binary.LittleEndian.Uint16(d)}
			m.Data = make([]byte, len(d)-2)
			copy(m.Data, d[2:])
			a.Manufacturer = append(a.Manufacturer, m)
		default:
			logrus.WithField("type", t).Debugf("advertisement: skipping field [ % X ]", d)
		}
		b = b[1+l:]
	}
	return nil
}

// ManufacturerDataFor returns the data of the first manufacturer field with id.
func (a *Advertisement) ManufacturerDataFor(id uint16) ([]byte, bool) {
	for _, m := range a.Manufacturer {
		if m.ID == id {
			return m.Data, true
		}
	}
	return nil, false
}

// HasService reports whether u is advertised.
func (a *Advertisement) HasService(u UUID) bool {
	return u.Contains(a.Services)
}

// PseudoAddress returns the rotating pseudo device address advertised by
// protocol peers, if present.
func (a *Advertisement) PseudoAddress() ([]byte, bool) {
	d, ok := a.ManufacturerDataFor(ManufacturerIDPseudoAddress)
	if !ok || len(d) != PseudoAddressLength {
		return nil, false
	}
	return d, true
}

func uuidList(u []UUID, d []byte, w int) []UUID {
	for len(d) >= w {
		b := make([]byte, w)
		copy(b, d[:w])
		u = append(u, UUID{b})
		d = d[w:]
	}
	return u
}

// nameScanResponsePacket constructs a scan response packet with
// the given name, truncated as necessary.
func nameScanResponsePacket(name string) []byte {
	typ := byte(typeCompleteName)
	if max := MaxEIRPacketLength - 2; len(name) > max {
		name = name[:max]
		typ = typeShortName
	}
	scan := new(advPacket)
	scan.appendField(typ, []byte(name))
	return scan.data
}

// serviceAdvertisingPacket constructs an advertising packet that
// advertises as many of the provided service uuids as possible.
// It returns the advertising packet and the contained uuids.
func serviceAdvertisingPacket(uu []UUID) ([]byte, []UUID) {
	fit := make([]UUID, 0, len(uu))
	adv := new(advPacket)
	adv.appendField(typeFlags, []byte{flagGeneralDiscoverable | flagLEOnly})
	for _, u := range uu {
		if ok := adv.appendUUIDFit(u); ok {
			fit = append(fit, u)
		}
	}
	return adv.data, fit
}

// SensorAdvertisingPacket builds the advertising packet of the local device:
// flags, the sensor service and the pseudo device address as manufacturer data.
func SensorAdvertisingPacket(pseudo []byte) ([]byte, error) {
	if len(pseudo) != PseudoAddressLength {
		return nil, errors.New("pseudo address must be 6 bytes")
	}
	adv, fit := serviceAdvertisingPacket([]UUID{SensorServiceUUID})
	if len(fit) != 1 {
		return nil, ErrEIRPacketTooLong
	}
	p := &advPacket{data: adv}
	if !p.appendManufacturerDataFit(ManufacturerIDPseudoAddress, pseudo) {
		return nil, ErrEIRPacketTooLong
	}
	return p.data, nil
}

// ScanResponsePacket builds a scan response carrying name.
func ScanResponsePacket(name string) []byte {
	return nameScanResponsePacket(name)
}

type advPacket struct {
	data []byte
}

// appendField appends a BLE advertising packet field.
func (p *advPacket) appendField(typ byte, data []byte) {
	// A field consists of len, typ, data.
	// Len is 1 byte for typ plus len(data).
	p.data = append(p.data, byte(len(data)+1))
	p.data = append(p.data, typ)
	p.data = append(p.data, data...)
}

func (p *advPacket) appendManufacturerDataFit(cid uint16, data []byte) bool {
	if len(p.data)+2+2+len(data) > MaxEIRPacketLength {
		return false
	}
	d := append([]byte{uint8(cid), uint8(cid >> 8)}, data...)
	p.appendField(typeManufacturerData, d)
	return true
}

// appendUUIDFit appends a BLE advertised service UUID
// packet field if it fits in the packet, and reports
// whether the UUID fit.
func (p *advPacket) appendUUIDFit(u UUID) bool {
	if len(p.data)+u.Len()+2 > MaxEIRPacketLength {
		return false
	}
	// Err on the side of safety and assume that there might be
	// other services available: Use typeSomeUUID instead
	// of typeAllUUID.
	switch u.Len() {
	case 2:
		p.appendField(typeSomeUUID16, u.b)
	case 4:
		p.appendField(typeSomeUUID32, u.b)
	case 16:
		p.appendField(typeSomeUUID128, u.b)
	}
	return true
}
