// Package signal implements the wire format of the signal characteristic
// and the fragmentation of writes into MTU sized pieces.
//
// Every value starts with a type byte. All integers are big-endian.
//
//	payload         0x01 || uint16 length || payload
//	rssi            0x02 || int16 rssi
//	payloadSharing  0x03 || int16 rssi || uint16 length || (uint16 length || payload)*
//
// An rssi of 0x7FFF means the writer has no measurement.
//
// Writers fragment values larger than the ATT MTU; the receiving side
// concatenates fragments until the declared length is complete.
package signal

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
)

// Kind is the type byte of a signal characteristic value.
type Kind uint8

const (
	KindPayload        Kind = 0x01
	KindRSSI           Kind = 0x02
	KindPayloadSharing Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindRSSI:
		return "rssi"
	case KindPayloadSharing:
		return "payloadSharing"
	}
	return fmt.Sprintf("Kind(0x%02X)", uint8(k))
}

var (
	// ErrIncomplete is returned by Decode when more fragments are needed.
	ErrIncomplete = errors.New("signal: incomplete value")

	// ErrMalformed is returned for values that can never become valid.
	ErrMalformed = errors.New("signal: malformed value")
)

// NoRSSI is the rssi written when no measurement is available.
const NoRSSI = math.MaxInt16

// Data is a decoded signal characteristic value.
type Data struct {
	Kind Kind

	// Payload is set for KindPayload.
	Payload []byte

	// RSSI is set for KindRSSI and KindPayloadSharing when HasRSSI is
	// true.
	RSSI    int
	HasRSSI bool

	// Shared holds the relayed payloads of KindPayloadSharing.
	Shared [][]byte
}

// EncodePayload encodes a payload value.
func EncodePayload(p []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(KindPayload))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p)
	})
	return b.Bytes()
}

// EncodeRSSI encodes an rssi value. Pass NoRSSI when there is none.
func EncodeRSSI(rssi int) []byte {
	v := uint16(int16(rssi))
	return []byte{byte(KindRSSI), byte(v >> 8), byte(v)}
}

// EncodePayloadSharing encodes the payloads relayed to a peer together
// with the RSSI this device measured for it, or NoRSSI.
func EncodePayloadSharing(rssi int, payloads [][]byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(KindPayloadSharing))
	b.AddUint16(uint16(int16(rssi)))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, p := range payloads {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(p)
			})
		}
	})
	return b.Bytes()
}

// Decode decodes one complete value. It returns ErrIncomplete when b is a
// prefix of a value.
func Decode(b []byte) (Data, error) {
	s := cryptobyte.String(b)
	var k uint8
	if !s.ReadUint8(&k) {
		return Data{}, ErrIncomplete
	}
	d := Data{Kind: Kind(k)}
	switch d.Kind {
	case KindPayload:
		var p cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&p) {
			return Data{}, ErrIncomplete
		}
		d.Payload = append([]byte{}, p...)
	case KindRSSI:
		var v uint16
		if !s.ReadUint16(&v) {
			return Data{}, ErrIncomplete
		}
		d.setRSSI(v)
	case KindPayloadSharing:
		var v uint16
		var list cryptobyte.String
		if !s.ReadUint16(&v) || !s.ReadUint16LengthPrefixed(&list) {
			return Data{}, ErrIncomplete
		}
		d.setRSSI(v)
		for !list.Empty() {
			var p cryptobyte.String
			if !list.ReadUint16LengthPrefixed(&p) {
				return Data{}, ErrMalformed
			}
			d.Shared = append(d.Shared, append([]byte{}, p...))
		}
	default:
		return Data{}, ErrMalformed
	}
	if !s.Empty() {
		return Data{}, ErrMalformed
	}
	return d, nil
}

func (d *Data) setRSSI(v uint16) {
	if v == NoRSSI {
		return
	}
	d.RSSI, d.HasRSSI = int(int16(v)), true
}

// A Reassembler collects the fragments written by one central.
// It is not safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// Append adds a fragment. It returns the value once it is complete; until
// then ok is false. A malformed value resets the reassembler.
func (r *Reassembler) Append(fragment []byte) (d Data, ok bool, err error) {
	r.buf = append(r.buf, fragment...)
	d, err = Decode(r.buf)
	switch {
	case err == nil:
		r.buf = nil
		return d, true, nil
	case errors.Is(err, ErrIncomplete):
		return Data{}, false, nil
	default:
		r.buf = nil
		return Data{}, false, err
	}
}

// Pending returns the number of buffered bytes.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset drops any buffered fragments.
func (r *Reassembler) Reset() {
	r.buf = nil
}
