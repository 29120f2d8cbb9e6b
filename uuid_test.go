package proximity

import (
	"bytes"
	"testing"
)

func TestUUID16(t *testing.T) {
	if want, got := (UUID{[]byte{0x00, 0x18}}), UUID16(0x1800); !got.Equal(want) {
		t.Errorf("UUID16: got %x, want %x", got, want)
	}
}

func TestReverse(t *testing.T) {
	cases := []struct {
		fwd  []byte
		back []byte
	}{
		{fwd: []byte{0, 1}, back: []byte{1, 0}},
		{fwd: []byte{0, 1, 2}, back: []byte{2, 1, 0}},
		{fwd: []byte{0, 1, 2, 3}, back: []byte{3, 2, 1, 0}},
		{
			fwd:  []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
			back: []byte{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		},
	}

	for _, tt := range cases {
		got := reverse(tt.fwd)
		if !bytes.Equal(got, tt.back) {
			t.Errorf("reverse(%x): got %x want %x", tt.fwd, got, tt.back)
		}

		u := UUID{tt.fwd}
		got = reverse(u.b)
		if !bytes.Equal(got, tt.back) {
			t.Errorf("UUID.reverse(%x): got %x want %x", tt.fwd, got, tt.back)
		}
	}
}

func TestParseUUID(t *testing.T) {
	cases := []struct {
		s    string
		wire []byte
		str  string
	}{
		{"1800", []byte{0x00, 0x18}, "1800"},
		{"0000FFFA", []byte{0xfa, 0xff, 0x00, 0x00}, "0000fffa"},
		{
			"428132af-4746-42d3-801e-4572d65bfd9b",
			[]byte{0x9b, 0xfd, 0x5b, 0xd6, 0x72, 0x45, 0x1e, 0x80, 0xd3, 0x42, 0x46, 0x47, 0xaf, 0x32, 0x81, 0x42},
			"428132af474642d3801e4572d65bfd9b",
		},
	}
	for _, tt := range cases {
		u, err := ParseUUID(tt.s)
		if err != nil {
			t.Errorf("ParseUUID(%q): %v", tt.s, err)
			continue
		}
		if !bytes.Equal(u.Bytes(), tt.wire) {
			t.Errorf("ParseUUID(%q) wire: got %x want %x", tt.s, u.Bytes(), tt.wire)
		}
		if got := u.String(); got != tt.str {
			t.Errorf("ParseUUID(%q) string: got %s want %s", tt.s, got, tt.str)
		}
		w, err := UUIDFromWire(tt.wire)
		if err != nil || !w.Equal(u) {
			t.Errorf("UUIDFromWire(%x): got %s %v want %s", tt.wire, w, err, u)
		}
	}
	for _, s := range []string{"18", "zz00", "180018"} {
		if _, err := ParseUUID(s); err == nil {
			t.Errorf("ParseUUID(%q): want error", s)
		}
	}
}

func TestUUIDContains(t *testing.T) {
	uu := []UUID{AndroidSignalCharacteristicUUID, PayloadCharacteristicUUID}
	if !PayloadCharacteristicUUID.Contains(uu) {
		t.Error("payload characteristic not found")
	}
	if IOSSignalCharacteristicUUID.Contains(uu) {
		t.Error("iOS characteristic found")
	}
	if !(UUID{}).IsZero() || SensorServiceUUID.IsZero() {
		t.Error("IsZero")
	}
}

func BenchmarkReverseBytes16(b *testing.B) {
	u := UUID{make([]byte, 2)}
	for i := 0; i < b.N; i++ {
		reverse(u.b)
	}
}

func BenchmarkReverseBytes128(b *testing.B) {
	u := UUID{make([]byte, 16)}
	for i := 0; i < b.N; i++ {
		reverse(u.b)
	}
}
