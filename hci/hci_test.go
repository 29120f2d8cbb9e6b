package hci

import (
	"testing"
	"time"

	"github.com/XC-/proximity"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func sensorAdvertisement(t *testing.T) []byte {
	adv, err := proximity.SensorAdvertisingPacket([]byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("SensorAdvertisingPacket: %v", err)
	}
	return adv
}

func TestDecodeNonConnectable(t *testing.T) {
	d := NewDecoder()
	pkt, err := EncodeAdvertisingReport(AdvNonconnInd, "AA:BB:CC:DD:EE:FF", sensorAdvertisement(t), -60)
	if err != nil {
		t.Fatalf("EncodeAdvertisingReport: %v", err)
	}
	pp, err := d.Decode(pkt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pp) != 1 {
		t.Fatalf("Decode: got %d peripherals want 1", len(pp))
	}
	p := pp[0]
	if p.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address: got %q want %q", p.Address, "AA:BB:CC:DD:EE:FF")
	}
	if p.RSSI != -60 {
		t.Errorf("rssi: got %d want -60", p.RSSI)
	}
	if !p.Advertisement.HasService(proximity.SensorServiceUUID) {
		t.Errorf("sensor service missing from %v", p.Advertisement.Services)
	}
	if pseudo, ok := p.Advertisement.PseudoAddress(); !ok || pseudo[5] != 6 {
		t.Errorf("pseudo address: got %x, %v", pseudo, ok)
	}
}

func TestDecodeMergesScanResponse(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	d := NewDecoderWithClock(clk.now)

	adv, _ := EncodeAdvertisingReport(AdvInd, "11:22:33:44:55:66", sensorAdvertisement(t), -70)
	rsp, _ := EncodeAdvertisingReport(ScanRsp, "11:22:33:44:55:66", proximity.ScanResponsePacket("gopher"), -71)

	pp, err := d.Decode(adv)
	if err != nil {
		t.Fatalf("Decode(adv): %v", err)
	}
	if len(pp) != 0 {
		t.Fatalf("scannable advertisement reported before its scan response: %v", pp)
	}
	pp, err = d.Decode(rsp)
	if err != nil {
		t.Fatalf("Decode(rsp): %v", err)
	}
	if len(pp) != 1 {
		t.Fatalf("Decode(rsp): got %d peripherals want 1", len(pp))
	}
	if got := pp[0].Advertisement.LocalName; got != "gopher" {
		t.Errorf("local name: got %q want %q", got, "gopher")
	}
	if !pp[0].Advertisement.Connectable {
		t.Errorf("ADV_IND should be connectable")
	}
	if pp[0].RSSI != -71 {
		t.Errorf("rssi: got %d want -71", pp[0].RSSI)
	}
}

func TestFlushReportsWithoutScanResponse(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	d := NewDecoderWithClock(clk.now)
	adv, _ := EncodeAdvertisingReport(AdvInd, "11:22:33:44:55:66", sensorAdvertisement(t), -70)
	if _, err := d.Decode(adv); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pp := d.Flush(); len(pp) != 0 {
		t.Fatalf("Flush before wait: got %d want 0", len(pp))
	}
	clk.t = clk.t.Add(DefaultScanResponseWait)
	if pp := d.Flush(); len(pp) != 1 {
		t.Fatalf("Flush after wait: got %d want 1", len(pp))
	}
	if pp := d.Flush(); len(pp) != 0 {
		t.Fatalf("second Flush: got %d want 0", len(pp))
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		pkt  []byte
		want error
	}{
		{pkt: []byte{}, want: ErrMalformed},
		{pkt: []byte{0x02, 0x00}, want: ErrNotAdvertisingReport},
		{pkt: []byte{0x04, 0x0E, 0x01, 0x00}, want: ErrNotAdvertisingReport},
		{pkt: []byte{0x04, 0x3E, 0x02, 0x01, 0x00}, want: ErrNotAdvertisingReport},
		{pkt: []byte{0x04, 0x3E, 0x03, 0x02, 0x01, 0x00}, want: ErrMalformed},
		{pkt: []byte{0x04, 0x3E, 0x05, 0x02}, want: ErrMalformed},
	}
	for _, tt := range cases {
		d := NewDecoder()
		if _, err := d.Decode(tt.pkt); err != tt.want {
			t.Errorf("Decode(%x): got %v want %v", tt.pkt, err, tt.want)
		}
	}
}

func TestDecodeUnavailableRSSI(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:01"
	cases := []struct {
		advRSSI, rspRSSI int
		wantRSSI         int
		wantHas          bool
	}{
		{advRSSI: -55, rspRSSI: -58, wantRSSI: -58, wantHas: true},
		{advRSSI: -55, rspRSSI: int(RSSIUnavailable), wantRSSI: -55, wantHas: true},
		{advRSSI: int(RSSIUnavailable), rspRSSI: -58, wantRSSI: -58, wantHas: true},
		{advRSSI: int(RSSIUnavailable), rspRSSI: int(RSSIUnavailable), wantHas: false},
	}
	for _, tt := range cases {
		d := NewDecoder()
		adv, _ := EncodeAdvertisingReport(AdvInd, addr, sensorAdvertisement(t), tt.advRSSI)
		rsp, _ := EncodeAdvertisingReport(ScanRsp, addr, nil, tt.rspRSSI)
		if _, err := d.Decode(adv); err != nil {
			t.Fatalf("Decode(adv): %v", err)
		}
		pp, err := d.Decode(rsp)
		if err != nil || len(pp) != 1 {
			t.Fatalf("Decode(rsp): got %d peripherals, err %v", len(pp), err)
		}
		if pp[0].HasRSSI != tt.wantHas || pp[0].RSSI != tt.wantRSSI {
			t.Errorf("adv %d rsp %d: got (%d, %v) want (%d, %v)",
				tt.advRSSI, tt.rspRSSI, pp[0].RSSI, pp[0].HasRSSI, tt.wantRSSI, tt.wantHas)
		}
	}

	d := NewDecoder()
	pkt, _ := EncodeAdvertisingReport(AdvNonconnInd, addr, sensorAdvertisement(t), int(RSSIUnavailable))
	pp, err := d.Decode(pkt)
	if err != nil || len(pp) != 1 {
		t.Fatalf("Decode: got %d peripherals, err %v", len(pp), err)
	}
	if pp[0].HasRSSI {
		t.Errorf("non-connectable report: got rssi %d want none", pp[0].RSSI)
	}
}
