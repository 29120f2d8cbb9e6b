package peer

import (
	"time"

	"github.com/XC-/proximity"
)

// rank orders OS values for monotonic upgrades. Ignore and shared are
// handled separately.
func rank(o OS) int {
	switch o {
	case OSAndroidTBC, OSIOSTBC:
		return 1
	case OSAndroid, OSIOS:
		return 2
	}
	return 0
}

// upgrade applies next to d's OS if it does not lose information.
// d.mu must be held.
func (d *Device) upgrade(next OS) {
	cur := d.os
	switch {
	case cur == next:
	case cur.Confirmed():
		// Confirmed values only change through Confirm.
	case next == OSIgnore:
		d.os = OSIgnore
	case rank(next) >= rank(cur):
		d.os = next
	}
}

// Infer classifies d from an advertisement and returns the resulting OS.
// An ignored device is left alone until its ignore window lapses.
func Infer(d *Device, adv *proximity.Advertisement, f *Filter, now time.Time, ignoreFor time.Duration) OS {
	if d.Ignored(now) {
		return OSIgnore
	}
	sensor := adv.HasService(proximity.SensorServiceUUID)
	md, apple := adv.ManufacturerDataFor(proximity.ManufacturerIDApple)

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := adv.PseudoAddress(); ok {
		d.pseudo = append([]byte(nil), p...)
	}
	if adv.HasTxPower {
		d.txPower = adv.TxPowerLevel
		d.hasTxPower = true
	}
	switch {
	case sensor && apple:
		d.upgrade(OSIOS)
	case sensor:
		d.upgrade(OSAndroidTBC)
	case apple:
		if f != nil && f.Match(md) && !d.os.Confirmed() {
			d.os = OSIgnore
			d.ignoreUntil = now.Add(ignoreFor)
			break
		}
		d.upgrade(OSIOSTBC)
	default:
		if !d.os.Confirmed() {
			d.os = OSIgnore
			d.ignoreUntil = now.Add(ignoreFor)
		}
	}
	if d.os != OSIgnore {
		d.ignoreUntil = time.Time{}
	}
	return d.os
}

// Confirm settles d's OS from the result of service discovery. It reports
// false when d exposes no signal characteristic, in which case d is
// ignored for ignoreFor.
func Confirm(d *Device, svcs []proximity.DiscoveredService, now time.Time, ignoreFor time.Duration) bool {
	var android, ios, legacy bool
	for _, s := range svcs {
		for _, c := range s.Characteristics {
			switch {
			case c.Equal(proximity.AndroidSignalCharacteristicUUID):
				android = true
			case c.Equal(proximity.IOSSignalCharacteristicUUID):
				ios = true
			case c.Equal(proximity.LegacyCharacteristicUUID):
				legacy = true
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacy = legacy
	switch {
	case android:
		d.os = OSAndroid
		d.signalChar = proximity.AndroidSignalCharacteristicUUID
	case ios:
		d.os = OSIOS
		d.signalChar = proximity.IOSSignalCharacteristicUUID
	case legacy:
		switch d.os {
		case OSAndroidTBC:
			d.os = OSAndroid
		case OSIOSTBC:
			d.os = OSIOS
		}
		d.signalChar = proximity.LegacyCharacteristicUUID
	default:
		d.os = OSIgnore
		d.ignoreUntil = now.Add(ignoreFor)
		return false
	}
	d.ignoreUntil = time.Time{}
	return true
}
