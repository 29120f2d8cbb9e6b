package proximity

import "time"

// A Peripheral is one scan report: a remote device seen advertising.
type Peripheral struct {
	Address string

	// RSSI is valid only when HasRSSI is true. Controllers may report a
	// sighting without a measurement.
	RSSI    int
	HasRSSI bool

	Advertisement Advertisement
	Seen          time.Time
}

// TxPower returns the advertised transmit power, if any.
func (p Peripheral) TxPower() (int, bool) {
	return p.Advertisement.TxPowerLevel, p.Advertisement.HasTxPower
}
