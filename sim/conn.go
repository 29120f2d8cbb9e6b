package sim

import (
	"sync"

	"github.com/XC-/proximity"
)

// conn delivers the callbacks of one connection in order on its own
// goroutine.
type conn struct {
	local   *Radio
	remote  *Radio
	address string
	mtu     int
	ev      proximity.ConnectionEvents

	mu     sync.Mutex
	closed bool
	events chan func()
}

func newConn(local, remote *Radio, address string, mtu int, ev proximity.ConnectionEvents) *conn {
	c := &conn{
		local:   local,
		remote:  remote,
		address: address,
		mtu:     mtu,
		ev:      ev,
		events:  make(chan func(), 64),
	}
	go func() {
		for fn := range c.events {
			fn()
		}
	}()
	return c
}

func (c *conn) post(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.events <- fn:
		return nil
	default:
		return errBusy
	}
}

func (c *conn) RemoteAddr() string { return c.address }

func (c *conn) MTU() int { return c.mtu }

func (c *conn) DiscoverServices() error {
	return c.post(func() {
		var out []proximity.DiscoveredService
		if c.remote != nil {
			for _, s := range c.remote.services() {
				out = append(out, s.Discovered())
			}
		}
		c.ev.OnServicesDiscovered(c.address, out, nil)
	})
}

// ReadCharacteristic reads the whole value with read blob requests of at
// most mtu bytes.
func (c *conn) ReadCharacteristic(u proximity.UUID) error {
	return c.post(func() {
		ch := c.remote.characteristic(u)
		if ch == nil {
			c.ev.OnCharacteristicRead(c.address, u, nil, AttError(proximity.StatusAttrNotFound))
			return
		}
		var value []byte
		for {
			b, status := ch.Read(c.local.address, len(value), c.mtu)
			if status != proximity.StatusSuccess {
				c.ev.OnCharacteristicRead(c.address, u, nil, AttError(status))
				return
			}
			value = append(value, b...)
			if len(b) < c.mtu {
				break
			}
		}
		c.ev.OnCharacteristicRead(c.address, u, value, nil)
	})
}

func (c *conn) WriteCharacteristic(u proximity.UUID, b []byte, withResponse bool) error {
	if len(b) > c.mtu {
		return AttError(proximity.StatusInvalidLength)
	}
	b = append([]byte(nil), b...)
	return c.post(func() {
		ch := c.remote.characteristic(u)
		if ch == nil {
			c.ev.OnCharacteristicWrite(c.address, u, AttError(proximity.StatusAttrNotFound))
			return
		}
		var err error
		if status := ch.Write(c.local.address, b); status != proximity.StatusSuccess {
			err = AttError(status)
		}
		c.ev.OnCharacteristicWrite(c.address, u, err)
	})
}

func (c *conn) Disconnect() error {
	return c.post(func() {
		c.ev.OnConnectionStateChanged(c.address, proximity.StateDisconnected, nil)
	})
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
