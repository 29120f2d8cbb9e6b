package sim

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/XC-/proximity"
)

type events struct {
	mu    sync.Mutex
	state []proximity.ConnState
	svcs  []proximity.DiscoveredService
	read  []byte
	err   error
	done  chan struct{}
}

func newEvents() *events { return &events{done: make(chan struct{}, 16)} }

func (e *events) OnConnectionStateChanged(_ string, s proximity.ConnState, err error) {
	e.mu.Lock()
	e.state = append(e.state, s)
	e.err = err
	e.mu.Unlock()
	e.done <- struct{}{}
}

func (e *events) OnServicesDiscovered(_ string, svcs []proximity.DiscoveredService, err error) {
	e.mu.Lock()
	e.svcs, e.err = svcs, err
	e.mu.Unlock()
	e.done <- struct{}{}
}

func (e *events) OnCharacteristicRead(_ string, _ proximity.UUID, v []byte, err error) {
	e.mu.Lock()
	e.read, e.err = v, err
	e.mu.Unlock()
	e.done <- struct{}{}
}

func (e *events) OnCharacteristicWrite(_ string, _ proximity.UUID, err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.done <- struct{}{}
}

func (e *events) wait(t *testing.T) {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(time.Second):
		t.Fatal("no callback")
	}
}

func TestBroadcast(t *testing.T) {
	air := NewAir()
	tx := air.NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{Advertise: true})
	rx := air.NewRadio("AA:AA:AA:AA:AA:02", proximity.Capabilities{Advertise: true})
	pseudo := []byte{1, 2, 3, 4, 5, 6}
	adv, err := proximity.SensorAdvertisingPacket(pseudo)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Advertise(adv, proximity.ScanResponsePacket("tx")); err != nil {
		t.Fatal(err)
	}
	var got []proximity.Peripheral
	if err := rx.Scan([]proximity.UUID{proximity.SensorServiceUUID}, func(p proximity.Peripheral) {
		got = append(got, p)
	}); err != nil {
		t.Fatal(err)
	}
	air.Broadcast()
	if len(got) != 1 {
		t.Fatalf("found %d peripherals want 1", len(got))
	}
	p := got[0]
	if p.Address != tx.Address() || p.RSSI != DefaultRSSI {
		t.Errorf("peripheral: got %s %d want %s %d", p.Address, p.RSSI, tx.Address(), DefaultRSSI)
	}
	if !p.Advertisement.HasService(proximity.SensorServiceUUID) || p.Advertisement.LocalName != "tx" {
		t.Errorf("advertisement: got %+v", p.Advertisement)
	}
	if a, ok := p.Advertisement.PseudoAddress(); !ok || !bytes.Equal(a, pseudo) {
		t.Errorf("pseudo address: got %x want %x", a, pseudo)
	}

	tx.SetPowered(false)
	air.Broadcast()
	if len(got) != 1 {
		t.Errorf("powered off radio still heard")
	}
}

func TestAdvertiseNotSupported(t *testing.T) {
	r := NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	if err := r.Advertise(nil, nil); !errors.Is(err, proximity.ErrNotSupported) {
		t.Errorf("Advertise: got %v want %v", err, proximity.ErrNotSupported)
	}
}

func TestConnectReadWrite(t *testing.T) {
	air := NewAir()
	central := air.NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{LETransport: true})
	periph := air.NewRadio("AA:AA:AA:AA:AA:02", proximity.Capabilities{Advertise: true})

	value := bytes.Repeat([]byte("0123456789"), 5)
	var written [][]byte
	svc := proximity.NewService(proximity.SensorServiceUUID)
	svc.AddCharacteristic(proximity.PayloadCharacteristicUUID).HandleReadFunc(
		func(resp proximity.ReadResponseWriter, req *proximity.ReadRequest) {
			v := value[req.Offset:]
			if len(v) > req.Cap {
				v = v[:req.Cap]
			}
			resp.Write(v)
		})
	svc.AddCharacteristic(proximity.AndroidSignalCharacteristicUUID).HandleWriteFunc(
		func(r proximity.Request, data []byte) byte {
			if r.Address != central.Address() {
				t.Errorf("write from %s want %s", r.Address, central.Address())
			}
			written = append(written, data)
			return proximity.StatusSuccess
		})
	periph.Serve([]*proximity.Service{svc})

	ev := newEvents()
	c, err := central.Connect(periph.Address(), proximity.ConnectOptions{LETransport: true}, ev)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ev.wait(t)
	if ev.state[0] != proximity.StateConnected {
		t.Fatalf("state: got %s want connected", ev.state[0])
	}

	c.DiscoverServices()
	ev.wait(t)
	if len(ev.svcs) != 1 || len(ev.svcs[0].Characteristics) != 2 {
		t.Fatalf("services: got %+v", ev.svcs)
	}

	c.ReadCharacteristic(proximity.PayloadCharacteristicUUID)
	ev.wait(t)
	if !bytes.Equal(ev.read, value) {
		t.Errorf("read: got %q want %q", ev.read, value)
	}

	c.WriteCharacteristic(proximity.AndroidSignalCharacteristicUUID, []byte("abc"), true)
	ev.wait(t)
	if ev.err != nil || len(written) != 1 {
		t.Errorf("write: err %v, %d writes", ev.err, len(written))
	}
	if err := c.WriteCharacteristic(proximity.AndroidSignalCharacteristicUUID, make([]byte, 21), true); err == nil {
		t.Error("write longer than mtu accepted")
	}

	c.ReadCharacteristic(proximity.IOSSignalCharacteristicUUID)
	ev.wait(t)
	var ae AttError
	if !errors.As(ev.err, &ae) || byte(ae) != proximity.StatusAttrNotFound {
		t.Errorf("read of missing characteristic: got %v", ev.err)
	}

	c.Disconnect()
	ev.wait(t)
	if s := ev.state[len(ev.state)-1]; s != proximity.StateDisconnected {
		t.Errorf("state: got %s want disconnected", s)
	}
}

func TestConnectUnreachable(t *testing.T) {
	air := NewAir()
	central := air.NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	ev := newEvents()
	if _, err := central.Connect("AA:AA:AA:AA:AA:09", proximity.ConnectOptions{LETransport: true}, ev); !errors.Is(err, proximity.ErrNotSupported) {
		t.Errorf("LE transport on legacy radio: got %v want %v", err, proximity.ErrNotSupported)
	}
	c, err := central.Connect("AA:AA:AA:AA:AA:09", proximity.ConnectOptions{}, ev)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ev.wait(t)
	if ev.state[0] != proximity.StateDisconnected || !errors.Is(ev.err, ErrUnreachable) {
		t.Errorf("got %s, %v want disconnected, %v", ev.state[0], ev.err, ErrUnreachable)
	}
}
