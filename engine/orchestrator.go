package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/encounter"
	"github.com/XC-/proximity/peer"
	"github.com/XC-/proximity/signal"
)

var (
	// ErrConnectTimeout is logged when a peer does not connect in time.
	ErrConnectTimeout = errors.New("engine: connect timeout")

	errSessionLost            = errors.New("engine: peer disconnected")
	errNoSignalCharacteristic = errors.New("engine: no signal characteristic")
)

// Task is the work to do with a peer on its next connection.
type Task int

const (
	TaskNothing Task = iota
	TaskReadPayload
	TaskWritePayload
	TaskWriteRSSI
	TaskWritePayloadSharing
)

func (t Task) String() string {
	switch t {
	case TaskNothing:
		return "nothing"
	case TaskReadPayload:
		return "readPayload"
	case TaskWritePayload:
		return "writePayload"
	case TaskWriteRSSI:
		return "writeRSSI"
	case TaskWritePayloadSharing:
		return "writePayloadSharing"
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// A Saver persists completed exchanges. *encounter.Pipeline is one.
type Saver interface {
	Save(ctx context.Context, x encounter.Exchange) (*encounter.Record, error)
}

// PayloadFunc returns the local identity payload.
type PayloadFunc func() []byte

// session is the state of one connection, filled in by callbacks.
type session struct {
	conn         proximity.Conn
	connected    bool
	disconnected bool
	discovered   bool
	svcs         []proximity.DiscoveredService
	read         bool
	value        []byte
	written      bool
	err          error
}

// An Orchestrator decides what to do with each peer and carries it out
// over a GATT connection. It receives the connection callbacks.
type Orchestrator struct {
	cfg          Config
	now          func() time.Time
	driver       proximity.Driver
	transport    Transport
	canAdvertise bool
	registry     *peer.Registry
	filter       *peer.Filter
	pipeline     Saver
	payload      PayloadFunc

	mu       sync.Mutex
	sessions map[string]*session
}

func newOrchestrator(e *Engine) *Orchestrator {
	return &Orchestrator{
		cfg:          e.cfg,
		now:          e.now,
		driver:       e.driver,
		transport:    e.transport,
		canAdvertise: e.caps.Advertise,
		registry:     e.registry,
		filter:       e.filter,
		pipeline:     e.pipeline,
		payload:      e.payload,
		sessions:     make(map[string]*session),
	}
}

// NextTask returns the task for d at now, in priority order.
func (o *Orchestrator) NextTask(d *peer.Device, now time.Time) Task {
	if d.Ignored(now) {
		return TaskNothing
	}
	if d.ReceiveOnly() {
		return TaskNothing
	}
	os := d.OS()
	switch os {
	case peer.OSShared:
		return TaskNothing
	case peer.OSUnknown, peer.OSIOSTBC:
		return TaskReadPayload
	}
	if p, at := d.Payload(); p == nil || now.Sub(at) > o.cfg.PayloadRefresh {
		return TaskReadPayload
	}
	if !o.canAdvertise {
		return o.writeFallback(d, now)
	}
	if os.IsIOS() && o.sharingDue(d, now) {
		return TaskWritePayloadSharing
	}
	return TaskNothing
}

// writeFallback picks a write for a device that cannot be read by peers.
// When both RSSI and payload sharing are due the one written longer ago
// goes first.
func (o *Orchestrator) writeFallback(d *peer.Device, now time.Time) Task {
	if now.Sub(d.LastWrite(signal.KindPayload)) >= o.cfg.PayloadWriteInterval {
		return TaskWritePayload
	}
	rssiAt := d.LastWrite(signal.KindRSSI)
	shareAt := d.LastWrite(signal.KindPayloadSharing)
	_, hasRSSI := d.RSSI()
	rssiDue := hasRSSI && now.Sub(rssiAt) >= o.cfg.SignalWriteInterval
	shareDue := o.sharingDue(d, now)
	switch {
	case rssiDue && (!shareDue || !rssiAt.After(shareAt)):
		return TaskWriteRSSI
	case shareDue:
		return TaskWritePayloadSharing
	}
	return TaskNothing
}

func (o *Orchestrator) sharingDue(d *peer.Device, now time.Time) bool {
	if now.Sub(d.LastWrite(signal.KindPayloadSharing)) < o.cfg.SignalWriteInterval {
		return false
	}
	payloads, _ := o.registry.PayloadSharingData(d, now)
	return len(payloads) > 0
}

// Process handles one batch of scan results: it updates the registry,
// classifies peers, expires stale ones, repairs stuck states and then
// runs tasks in discovery order within the processing budget.
func (o *Orchestrator) Process(ctx context.Context, batch []proximity.Peripheral) {
	start := time.Now()
	now := o.now()
	for _, p := range dedupe(batch) {
		d := o.registry.DeviceFor(p.Address)
		if p.HasRSSI {
			d.SetRSSI(p.RSSI, now)
		} else {
			d.Touch(now)
		}
		d.SetReceiveOnly(false)
		peer.Infer(d, &p.Advertisement, o.filter, now, o.cfg.IgnoreFor)
		o.registry.Adopt(d)
	}
	for _, d := range o.registry.Expire(now, o.cfg.Expiry) {
		o.closeSession(d.Address)
	}
	o.repair(now)

	budget := o.cfg.ProcessingBudget
	deadline := start.Add(budget)
	var n int
	for _, d := range o.registry.All() {
		if ctx.Err() != nil {
			return
		}
		elapsed := time.Since(start)
		if n > 0 && elapsed+elapsed/time.Duration(n) > budget {
			log.WithFields(logrus.Fields{"done": n, "elapsed": elapsed}).Info("processing budget exhausted")
			return
		}
		task := o.NextTask(d, o.now())
		if task == TaskNothing {
			continue
		}
		o.run(ctx, d, task, deadline)
		n++
	}
}

// dedupe keeps the last report per address, in first-seen order.
func dedupe(batch []proximity.Peripheral) []proximity.Peripheral {
	idx := make(map[string]int, len(batch))
	var out []proximity.Peripheral
	for _, p := range batch {
		if i, ok := idx[p.Address]; ok {
			out[i] = p
			continue
		}
		idx[p.Address] = len(out)
		out = append(out, p)
	}
	return out
}

// repair forces peers stuck in connecting or connected to disconnected.
func (o *Orchestrator) repair(now time.Time) {
	for _, d := range o.registry.All() {
		s, since := d.State()
		stuck := (s == proximity.StateConnecting && now.Sub(since) > o.cfg.ConnectTimeout) ||
			(s == proximity.StateConnected && now.Sub(since) > o.cfg.ConnectedTimeout)
		if !stuck {
			continue
		}
		log.WithFields(d.Fields()).Warn("forcing disconnect of stuck peer")
		o.closeSession(d.Address)
		d.SetState(proximity.StateDisconnected, now)
	}
}

func (o *Orchestrator) closeSession(address string) {
	o.mu.Lock()
	s := o.sessions[address]
	delete(o.sessions, address)
	o.mu.Unlock()
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}

// check evaluates f on s under the lock.
func (o *Orchestrator) check(s *session, f func(*session) bool) func() bool {
	return func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return f(s)
	}
}

// waitFor polls cond until it holds, the deadline passes or ctx is done.
func (o *Orchestrator) waitFor(ctx context.Context, deadline time.Time, cond func() bool) bool {
	t := time.NewTicker(o.cfg.PollInterval)
	defer t.Stop()
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// run connects to d, carries out task and disconnects. It returns once d
// is disconnected, by callback or by force.
func (o *Orchestrator) run(ctx context.Context, d *peer.Device, task Task, deadline time.Time) {
	if !d.TryAcquire() {
		return
	}
	defer d.Release()
	l := log.WithFields(d.Fields()).WithField("task", task.String())
	if err := d.SetState(proximity.StateConnecting, o.now()); err != nil {
		l.WithError(err).Debug("skipping")
		return
	}

	s := &session{}
	o.mu.Lock()
	o.sessions[d.Address] = s
	o.mu.Unlock()
	defer o.closeSession(d.Address)

	conn, err := o.driver.Connect(d.Address, o.transport.connectOptions(), o)
	if err != nil {
		l.WithError(err).Warn("connect failed")
		d.SetState(proximity.StateDisconnected, o.now())
		return
	}
	o.mu.Lock()
	s.conn = conn
	o.mu.Unlock()

	ok := o.waitFor(ctx, earliest(time.Now().Add(o.cfg.ConnectTimeout), deadline), o.check(s, func(s *session) bool {
		return s.connected || s.disconnected
	}))
	if !ok || !o.check(s, func(s *session) bool { return s.connected && !s.disconnected })() {
		l.WithError(ErrConnectTimeout).Warn("not connected")
		d.SetState(proximity.StateDisconnected, o.now())
		return
	}
	l.Debug("connected")

	useBy := earliest(time.Now().Add(o.cfg.ConnectedTimeout), deadline)
	if err := o.exchange(ctx, d, s, conn, task, useBy); err != nil {
		l.WithError(err).Info("exchange incomplete")
	}
	o.disconnect(ctx, d, s, conn, deadline)
}

// exchange discovers services, confirms the peer and carries out task.
func (o *Orchestrator) exchange(ctx context.Context, d *peer.Device, s *session, conn proximity.Conn, task Task, useBy time.Time) error {
	if err := conn.DiscoverServices(); err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if err := o.await(ctx, s, useBy, func(s *session) bool { return s.discovered }); err != nil {
		return err
	}
	o.mu.Lock()
	svcs := s.svcs
	o.mu.Unlock()
	if !peer.Confirm(d, svcs, o.now(), o.cfg.IgnoreFor) {
		return errNoSignalCharacteristic
	}

	switch task {
	case TaskReadPayload:
		return o.readPayload(ctx, d, s, conn, useBy)
	case TaskWritePayload, TaskWriteRSSI, TaskWritePayloadSharing:
		return o.write(ctx, d, s, conn, task, useBy)
	}
	return nil
}

// await waits for done or a disconnect and returns the callback error.
func (o *Orchestrator) await(ctx context.Context, s *session, useBy time.Time, done func(*session) bool) error {
	ok := o.waitFor(ctx, useBy, o.check(s, func(s *session) bool {
		return done(s) || s.disconnected
	}))
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case !ok:
		return context.DeadlineExceeded
	case s.err != nil:
		return s.err
	case !done(s):
		return errSessionLost
	}
	return nil
}

func (o *Orchestrator) readPayload(ctx context.Context, d *peer.Device, s *session, conn proximity.Conn, useBy time.Time) error {
	u := proximity.PayloadCharacteristicUUID
	if c, _ := d.SignalCharacteristic(); d.Legacy() && c.Equal(proximity.LegacyCharacteristicUUID) {
		u = proximity.LegacyCharacteristicUUID
	}
	if err := conn.ReadCharacteristic(u); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := o.await(ctx, s, useBy, func(s *session) bool { return s.read }); err != nil {
		return err
	}
	o.mu.Lock()
	value := s.value
	o.mu.Unlock()
	d.SetPayload(value, o.now())
	saveExchange(ctx, o.pipeline, d, value)
	return nil
}

func (o *Orchestrator) write(ctx context.Context, d *peer.Device, s *session, conn proximity.Conn, task Task, useBy time.Time) error {
	now := o.now()
	var (
		kind     signal.Kind
		value    []byte
		payloads [][]byte
		err      error
	)
	switch task {
	case TaskWritePayload:
		kind = signal.KindPayload
		value, err = signal.EncodePayload(o.payload())
	case TaskWriteRSSI:
		rssi, ok := d.RSSI()
		if !ok {
			return nil
		}
		kind, value = signal.KindRSSI, signal.EncodeRSSI(rssi)
	case TaskWritePayloadSharing:
		payloads, _ = o.registry.PayloadSharingData(d, now)
		if len(payloads) == 0 {
			return nil
		}
		rssi, ok := d.RSSI()
		if !ok {
			rssi = signal.NoRSSI
		}
		kind = signal.KindPayloadSharing
		value, err = signal.EncodePayloadSharing(rssi, payloads)
	}
	if err != nil {
		return err
	}

	mtu := conn.MTU()
	if mtu <= 0 {
		mtu = o.cfg.MTU
	}
	q := signal.NewWriteQueue(kind, value, mtu)
	d.SetWriteQueue(q)
	defer d.SetWriteQueue(nil)
	frag, ok := q.Next()
	if !ok {
		return nil
	}
	char, _ := d.SignalCharacteristic()
	if err := conn.WriteCharacteristic(char, frag, true); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	if err := o.await(ctx, s, useBy, func(s *session) bool { return s.written }); err != nil {
		return err
	}
	if kind == signal.KindPayloadSharing {
		d.MarkShared(payloads, o.now())
	}
	log.WithFields(d.Fields()).WithFields(logrus.Fields{"kind": kind.String(), "fragments": q.Len()}).Debug("write complete")
	return nil
}

// disconnect ends the connection, forcing the state once the deadline
// passes.
func (o *Orchestrator) disconnect(ctx context.Context, d *peer.Device, s *session, conn proximity.Conn, deadline time.Time) {
	if err := conn.Disconnect(); err != nil {
		log.WithFields(d.Fields()).WithError(err).Debug("disconnect")
	}
	if !o.waitFor(ctx, deadline, o.check(s, func(s *session) bool { return s.disconnected })) {
		log.WithFields(d.Fields()).Warn("forcing disconnect")
	}
	d.SetState(proximity.StateDisconnected, o.now())
}

func (o *Orchestrator) session(address string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[address]
}

func (o *Orchestrator) OnConnectionStateChanged(address string, state proximity.ConnState, err error) {
	if d, ok := o.registry.Get(address); ok {
		if err := d.SetState(state, o.now()); err != nil {
			log.WithFields(d.Fields()).WithError(err).Debug("late state callback")
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[address]
	if s == nil {
		return
	}
	switch state {
	case proximity.StateConnected:
		s.connected = true
	case proximity.StateDisconnected:
		s.disconnected = true
		if err != nil && s.err == nil {
			s.err = err
		}
	}
}

func (o *Orchestrator) OnServicesDiscovered(address string, svcs []proximity.DiscoveredService, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.sessions[address]; s != nil {
		s.svcs, s.err, s.discovered = svcs, err, true
	}
}

func (o *Orchestrator) OnCharacteristicRead(address string, u proximity.UUID, value []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.sessions[address]; s != nil {
		s.value, s.err, s.read = append([]byte(nil), value...), err, true
	}
}

// OnCharacteristicWrite writes the next queued fragment, or marks the
// write complete and stamps the peer once the queue drains.
func (o *Orchestrator) OnCharacteristicWrite(address string, u proximity.UUID, err error) {
	s := o.session(address)
	d, ok := o.registry.Get(address)
	if s == nil || !ok {
		return
	}
	finish := func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		s.err, s.written = err, true
	}
	if err != nil {
		finish(err)
		return
	}
	q := d.WriteQueue()
	if q == nil {
		finish(nil)
		return
	}
	if frag, ok := q.Next(); ok {
		o.mu.Lock()
		conn := s.conn
		o.mu.Unlock()
		if err := conn.WriteCharacteristic(u, frag, true); err != nil {
			finish(err)
		}
		return
	}
	d.SetLastWrite(q.Kind(), o.now())
	finish(nil)
}

// saveExchange hands a payload received from d to the pipeline.
func saveExchange(ctx context.Context, p Saver, d *peer.Device, payload []byte) {
	x := encounter.Exchange{Address: d.Address, Payload: payload}
	if rssi, ok := d.RSSI(); ok {
		x.RSSI = &rssi
	}
	if tx, ok := d.TxPower(); ok {
		x.TxPower = &tx
	}
	_, err := p.Save(ctx, x)
	switch {
	case err == nil:
	case errors.Is(err, encounter.ErrDuplicate), errors.Is(err, encounter.ErrMalformedPayload):
		log.WithFields(d.Fields()).WithError(err).Debug("exchange dropped")
	default:
		log.WithFields(d.Fields()).WithError(err).Error("saving encounter failed")
	}
}
