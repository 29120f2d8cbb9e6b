package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/peer"
	"github.com/XC-/proximity/signal"
)

// A Server handles the local sensor service: peers read our payload and
// write their signal data into it.
type Server struct {
	registry *peer.Registry
	pipeline Saver
	payload  PayloadFunc
	now      func() time.Time
	ctx      context.Context
	service  *proximity.Service
}

func newServer(ctx context.Context, r *peer.Registry, p Saver, payload PayloadFunc, now func() time.Time) *Server {
	s := &Server{registry: r, pipeline: p, payload: payload, now: now, ctx: ctx}
	svc := proximity.NewService(proximity.SensorServiceUUID)
	svc.AddCharacteristic(proximity.AndroidSignalCharacteristicUUID).HandleWriteFunc(s.serveWrite)
	svc.AddCharacteristic(proximity.IOSSignalCharacteristicUUID).HandleWriteFunc(s.serveWrite)
	svc.AddCharacteristic(proximity.PayloadCharacteristicUUID).HandleReadFunc(s.servePayload)
	s.service = svc
	return s
}

// Service returns the sensor service to publish.
func (s *Server) Service() *proximity.Service {
	return s.service
}

func (s *Server) servePayload(resp proximity.ReadResponseWriter, req *proximity.ReadRequest) {
	p := s.payload()
	if req.Offset > len(p) {
		resp.SetStatus(proximity.StatusInvalidOffset)
		return
	}
	p = p[req.Offset:]
	if len(p) > req.Cap {
		p = p[:req.Cap]
	}
	resp.Write(p)
}

// serveWrite reassembles signal data written by a central. Fragments of
// an incomplete value are acknowledged and buffered per writer.
func (s *Server) serveWrite(r proximity.Request, data []byte) byte {
	now := s.now()
	d, known := s.registry.Get(r.Address)
	if !known {
		d = s.registry.DeviceFor(r.Address)
		d.SetReceiveOnly(true)
	}
	v, ok, err := d.AppendInbound(data, now)
	if err != nil {
		log.WithFields(d.Fields()).WithError(err).Debug("dropping malformed write")
		return proximity.StatusSuccess
	}
	if !ok {
		return proximity.StatusSuccess
	}
	switch v.Kind {
	case signal.KindPayload:
		d.SetPayload(v.Payload, now)
		saveExchange(s.ctx, s.pipeline, d, v.Payload)
	case signal.KindRSSI:
		if v.HasRSSI {
			d.SetRSSI(v.RSSI, now)
		} else {
			d.Touch(now)
		}
	case signal.KindPayloadSharing:
		d.Touch(now)
		for _, p := range v.Shared {
			sd := s.registry.DeviceFor(SharedAddress(p))
			if sd.OS() == peer.OSUnknown {
				sd.SetOS(peer.OSShared)
			}
			if v.HasRSSI {
				sd.SetRSSI(v.RSSI, now)
			}
			sd.SetPayload(p, now)
			saveExchange(s.ctx, s.pipeline, sd, p)
		}
	}
	log.WithFields(d.Fields()).WithField("kind", v.Kind.String()).Debug("received")
	return proximity.StatusSuccess
}

// SharedAddress is the registry key of a peer known only through a relayed
// payload.
func SharedAddress(payload []byte) string {
	h := sha256.Sum256(payload)
	return "shared:" + hex.EncodeToString(h[:8])
}
