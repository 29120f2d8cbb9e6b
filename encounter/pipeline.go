package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "encounter")

// DefaultDedupWindow is how long a saved address suppresses further
// records.
const DefaultDedupWindow = 5 * time.Second

var (
	// ErrMalformedPayload is returned for a peer payload that is not an
	// identity document. The exchange is dropped.
	ErrMalformedPayload = errors.New("encounter: malformed peer payload")

	// ErrDuplicate is returned when the address was saved within the
	// dedup window.
	ErrDuplicate = errors.New("encounter: duplicate within dedup window")
)

// An Encrypter seals the local metadata blob.
type Encrypter interface {
	Encrypt(plaintext []byte) (string, error)
}

// An Exchange is a completed payload read or write with one peer.
type Exchange struct {
	Address string
	Payload []byte
	RSSI    *int
	TxPower *int
}

// identity is the self-asserted identity document a peer serves.
type identity struct {
	Version      int    `json:"v"`
	Organization string `json:"org"`
	Message      string `json:"msg"`
	PeerModel    string `json:"modelP,omitempty"`
}

// DecodeIdentity parses a peer identity payload.
func DecodeIdentity(b []byte) (version int, org, msg, model string, err error) {
	var id identity
	if err := json.Unmarshal(b, &id); err != nil {
		return 0, "", "", "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if id.Message == "" {
		return 0, "", "", "", fmt.Errorf("%w: no msg", ErrMalformedPayload)
	}
	return id.Version, id.Organization, id.Message, id.PeerModel, nil
}

// EncodeIdentity builds the identity payload served by the local device.
func EncodeIdentity(version int, org, msg, model string) ([]byte, error) {
	return json.Marshal(identity{Version: version, Organization: org, Message: msg, PeerModel: model})
}

type localBlob struct {
	CentralModel    string `json:"modelC,omitempty"`
	PeripheralModel string `json:"modelP,omitempty"`
	RSSI            *int   `json:"rssi,omitempty"`
	TxPower         *int   `json:"txPower,omitempty"`
}

// A Pipeline saves exchanges as records, at most one per address per dedup
// window.
type Pipeline struct {
	enc    Encrypter
	store  Store
	model  string
	window time.Duration
	now    func() time.Time
	newID  func() uuid.UUID

	mu     sync.Mutex
	recent map[string]time.Time
}

// A PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithModel sets the local device model written to every local blob.
func WithModel(m string) PipelineOption {
	return func(p *Pipeline) { p.model = m }
}

// WithDedupWindow sets the per-address suppression window.
func WithDedupWindow(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.window = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline returns a Pipeline encrypting with enc and persisting to s.
func NewPipeline(enc Encrypter, s Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		enc:    enc,
		store:  s,
		window: DefaultDedupWindow,
		now:    time.Now,
		newID:  uuid.New,
		recent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// reserve claims address for a save at now. Expired entries are pruned
// first.
func (p *Pipeline) reserve(address string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for a, t := range p.recent {
		if now.Sub(t) >= p.window {
			delete(p.recent, a)
		}
	}
	if _, ok := p.recent[address]; ok {
		return false
	}
	p.recent[address] = now
	return true
}

func (p *Pipeline) unreserve(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recent, address)
}

// Save turns x into a record and persists it. Nothing is persisted when
// any step fails.
func (p *Pipeline) Save(ctx context.Context, x Exchange) (*Record, error) {
	version, org, msg, peerModel, err := DecodeIdentity(x.Payload)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if !p.reserve(x.Address, now) {
		return nil, ErrDuplicate
	}
	r, err := p.save(ctx, x, now, version, org, msg, peerModel)
	if err != nil {
		p.unreserve(x.Address)
		return nil, err
	}
	log.WithFields(logrus.Fields{"peer": x.Address, "id": r.ID}).Info("encounter saved")
	return r, nil
}

func (p *Pipeline) save(ctx context.Context, x Exchange, now time.Time, version int, org, msg, peerModel string) (*Record, error) {
	b, err := json.Marshal(localBlob{
		CentralModel:    p.model,
		PeripheralModel: peerModel,
		RSSI:            x.RSSI,
		TxPower:         x.TxPower,
	})
	if err != nil {
		return nil, err
	}
	local, err := p.enc.Encrypt(b)
	if err != nil {
		return nil, fmt.Errorf("encounter: encrypt local blob: %w", err)
	}
	r := &Record{
		ID:           p.newID(),
		Timestamp:    now,
		Version:      version,
		Organization: org,
		LocalBlob:    local,
		RemoteBlob:   msg,
	}
	if err := p.store.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("encounter: save: %w", err)
	}
	return r, nil
}
