package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/XC-/proximity/crypt"
)

var t0 = time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (s *memStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) MostRecent(context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	return s.records[len(s.records)-1], nil
}

func (s *memStore) All(context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.records...), nil
}

func (s *memStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

type failingEncrypter struct{}

func (failingEncrypter) Encrypt([]byte) (string, error) { return "", errors.New("no key") }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func identityPayload(t *testing.T) []byte {
	b, err := EncodeIdentity(2, "AU_DTA", "remote-ciphertext", "Pixel 4")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPipelineSave(t *testing.T) {
	priv, err := crypt.GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	ch, err := crypt.New(priv.PublicKey().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	s := &memStore{}
	c := &clock{t0}
	p := NewPipeline(ch, s, WithModel("iPhone12,1"), WithClock(c.now))

	rssi := -61
	r, err := p.Save(context.Background(), Exchange{Address: "AA", Payload: identityPayload(t), RSSI: &rssi})
	if err != nil {
		t.Fatal(err)
	}
	if r.Version != 2 || r.Organization != "AU_DTA" || r.RemoteBlob != "remote-ciphertext" {
		t.Errorf("record: got %+v", r)
	}
	if !r.Timestamp.Equal(t0) {
		t.Errorf("timestamp: got %v want %v", r.Timestamp, t0)
	}

	plain, err := crypt.Decrypt(priv, r.LocalBlob)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(plain, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{"modelC": "iPhone12,1", "modelP": "Pixel 4", "rssi": float64(-61)}
	if len(got) != len(want) {
		t.Errorf("local blob: got %v want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("local blob %s: got %v want %v", k, got[k], v)
		}
	}
}

func TestPipelineLocalBlobMeasurements(t *testing.T) {
	priv, err := crypt.GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	rssi, zero, tx := -61, 0, 8
	cases := []struct {
		rssi, txPower *int
		want          map[string]interface{}
	}{
		{want: map[string]interface{}{"modelC": "iPhone12,1", "modelP": "Pixel 4"}},
		{rssi: &rssi, want: map[string]interface{}{"modelC": "iPhone12,1", "modelP": "Pixel 4", "rssi": float64(-61)}},
		{rssi: &zero, want: map[string]interface{}{"modelC": "iPhone12,1", "modelP": "Pixel 4", "rssi": float64(0)}},
		{txPower: &tx, want: map[string]interface{}{"modelC": "iPhone12,1", "modelP": "Pixel 4", "txPower": float64(8)}},
	}
	for i, tt := range cases {
		p := NewPipeline(crypt.MustNew(priv.PublicKey().Bytes()), &memStore{}, WithModel("iPhone12,1"), WithClock((&clock{t0}).now))
		r, err := p.Save(context.Background(), Exchange{Address: "AA", Payload: identityPayload(t), RSSI: tt.rssi, TxPower: tt.txPower})
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		plain, err := crypt.Decrypt(priv, r.LocalBlob)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		var got map[string]interface{}
		if err := json.Unmarshal(plain, &got); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("case %d: got %v want %v", i, got, tt.want)
		}
	}
}

// Two saves for the same address inside the window persist one record.
func TestPipelineDedup(t *testing.T) {
	priv, _ := crypt.GenerateServerKey()
	s := &memStore{}
	c := &clock{t0}
	p := NewPipeline(crypt.MustNew(priv.PublicKey().Bytes()), s, WithClock(c.now))
	ctx := context.Background()
	x := Exchange{Address: "AA", Payload: identityPayload(t)}

	if _, err := p.Save(ctx, x); err != nil {
		t.Fatal(err)
	}
	c.t = t0.Add(DefaultDedupWindow - time.Millisecond)
	if _, err := p.Save(ctx, x); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second save: got %v want %v", err, ErrDuplicate)
	}
	if _, err := p.Save(ctx, Exchange{Address: "BB", Payload: x.Payload}); err != nil {
		t.Errorf("other address: got %v", err)
	}
	c.t = t0.Add(DefaultDedupWindow)
	if _, err := p.Save(ctx, x); err != nil {
		t.Errorf("after window: got %v", err)
	}
	if len(s.records) != 3 {
		t.Errorf("records: got %d want 3", len(s.records))
	}
}

func TestPipelineMalformed(t *testing.T) {
	s := &memStore{}
	p := NewPipeline(failingEncrypter{}, s)
	for _, payload := range [][]byte{nil, []byte("not json"), []byte(`{"v":1,"org":"x"}`)} {
		if _, err := p.Save(context.Background(), Exchange{Address: "AA", Payload: payload}); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Save(%q): got %v want %v", payload, err, ErrMalformedPayload)
		}
	}
	if len(s.records) != 0 {
		t.Errorf("records: got %d want 0", len(s.records))
	}
}

// A failed encryption persists nothing and does not consume the window.
func TestPipelineEncryptFailure(t *testing.T) {
	s := &memStore{}
	p := NewPipeline(failingEncrypter{}, s)
	x := Exchange{Address: "AA", Payload: identityPayload(t)}
	for i := 0; i < 2; i++ {
		_, err := p.Save(context.Background(), x)
		if err == nil || errors.Is(err, ErrDuplicate) {
			t.Errorf("save %d: got %v want encryption error", i, err)
		}
	}
	if len(s.records) != 0 {
		t.Errorf("records: got %d want 0", len(s.records))
	}
}

func TestPipelineStoreFailure(t *testing.T) {
	priv, _ := crypt.GenerateServerKey()
	s := &memStore{err: errors.New("disk full")}
	p := NewPipeline(crypt.MustNew(priv.PublicKey().Bytes()), s)
	if _, err := p.Save(context.Background(), Exchange{Address: "AA", Payload: identityPayload(t)}); err == nil {
		t.Error("Save: got nil error from failing store")
	}
}

func TestExport(t *testing.T) {
	s := &memStore{}
	s.records = []*Record{
		{Version: 1, Organization: "AU_DTA", LocalBlob: "l1", RemoteBlob: "r1"},
		{Version: 2, Organization: "AU_DTA", LocalBlob: "l2", RemoteBlob: "r2"},
	}
	b, err := ExportStore(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"version":1,"organization":"AU_DTA","encrypted_local_blob":"l1","encrypted_remote_blob":"r1"},` +
		`{"version":2,"organization":"AU_DTA","encrypted_local_blob":"l2","encrypted_remote_blob":"r2"}]`
	if string(b) != want {
		t.Errorf("Export:\ngot  %s\nwant %s", b, want)
	}
	empty, _ := Export(nil)
	if string(empty) != "[]" {
		t.Errorf("Export(nil): got %s want []", empty)
	}
}
