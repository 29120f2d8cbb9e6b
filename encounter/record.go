// Package encounter turns completed peer exchanges into encrypted
// encounter records and defines how they are stored and exported.
package encounter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// A Record is one persisted encounter. Both blobs are ciphertext.
type Record struct {
	ID           uuid.UUID `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Version      int       `json:"version"`
	Organization string    `json:"org"`
	LocalBlob    string    `json:"localBlob"`
	RemoteBlob   string    `json:"remoteBlob"`
}

// A Store persists records. Records are never updated.
type Store interface {
	Save(ctx context.Context, r *Record) error
	// MostRecent returns nil, nil when the store is empty.
	MostRecent(ctx context.Context) (*Record, error)
	All(ctx context.Context) ([]*Record, error)
	DeleteAll(ctx context.Context) error
}

type exportRecord struct {
	Version             int    `json:"version"`
	Organization        string `json:"organization"`
	EncryptedLocalBlob  string `json:"encrypted_local_blob"`
	EncryptedRemoteBlob string `json:"encrypted_remote_blob"`
}

// Export encodes records as the JSON array sent to the upload endpoint.
func Export(records []*Record) ([]byte, error) {
	out := make([]exportRecord, 0, len(records))
	for _, r := range records {
		out = append(out, exportRecord{
			Version:             r.Version,
			Organization:        r.Organization,
			EncryptedLocalBlob:  r.LocalBlob,
			EncryptedRemoteBlob: r.RemoteBlob,
		})
	}
	return json.Marshal(out)
}

// ExportStore reads every record in s and encodes them with Export.
func ExportStore(ctx context.Context, s Store) ([]byte, error) {
	rr, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return Export(rr)
}
