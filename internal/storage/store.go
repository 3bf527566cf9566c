package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
)

// ErrNotFound is returned for reads and writes against unknown records.
var ErrNotFound = errors.New("storage: record not found")

// RecordStore is the persistence collaborator behind the REST write surface.
// UpdateFields applies one field write (plus any derived fields submitted
// with it) atomically per request and returns the updated record snapshot.
type RecordStore interface {
	Get(ctx context.Context, id collab.RecordID) (collab.Record, error)

	// List returns every record keyed by id; the page primes its cache from
	// it on mount.
	List(ctx context.Context) (map[collab.RecordID]collab.Record, error)

	UpdateFields(ctx context.Context, id collab.RecordID, fields collab.Record) (collab.Record, error)

	// Options lists candidate identities for autocomplete fields, filtered
	// by department.
	Options(ctx context.Context, department string) ([]collab.Option, error)
}
