package checkpoint

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for the requested ID,
	// or when the store holds no records at all.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a record exists but its payload cannot
	// be decoded.
	ErrCorrupt = errors.New("checkpoint payload corrupt")
	// ErrAlreadyExists is returned when a save would overwrite an existing
	// ID. Records are write-once.
	ErrAlreadyExists = errors.New("checkpoint already exists")
)

// Store persists checkpoint records. Implementations must treat records
// as write-once and must make saves atomic: a concurrent reader never
// observes a half-written record.
type Store interface {
	// Save persists a new record. Saving an existing ID fails with
	// ErrAlreadyExists.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns the record with the given ID, ErrNotFound if absent,
	// ErrCorrupt if undecodable.
	Load(ctx context.Context, id string) (*Checkpoint, error)
	// LoadLatest returns the record with the lexically greatest ID.
	LoadLatest(ctx context.Context) (*Checkpoint, error)
	// List returns all record IDs in ascending lexical (chronological)
	// order.
	List(ctx context.Context) ([]string, error)
	// Delete removes a record. Deleting an absent ID is a no-op.
	Delete(ctx context.Context, id string) error
}
