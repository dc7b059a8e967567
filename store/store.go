// Package store persists tests, steps, runs, healing suggestions, and page
// vitals in SQLite. Steps are the read-only ordered source a run fetches
// once at start; suggestions double as the batch review queue.
package store

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/rejeu/idgen"
)

// Sentinel errors matched with errors.Is at API boundaries.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means the operation contradicts current state, e.g.
	// deciding a suggestion that is already decided.
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the application database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides row ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New wraps an open database. Call ApplySchema before first use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}
