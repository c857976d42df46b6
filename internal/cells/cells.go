// Package cells stores published cell records over a kv.Store.
//
// Key scheme: session:{code}:cell:{cellId}. A record exists only while its
// cell has sync enabled; disabling a cell deletes the record. Only the latest
// value is kept.
package cells

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/session"
)

// MaxIDLength bounds cell identifiers.
const MaxIDLength = 128

// Cell is a cell as the writer sees it.
type Cell struct {
	ID        string
	Content   string
	Timestamp string
	Enabled   bool
}

// Record is the stored value for one published cell.
type Record struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Store is the cell store of one writer.
type Store struct {
	kv     kv.Store
	bus    *events.Bus
	batch  int
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithScanBatch sets the number of keys fetched per enumeration round.
func WithScanBatch(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithTTL expires records after d. Zero keeps records until deleted.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a cell store over store. bus may be nil.
func New(store kv.Store, bus *events.Bus, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		bus:    bus,
		batch:  kv.DefaultScanBatch,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a fresh cell identifier. Identifiers are independent of any
// session and stay with the cell for its lifetime.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// Prefix returns the key prefix shared by every cell of code.
func Prefix(code string) string {
	return "session:" + code + ":cell:"
}

// Key returns the storage key of one cell.
func Key(code, cellID string) string {
	return Prefix(code) + cellID
}

// ValidateID checks a cell identifier.
func ValidateID(id string) error {
	if id == "" {
		return errors.NewMissingField("cell_id")
	}
	if len(id) > MaxIDLength {
		return errors.NewInvalidRequest("cell_id is too long")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] == 0x7f {
			return errors.NewInvalidRequest("cell_id contains control characters")
		}
	}
	return nil
}

func validate(code, cellID string) error {
	if err := session.ValidateCode(code); err != nil {
		return err
	}
	return ValidateID(cellID)
}

// Push publishes c for the first time. It inserts or replaces the record.
func (s *Store) Push(ctx context.Context, code string, c Cell) error {
	return s.write(ctx, code, c, events.CellPushed)
}

// Update republishes an edited cell. Storage behaviour is identical to Push.
func (s *Store) Update(ctx context.Context, code string, c Cell) error {
	return s.write(ctx, code, c, events.CellUpdated)
}

func (s *Store) write(ctx context.Context, code string, c Cell, kind events.Kind) error {
	if err := validate(code, c.ID); err != nil {
		return err
	}
	if !c.Enabled {
		return errors.NewInvalidRequest("cell sync is disabled")
	}
	rec := Record{Content: c.Content, Timestamp: c.Timestamp}
	if rec.Timestamp == "" {
		rec.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := s.kv.Put(ctx, Key(code, c.ID), data, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("session", code).Str("cell_id", c.ID).Msg("cell write failed")
		return err
	}
	s.bus.Publish(events.Event{Kind: kind, Session: code, CellID: c.ID})
	return nil
}

// Get returns the content of a cell. A cell that was never published or was
// deleted is ("", false, nil).
func (s *Store) Get(ctx context.Context, code, cellID string) (string, bool, error) {
	rec, ok, err := s.GetRecord(ctx, code, cellID)
	return rec.Content, ok, err
}

// GetRecord is Get with the stored timestamp.
func (s *Store) GetRecord(ctx context.Context, code, cellID string) (Record, bool, error) {
	if err := validate(code, cellID); err != nil {
		return Record{}, false, err
	}
	data, ok, err := s.kv.Get(ctx, Key(code, cellID))
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, errors.NewStoreProtocol(err)
	}
	return rec, true, nil
}

// Delete removes a cell record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, code, cellID string) error {
	if err := validate(code, cellID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, Key(code, cellID)); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.CellDeleted, Session: code, CellID: cellID})
	return nil
}

// ListAll returns the id of every cell published under code, in no
// particular order and without duplicates.
func (s *Store) ListAll(ctx context.Context, code string) ([]string, error) {
	if err := session.ValidateCode(code); err != nil {
		return nil, err
	}
	prefix := Prefix(code)
	seen := make(map[string]struct{})
	ids := []string{}
	for key, err := range kv.Keys(ctx, s.kv, prefix, s.batch) {
		if err != nil {
			return nil, err
		}
		id := strings.TrimPrefix(key, prefix)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// PurgeSession deletes every record under code and returns how many were
// removed.
func (s *Store) PurgeSession(ctx context.Context, code string) (int, error) {
	ids, err := s.ListAll(ctx, code)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.kv.Delete(ctx, Key(code, id)); err != nil {
			return i, err
		}
	}
	s.logger.Debug().Str("session", code).Int("deleted", len(ids)).Msg("session purged")
	s.bus.Publish(events.Event{Kind: events.SessionPurged, Session: code, Count: len(ids)})
	return len(ids), nil
}
