// Package writer is the publishing side of codestream.
//
// Engine keeps the writer's table of open cells and drives the store: edits
// are debounced per cell into a single update, enabling a cell publishes it,
// disabling deletes its record, and refreshing a session republishes every
// enabled cell under the new code before orphans are reconciled.
package writer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/coalesce"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/reconcile"
	"github.com/hpungsan/codestream/internal/session"
)

// Options tunes an Engine.
type Options struct {
	Debounce     time.Duration // quiet period before an edit is written
	WriteTimeout time.Duration // bound on one debounced store write
	Concurrency  int           // parallel republishes during refresh
	Logger       *zerolog.Logger
}

// DefaultWriteTimeout bounds a debounced write.
const DefaultWriteTimeout = 10 * time.Second

// Cell is a snapshot of one open cell.
type Cell struct {
	ID        string `json:"cell_id"`
	Content   string `json:"-"`
	Timestamp string `json:"timestamp"`
	Enabled   bool   `json:"enabled"`
}

// RefreshResult describes a session refresh.
type RefreshResult struct {
	Old         string           `json:"old_session"`
	New         string           `json:"session"`
	Republished []string         `json:"republished"`
	Reconciled  reconcile.Result `json:"reconciled"`
}

// Engine owns the writer's open cells.
type Engine struct {
	registry   *session.Registry
	cells      *cells.Store
	reconciler *reconcile.Reconciler
	debouncer  *coalesce.Debouncer
	bus        *events.Bus
	sub        *events.Subscription

	mu    sync.RWMutex
	table map[string]*Cell

	locks *xsync.MapOf[string, *sync.Mutex]

	// held for writing while the active code changes; store writes that
	// resolve the active session hold it for reading
	switchMu sync.RWMutex

	writeTimeout time.Duration
	concurrency  int
	now          func() time.Time
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a running engine. Call Shutdown to stop it.
func New(reg *session.Registry, store *cells.Store, bus *events.Bus, opts Options) *Engine {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:     reg,
		cells:        store,
		reconciler:   reconcile.New(store),
		bus:          bus,
		table:        make(map[string]*Cell),
		locks:        xsync.NewMapOf[string, *sync.Mutex](),
		writeTimeout: opts.WriteTimeout,
		concurrency:  opts.Concurrency,
		now:          time.Now,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	e.reconciler.SetLogger(logger)
	e.debouncer = coalesce.NewDebouncer(opts.Debounce, e.flushCell)
	e.sub = bus.Subscribe(events.RoleChanged)
	go e.watchRole()
	return e
}

// watchRole drops pending writes when the process stops being the writer.
func (e *Engine) watchRole() {
	defer close(e.done)
	for ev := range e.sub.C() {
		if session.Role(ev.Role) != session.Writer {
			e.cancelPending()
		}
	}
}

// Open adds a cell to the table. An empty id gets a fresh one; an existing
// id is reattached so the cell keeps its identity across sessions.
func (e *Engine) Open(id, content string) string {
	if id == "" {
		id = cells.NewID()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.table[id]; ok {
		c.Content = content
		return id
	}
	e.table[id] = &Cell{ID: id, Content: content, Timestamp: e.stamp()}
	return id
}

// Close forgets a cell without touching the store. A published record left
// behind is an orphan until the next reconcile.
func (e *Engine) Close(id string) {
	e.debouncer.Cancel(id)
	e.mu.Lock()
	delete(e.table, id)
	e.mu.Unlock()
}

// Cell returns a snapshot of one open cell.
func (e *Engine) Cell(id string) (Cell, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.table[id]
	if !ok {
		return Cell{}, false
	}
	return *c, true
}

// Cells returns every open cell ordered by id.
func (e *Engine) Cells() []Cell {
	e.mu.RLock()
	out := make([]Cell, 0, len(e.table))
	for _, c := range e.table {
		out = append(out, *c)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enable turns sync on and publishes the cell under the active session, if any.
func (e *Engine) Enable(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.table[id]
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFound("cell is not open")
	}
	c.Enabled = true
	snap := *c
	e.mu.Unlock()

	e.switchMu.RLock()
	defer e.switchMu.RUnlock()
	s, active := e.registry.Active()
	if !active {
		return nil
	}
	return e.write(ctx, s.Code, snap)
}

// Disable turns sync off and deletes the cell's record. A debounced write
// still pending is dropped.
func (e *Engine) Disable(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.table[id]
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFound("cell is not open")
	}
	c.Enabled = false
	e.mu.Unlock()

	e.debouncer.Cancel(id)
	s, active := e.registry.Active()
	if !active {
		return nil
	}
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()
	return e.cells.Delete(ctx, s.Code, id)
}

// Edit records new content. If the cell is enabled the write is debounced.
func (e *Engine) Edit(id, content string) error {
	e.mu.Lock()
	c, ok := e.table[id]
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFound("cell is not open")
	}
	c.Content = content
	c.Timestamp = e.stamp()
	enabled := c.Enabled
	e.mu.Unlock()

	e.bus.Publish(events.Event{Kind: events.CellEdited, CellID: id})
	if enabled {
		e.debouncer.Trigger(id)
	}
	return nil
}

// Remove deletes a cell from the table and its record from the store.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.RLock()
	c, ok := e.table[id]
	enabled := ok && c.Enabled
	e.mu.RUnlock()
	if !ok {
		return errors.NewNotFound("cell is not open")
	}
	e.Close(id)
	if !enabled {
		return nil
	}
	s, active := e.registry.Active()
	if !active {
		return nil
	}
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()
	return e.cells.Delete(ctx, s.Code, id)
}

// Pending reports whether a debounced write is scheduled for id.
func (e *Engine) Pending(id string) bool {
	return e.debouncer.Pending(id)
}

// Flush writes every pending debounced edit now.
func (e *Engine) Flush() {
	e.debouncer.Flush()
}

// Session returns the active session, if any.
func (e *Engine) Session() (session.Session, bool) {
	return e.registry.Active()
}

// CreateSession starts a new session and publishes every enabled cell in it.
func (e *Engine) CreateSession(ctx context.Context) (session.Session, error) {
	e.switchMu.Lock()
	e.cancelPending()
	s, err := e.registry.Create(ctx)
	e.switchMu.Unlock()
	if err != nil {
		return session.Session{}, err
	}
	if _, err := e.republish(ctx, s.Code); err != nil {
		return s, err
	}
	return s, nil
}

// RefreshSession moves to a new code. The old code is purged, every enabled
// cell is republished and, only if all republishes succeeded, orphans are
// reconciled. On a republish failure the new session stays active and
// Reconcile may be retried.
func (e *Engine) RefreshSession(ctx context.Context) (RefreshResult, error) {
	// pending edits are carried by the republish below
	e.switchMu.Lock()
	e.cancelPending()
	old, fresh, err := e.registry.Refresh(ctx)
	e.switchMu.Unlock()
	if err != nil {
		return RefreshResult{}, err
	}
	res := RefreshResult{Old: old.Code, New: fresh.Code}

	res.Republished, err = e.republish(ctx, fresh.Code)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", fresh.Code).Msg("republish failed; reconcile skipped")
		return res, err
	}
	res.Reconciled, err = e.reconciler.Reconcile(ctx, fresh.Code, e.openIDs())
	return res, err
}

// Reconcile republishes enabled cells under the active session and then
// deletes orphans. It is the retry path for a failed refresh.
func (e *Engine) Reconcile(ctx context.Context) (RefreshResult, error) {
	s, ok := e.registry.Active()
	if !ok {
		return RefreshResult{}, errors.NewInvalidRequest("no active session")
	}
	res := RefreshResult{New: s.Code}
	var err error
	if res.Republished, err = e.republish(ctx, s.Code); err != nil {
		return res, err
	}
	res.Reconciled, err = e.reconciler.Reconcile(ctx, s.Code, e.openIDs())
	return res, err
}

// ClearSession drops the active session locally and any pending writes.
func (e *Engine) ClearSession() {
	e.cancelPending()
	e.registry.Clear()
}

// Shutdown writes pending edits and stops the engine.
func (e *Engine) Shutdown() {
	e.debouncer.Flush()
	e.debouncer.Stop()
	e.sub.Close()
	<-e.done
	e.cancel()
}

// republish writes every enabled cell under code concurrently. Either all
// writes succeed or the first error is returned.
func (e *Engine) republish(ctx context.Context, code string) ([]string, error) {
	var enabled []Cell
	for _, c := range e.Cells() {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, c := range enabled {
		g.Go(func() error {
			return e.write(gctx, code, c)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(enabled))
	for _, c := range enabled {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// flushCell is the debounce callback. It writes the latest content, and only
// if the cell is still enabled and a session is active.
func (e *Engine) flushCell(id string) {
	e.switchMu.RLock()
	defer e.switchMu.RUnlock()
	s, active := e.registry.Active()
	if !active {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.writeTimeout)
	defer cancel()

	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	snap, ok := e.Cell(id)
	if !ok || !snap.Enabled {
		return
	}
	if err := e.cells.Update(ctx, s.Code, cells.Cell{
		ID: snap.ID, Content: snap.Content, Timestamp: snap.Timestamp, Enabled: true,
	}); err != nil {
		e.logger.Warn().Err(err).Str("session", s.Code).Str("cell_id", id).Msg("debounced write failed")
	}
}

// write publishes c under code with the cell lock held.
func (e *Engine) write(ctx context.Context, code string, c Cell) error {
	l := e.lock(c.ID)
	l.Lock()
	defer l.Unlock()

	// re-read under the cell lock so the latest content wins
	if cur, ok := e.Cell(c.ID); ok {
		if !cur.Enabled {
			return nil
		}
		c = cur
	}
	return e.cells.Push(ctx, code, cells.Cell{ID: c.ID, Content: c.Content, Timestamp: c.Timestamp, Enabled: true})
}

func (e *Engine) lock(id string) *sync.Mutex {
	l, _ := e.locks.LoadOrCompute(id, func() *sync.Mutex { return new(sync.Mutex) })
	return l
}

func (e *Engine) openIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.table))
	for id := range e.table {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) cancelPending() {
	for _, id := range e.openIDs() {
		e.debouncer.Cancel(id)
	}
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}
