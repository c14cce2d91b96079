package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("position not found")

type entry struct {
	mu  sync.Mutex
	pos *Position
}

// Book is the in-memory set of positions. Each position has its own lock so
// tiers of one position run strictly in sequence while different positions
// proceed in parallel. Every committed change is written through to the store.
type Book struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	committed map[string]*Position
	store     *Store
	logger    *zap.Logger
}

func NewBook(store *Store, logger *zap.Logger) *Book {
	return &Book{
		entries:   make(map[string]*entry),
		committed: make(map[string]*Position),
		store:     store,
		logger:    logger.Named("book"),
	}
}

// Load replaces the book contents with what the store holds.
func (b *Book) Load() error {
	positions, err := b.store.Load()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[string]*entry, len(positions))
	b.committed = make(map[string]*Position, len(positions))
	for _, p := range positions {
		if p == nil || p.ID == "" {
			continue
		}
		b.entries[p.ID] = &entry{pos: p}
		b.committed[p.ID] = p.Clone()
	}

	b.logger.Info("Positions loaded",
		zap.String("file", b.store.Path()),
		zap.Int("count", len(b.entries)))
	return nil
}

// Add inserts a new position and persists it.
func (b *Book) Add(p *Position) error {
	b.mu.Lock()
	if _, exists := b.entries[p.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("position %s already tracked", p.ID)
	}
	b.entries[p.ID] = &entry{pos: p}
	b.mu.Unlock()

	return b.commit(p)
}

// With runs fn with exclusive access to the position. fn may call save any
// number of times to persist intermediate state.
func (b *Book) With(id string, fn func(p *Position, save func() error) error) error {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(e.pos, func() error { return b.commit(e.pos) })
}

func (b *Book) commit(p *Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.committed[p.ID] = p.Clone()

	all := make([]*Position, 0, len(b.committed))
	for _, c := range b.committed {
		all = append(all, c)
	}
	if err := b.store.Save(all); err != nil {
		b.logger.Error("Failed to persist positions",
			zap.String("position_id", p.ID),
			zap.Error(err))
		return fmt.Errorf("persist positions: %w", err)
	}
	return nil
}

// Get returns a copy of the last committed state.
func (b *Book) Get(id string) (*Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.committed[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Snapshot returns copies of every committed position ordered by open time.
func (b *Book) Snapshot() []*Position {
	b.mu.RLock()
	out := make([]*Position, 0, len(b.committed))
	for _, p := range b.committed {
		out = append(out, p.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ActiveIDs lists positions that are open or partially closed.
func (b *Book) ActiveIDs() []string {
	var ids []string
	for _, p := range b.Snapshot() {
		if p.Active() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ActiveCount is the number of open or partially closed positions.
func (b *Book) ActiveCount() int {
	return len(b.ActiveIDs())
}
