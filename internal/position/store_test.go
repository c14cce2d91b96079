package position

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "positions.json"))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreRoundTripKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "positions.json")
	s := NewStore(path)

	p := newTestPosition(t)
	r, _ := RuleFor(Tier2x)
	sellAt(t, p, r, p.EntryPrice.Mul(dec("2.1")))
	p.PendingSell = &PendingSell{Tier: Tier3x, Quantity: dec("5"), TxHash: "0xpending", SubmittedAt: t0}

	require.NoError(t, s.Save([]*Position{p}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)

	back := got[0]
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, testToken, back.Token)
	assert.True(t, back.EntryPrice.Equal(p.EntryPrice))
	assert.True(t, back.RemainingQuantity.Equal(dec("50")))
	assert.True(t, back.TiersTriggered.Has(Tier2x))
	assert.Equal(t, StatusPartiallyClosed, back.Status)
	require.NotNil(t, back.PendingSell)
	assert.Equal(t, Tier3x, back.PendingSell.Tier)
	assert.Equal(t, "0xpending", back.PendingSell.TxHash)
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestBookWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	book := NewBook(NewStore(path), zaptest.NewLogger(t))

	p := newTestPosition(t)
	require.NoError(t, book.Add(p))
	assert.Error(t, book.Add(p))

	err := book.With(p.ID, func(live *Position, save func() error) error {
		r, _ := RuleFor(Tier2x)
		sellAt(t, live, r, live.EntryPrice.Mul(dec("2")))
		return save()
	})
	require.NoError(t, err)

	reloaded := NewBook(NewStore(path), zaptest.NewLogger(t))
	require.NoError(t, reloaded.Load())

	got, ok := reloaded.Get(p.ID)
	require.True(t, ok)
	assert.True(t, got.RemainingQuantity.Equal(dec("50")))
	assert.Equal(t, []string{p.ID}, reloaded.ActiveIDs())
}

func TestBookGetReturnsCommittedCopy(t *testing.T) {
	book := NewBook(NewStore(filepath.Join(t.TempDir(), "p.json")), zaptest.NewLogger(t))
	p := newTestPosition(t)
	require.NoError(t, book.Add(p))

	_ = book.With(p.ID, func(live *Position, _ func() error) error {
		live.Symbol = "CHANGED"
		return nil
	})

	got, _ := book.Get(p.ID)
	assert.Equal(t, "HUNT", got.Symbol, "uncommitted edits stay private")

	assert.ErrorIs(t, book.With("missing", func(*Position, func() error) error { return nil }), ErrNotFound)
}

func TestBookConcurrentCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	book := NewBook(NewStore(path), zaptest.NewLogger(t))

	var ids []string
	for i := 0; i < 5; i++ {
		p := newTestPosition(t)
		require.NoError(t, book.Add(p))
		ids = append(ids, p.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = book.With(id, func(live *Position, save func() error) error {
				live.Close(ReasonManual, t0)
				return save()
			})
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 0, book.ActiveCount())

	stored, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Len(t, stored, 5)
	for _, p := range stored {
		assert.Equal(t, StatusClosed, p.Status)
	}
}
