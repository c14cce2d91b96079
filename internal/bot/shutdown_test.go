package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"pool", "journal", "bus"} {
		sh.AddFunc(name, func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	assert.NoError(t, sh.Shutdown(context.Background()))
	assert.Equal(t, []string{"bus", "journal", "pool"}, order)
}

func TestShutdownCollectsErrorsAndContinues(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	closed := false
	sh.AddFunc("first", func() error {
		closed = true
		return nil
	})
	sh.AddFunc("broken", func() error { return errors.New("boom") })

	err := sh.Shutdown(context.Background())
	assert.ErrorContains(t, err, "broken: boom")
	assert.True(t, closed)
}

func TestShutdownTimesOutSlowService(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	sh.AddFunc("stuck", func() error {
		<-release
		return nil
	})

	err := sh.Shutdown(context.Background())
	assert.ErrorContains(t, err, "stuck: shutdown timeout")
}

func TestShutdownRunsOnce(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	calls := 0
	sh.AddFunc("svc", func() error {
		calls++
		return nil
	})

	assert.NoError(t, sh.Shutdown(context.Background()))
	assert.NoError(t, sh.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}
