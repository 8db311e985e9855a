package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPresence(t *testing.T) (*PresenceService, *memory.StreamRepository, domain.StreamID) {
	t.Helper()
	repo := memory.NewStreamRepository()
	stream := &domain.Stream{ID: "s1", State: domain.StreamLive}
	require.NoError(t, repo.Create(context.Background(), stream))

	p := NewPresenceService(repo, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())
	return p, repo, stream.ID
}

func TestPresence_JoinLeave(t *testing.T) {
	p, _, id := newPresence(t)

	assert.Equal(t, 1, p.Join(id))
	assert.Equal(t, 2, p.Join(id))
	assert.Equal(t, 1, p.Leave(id))
	assert.Equal(t, 0, p.Leave(id))
	assert.Equal(t, 0, p.Count(id))
}

func TestPresence_NeverNegative(t *testing.T) {
	p, _, id := newPresence(t)

	// double-leave clamps at zero instead of going negative
	p.Join(id)
	p.Leave(id)
	assert.Equal(t, 0, p.Leave(id))
	assert.Equal(t, 0, p.Leave(id))
	assert.GreaterOrEqual(t, p.Count(id), 0)
}

func TestPresence_FlushPersistsSnapshot(t *testing.T) {
	p, repo, id := newPresence(t)

	p.Join(id)
	p.Join(id)
	p.Join(id)
	p.Flush(context.Background())

	stream, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, stream.ViewerCount)
}

func TestPresence_ConvergesAfterMassDisconnect(t *testing.T) {
	p, repo, id := newPresence(t)

	const viewers = 50
	for i := 0; i < viewers; i++ {
		p.Join(id)
	}
	p.Flush(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := p.Leave(id)
			assert.GreaterOrEqual(t, n, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.Count(id))
	p.Flush(context.Background())

	stream, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, stream.ViewerCount)
}

func TestPresence_ForgetWritesZero(t *testing.T) {
	p, repo, id := newPresence(t)

	p.Join(id)
	p.Flush(context.Background())
	p.Forget(id)

	stream, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, stream.ViewerCount)
	assert.Equal(t, 0, p.Count(id))
}

func TestPresence_RunFlushesPeriodically(t *testing.T) {
	p, repo, id := newPresence(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Join(id)

	assert.Eventually(t, func() bool {
		stream, err := repo.GetByID(context.Background(), id)
		return err == nil && stream.ViewerCount == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
