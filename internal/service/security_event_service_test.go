package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/model"
)

func TestLogFillsDefaults(t *testing.T) {
	e := newTestEnv(t)

	ev, err := e.events.Log(context.Background(), model.SecurityEvent{AccountID: "acc_1", EventType: model.EventLogin})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, model.SeverityInfo, ev.Severity)
	assert.Equal(t, e.clock.Now(), ev.Timestamp)
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// the fake clock never moves
	for _, typ := range []model.EventType{model.EventFailedLogin, model.EventAccountLocked, model.EventAccountUnlocked, model.EventLogin} {
		_, err := e.events.Log(ctx, model.SecurityEvent{AccountID: "acc_1", EventType: typ})
		require.NoError(t, err)
	}

	list, err := e.events.ListForAccount(ctx, "acc_1", 10)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, model.EventLogin, list[0].EventType)
	assert.Equal(t, model.EventFailedLogin, list[3].EventType)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].Timestamp.After(list[i].Timestamp))
	}
}

func TestConcurrentLogTimestampsAreUnique(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.events.Log(ctx, model.SecurityEvent{AccountID: "acc_1", EventType: model.EventFailedLogin})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := e.events.ListRecent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 50)
	seen := map[int64]bool{}
	for _, ev := range list {
		ns := ev.Timestamp.UnixNano()
		assert.False(t, seen[ns])
		seen[ns] = true
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, defaultEventListLimit, normalizeLimit(0))
	assert.Equal(t, 10, normalizeLimit(10))
	assert.Equal(t, 500, normalizeLimit(10000))
}
