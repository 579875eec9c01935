package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	"trading_engine/internal/mock"
)

func TestPassTicksOnlyActiveStrategies(t *testing.T) {
	f := newFixture(t)
	active := gridStrategy()
	inactive := gridStrategy()
	inactive.ID = "grid-2"
	inactive.Active = false
	require.NoError(t, f.store.SaveStrategies([]*core.Strategy{active, inactive}))
	f.exchange.Markets["BTCUSDT"] = btcMarket()
	f.exchange.Candles["BTCUSDT"] = buyScenario()
	f.seedGridState(t, active)

	s := NewScheduler(f.engine, f.store, &mock.Logger{}, time.Minute)
	s.Pass(context.Background())

	// Only the active strategy traded; the inactive one has no state at all.
	assert.Len(t, f.exchange.Created, 1)
	state, err := f.store.LoadState("grid-2")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPassStopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	strat := gridStrategy()
	require.NoError(t, f.store.SaveStrategies([]*core.Strategy{strat}))
	f.exchange.Markets["BTCUSDT"] = btcMarket()
	f.exchange.Candles["BTCUSDT"] = buyScenario()
	f.seedGridState(t, strat)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(f.engine, f.store, &mock.Logger{}, time.Minute)
	s.Pass(ctx)

	assert.Empty(t, f.exchange.Created)
}

func TestRunReturnsOnShutdown(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.engine, f.store, &mock.Logger{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
