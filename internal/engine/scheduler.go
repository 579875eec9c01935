package engine

import (
	"context"
	"time"

	"trading_engine/internal/core"
)

// Scheduler is the single cooperative driver loop. Every interval it loads
// the strategy list and ticks each active strategy in turn; strategies are
// never processed concurrently within a pass.
type Scheduler struct {
	engine   *Engine
	store    core.IStore
	logger   core.ILogger
	interval time.Duration
}

// NewScheduler creates the scheduler
func NewScheduler(engine *Engine, store core.IStore, logger core.ILogger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		logger:   logger.WithField("component", "scheduler"),
		interval: interval,
	}
}

// Run blocks until the context is canceled. The first pass starts
// immediately; fills missed between passes are picked up by the reconcile
// step at the start of each tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Pass(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass ticks every active strategy once, stopping early on shutdown
func (s *Scheduler) Pass(ctx context.Context) {
	strategies, err := s.store.LoadStrategies()
	if err != nil {
		s.logger.Error("Failed to load strategies", "error", err)
		return
	}

	active := 0
	for _, strat := range strategies {
		if ctx.Err() != nil {
			return
		}
		if !strat.Active {
			continue
		}
		active++
		s.engine.Tick(ctx, strat)
	}
	s.logger.Debug("Pass complete", "active", active, "total", len(strategies))
}
