// Package alert fans notifications out to best-effort channels
package alert

import (
	"context"
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/concurrency"
)

// Alert levels
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Payload is one alert to deliver
type Payload struct {
	Level     string
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is a notification transport
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to all registered channels without blocking the
// trading path. Delivery is best-effort; failures are logged and dropped.
type Manager struct {
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an alert manager backed by a worker pool
func NewManager(pool *concurrency.WorkerPool, logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		pool:     pool,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a transport
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert delivers a notification to every channel. Implements core.IAlerter.
func (m *Manager) Alert(ctx context.Context, title, message string, level string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Debug("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		c := ch
		err := m.pool.Submit(func() {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		})
		if err != nil {
			m.logger.Warn("Alert dropped, pool saturated", "channel", c.Name(), "title", title)
		}
	}
}
