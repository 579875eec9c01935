// Package storage persists strategies, state, trades and the order WAL on
// disk. Every write is atomic: write to *.tmp, fsync, rename over the target.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/retry"
)

// renamePolicy retries rename-over failures (some platforms refuse to
// replace an existing target) up to 3 times with exponential backoff.
var renamePolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

// FileStore implements core.IStore on a directory tree:
//
//	root/strategies.json
//	root/position_limits.json
//	root/{strategy_id}/state.json
//	root/{strategy_id}/trades.csv
//	root/{strategy_id}/pending_orders.json
type FileStore struct {
	root   string
	logger core.ILogger

	// mu guards the global files (strategies, limits). Per-strategy files
	// are serialized by the engine's strategy-scoped locks.
	mu sync.Mutex
}

// strategiesFile is the on-disk shape of strategies.json
type strategiesFile struct {
	Strategies []*core.Strategy `json:"strategies"`
	LastUpdate time.Time        `json:"last_update"`
}

// pendingFile is the on-disk shape of pending_orders.json
type pendingFile map[string]*core.PendingOrder

// NewFileStore creates the store, creating the root directory if needed
func NewFileStore(root string, logger core.ILogger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", apperrors.ErrPersistence, err)
	}
	return &FileStore{
		root:   root,
		logger: logger.WithField("component", "storage"),
	}, nil
}

// Root returns the data directory
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) strategyDir(strategyID string) string {
	return filepath.Join(s.root, strategyID)
}

// LoadStrategies reads the strategy definitions. A missing file yields an
// empty list; an unreadable file is fatal at startup.
func (s *FileStore) LoadStrategies() ([]*core.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "strategies.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read strategies: %v", apperrors.ErrPersistence, err)
	}

	var f strategiesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse strategies: %v", apperrors.ErrPersistence, err)
	}
	return f.Strategies, nil
}

// SaveStrategies atomically rewrites the strategy definitions
func (s *FileStore) SaveStrategies(strategies []*core.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := strategiesFile{Strategies: strategies, LastUpdate: time.Now().UTC()}
	return s.writeJSON(filepath.Join(s.root, "strategies.json"), &f)
}

// LoadState reads a strategy's state, or nil when none exists yet
func (s *FileStore) LoadState(strategyID string) (*core.State, error) {
	path := filepath.Join(s.strategyDir(strategyID), "state.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read state %s: %v", apperrors.ErrPersistence, strategyID, err)
	}

	var st core.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: parse state %s: %v", apperrors.ErrPersistence, strategyID, err)
	}
	return &st, nil
}

// SaveState atomically rewrites a strategy's state
func (s *FileStore) SaveState(state *core.State) error {
	dir := s.strategyDir(state.StrategyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create strategy dir: %v", apperrors.ErrPersistence, err)
	}
	return s.writeJSON(filepath.Join(dir, "state.json"), state)
}

// LoadPendingOrders reads the order WAL for a strategy. Disk is the source
// of truth; callers reload before every reconcile pass.
func (s *FileStore) LoadPendingOrders(strategyID string) (map[string]*core.PendingOrder, error) {
	path := filepath.Join(s.strategyDir(strategyID), "pending_orders.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*core.PendingOrder{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read pending orders %s: %v", apperrors.ErrPersistence, strategyID, err)
	}

	var f pendingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse pending orders %s: %v", apperrors.ErrPersistence, strategyID, err)
	}
	if f == nil {
		f = pendingFile{}
	}
	return f, nil
}

// SavePendingOrders atomically rewrites the order WAL for a strategy
func (s *FileStore) SavePendingOrders(strategyID string, pending map[string]*core.PendingOrder) error {
	dir := s.strategyDir(strategyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create strategy dir: %v", apperrors.ErrPersistence, err)
	}
	return s.writeJSON(filepath.Join(dir, "pending_orders.json"), pendingFile(pending))
}

// LoadPositionLimits reads the global limits, falling back to defaults
func (s *FileStore) LoadPositionLimits() (*core.PositionLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "position_limits.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return core.DefaultPositionLimits(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read position limits: %v", apperrors.ErrPersistence, err)
	}

	var limits core.PositionLimits
	if err := json.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("%w: parse position limits: %v", apperrors.ErrPersistence, err)
	}
	return &limits, nil
}

// SavePositionLimits atomically rewrites the global limits
func (s *FileStore) SavePositionLimits(limits *core.PositionLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits.UpdatedAt = time.Now().UTC()
	return s.writeJSON(filepath.Join(s.root, "position_limits.json"), limits)
}

func (s *FileStore) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", apperrors.ErrPersistence, path, err)
	}
	return s.writeAtomic(path, data)
}

// writeAtomic writes data to path via a temp file, fsync and rename. When the
// platform refuses to rename over an existing target, the target is unlinked
// and the rename retried with backoff.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", apperrors.ErrPersistence, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", apperrors.ErrPersistence, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsync %s: %v", apperrors.ErrPersistence, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", apperrors.ErrPersistence, tmp, err)
	}

	attempt := 0
	err = retry.Do(context.Background(), renamePolicy, retry.Always, func() error {
		attempt++
		renameErr := os.Rename(tmp, path)
		if renameErr == nil {
			return nil
		}
		if attempt > 1 {
			// Platforms that disallow overwrite-rename need the target gone.
			os.Remove(path)
		}
		return renameErr
	})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", apperrors.ErrPersistence, path, err)
	}
	return nil
}
