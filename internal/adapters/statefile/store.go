// Package statefile persists the per-symbol last-trade timestamps as a small JSON document.
package statefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cryptoSpotBot/internal/ports"
)

// Store implements ports.LastTradeStore on a JSON file of {"SYMBOL": unixSeconds}.
type Store struct {
	path   string
	logger ports.Logger
}

// New returns a store writing to path. The parent directory is created on first save.
func New(path string, logger ports.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: state file path is required", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: state file store requires a logger", ports.ErrConfigurationError)
	}
	return &Store{path: path, logger: logger}, nil
}

// Load reads the map. A missing file yields an empty map.
func (s *Store) Load(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info(ctx, "No last-trade state found, starting fresh", map[string]interface{}{"path": s.path})
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file '%s': %w", s.path, err)
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode state file '%s': %w", s.path, err)
	}
	for sym, ts := range raw {
		out[sym] = time.Unix(ts, 0).UTC()
	}
	s.logger.Debug(ctx, "Last-trade state loaded", map[string]interface{}{"symbols": len(out)})
	return out, nil
}

// Save replaces the file atomically via a temp file and rename.
func (s *Store) Save(ctx context.Context, lastTrades map[string]time.Time) error {
	raw := make(map[string]int64, len(lastTrades))
	for sym, ts := range lastTrades {
		raw[sym] = ts.Unix()
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode last-trade state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory '%s': %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file '%s': %w", s.path, err)
	}
	return nil
}
