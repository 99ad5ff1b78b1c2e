package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/licensegate/internal/protocols"
)

// policyFile is the on-disk pricing policy:
//
//	multipliers:
//	  AI_TIER: 1
//	  FULL_ACCESS: 5
type policyFile struct {
	Multipliers map[string]float64 `yaml:"multipliers"`
}

// PolicyStore is a protocols.PricingPolicy backed by a YAML file that can be
// edited while the server runs. A file that fails to parse is ignored and the
// previous policy stays in effect.
type PolicyStore struct {
	path     string
	fallback protocols.PricingPolicy
	logger   *slog.Logger

	mu      sync.RWMutex
	policy  protocols.FixedPolicy
	modTime time.Time
}

// NewPolicyStore loads path. An empty path serves fallback only.
func NewPolicyStore(path string, fallback protocols.PricingPolicy, logger *slog.Logger) (*PolicyStore, error) {
	if fallback == nil {
		fallback = protocols.DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyStore{
		path:     path,
		fallback: fallback,
		logger:   logger.With("component", "pricing_policy"),
	}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PolicyStore) Multiplier(tier protocols.Tier) float64 {
	s.mu.RLock()
	m, ok := s.policy[tier]
	s.mu.RUnlock()
	if ok {
		return m
	}
	return s.fallback.Multiplier(tier)
}

// Snapshot returns a copy of the file-provided multipliers.
func (s *PolicyStore) Snapshot() protocols.FixedPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(protocols.FixedPolicy, len(s.policy))
	for k, v := range s.policy {
		out[k] = v
	}
	return out
}

func parsePolicy(data []byte) (protocols.FixedPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	out := make(protocols.FixedPolicy, len(f.Multipliers))
	for name, m := range f.Multipliers {
		tier, err := protocols.ParseTier(name)
		if err != nil {
			return nil, err
		}
		if m <= 0 {
			return nil, fmt.Errorf("multiplier for %s must be positive, got %v", tier, m)
		}
		out[tier] = m
	}
	return out, nil
}

// Reload reads the file unconditionally.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat pricing policy: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read pricing policy: %w", err)
	}
	policy, err := parsePolicy(data)
	if err != nil {
		return fmt.Errorf("parse pricing policy %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.policy = policy
	s.modTime = info.ModTime()
	s.mu.Unlock()

	s.logger.Info("pricing policy loaded", "path", s.path, "tiers", len(policy))
	return nil
}

// ReloadIfChanged reloads only when the file mtime moved, so the polling
// loop does not log on every tick.
func (s *PolicyStore) ReloadIfChanged() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	same := info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if same {
		return false, nil
	}
	return true, s.Reload()
}

// Watch reloads on fsnotify events for the policy file and, in addition,
// polls every interval in case events are missed (network filesystems,
// editors that replace the file). It returns immediately.
func (s *PolicyStore) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	// Watch the directory: editors commonly write a temp file and rename it
	// over the original, which drops a watch placed on the file itself.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("cannot watch pricing policy directory, polling only", "error", err)
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		go s.watchEvents(ctx, watcher)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReloadIfChanged(); err != nil {
					s.logger.Error("pricing policy poll failed", "error", err)
				}
			}
		}
	}()
}

func (s *PolicyStore) watchEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Let the writer finish.
			time.Sleep(100 * time.Millisecond)
			if _, err := s.ReloadIfChanged(); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Error("pricing policy reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("pricing policy watcher error", "error", err)
		}
	}
}
