package waf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
)

// Policy is the operator-maintained list file.
type Policy struct {
	Allowlist     []string `yaml:"allowlist"`
	Denylist      []string `yaml:"denylist"`
	BlockedAgents []string `yaml:"blocked_agents"`
}

// LoadPolicy reads and validates a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for _, e := range p.Allowlist {
		if err := ValidEntry(e); err != nil {
			return Policy{}, fmt.Errorf("policy allowlist: %w", err)
		}
	}
	for _, e := range p.Denylist {
		if err := ValidEntry(e); err != nil {
			return Policy{}, fmt.Errorf("policy denylist: %w", err)
		}
	}
	return p, nil
}

// ApplyPolicy merges p into the running firewall. The allowlist becomes the
// configured base plus p.Allowlist and blocked agents are replaced. Denylist
// entries are only ever added, so a reload never lifts a runtime block.
func (f *Firewall) ApplyPolicy(p Policy) {
	allow := append(append([]string(nil), f.baseAllow...), p.Allowlist...)
	f.allow.Replace(allow)
	for _, e := range p.Denylist {
		f.deny.Add(e)
	}
	f.setAgents(p.BlockedAgents)
	f.logger.Info("policy applied",
		zap.Int("allowlist", f.allow.Len()),
		zap.Int("denylist", f.deny.Len()),
		zap.Int("blocked_agents", len(p.BlockedAgents)),
	)
}

// PolicyWatcher reapplies the policy file when it changes on disk.
type PolicyWatcher struct {
	path     string
	firewall *Firewall
	recorder Recorder
	logger   *zap.Logger
	debounce time.Duration
}

// NewPolicyWatcher returns a watcher for path. Call Run to start watching.
func NewPolicyWatcher(path string, f *Firewall, recorder Recorder, logger *zap.Logger) *PolicyWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyWatcher{
		path:     path,
		firewall: f,
		recorder: recorder,
		logger:   logger.Named("policy"),
		debounce: 200 * time.Millisecond,
	}
}

// Reload loads and applies the file once.
func (w *PolicyWatcher) Reload() error {
	p, err := LoadPolicy(w.path)
	if err != nil {
		return err
	}
	w.firewall.ApplyPolicy(p)
	if w.recorder != nil {
		w.recorder.LogEvent(monitor.EventInput{
			Type:     monitor.EventPolicyReloaded,
			Severity: monitor.SeverityInfo,
			Message:  "WAF policy reloaded",
			Metadata: map[string]any{"path": w.path},
		})
	}
	return nil
}

// Run watches the file's directory until ctx is done. A bad edit is logged and
// the previous policy stays in force.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			w.logger.Info("policy reloaded", zap.String("path", w.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
