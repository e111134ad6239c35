package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/contract"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// Artifacts holds the versioned contract and policy, swapped atomically on
// reload so in-flight requests keep a consistent snapshot.
type Artifacts struct {
	contractPath string
	policyPath   string

	contract atomic.Pointer[contract.Contract]
	policy   atomic.Pointer[policy.Policy]

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// LoadArtifacts reads both artifacts from disk. Both must parse.
func LoadArtifacts(contractPath, policyPath string) (*Artifacts, error) {
	a := &Artifacts{
		contractPath: contractPath,
		policyPath:   policyPath,
		stopChan:     make(chan struct{}),
	}
	if err := a.reloadContract(); err != nil {
		return nil, err
	}
	if err := a.reloadPolicy(); err != nil {
		return nil, err
	}
	return a, nil
}

// Contract returns the current telemetry contract.
func (a *Artifacts) Contract() *contract.Contract {
	return a.contract.Load()
}

// Policy returns the current edge policy.
func (a *Artifacts) Policy() *policy.Policy {
	return a.policy.Load()
}

// Reload re-reads both artifacts (e.g. from SIGHUP). A parse failure keeps
// the previous version in place.
func (a *Artifacts) Reload() {
	if err := a.reloadContract(); err != nil {
		log.Error().Err(err).Str("path", a.contractPath).Msg("Contract reload failed, keeping previous version")
	}
	if err := a.reloadPolicy(); err != nil {
		log.Error().Err(err).Str("path", a.policyPath).Msg("Policy reload failed, keeping previous version")
	}
}

func (a *Artifacts) reloadContract() error {
	data, err := os.ReadFile(a.contractPath)
	if err != nil {
		return fmt.Errorf("read contract: %w", err)
	}
	c, err := contract.Parse(data)
	if err != nil {
		return fmt.Errorf("parse contract: %w", err)
	}
	prev := a.contract.Swap(c)
	if prev == nil || prev.Version != c.Version || prev.Hash() != c.Hash() {
		log.Info().
			Str("version", c.Version).
			Str("hash", c.Hash()).
			Int("metrics", len(c.Metrics)).
			Msg("Loaded telemetry contract")
	}
	return nil
}

func (a *Artifacts) reloadPolicy() error {
	data, err := os.ReadFile(a.policyPath)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	p, err := policy.Parse(data)
	if err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	prev := a.policy.Swap(p)
	if prev == nil || prev.Version != p.Version {
		log.Info().
			Str("version", p.Version).
			Int("thresholds", len(p.AlertThresholds)).
			Msg("Loaded edge policy")
	}
	return nil
}

// Watch starts watching both artifact directories for changes. Edits are
// picked up without a restart; writes are debounced before re-parsing.
func (a *Artifacts) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create artifact watcher: %w", err)
	}
	a.watcher = watcher

	dirs := map[string]bool{
		filepath.Dir(a.contractPath): true,
		filepath.Dir(a.policyPath):   true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go a.watchForChanges()
	log.Info().
		Str("contract", a.contractPath).
		Str("policy", a.policyPath).
		Msg("Watching artifacts for changes")
	return nil
}

// Stop shuts the watcher down.
func (a *Artifacts) Stop() {
	select {
	case <-a.stopChan:
		return
	default:
		close(a.stopChan)
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
}

func (a *Artifacts) watchForChanges() {
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch event.Name {
			case a.contractPath:
				// Debounce, the write may still be in progress.
				time.Sleep(100 * time.Millisecond)
				if err := a.reloadContract(); err != nil {
					log.Error().Err(err).Msg("Contract reload failed, keeping previous version")
				}
			case a.policyPath:
				time.Sleep(100 * time.Millisecond)
				if err := a.reloadPolicy(); err != nil {
					log.Error().Err(err).Msg("Policy reload failed, keeping previous version")
				}
			}

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Artifact watcher error")

		case <-a.stopChan:
			return
		}
	}
}
