package config

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ReloadFunc applies a freshly parsed configuration for one section.
type ReloadFunc func(sc *SimConfig) error

// ReloadResult represents the result of a reload operation for a single section.
type ReloadResult struct {
	Section     string
	Success     bool
	Error       error
	CanReload   bool
	WasReloaded bool
}

// ReloadManager re-reads the configuration file and hands changed sections
// to their registered handlers. Sections without a handler need a restart.
type ReloadManager struct {
	mu sync.Mutex

	current    *Config
	sim        *SimConfig
	configPath string

	handlers map[string]ReloadFunc

	debounceTime time.Duration
	lastReload   time.Time
}

// NewReloadManager creates a reload manager for the file at path. cfg and
// sim are the configuration currently in effect.
func NewReloadManager(path string, cfg *Config, sim *SimConfig) *ReloadManager {
	return &ReloadManager{
		current:      cfg,
		sim:          sim,
		configPath:   path,
		handlers:     make(map[string]ReloadFunc),
		debounceTime: 100 * time.Millisecond,
	}
}

// SetDebounceTime sets the minimum spacing between file reloads.
func (rm *ReloadManager) SetDebounceTime(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debounceTime = d
}

// Handle registers fn for changes to section.
func (rm *ReloadManager) Handle(section string, fn ReloadFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.handlers[section] = fn
}

// Current returns the configuration in effect.
func (rm *ReloadManager) Current() *SimConfig {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.sim
}

// ReloadFromFile reloads the configuration file. It returns nil results
// when called again within the debounce window.
func (rm *ReloadManager) ReloadFromFile() ([]ReloadResult, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if time.Since(rm.lastReload) < rm.debounceTime {
		return nil, nil
	}
	newConfig, err := Load(rm.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return rm.reloadLocked(newConfig)
}

// ReloadWithConfig reloads from an already parsed config.
func (rm *ReloadManager) ReloadWithConfig(newConfig *Config) ([]ReloadResult, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.reloadLocked(newConfig)
}

func (rm *ReloadManager) reloadLocked(newConfig *Config) ([]ReloadResult, error) {
	// An invalid file leaves the running configuration untouched.
	sim, err := ParseSimConfig(newConfig)
	if err != nil {
		return nil, err
	}

	var results []ReloadResult
	for _, name := range DetectChanges(rm.current, newConfig) {
		result := ReloadResult{Section: name}
		fn, ok := rm.handlers[name]
		if ok {
			result.CanReload = true
			if err := fn(sim); err != nil {
				result.Error = err
			} else {
				result.Success = true
				result.WasReloaded = true
			}
		}
		results = append(results, result)
	}

	rm.current = newConfig
	rm.sim = sim
	rm.lastReload = time.Now()
	return results, nil
}

// DetectChanges returns the sorted names of sections that were added,
// removed or modified between old and new.
func DetectChanges(old, new *Config) []string {
	seen := make(map[string]struct{})
	var changed []string
	mark := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			changed = append(changed, name)
		}
	}

	oldSecs := make(map[string]*Section)
	for _, s := range old.GetSections() {
		oldSecs[s.GetName()] = s
	}
	for _, newSec := range new.GetSections() {
		oldSec, ok := oldSecs[newSec.GetName()]
		if !ok || !sectionsEqual(oldSec, newSec) {
			mark(newSec.GetName())
		}
	}
	for name := range oldSecs {
		if !new.HasSection(name) {
			mark(name)
		}
	}
	sort.Strings(changed)
	return changed
}

// NonReloadable filters changed down to sections that have no handler.
func (rm *ReloadManager) NonReloadable(changed []string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []string
	for _, name := range changed {
		if _, ok := rm.handlers[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// sectionsEqual checks if two sections have the same options.
func sectionsEqual(a, b *Section) bool {
	aOpts := a.RawOptions()
	bOpts := b.RawOptions()
	if len(aOpts) != len(bOpts) {
		return false
	}
	for k, v := range aOpts {
		if w, ok := bOpts[k]; !ok || w != v {
			return false
		}
	}
	return true
}
