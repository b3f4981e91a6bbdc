package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/actiongate/internal/action"
)

// Loader watches a directory tree of YAML rule files and merges them
// with API-registered rules into a single hot-reloadable Snapshot,
// generalized from the skill bundle loader's directory/source handling
// to a plain filesystem watch (the gateway has no OCI/git/configmap
// rule sources).
type Loader struct {
	dir        string
	predicates map[string]Predicate
	log        logr.Logger

	current atomic.Pointer[Snapshot]
	apiRules []action.Rule
	watcher  *fsnotify.Watcher
}

// NewLoader creates a loader rooted at dir. Call Load once before
// serving traffic, then Watch to pick up hot reloads.
func NewLoader(dir string, predicates map[string]Predicate, log logr.Logger) *Loader {
	l := &Loader{dir: dir, predicates: DefaultPredicates(predicates), log: log.WithName("rule-loader")}
	l.current.Store(NewSnapshot(nil, l.predicates))
	return l
}

// Current returns the live snapshot. Safe for concurrent use; callers
// should take one reference per dispatch and hold it for that dispatch.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Load reads every *.yaml/*.yml file under dir, merges with
// API-registered rules, and swaps in a new snapshot atomically. A
// partial failure anywhere leaves the prior snapshot untouched — rule
// load errors are surfaced as a single report, and the old rule set
// remains active.
func (l *Loader) Load() error {
	fileRules, err := l.loadDirectory()
	if err != nil {
		return err
	}
	merged, err := mergeRules(fileRules, l.apiRules)
	if err != nil {
		return err
	}
	l.current.Store(NewSnapshot(merged, l.predicates))
	return nil
}

// RegisterAPIRule adds or replaces an API-registered rule (not backed
// by a file) and reloads atomically.
func (l *Loader) RegisterAPIRule(r action.Rule) error {
	next := make([]action.Rule, 0, len(l.apiRules)+1)
	replaced := false
	for _, existing := range l.apiRules {
		if existing.Name == r.Name {
			next = append(next, r)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, r)
	}
	prevAPI := l.apiRules
	l.apiRules = next
	if err := l.Load(); err != nil {
		l.apiRules = prevAPI
		return err
	}
	return nil
}

// SetEnabled flips a rule's enabled flag by name and reloads atomically.
// Hard-block built-ins cannot be targeted.
func (l *Loader) SetEnabled(name string, enabled bool) error {
	for i := range l.apiRules {
		if l.apiRules[i].Name == name {
			l.apiRules[i].Enabled = enabled
			return l.Load()
		}
	}
	return fmt.Errorf("rule %s not found among API-registered rules", name)
}

func (l *Loader) loadDirectory() ([]action.Rule, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule directory %s: %w", l.dir, err)
	}

	var rules []action.Rule
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", path, err)
		}
		var rf action.RuleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", path, err)
		}
		rules = append(rules, rf.Rules...)
	}
	return rules, nil
}

// mergeRules combines file-sourced and API-registered rules, rejecting
// duplicate names, and assigns load order for a stable priority
// tie-break.
func mergeRules(fileRules, apiRules []action.Rule) ([]action.Rule, error) {
	seen := make(map[string]bool, len(fileRules)+len(apiRules))
	out := make([]action.Rule, 0, len(fileRules)+len(apiRules))
	order := 0
	for _, group := range [][]action.Rule{fileRules, apiRules} {
		for _, r := range group {
			if seen[r.Name] {
				return nil, fmt.Errorf("duplicate rule name %q", r.Name)
			}
			seen[r.Name] = true
			r.Condition.Normalize()
			r.SetLoadOrder(order)
			order++
			out = append(out, r)
		}
	}
	return out, nil
}

// Watch starts an fsnotify watch on the rule directory, reloading on
// any write/create/remove/rename event, until ctx-like stop is closed.
// Errors reloading are logged, not propagated, so a transient bad file
// write never crashes the watcher; the prior good snapshot stays live.
func (l *Loader) Watch(stop <-chan struct{}) error {
	if l.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch rule directory %s: %w", l.dir, err)
	}
	l.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := l.Load(); err != nil {
					l.log.Error(err, "rule reload failed, keeping prior snapshot")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Error(err, "rule watcher error")
			}
		}
	}()
	return nil
}
