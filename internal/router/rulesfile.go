package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// ruleSpec is the file representation of one routing rule. Enabled defaults
// to true when omitted.
type ruleSpec struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Priority   int                    `yaml:"priority"`
	Conditions storage.RuleConditions `yaml:"conditions"`
	Targets    storage.RuleTargets    `yaml:"targets"`
	Enabled    *bool                  `yaml:"enabled"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// SyncRulesFile upserts every rule in the configured YAML file into the
// store. The file seeds and updates rules; it never deletes them, so rules
// created through the admin API survive.
func (r *Router) SyncRulesFile(ctx context.Context) error {
	data, err := os.ReadFile(r.cfg.RulesFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Debug("No rules file", slog.String("file", r.cfg.RulesFile))
			return nil
		}
		return fmt.Errorf("read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	for i, spec := range file.Rules {
		if spec.ID == "" {
			return fmt.Errorf("rules file: rule %d has no id", i)
		}
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		rule := &storage.RoutingRule{
			ID:         spec.ID,
			Name:       spec.Name,
			Priority:   spec.Priority,
			Conditions: spec.Conditions,
			Targets:    spec.Targets,
			Enabled:    enabled,
		}
		if err := r.store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("upsert rule %s: %w", spec.ID, err)
		}
	}
	r.log.Info("Rules file synced", slog.String("file", r.cfg.RulesFile),
		slog.Int("rules", len(file.Rules)))
	return nil
}

// watchRulesFile watches the directory of the rules file and reloads on
// debounced writes. Watching the directory survives editors that replace the
// file on save.
func (r *Router) watchRulesFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}

	absPath, err := filepath.Abs(r.cfg.RulesFile)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resolve rules path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch rules directory: %w", err)
	}

	r.log.Info("Watching rules file", slog.String("file", absPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer watcher.Close()

		fileName := filepath.Base(absPath)
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-r.runCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != fileName {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(2*time.Second, func() {
					ctx, cancel := context.WithTimeout(r.runCtx, 30*time.Second)
					defer cancel()
					if err := r.SyncRulesFile(ctx); err != nil {
						r.log.Error("Rules file reload failed", logfields.Error(err))
						return
					}
					if err := r.LoadRules(ctx); err != nil {
						r.log.Error("Rule reload failed", logfields.Error(err))
						return
					}
					r.log.Info("Rules reloaded", slog.String("file", absPath))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Error("Rules watcher error", logfields.Error(err))
			}
		}
	}()
	return nil
}
