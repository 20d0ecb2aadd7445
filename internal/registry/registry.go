// Package registry loads enabled plugins from the Plugin Service and
// maintains the runtime's loaded-plugin set and slot registration index.
// A load replaces prior state wholesale; per-plugin failures are isolated
// and never abort the rest of a load.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/pkg/plugin"
)

var pluginsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "plugkit_plugins_loaded",
	Help: "Number of plugins currently loaded in the runtime.",
})

func init() {
	prometheus.MustRegister(pluginsLoaded)
}

// ActivityLogger records plugin lifecycle events. Best effort; failures
// are logged and ignored.
type ActivityLogger interface {
	LogActivity(ctx context.Context, pluginUUID uuid.UUID, action string, details []byte) error
}

// Snapshot is one immutable view of loaded state. Readers hold a snapshot
// pointer; loads build a fresh snapshot and swap it in whole.
type Snapshot struct {
	plugins map[uuid.UUID]*plugin.LoadedPlugin
	order   []uuid.UUID // load order, for deterministic iteration
	slots   map[plugin.Slot][]plugin.SlotRegistration
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		plugins: make(map[uuid.UUID]*plugin.LoadedPlugin),
		slots:   make(map[plugin.Slot][]plugin.SlotRegistration),
	}
}

type observer struct {
	id uint64
	fn func()
}

// Registry owns the loaded-plugin map and slot index.
type Registry struct {
	svc      plugin.PluginService
	activity ActivityLogger // may be nil
	logger   *zap.Logger

	mu         sync.RWMutex
	snap       *Snapshot
	loading    bool
	loadErr    error
	generation uint64

	obsMu     sync.Mutex
	observers []observer
	nextObsID uint64
}

// New creates an empty registry. The activity logger may be nil.
func New(svc plugin.PluginService, activity ActivityLogger, logger *zap.Logger) *Registry {
	return &Registry{
		svc:      svc,
		activity: activity,
		logger:   logger,
		snap:     emptySnapshot(),
	}
}

// LoadPlugins fetches the enabled-plugin list and rebuilds the registry.
// Re-entrant calls while a load is in progress return immediately. Only
// the list fetch is fatal; individual plugin failures are logged and the
// plugin is left out of the loaded set.
func (r *Registry) LoadPlugins(ctx context.Context) error {
	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		r.logger.Warn("plugin load already in progress, ignoring")
		return nil
	}
	r.loading = true
	r.loadErr = nil
	r.generation++
	gen := r.generation
	// Replace wholesale: readers see an empty registry while the new
	// state is assembled, never a half-built one.
	r.snap = emptySnapshot()
	r.mu.Unlock()
	r.notify()

	defer func() {
		r.mu.Lock()
		r.loading = false
		r.mu.Unlock()
		r.notify()
	}()

	plugins, err := r.svc.ListEnabledPlugins(ctx)
	if err != nil {
		err = fmt.Errorf("list enabled plugins: %w", err)
		r.mu.Lock()
		r.loadErr = err
		r.mu.Unlock()
		r.logger.Error("plugin load failed", zap.Error(err))
		return err
	}

	next := emptySnapshot()
	for i := range plugins {
		p := &plugins[i]
		if err := r.safeLoadOne(ctx, next, p); err != nil {
			r.logger.Error("skipping plugin that failed to load",
				zap.String("plugin", p.Name),
				zap.String("uuid", p.UUID.String()),
				zap.Error(err),
			)
			r.logActivity(ctx, p.UUID, "load_failed", map[string]any{"error": err.Error()})
		}
	}

	r.mu.Lock()
	// A superseded load must not overwrite newer state.
	if gen != r.generation {
		r.mu.Unlock()
		r.logger.Warn("discarding superseded plugin load")
		return nil
	}
	r.snap = next
	r.mu.Unlock()

	pluginsLoaded.Set(float64(len(next.plugins)))
	r.logger.Info("plugins loaded",
		zap.Int("loaded", len(next.plugins)),
		zap.Int("listed", len(plugins)),
	)
	return nil
}

// safeLoadOne contains panics from a single plugin's load so one bad
// record cannot abort the rest of the run.
func (r *Registry) safeLoadOne(ctx context.Context, snap *Snapshot, p *plugin.Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic loading plugin: %v", rec)
		}
	}()
	return r.loadOne(ctx, snap, p)
}

// loadOne validates and indexes a single plugin into the snapshot under
// construction. Errors are contained by the caller.
func (r *Registry) loadOne(ctx context.Context, snap *Snapshot, p *plugin.Plugin) error {
	if err := p.Manifest.Validate(); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	if _, dup := snap.plugins[p.UUID]; dup {
		return fmt.Errorf("duplicate plugin uuid %s", p.UUID)
	}

	loaded := &plugin.LoadedPlugin{Plugin: *p, Manifest: p.Manifest}
	snap.plugins[p.UUID] = loaded
	snap.order = append(snap.order, p.UUID)

	// Components register in sorted declaration order, after all plugins
	// loaded earlier in this run: render order is deterministic.
	for _, name := range p.Manifest.ComponentNames() {
		def := p.Manifest.Components[name]
		reg := plugin.SlotRegistration{
			PluginUUID:    p.UUID,
			PluginName:    p.Name,
			ComponentName: name,
			Label:         def.Label,
			Icon:          def.Icon,
			Context:       def.Context,
		}
		snap.slots[def.Slot] = append(snap.slots[def.Slot], reg)
	}

	r.logActivity(ctx, p.UUID, "loaded", map[string]any{"version": p.Version})
	return nil
}

// GetSlotRegistrations returns the registrations for a slot in render
// order. Unknown slots yield an empty slice. The result is a copy;
// callers cannot reach the snapshot through it.
func (r *Registry) GetSlotRegistrations(slot plugin.Slot) []plugin.SlotRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.snap.slots[slot]
	out := make([]plugin.SlotRegistration, len(regs))
	copy(out, regs)
	return out
}

// GetLoadedPlugin returns the loaded plugin for a uuid, if present.
func (r *Registry) GetLoadedPlugin(id uuid.UUID) (*plugin.LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.snap.plugins[id]
	return lp, ok
}

// GetLoadedPlugins returns all loaded plugins in load order.
func (r *Registry) GetLoadedPlugins() []*plugin.LoadedPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*plugin.LoadedPlugin, 0, len(r.snap.order))
	for _, id := range r.snap.order {
		out = append(out, r.snap.plugins[id])
	}
	return out
}

// TrustLevelOf returns the current trust level of a loaded plugin.
// Restricted-event filtering consults this at dispatch time.
func (r *Registry) TrustLevelOf(id uuid.UUID) (plugin.TrustLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.snap.plugins[id]
	if !ok {
		return "", false
	}
	return lp.Plugin.TrustLevel, true
}

// IsPluginsLoading reports whether a load is in progress.
func (r *Registry) IsPluginsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// LoadError returns the error from the last load's list fetch, or nil.
func (r *Registry) LoadError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr
}

// Subscribe registers an observer notified after every registry or
// loading-state change. Returns an unsubscribe function.
func (r *Registry) Subscribe(fn func()) (unsubscribe func()) {
	r.obsMu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers = append(r.observers, observer{id: id, fn: fn})
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) notify() {
	r.obsMu.Lock()
	obs := make([]observer, len(r.observers))
	copy(obs, r.observers)
	r.obsMu.Unlock()

	for _, o := range obs {
		o.fn()
	}
}

func (r *Registry) logActivity(ctx context.Context, id uuid.UUID, action string, details map[string]any) {
	if r.activity == nil {
		return
	}
	data, err := json.Marshal(details)
	if err != nil {
		data = nil
	}
	if err := r.activity.LogActivity(ctx, id, action, data); err != nil {
		r.logger.Debug("activity log failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
