// Package runtime assembles the plugin runtime: registry, capability
// factory, event dispatcher, and component loader, wired explicitly and
// torn down in one place.
package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deskforge/plugkit/internal/api"
	"github.com/deskforge/plugkit/internal/component"
	"github.com/deskforge/plugkit/internal/dispatch"
	"github.com/deskforge/plugkit/internal/registry"
	"github.com/deskforge/plugkit/pkg/plugin"
)

// Options carries the external collaborators the runtime wires together.
// Service and Events are required; everything else has a usable default.
type Options struct {
	Service  plugin.PluginService
	Events   plugin.EventSource
	Store    plugin.Store
	Activity registry.ActivityLogger // optional, best-effort lifecycle log
	Notifier api.Notifier            // optional, nil disables notifications

	// Config supplies deployment-level plugin defaults; each plugin sees
	// only its plugins.<name> slice. Optional.
	Config plugin.Config

	// HTTPClient serves plugin external fetches. Defaults to a client
	// with the factory's standard timeout.
	HTTPClient *http.Client

	// FetchRate and FetchBurst bound each plugin's external fetch rate.
	// Zero values take the factory defaults.
	FetchRate  rate.Limit
	FetchBurst int

	Logger *zap.Logger
}

// Runtime owns the wired components and their shared lifecycle.
type Runtime struct {
	logger  *zap.Logger
	reg     *registry.Registry
	factory *api.Factory
	disp    *dispatch.Dispatcher
	loader  *component.Loader

	mu       sync.Mutex
	cleanup  func()
	unsubReg func()
}

// New wires the runtime components. It does not load plugins or attach
// event listeners; call Init for that.
func New(opts Options) (*Runtime, error) {
	if opts.Service == nil {
		return nil, errors.New("runtime: plugin service is required")
	}
	if opts.Events == nil {
		return nil, errors.New("runtime: event source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(opts.Service, opts.Activity, logger.Named("registry"))
	factory := api.NewFactory(opts.Store, opts.Config, opts.HTTPClient, opts.Notifier,
		opts.FetchRate, opts.FetchBurst, logger.Named("api"))
	disp := dispatch.New(opts.Events, reg, factory, logger.Named("dispatch"))
	loader := component.NewLoader(opts.Service, reg, logger.Named("component"))

	return &Runtime{
		logger:  logger,
		reg:     reg,
		factory: factory,
		disp:    disp,
		loader:  loader,
	}, nil
}

// Init loads the enabled plugins and starts the event dispatcher.
// Registry changes (reloads) refresh the dispatcher cache automatically.
// Calling Init on a running runtime is a no-op.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.cleanup != nil {
		r.mu.Unlock()
		r.logger.Warn("runtime already initialized")
		return nil
	}
	r.cleanup = r.disp.Initialize(ctx)
	r.unsubReg = r.reg.Subscribe(r.disp.Refresh)
	r.mu.Unlock()

	if err := r.reg.LoadPlugins(ctx); err != nil {
		r.logger.Error("initial plugin load failed", zap.Error(err))
		return err
	}
	return nil
}

// Refresh reloads the plugin list from the service. The dispatcher cache
// follows via the registry subscription.
func (r *Runtime) Refresh(ctx context.Context) error {
	return r.reg.LoadPlugins(ctx)
}

// Dispose detaches event listeners and drops all cached plugin API
// instances. The runtime can be re-initialized afterwards.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanup == nil {
		return
	}
	r.unsubReg()
	r.disp.Stop()
	r.cleanup = nil
	r.unsubReg = nil
}

// Registry exposes the plugin registry for read access.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Subscribe registers fn to run after every registry reload, including
// failed ones. The returned function removes the subscription.
func (r *Runtime) Subscribe(fn func()) (unsubscribe func()) {
	return r.reg.Subscribe(fn)
}

// Components exposes the component loader.
func (r *Runtime) Components() *component.Loader { return r.loader }

// API returns the live capability-scoped API instance for a loaded
// plugin, creating it on first use. A runtime that is not initialized
// serves no instances.
func (r *Runtime) API(id uuid.UUID) (*api.Instance, bool) {
	r.mu.Lock()
	running := r.cleanup != nil
	r.mu.Unlock()
	if !running {
		return nil, false
	}
	return r.disp.Instance(id)
}

// SlotRegistrations lists the components registered for a slot, in
// plugin load order and sorted component-name order within a plugin.
func (r *Runtime) SlotRegistrations(slot plugin.Slot) []plugin.SlotRegistration {
	return r.reg.GetSlotRegistrations(slot)
}
