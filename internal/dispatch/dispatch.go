// Package dispatch bridges backend real-time events into the plugin
// event taxonomy and fans them out to cached plugin API instances.
// Handler failures are isolated per handler; restricted events are
// filtered by the plugin's current trust level at dispatch time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/internal/api"
	"github.com/deskforge/plugkit/internal/registry"
	"github.com/deskforge/plugkit/pkg/models"
	"github.com/deskforge/plugkit/pkg/plugin"
)

var (
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugkit_events_dispatched_total",
			Help: "Plugin events fanned out, by event kind.",
		},
		[]string{"event"},
	)
	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugkit_handler_errors_total",
			Help: "Plugin event handler failures, by plugin.",
		},
		[]string{"plugin"},
	)
	pluginsCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugkit_plugins_cached",
		Help: "Plugin API instances held by the dispatcher.",
	})
)

func init() {
	prometheus.MustRegister(eventsDispatched, handlerErrors, pluginsCached)
}

// backendEvents maps backend event names to plugin event kinds.
var backendEvents = map[string]plugin.EventKind{
	"ticket-created":        plugin.EventTicketCreated,
	"ticket-updated":        plugin.EventTicketUpdated,
	"comment-added":         plugin.EventTicketCommentAdded,
	"documentation-created": plugin.EventDocumentCreated,
	"documentation-updated": plugin.EventDocumentUpdated,
	"device-created":        plugin.EventDeviceCreated,
	"device-updated":        plugin.EventDeviceUpdated,
}

// ticketFieldEvents derives a specialized event from the changed field
// of a ticket update.
var ticketFieldEvents = map[string]struct {
	kind  plugin.EventKind
	field plugin.TicketField
}{
	"status":      {plugin.EventTicketStatusChanged, plugin.FieldStatus},
	"assignee":    {plugin.EventTicketAssigned, plugin.FieldAssignee},
	"assigned_to": {plugin.EventTicketAssigned, plugin.FieldAssignee},
}

// backendEnvelope is the wire shape delivered by the event source.
type backendEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Field    string           `json:"field,omitempty"`
		Ticket   *models.Ticket   `json:"ticket,omitempty"`
		Device   *models.Device   `json:"device,omitempty"`
		Document *models.Document `json:"document,omitempty"`
		Comment  *models.Comment  `json:"comment,omitempty"`
	} `json:"data"`
}

// Dispatcher subscribes to the backend event stream and delivers plugin
// events to registered handlers. Two states: stopped (initial/terminal)
// and running.
type Dispatcher struct {
	source  plugin.EventSource
	reg     *registry.Registry
	factory *api.Factory
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cleanup func()
	unsubs  []func()
	cache   map[uuid.UUID]*api.Instance
	order   []uuid.UUID
}

// New creates a stopped dispatcher.
func New(source plugin.EventSource, reg *registry.Registry, factory *api.Factory, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:  source,
		reg:     reg,
		factory: factory,
		logger:  logger,
		cache:   make(map[uuid.UUID]*api.Instance),
	}
}

// Initialize builds the plugin API cache and subscribes to every mapped
// backend event. Returns a cleanup handle equivalent to Stop. Calling
// Initialize while running returns the existing handle unchanged; it
// never double-subscribes.
func (d *Dispatcher) Initialize(ctx context.Context) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.logger.Warn("dispatcher already initialized, returning existing cleanup handle")
		return d.cleanup
	}

	d.ctx = ctx
	d.rebuildCacheLocked()

	// Deterministic subscription order.
	names := make([]string, 0, len(backendEvents))
	for name := range backendEvents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		name := name
		unsub := d.source.AddEventListener(name, func(payload []byte) {
			d.handleBackendEvent(name, payload)
		})
		d.unsubs = append(d.unsubs, unsub)
	}

	d.running = true
	d.cleanup = func() { d.Stop() }
	d.logger.Info("event dispatcher running",
		zap.Int("subscriptions", len(d.unsubs)),
		zap.Int("plugins", len(d.cache)),
	)
	return d.cleanup
}

// Stop unsubscribes every handler and clears the API cache. Safe to call
// when already stopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	d.cache = make(map[uuid.UUID]*api.Instance)
	d.order = nil
	d.cleanup = nil
	d.running = false
	pluginsCached.Set(0)
	d.logger.Info("event dispatcher stopped")
}

// Refresh rebuilds the API cache from the current loaded-plugin set
// without touching subscriptions. Instances of plugins that remain
// loaded are kept so handler registrations survive a reload.
func (d *Dispatcher) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebuildCacheLocked()
	d.logger.Debug("dispatcher cache refreshed", zap.Int("plugins", len(d.cache)))
}

// Instance returns the cached API instance for a plugin, creating and
// caching one if the plugin is loaded. This is the single live instance
// shared with mounted components.
func (d *Dispatcher) Instance(id uuid.UUID) (*api.Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if in, ok := d.cache[id]; ok {
		return in, true
	}
	lp, ok := d.reg.GetLoadedPlugin(id)
	if !ok {
		return nil, false
	}
	in := d.factory.Create(lp)
	d.cache[id] = in
	d.order = append(d.order, id)
	pluginsCached.Set(float64(len(d.cache)))
	return in, true
}

// rebuildCacheLocked syncs the cache with the loaded-plugin set,
// preserving instances for plugins still loaded. Caller holds d.mu.
func (d *Dispatcher) rebuildCacheLocked() {
	next := make(map[uuid.UUID]*api.Instance)
	var order []uuid.UUID
	for _, lp := range d.reg.GetLoadedPlugins() {
		id := lp.Plugin.UUID
		if in, ok := d.cache[id]; ok {
			next[id] = in
		} else {
			next[id] = d.factory.Create(lp)
		}
		order = append(order, id)
	}
	d.cache = next
	d.order = order
	pluginsCached.Set(float64(len(next)))
}

// handleBackendEvent maps one backend event into the plugin taxonomy and
// fans it out, deriving the specialized ticket event when the payload
// names a mapped field.
func (d *Dispatcher) handleBackendEvent(backendName string, payload []byte) {
	kind, ok := backendEvents[backendName]
	if !ok {
		return
	}

	var env backendEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Warn("undecodable backend event payload",
			zap.String("event", backendName),
			zap.Error(err),
		)
		return
	}

	ev := plugin.Event{
		Kind:     kind,
		Ticket:   env.Data.Ticket,
		Device:   env.Data.Device,
		Document: env.Data.Document,
		Comment:  env.Data.Comment,
		Raw:      payload,
	}
	d.fanOut(ev)

	if backendName == "ticket-updated" {
		if fe, ok := ticketFieldEvents[env.Data.Field]; ok {
			derived := ev
			derived.Kind = fe.kind
			derived.Field = fe.field
			d.fanOut(derived)
		}
	}
}

// fanOut delivers one plugin event to every cached instance, in cache
// insertion order, with per-handler error isolation. Restricted events
// skip plugins whose current trust level is community.
func (d *Dispatcher) fanOut(ev plugin.Event) {
	d.mu.Lock()
	ctx := d.ctx
	order := make([]uuid.UUID, len(d.order))
	copy(order, d.order)
	cache := make(map[uuid.UUID]*api.Instance, len(d.cache))
	for id, in := range d.cache {
		cache[id] = in
	}
	d.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	restricted := plugin.Restricted(ev.Kind)
	eventsDispatched.WithLabelValues(string(ev.Kind)).Inc()

	for _, id := range order {
		in := cache[id]
		if restricted {
			// Current trust level, not one cached at init time.
			trust, ok := d.reg.TrustLevelOf(id)
			if !ok || trust == plugin.TrustCommunity {
				continue
			}
		}
		for _, h := range in.HandlersFor(ev.Kind) {
			d.invoke(ctx, id, ev, h)
		}
	}
}

// invoke runs one handler, containing panics, logging errors, and
// observing deferred completions without blocking dispatch.
func (d *Dispatcher) invoke(ctx context.Context, id uuid.UUID, ev plugin.Event, h plugin.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			handlerErrors.WithLabelValues(id.String()).Inc()
			d.logger.Error("plugin event handler panicked",
				zap.String("plugin_uuid", id.String()),
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()

	err := h(ctx, ev)
	if err == nil {
		return
	}

	var pending *plugin.Pending
	if errors.As(err, &pending) {
		go d.observePending(id, ev.Kind, pending)
		return
	}

	handlerErrors.WithLabelValues(id.String()).Inc()
	d.logger.Error("plugin event handler failed",
		zap.String("plugin_uuid", id.String()),
		zap.String("event", string(ev.Kind)),
		zap.Error(err),
	)
}

// observePending logs an async handler failure; it never rethrows and
// never blocks the dispatch path.
func (d *Dispatcher) observePending(id uuid.UUID, kind plugin.EventKind, p *plugin.Pending) {
	if p.C == nil {
		return
	}
	if err := <-p.C; err != nil {
		handlerErrors.WithLabelValues(id.String()).Inc()
		d.logger.Error("plugin async handler failed",
			zap.String("plugin_uuid", id.String()),
			zap.String("event", string(kind)),
			zap.Error(err),
		)
	}
}
