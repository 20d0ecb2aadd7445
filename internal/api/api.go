// Package api builds the capability-scoped API object handed to each
// plugin. Every operation checks the plugin's declared permissions before
// doing anything observable; the factory itself is stateless and callers
// (dispatcher, runtime) cache at most one live instance per plugin.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deskforge/plugkit/pkg/models"
	"github.com/deskforge/plugkit/pkg/plugin"
)

// Notifier hands notification requests to the host's delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, pluginName, title, body string) error
}

// Factory creates per-plugin API instances. Stateless: Create always
// returns a fresh instance.
type Factory struct {
	store      plugin.Store
	hostConfig plugin.Config // may be nil
	httpClient *http.Client
	notifier   Notifier // may be nil
	rateLimit  rate.Limit
	burst      int
	logger     *zap.Logger
}

// NewFactory wires the collaborators every instance shares. hostConfig
// supplies deployment-level setting defaults under plugins.<name> and may
// be nil; httpClient may be nil (a 30s-timeout default is used); notifier
// may be nil.
func NewFactory(store plugin.Store, hostConfig plugin.Config, httpClient *http.Client, notifier Notifier, rateLimit rate.Limit, burst int, logger *zap.Logger) *Factory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if rateLimit <= 0 {
		rateLimit = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Factory{
		store:      store,
		hostConfig: hostConfig,
		httpClient: httpClient,
		notifier:   notifier,
		rateLimit:  rateLimit,
		burst:      burst,
		logger:     logger,
	}
}

// Create builds a fresh API instance for a loaded plugin. The instance
// sees only the plugins.<name> slice of the host configuration.
func (f *Factory) Create(lp *plugin.LoadedPlugin) *Instance {
	var cfg plugin.Config
	if f.hostConfig != nil {
		cfg = f.hostConfig.Sub("plugins." + lp.Plugin.Name)
	}
	return &Instance{
		plugin:     lp.Plugin,
		manifest:   lp.Manifest,
		store:      f.store,
		config:     cfg,
		httpClient: f.httpClient,
		notifier:   f.notifier,
		limiter:    rate.NewLimiter(f.rateLimit, f.burst),
		logger:     f.logger.With(zap.String("plugin", lp.Plugin.Name)),
		handlers:   make(map[plugin.EventKind][]plugin.EventHandler),
	}
}

// Context carries the host objects currently relevant to the plugin's
// mounted components. Fields the manifest did not declare interest in may
// still be set; the declaration is advisory.
type Context struct {
	Ticket   *models.Ticket
	Device   *models.Device
	Document *models.Document
}

// Instance is one plugin's API object. All methods are safe for
// concurrent use.
type Instance struct {
	plugin     plugin.Plugin
	manifest   plugin.Manifest
	store      plugin.Store
	config     plugin.Config // may be nil
	httpClient *http.Client
	notifier   Notifier
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu       sync.RWMutex
	context  Context
	handlers map[plugin.EventKind][]plugin.EventHandler
}

// PluginUUID returns the owning plugin's identity.
func (in *Instance) PluginUUID() string { return in.plugin.UUID.String() }

// SetContext merges non-nil fields into the instance context.
func (in *Instance) SetContext(partial Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if partial.Ticket != nil {
		in.context.Ticket = partial.Ticket
	}
	if partial.Device != nil {
		in.context.Device = partial.Device
	}
	if partial.Document != nil {
		in.context.Document = partial.Document
	}
}

// Context returns a copy of the current context.
func (in *Instance) Context() Context {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.context
}

// On registers an event handler. Handlers fire in registration order and
// are not de-duplicated: a handler registered twice fires twice.
func (in *Instance) On(kind plugin.EventKind, h plugin.EventHandler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[kind] = append(in.handlers[kind], h)
}

// HandlersFor returns the ordered handler list for an event kind. The
// returned slice is a copy; an unknown kind yields an empty slice.
func (in *Instance) HandlersFor(kind plugin.EventKind) []plugin.EventHandler {
	in.mu.RLock()
	defer in.mu.RUnlock()
	hs := in.handlers[kind]
	out := make([]plugin.EventHandler, len(hs))
	copy(out, hs)
	return out
}

// Ticket returns the ticket currently in context. Requires tickets:read.
func (in *Instance) Ticket() (*models.Ticket, error) {
	if err := in.require(plugin.PermTicketsRead); err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.context.Ticket, nil
}

// Device returns the device currently in context. Requires devices:read.
func (in *Instance) Device() (*models.Device, error) {
	if err := in.require(plugin.PermDevicesRead); err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.context.Device, nil
}

// Document returns the document currently in context. Requires
// documents:read.
func (in *Instance) Document() (*models.Document, error) {
	if err := in.require(plugin.PermDocumentsRead); err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.context.Document, nil
}

// SettingGet reads one plugin setting. Requires settings. A key absent
// from the store falls back to the deployment default configured under
// plugins.<name>.settings.<key>, when one exists.
func (in *Instance) SettingGet(ctx context.Context, key string) ([]byte, error) {
	if err := in.require(plugin.PermSettings); err != nil {
		return nil, err
	}
	val, err := in.store.Get(ctx, in.plugin.UUID, plugin.DataSetting, key)
	if errors.Is(err, plugin.ErrNotFound) && in.config != nil {
		if cfgKey := "settings." + key; in.config.IsSet(cfgKey) {
			return []byte(in.config.GetString(cfgKey)), nil
		}
	}
	return val, err
}

// StorageGet reads one storage value. Requires storage.
func (in *Instance) StorageGet(ctx context.Context, key string) ([]byte, error) {
	if err := in.require(plugin.PermStorage); err != nil {
		return nil, err
	}
	return in.store.Get(ctx, in.plugin.UUID, plugin.DataStorage, key)
}

// StorageSet writes one storage value. Requires storage.
func (in *Instance) StorageSet(ctx context.Context, key string, value []byte) error {
	if err := in.require(plugin.PermStorage); err != nil {
		return err
	}
	return in.store.Set(ctx, in.plugin.UUID, plugin.DataStorage, key, value)
}

// StorageDelete removes one storage value. Requires storage.
func (in *Instance) StorageDelete(ctx context.Context, key string) error {
	if err := in.require(plugin.PermStorage); err != nil {
		return err
	}
	return in.store.Delete(ctx, in.plugin.UUID, plugin.DataStorage, key)
}

// Notify hands a notification to the host pipeline. Requires
// notifications.
func (in *Instance) Notify(ctx context.Context, title, body string) error {
	if err := in.require(plugin.PermNotifications); err != nil {
		return err
	}
	if in.notifier == nil {
		return fmt.Errorf("notifications unavailable in this deployment")
	}
	return in.notifier.Notify(ctx, in.plugin.Name, title, body)
}

// Fetch performs an external HTTP request on the plugin's behalf. The
// target host must be covered by an external:<host> permission; requests
// are rate limited per plugin.
func (in *Instance) Fetch(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" || !in.manifest.AllowsHost(host) {
		return nil, &plugin.PermissionError{
			Plugin:     in.plugin.Name,
			Permission: "external:" + host,
		}
	}

	if err := in.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	in.logger.Debug("external fetch",
		zap.String("method", method),
		zap.String("host", host),
	)
	return in.httpClient.Do(req)
}

// require returns a PermissionError unless the manifest declares perm.
func (in *Instance) require(perm string) error {
	if !in.manifest.HasPermission(perm) {
		return &plugin.PermissionError{Plugin: in.plugin.Name, Permission: perm}
	}
	return nil
}
