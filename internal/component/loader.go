// Package component lazily resolves plugin UI components for slot
// registrations. Handles are memoized per (plugin, component) and
// invalidated when the plugin's bundle hash changes, so re-renders never
// re-trigger a bundle fetch.
package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/internal/pluginsvc"
	"github.com/deskforge/plugkit/internal/registry"
	"github.com/deskforge/plugkit/pkg/plugin"
)

// Component is a resolved plugin UI component: the bundle bytes and the
// entry point the shell mounts. The runtime does not execute bundles;
// they are opaque to it.
type Component struct {
	PluginUUID uuid.UUID
	PluginName string
	Name       string
	Entry      string
	Bundle     []byte
}

// Loader builds deferred component handles backed by the Plugin Service.
type Loader struct {
	svc    plugin.PluginService
	reg    *registry.Registry
	logger *zap.Logger

	mu      sync.Mutex
	handles map[handleKey]*Handle
}

type handleKey struct {
	id        uuid.UUID
	component string
}

// NewLoader creates a component loader.
func NewLoader(svc plugin.PluginService, reg *registry.Registry, logger *zap.Logger) *Loader {
	return &Loader{
		svc:     svc,
		reg:     reg,
		logger:  logger,
		handles: make(map[handleKey]*Handle),
	}
}

// CanRender reports whether a plugin's components are mountable: the
// plugin is loaded and has a usable bundle. A single boolean gate, by
// the current policy.
func (l *Loader) CanRender(id uuid.UUID) bool {
	lp, ok := l.reg.GetLoadedPlugin(id)
	return ok && lp.Plugin.HasBundle()
}

// Create returns the deferred handle for a slot registration's
// component. Repeat calls with an unchanged bundle return the same
// handle, so mounting code keeps a stable reference across re-renders;
// a changed bundle hash invalidates the memo.
func (l *Loader) Create(id uuid.UUID, componentName string) (*Handle, error) {
	lp, ok := l.reg.GetLoadedPlugin(id)
	if !ok {
		return nil, fmt.Errorf("plugin %s is not loaded", id)
	}
	if !lp.Plugin.HasBundle() {
		return nil, fmt.Errorf("plugin %q has no bundle", lp.Plugin.Name)
	}
	def, ok := lp.Manifest.Components[componentName]
	if !ok {
		return nil, fmt.Errorf("plugin %q declares no component %q", lp.Plugin.Name, componentName)
	}

	key := handleKey{id: id, component: componentName}
	hash := lp.Plugin.Bundle.Hash

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.handles[key]; ok && h.bundleHash == hash {
		return h, nil
	}

	h := &Handle{
		pluginUUID: id,
		pluginName: lp.Plugin.Name,
		name:       componentName,
		entry:      def.Entry,
		bundleHash: hash,
		bundle:     lp.Plugin.Bundle,
		svc:        l.svc,
		logger:     l.logger,
	}
	l.handles[key] = h
	return h, nil
}

// Handle is a lazily-resolved component reference. Resolve fetches the
// bundle at most once; every later call returns the cached result.
type Handle struct {
	pluginUUID uuid.UUID
	pluginName string
	name       string
	entry      string
	bundleHash string
	bundle     *plugin.BundleInfo
	svc        plugin.PluginService
	logger     *zap.Logger

	once sync.Once
	comp *Component
	err  error
}

// Resolve fetches and verifies the plugin bundle, returning the mounted
// component. The fetch happens once per handle; failures are cached too,
// matching the no-automatic-remount contract.
func (h *Handle) Resolve(ctx context.Context) (*Component, error) {
	h.once.Do(func() {
		data, err := h.svc.FetchBundle(ctx, h.pluginUUID)
		if err != nil {
			h.err = fmt.Errorf("fetch bundle for %q: %w", h.pluginName, err)
			return
		}
		if err := pluginsvc.VerifyBundle(data, h.bundle); err != nil {
			h.err = fmt.Errorf("verify bundle for %q: %w", h.pluginName, err)
			return
		}
		h.comp = &Component{
			PluginUUID: h.pluginUUID,
			PluginName: h.pluginName,
			Name:       h.name,
			Entry:      h.entry,
			Bundle:     data,
		}
		h.logger.Debug("component resolved",
			zap.String("plugin", h.pluginName),
			zap.String("component", h.name),
		)
	})
	return h.comp, h.err
}
