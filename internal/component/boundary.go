package component

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deskforge/plugkit/pkg/plugin"
)

// RenderResult is what the UI shell gets back from a mount attempt. A
// failed mount yields an inline error surface scoped to the slot item;
// the shell must not remount automatically.
type RenderResult struct {
	PluginName    string
	ComponentName string
	Err           error
}

// OK reports whether the mount succeeded.
func (r RenderResult) OK() bool { return r.Err == nil }

// ErrorSurface returns the inline message the shell shows in place of a
// failed component.
func (r RenderResult) ErrorSurface() string {
	if r.Err == nil {
		return ""
	}
	return fmt.Sprintf("Plugin %q failed to render %s", r.PluginName, r.ComponentName)
}

// Mount runs a component's render function inside the failure boundary:
// panics and errors are contained, logged, and turned into an inline
// error result instead of propagating to the rest of the page.
func Mount(logger *zap.Logger, reg plugin.SlotRegistration, render func() error) (result RenderResult) {
	result = RenderResult{
		PluginName:    reg.PluginName,
		ComponentName: reg.ComponentName,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("render panicked: %v", r)
			logger.Error("plugin component render panicked",
				zap.String("plugin", reg.PluginName),
				zap.String("component", reg.ComponentName),
				zap.Any("panic", r),
			)
		}
	}()

	if err := render(); err != nil {
		result.Err = err
		logger.Error("plugin component render failed",
			zap.String("plugin", reg.PluginName),
			zap.String("component", reg.ComponentName),
			zap.Error(err),
		)
	}
	return result
}
