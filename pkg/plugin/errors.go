package plugin

import (
	"errors"
	"fmt"
)

// ErrPermission is the sentinel all permission failures match via
// errors.Is.
var ErrPermission = errors.New("permission denied")

// ErrNotFound is returned by Store lookups for absent keys.
var ErrNotFound = errors.New("not found")

// PermissionError reports a capability check failure inside the plugin
// API: the plugin attempted an operation its manifest did not declare.
type PermissionError struct {
	Plugin     string // plugin name
	Permission string // permission that would have been required
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("plugin %q lacks permission %q", e.Plugin, e.Permission)
}

// Is makes PermissionError match ErrPermission.
func (e *PermissionError) Is(target error) bool { return target == ErrPermission }
