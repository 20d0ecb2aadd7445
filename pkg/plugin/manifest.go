package plugin

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Slot names a mount point in the host UI where plugin components may be
// inserted.
type Slot string

const (
	SlotTicketSidebar   Slot = "ticket-sidebar"
	SlotTicketActions   Slot = "ticket-actions"
	SlotDeviceSidebar   Slot = "device-sidebar"
	SlotDocumentSidebar Slot = "document-sidebar"
	SlotDashboardWidget Slot = "dashboard-widget"
	SlotSettingsPage    Slot = "settings-page"
)

// knownSlots is the closed set of mountable slots.
var knownSlots = map[Slot]bool{
	SlotTicketSidebar:   true,
	SlotTicketActions:   true,
	SlotDeviceSidebar:   true,
	SlotDocumentSidebar: true,
	SlotDashboardWidget: true,
	SlotSettingsPage:    true,
}

// KnownSlot reports whether s is one of the slots the host UI mounts.
func KnownSlot(s Slot) bool { return knownSlots[s] }

// ContextKey names a host context object a component declares interest in.
type ContextKey string

const (
	ContextTicket   ContextKey = "ticket"
	ContextDevice   ContextKey = "device"
	ContextDocument ContextKey = "document"
)

// Permission strings a manifest may request. External access is
// parametrized: "external:<host>", where host may carry a "*." wildcard
// prefix.
const (
	PermTicketsRead   = "tickets:read"
	PermDevicesRead   = "devices:read"
	PermDocumentsRead = "documents:read"
	PermStorage       = "storage"
	PermSettings      = "settings"
	PermNotifications = "notifications"

	externalPrefix = "external:"
)

// Manifest is a plugin's self-declared contract. Immutable once loaded;
// a new load replaces it wholesale.
type Manifest struct {
	Name        string                  `json:"name"`
	DisplayName string                  `json:"displayName"`
	Version     string                  `json:"version"`
	Description string                  `json:"description,omitempty"`
	Permissions []string                `json:"permissions,omitempty"`
	Components  map[string]ComponentDef `json:"components,omitempty"`
	Events      []EventKind             `json:"events,omitempty"` // advisory interest
	Settings    []SettingDef            `json:"settings,omitempty"`
}

// ComponentDef declares one UI component a plugin contributes.
type ComponentDef struct {
	Slot    Slot         `json:"slot"`
	Entry   string       `json:"entry"` // exported name inside the bundle
	Context []ContextKey `json:"context,omitempty"`
	Label   string       `json:"label,omitempty"`
	Icon    string       `json:"icon,omitempty"`
}

// SettingDef describes one typed plugin setting.
type SettingDef struct {
	Key         string `json:"key"`
	Type        string `json:"type"` // string, number, boolean
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Secret      bool   `json:"secret,omitempty"` // redacted outside the plugin API
}

// Manifest validation errors.
var (
	ErrManifestName    = errors.New("manifest: name is required and must be lowercase alphanumeric with hyphens")
	ErrManifestVersion = errors.New("manifest: version is required")
)

var manifestNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// Validate checks structural requirements. Unknown slots and malformed
// component entries are errors; unknown permissions are not (forward
// compatibility with service-side additions).
func (m *Manifest) Validate() error {
	if !manifestNamePattern.MatchString(m.Name) {
		return ErrManifestName
	}
	if m.Version == "" {
		return ErrManifestVersion
	}
	for name, c := range m.Components {
		if name == "" {
			return fmt.Errorf("manifest %q: component with empty name", m.Name)
		}
		if !knownSlots[c.Slot] {
			return fmt.Errorf("manifest %q: component %q targets unknown slot %q", m.Name, name, c.Slot)
		}
		if c.Entry == "" {
			return fmt.Errorf("manifest %q: component %q has no entry point", m.Name, name)
		}
	}
	return nil
}

// HasPermission reports whether the manifest declares the exact
// permission string.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// AllowsHost reports whether an "external:" permission covers the host.
// "external:api.example.com" matches exactly; "external:*.example.com"
// matches any subdomain and the apex.
func (m *Manifest) AllowsHost(host string) bool {
	for _, p := range m.Permissions {
		domain, ok := strings.CutPrefix(p, externalPrefix)
		if !ok {
			continue
		}
		if after, wild := strings.CutPrefix(domain, "*."); wild {
			if host == after || strings.HasSuffix(host, "."+after) {
				return true
			}
		} else if domain == host {
			return true
		}
	}
	return false
}

// ComponentNames returns component names in sorted order. This is the
// declaration order used when building slot registrations, keeping render
// order deterministic across loads.
func (m *Manifest) ComponentNames() []string {
	names := make([]string, 0, len(m.Components))
	for name := range m.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
