// Package plugin provides the public types for the DeskForge plugin runtime:
// the plugin record and manifest, the slot and event taxonomies, and the
// interfaces the runtime consumes from its collaborators (Plugin Service,
// real-time event source, keyed storage).
package plugin

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the coarse authorization tier assigned to a plugin.
// It gates access to restricted events and dynamic code execution.
type TrustLevel string

const (
	TrustOfficial  TrustLevel = "official"
	TrustVerified  TrustLevel = "verified"
	TrustCommunity TrustLevel = "community"
)

// Source records how a plugin arrived on this installation.
type Source string

const (
	SourceProvisioned Source = "provisioned"
	SourceUploaded    Source = "uploaded"
)

// BundleInfo describes a plugin's uploaded UI bundle. Nil until a bundle
// exists for the plugin.
type BundleInfo struct {
	Hash       string    `json:"hash"` // hex-encoded SHA-256 of the bundle bytes
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Plugin is the runtime's read-only snapshot of a plugin record.
// The Plugin Service owns the authoritative copy.
type Plugin struct {
	UUID        uuid.UUID   `json:"uuid"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Enabled     bool        `json:"enabled"`
	TrustLevel  TrustLevel  `json:"trust_level"`
	Source      Source      `json:"source"`
	Bundle      *BundleInfo `json:"bundle,omitempty"`
	InstalledAt time.Time   `json:"installed_at"`
	Manifest    Manifest    `json:"manifest"`
}

// HasBundle reports whether the plugin has a usable UI bundle.
func (p *Plugin) HasBundle() bool {
	return p.Bundle != nil && p.Bundle.Hash != ""
}

// LoadedPlugin pairs a plugin record with its validated manifest. Created
// by the registry during a load; replaced wholesale on every subsequent load.
type LoadedPlugin struct {
	Plugin   Plugin
	Manifest Manifest
}

// SlotRegistration binds one plugin component to a UI slot. Registrations
// are derived from manifests during a load and live only in the registry's
// slot index.
type SlotRegistration struct {
	PluginUUID    uuid.UUID    `json:"plugin_uuid"`
	PluginName    string       `json:"plugin_name"`
	ComponentName string       `json:"component_name"`
	Label         string       `json:"label,omitempty"`
	Icon          string       `json:"icon,omitempty"`
	Context       []ContextKey `json:"context,omitempty"`
}

// PluginService is the runtime's view of the backend plugin API.
type PluginService interface {
	// ListEnabledPlugins returns every enabled plugin with its manifest.
	ListEnabledPlugins(ctx context.Context) ([]Plugin, error)
	// FetchBundle downloads a plugin's UI bundle. Implementations verify
	// the bytes against the plugin record's bundle hash.
	FetchBundle(ctx context.Context, pluginUUID uuid.UUID) ([]byte, error)
}

// EventSource delivers backend real-time events. AddEventListener returns
// an unsubscribe function; listeners for the same event fire in
// registration order.
type EventSource interface {
	AddEventListener(event string, fn func(payload []byte)) (unsubscribe func())
}

// DataKind distinguishes the two namespaces of plugin-scoped keyed data.
type DataKind string

const (
	DataSetting DataKind = "setting"
	DataStorage DataKind = "storage"
)

// Store is keyed get/set persistence scoped per plugin. Values are raw
// JSON; interpretation belongs to the plugin.
type Store interface {
	Get(ctx context.Context, pluginUUID uuid.UUID, kind DataKind, key string) ([]byte, error)
	Set(ctx context.Context, pluginUUID uuid.UUID, kind DataKind, key string, value []byte) error
	Delete(ctx context.Context, pluginUUID uuid.UUID, kind DataKind, key string) error
	// List returns all keys for a plugin and kind, sorted.
	List(ctx context.Context, pluginUUID uuid.UUID, kind DataKind) ([]string, error)
}
