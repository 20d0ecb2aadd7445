package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/internal/config"
	"github.com/deskforge/plugkit/pkg/models"
	"github.com/deskforge/plugkit/pkg/plugin"
)

// memStore is an in-memory plugin.Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) key(id uuid.UUID, kind plugin.DataKind, key string) string {
	return id.String() + "/" + string(kind) + "/" + key
}

func (m *memStore) Get(_ context.Context, id uuid.UUID, kind plugin.DataKind, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[m.key(id, kind, key)]
	if !ok {
		return nil, plugin.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, id uuid.UUID, kind plugin.DataKind, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.key(id, kind, key)] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID, kind plugin.DataKind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.key(id, kind, key))
	return nil
}

func (m *memStore) List(_ context.Context, _ uuid.UUID, _ plugin.DataKind) ([]string, error) {
	return nil, nil
}

func newInstance(t *testing.T, perms []string) *Instance {
	t.Helper()
	f := NewFactory(newMemStore(), nil, nil, nil, 100, 100, zap.NewNop())
	lp := &plugin.LoadedPlugin{
		Plugin: plugin.Plugin{
			UUID:       uuid.New(),
			Name:       "demo",
			TrustLevel: plugin.TrustCommunity,
		},
		Manifest: plugin.Manifest{
			Name:        "demo",
			Version:     "1.0.0",
			Permissions: perms,
		},
	}
	return f.Create(lp)
}

func TestPermissionGating(t *testing.T) {
	tests := []struct {
		name  string
		perms []string
		op    func(in *Instance) error
	}{
		{"ticket_read", []string{plugin.PermTicketsRead}, func(in *Instance) error {
			_, err := in.Ticket()
			return err
		}},
		{"device_read", []string{plugin.PermDevicesRead}, func(in *Instance) error {
			_, err := in.Device()
			return err
		}},
		{"settings", []string{plugin.PermSettings}, func(in *Instance) error {
			_, err := in.SettingGet(context.Background(), "k")
			if errors.Is(err, plugin.ErrNotFound) {
				return nil // permission passed; key simply absent
			}
			return err
		}},
		{"storage", []string{plugin.PermStorage}, func(in *Instance) error {
			return in.StorageSet(context.Background(), "k", []byte("v"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name+"_granted", func(t *testing.T) {
			in := newInstance(t, tt.perms)
			if err := tt.op(in); err != nil {
				t.Errorf("op with permission: %v", err)
			}
		})
		t.Run(tt.name+"_denied", func(t *testing.T) {
			in := newInstance(t, nil)
			err := tt.op(in)
			if !errors.Is(err, plugin.ErrPermission) {
				t.Errorf("op without permission: err = %v, want ErrPermission", err)
			}
			var pe *plugin.PermissionError
			if !errors.As(err, &pe) {
				t.Errorf("error is not a *PermissionError: %T", err)
			}
		})
	}
}

func TestSetContext_merges(t *testing.T) {
	in := newInstance(t, []string{plugin.PermTicketsRead, plugin.PermDevicesRead})

	ticket := &models.Ticket{ID: 1, Title: "printer on fire"}
	device := &models.Device{ID: 2, Name: "prn-01"}

	in.SetContext(Context{Ticket: ticket})
	in.SetContext(Context{Device: device}) // must not clear ticket

	got := in.Context()
	if got.Ticket != ticket {
		t.Error("ticket lost after merging device context")
	}
	if got.Device != device {
		t.Error("device not merged")
	}
}

func TestOn_duplicate_handler_fires_twice(t *testing.T) {
	in := newInstance(t, nil)

	var calls int
	h := func(_ context.Context, _ plugin.Event) error {
		calls++
		return nil
	}
	in.On(plugin.EventTicketCreated, h)
	in.On(plugin.EventTicketCreated, h)

	for _, handler := range in.HandlersFor(plugin.EventTicketCreated) {
		_ = handler(context.Background(), plugin.Event{Kind: plugin.EventTicketCreated})
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (no de-duplication)", calls)
	}
}

func TestHandlersFor_unknown_kind(t *testing.T) {
	in := newInstance(t, nil)
	if hs := in.HandlersFor(plugin.EventDeviceCreated); len(hs) != 0 {
		t.Errorf("handlers = %d, want 0", len(hs))
	}
}

func TestHandlersFor_registration_order(t *testing.T) {
	in := newInstance(t, nil)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		in.On(plugin.EventTicketUpdated, func(_ context.Context, _ plugin.Event) error {
			order = append(order, i)
			return nil
		})
	}

	for _, h := range in.HandlersFor(plugin.EventTicketUpdated) {
		_ = h(context.Background(), plugin.Event{})
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFetch_requires_external_permission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	in := newInstance(t, nil) // no external permission
	_, err := in.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, plugin.ErrPermission) {
		t.Errorf("Fetch without permission: err = %v, want ErrPermission", err)
	}
}

func TestFetch_allows_declared_host(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// httptest serves on 127.0.0.1.
	in := newInstance(t, []string{"external:127.0.0.1"})
	resp, err := in.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestAllowsHost_wildcard(t *testing.T) {
	m := plugin.Manifest{Permissions: []string{"external:*.example.com"}}

	for host, want := range map[string]bool{
		"api.example.com": true,
		"example.com":     true,
		"evilexample.com": false,
		"api.example.org": false,
		"a.b.example.com": true,
	} {
		if got := m.AllowsHost(host); got != want {
			t.Errorf("AllowsHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestSettingGet_falls_back_to_host_config(t *testing.T) {
	v := viper.New()
	v.Set("plugins.demo.settings.theme", "dark")

	ms := newMemStore()
	f := NewFactory(ms, config.New(v), nil, nil, 100, 100, zap.NewNop())
	lp := &plugin.LoadedPlugin{
		Plugin: plugin.Plugin{UUID: uuid.New(), Name: "demo"},
		Manifest: plugin.Manifest{
			Name:        "demo",
			Version:     "1.0.0",
			Permissions: []string{plugin.PermSettings},
		},
	}
	in := f.Create(lp)
	ctx := context.Background()

	got, err := in.SettingGet(ctx, "theme")
	if err != nil {
		t.Fatalf("SettingGet: %v", err)
	}
	if string(got) != "dark" {
		t.Errorf("theme = %q, want host config default %q", got, "dark")
	}

	// A stored value wins over the deployment default.
	if err := ms.Set(ctx, lp.Plugin.UUID, plugin.DataSetting, "theme", []byte("light")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = in.SettingGet(ctx, "theme")
	if err != nil {
		t.Fatalf("SettingGet: %v", err)
	}
	if string(got) != "light" {
		t.Errorf("theme = %q, want stored %q", got, "light")
	}

	// No stored value and no default stays a miss.
	if _, err := in.SettingGet(ctx, "missing"); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("missing key: err = %v, want ErrNotFound", err)
	}
}

func TestFactory_returns_fresh_instances(t *testing.T) {
	f := NewFactory(newMemStore(), nil, nil, nil, 1, 1, zap.NewNop())
	lp := &plugin.LoadedPlugin{
		Plugin:   plugin.Plugin{UUID: uuid.New(), Name: "demo"},
		Manifest: plugin.Manifest{Name: "demo", Version: "1.0.0"},
	}

	a := f.Create(lp)
	b := f.Create(lp)
	if a == b {
		t.Error("Create returned the same instance twice; caching belongs to callers")
	}

	a.On(plugin.EventTicketCreated, func(context.Context, plugin.Event) error { return nil })
	if len(b.HandlersFor(plugin.EventTicketCreated)) != 0 {
		t.Error("handler leaked across instances")
	}
}
