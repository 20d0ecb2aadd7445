package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/internal/realtime"
	"github.com/deskforge/plugkit/pkg/models"
	"github.com/deskforge/plugkit/pkg/plugin"
)

type fakeService struct {
	mu      sync.Mutex
	plugins []plugin.Plugin
}

func (f *fakeService) ListEnabledPlugins(_ context.Context) ([]plugin.Plugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]plugin.Plugin, len(f.plugins))
	copy(out, f.plugins)
	return out, nil
}

func (f *fakeService) FetchBundle(_ context.Context, _ uuid.UUID) ([]byte, error) {
	return nil, errors.New("no bundles in this test")
}

func (f *fakeService) setPlugins(ps []plugin.Plugin) {
	f.mu.Lock()
	f.plugins = ps
	f.mu.Unlock()
}

func testPlugin(name string, trust plugin.TrustLevel) plugin.Plugin {
	return plugin.Plugin{
		UUID:       uuid.New(),
		Name:       name,
		Version:    "1.0.0",
		Enabled:    true,
		TrustLevel: trust,
		Manifest: plugin.Manifest{
			Name:    name,
			Version: "1.0.0",
			Components: map[string]plugin.ComponentDef{
				"Panel": {Slot: plugin.SlotTicketSidebar, Entry: "Panel"},
			},
		},
	}
}

func newRuntime(t *testing.T, svc *fakeService, emitter *realtime.Emitter) *Runtime {
	t.Helper()
	rt, err := New(Options{
		Service: svc,
		Events:  emitter,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

func TestNew_requires_collaborators(t *testing.T) {
	if _, err := New(Options{Events: realtime.NewEmitter()}); err == nil {
		t.Error("New accepted a nil plugin service")
	}
	if _, err := New(Options{Service: &fakeService{}}); err == nil {
		t.Error("New accepted a nil event source")
	}
}

func TestInit_loads_and_dispatches(t *testing.T) {
	official := testPlugin("official-one", plugin.TrustOfficial)
	community := testPlugin("community-one", plugin.TrustCommunity)
	svc := &fakeService{plugins: []plugin.Plugin{official, community}}
	emitter := realtime.NewEmitter()
	rt := newRuntime(t, svc, emitter)

	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Dispose()

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) plugin.EventHandler {
		return func(_ context.Context, _ plugin.Event) error {
			mu.Lock()
			calls[name]++
			mu.Unlock()
			return nil
		}
	}

	offAPI, ok := rt.API(official.UUID)
	if !ok {
		t.Fatal("no API instance for loaded official plugin")
	}
	offAPI.On(plugin.EventDeviceCreated, record("official"))

	comAPI, ok := rt.API(community.UUID)
	if !ok {
		t.Fatal("no API instance for loaded community plugin")
	}
	comAPI.On(plugin.EventDeviceCreated, record("community"))

	err := emitter.EmitJSON("device-created", map[string]any{
		"device": &models.Device{ID: 3, UUID: uuid.New(), Name: "printer-3"},
	})
	if err != nil {
		t.Fatalf("EmitJSON: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls["official"] != 1 {
		t.Errorf("official handler calls = %d, want 1", calls["official"])
	}
	if calls["community"] != 0 {
		t.Errorf("community handler received a restricted device event (%d calls)", calls["community"])
	}
}

func TestInit_is_idempotent(t *testing.T) {
	svc := &fakeService{plugins: []plugin.Plugin{testPlugin("demo", plugin.TrustOfficial)}}
	emitter := realtime.NewEmitter()
	rt := newRuntime(t, svc, emitter)

	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Dispose()
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	if n := emitter.ListenerCount("ticket-created"); n != 1 {
		t.Errorf("ticket-created listeners = %d, want 1", n)
	}
}

func TestDispose_detaches_listeners(t *testing.T) {
	p := testPlugin("demo", plugin.TrustOfficial)
	svc := &fakeService{plugins: []plugin.Plugin{p}}
	emitter := realtime.NewEmitter()
	rt := newRuntime(t, svc, emitter)

	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rt.Dispose()

	if n := emitter.ListenerCount("ticket-created"); n != 0 {
		t.Errorf("listeners after Dispose = %d, want 0", n)
	}
	if _, ok := rt.API(p.UUID); ok {
		t.Error("API instance still served after Dispose")
	}

	// Dispose twice is harmless.
	rt.Dispose()
}

func TestRefresh_follows_service_state(t *testing.T) {
	p := testPlugin("demo", plugin.TrustOfficial)
	svc := &fakeService{plugins: []plugin.Plugin{p}}
	emitter := realtime.NewEmitter()
	rt := newRuntime(t, svc, emitter)

	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Dispose()

	if got := rt.SlotRegistrations(plugin.SlotTicketSidebar); len(got) != 1 {
		t.Fatalf("slot registrations = %d, want 1", len(got))
	}

	svc.setPlugins(nil)
	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := rt.SlotRegistrations(plugin.SlotTicketSidebar); len(got) != 0 {
		t.Errorf("slot registrations after unload = %d, want 0", len(got))
	}
	if _, ok := rt.API(p.UUID); ok {
		t.Error("API instance served for unloaded plugin")
	}
}

func TestSubscribe_notified_on_refresh(t *testing.T) {
	svc := &fakeService{plugins: []plugin.Plugin{testPlugin("demo", plugin.TrustOfficial)}}
	rt := newRuntime(t, svc, realtime.NewEmitter())

	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Dispose()

	var calls int
	unsub := rt.Subscribe(func() { calls++ })

	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != 1 {
		t.Fatalf("observer calls = %d, want 1", calls)
	}

	unsub()
	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != 1 {
		t.Errorf("observer calls after unsubscribe = %d, want 1", calls)
	}
}
