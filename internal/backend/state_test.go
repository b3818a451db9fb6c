package backend_test

import (
	"testing"

	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/config"
)

func twoBackendConfig() config.Config {
	return config.Config{
		Defaults: config.Defaults{Active: "a"},
		Backends: []config.Backend{
			{ID: "a", DisplayName: "A", BaseURL: "http://a", Auth: config.AuthNone},
			{ID: "b", DisplayName: "B", BaseURL: "http://b", Auth: config.AuthAPIKey, Credential: "secret"},
		},
	}
}

func TestFromConfig_DefaultsActive(t *testing.T) {
	st, err := backend.FromConfig(twoBackendConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "a" {
		t.Errorf("ActiveID() = %q, want a", st.ActiveID())
	}
}

func TestFromConfig_FallsBackToFirstBackend(t *testing.T) {
	cfg := twoBackendConfig()
	cfg.Defaults.Active = ""
	st, err := backend.FromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "a" {
		t.Errorf("ActiveID() = %q, want a (first backend)", st.ActiveID())
	}
}

func TestFromConfig_RejectsInvalidConfig(t *testing.T) {
	if _, err := backend.FromConfig(config.Config{}); err == nil {
		t.Error("expected error for config with no backends")
	}
}

func TestSwitchBackend(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	if err := st.SwitchBackend("b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "b" {
		t.Errorf("ActiveID() = %q, want b", st.ActiveID())
	}
	log := st.SwitchLog()
	if len(log) != 1 || log[0].From != "a" || log[0].To != "b" {
		t.Errorf("unexpected switch log: %+v", log)
	}
}

func TestSwitchBackend_UnknownID(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	err := st.SwitchBackend("nope")
	if err == nil {
		t.Fatal("expected error for unknown backend id")
	}
	var berr *backend.BackendError
	if !errorsAs(err, &berr) || berr.Kind != backend.ErrKindNotFound {
		t.Errorf("expected ErrKindNotFound, got %v", err)
	}
	if st.ActiveID() != "a" {
		t.Error("active id must be unchanged after a failed switch")
	}
}

func TestSwitchBackend_NotConfigured(t *testing.T) {
	cfg := twoBackendConfig()
	cfg.Backends[1].Credential = ""
	st, _ := backend.FromConfig(cfg)

	err := st.SwitchBackend("b")
	if err == nil {
		t.Fatal("expected error for unconfigured backend")
	}
	var berr *backend.BackendError
	if !errorsAs(err, &berr) || berr.Kind != backend.ErrKindNotConfigured {
		t.Errorf("expected ErrKindNotConfigured, got %v", err)
	}
}

func TestSwitchBackend_SameIDStillLogs(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	if err := st.SwitchBackend("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.SwitchLog()) != 1 {
		t.Error("switching to the already-active id should still append a log entry")
	}
}

func TestListBackendInfo(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	infos := st.ListBackendInfo()
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	if !infos[0].IsActive || infos[1].IsActive {
		t.Errorf("expected only backend a to be active: %+v", infos)
	}
	if !infos[0].IsConfigured || !infos[1].IsConfigured {
		t.Errorf("both backends should be configured: %+v", infos)
	}
}

func TestUpdateConfig_PreservesActiveWhenPresent(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	if err := st.SwitchBackend("b"); err != nil {
		t.Fatal(err)
	}

	next := twoBackendConfig()
	next.Defaults.Active = "a"
	next.Backends = append(next.Backends, config.Backend{ID: "c", BaseURL: "http://c", Auth: config.AuthNone})
	if err := st.UpdateConfig(next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "b" {
		t.Errorf("ActiveID() = %q, want b to be preserved across UpdateConfig", st.ActiveID())
	}
	if len(st.ListBackends()) != 3 {
		t.Errorf("expected 3 backends after update, got %d", len(st.ListBackends()))
	}
}

func TestUpdateConfig_RepinsWhenActiveRemoved(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	if err := st.SwitchBackend("b"); err != nil {
		t.Fatal(err)
	}

	next := config.Config{
		Defaults: config.Defaults{Active: "c"},
		Backends: []config.Backend{{ID: "c", BaseURL: "http://c", Auth: config.AuthNone}},
	}
	if err := st.UpdateConfig(next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "c" {
		t.Errorf("ActiveID() = %q, want c after b was dropped from config", st.ActiveID())
	}
	log := st.SwitchLog()
	if len(log) == 0 || log[len(log)-1].To != "c" {
		t.Errorf("expected a re-pin switch event logged, got %+v", log)
	}
}

func TestUpdateConfig_RepinsToFirstBackendWhenNoDefault(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	next := config.Config{
		Backends: []config.Backend{{ID: "z", BaseURL: "http://z", Auth: config.AuthNone}},
	}
	if err := st.UpdateConfig(next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ActiveID() != "z" {
		t.Errorf("ActiveID() = %q, want z", st.ActiveID())
	}
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	err := st.UpdateConfig(config.Config{})
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if st.ActiveID() != "a" {
		t.Error("a rejected UpdateConfig must not mutate existing state")
	}
}

func TestLookup_FindsNonActiveBackend(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	b, err := st.Lookup("b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID != "b" {
		t.Errorf("Lookup(\"b\").ID = %q, want b", b.ID)
	}
}

func TestLookup_UnknownIDFails(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	if _, err := st.Lookup("nope"); err == nil {
		t.Fatal("expected error for unknown backend id")
	}
}

func TestActiveBackend(t *testing.T) {
	st, _ := backend.FromConfig(twoBackendConfig())
	b, err := st.ActiveBackend()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID != "a" {
		t.Errorf("ActiveBackend().ID = %q, want a", b.ID)
	}
}

// errorsAs is a tiny local shim so this file need not import errors just
// for a single As call in a handful of tests.
func errorsAs(err error, target **backend.BackendError) bool {
	be, ok := err.(*backend.BackendError)
	if !ok {
		return false
	}
	*target = be
	return true
}
