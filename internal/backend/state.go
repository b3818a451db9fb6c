// Package backend is the single source of truth for the active-backend id
// (component C2). It wraps a config.Config plus one active-backend id plus
// an append-only switch log, and enforces that the active id always names
// a present backend.
package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/firasghr/anyclaude-proxy/internal/config"
)

// maxSwitchLog bounds the in-memory switch history; this is diagnostic
// state for the IPC/status surface, not a durability log (§3: "no
// persistence").
const maxSwitchLog = 200

// ErrorKind enumerates the taxonomy of backend-state failures.
type ErrorKind string

const (
	ErrKindNotFound      ErrorKind = "backend_not_found"
	ErrKindNotConfigured ErrorKind = "backend_not_configured"
)

// BackendError is returned by State methods that reference a backend id.
type BackendError struct {
	Kind ErrorKind
	ID   string
}

func (e *BackendError) Error() string {
	switch e.Kind {
	case ErrKindNotConfigured:
		return fmt.Sprintf("backend: %q is not configured", e.ID)
	default:
		return fmt.Sprintf("backend: %q not found", e.ID)
	}
}

// SwitchEvent records one active-backend transition for introspection.
type SwitchEvent struct {
	From string
	To   string
	At   time.Time
}

// State holds the active Config plus the currently active backend id.
//
// Concurrency model: a sync.RWMutex protects all fields. Reads (ActiveID,
// ActiveBackend, ListBackends) take the shared lock; they sit on the
// per-request hot path, so the critical section is kept to a field copy.
// Mutations (SwitchBackend, UpdateConfig) take the exclusive lock; they are
// driven only by the IPC server and are rare by comparison.
type State struct {
	mu     sync.RWMutex
	cfg    config.Config
	active string
	log    []SwitchEvent
}

// FromConfig establishes the active id from cfg: cfg.Defaults.Active if
// set, otherwise the first backend. Returns an error only if cfg itself is
// invalid (empty backends, or a named-but-unconfigured default) — the same
// invariant config.Validate already enforces, checked again here because a
// State may be constructed directly from a Config value that bypassed
// config.LoadConfig.
func FromConfig(cfg config.Config) (*State, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	active := cfg.Defaults.Active
	if active == "" {
		active = cfg.Backends[0].ID
	}
	return &State{cfg: cfg.Clone(), active: active}, nil
}

// ActiveID returns a cheap copy of the currently active backend id.
func (s *State) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ActiveBackend returns a cloned Backend record for the active id. It fails
// with ErrKindNotFound only in the narrow window where UpdateConfig has
// removed the active backend and not yet re-pinned it — callers never
// observe this because UpdateConfig re-pins under the same write lock.
func (s *State) ActiveBackend() (config.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cfg.ByID(s.active)
	if !ok {
		return config.Backend{}, &BackendError{Kind: ErrKindNotFound, ID: s.active}
	}
	return b.Clone(), nil
}

// ListBackends returns all configured backend ids, in catalog order.
func (s *State) ListBackends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.cfg.Backends))
	for i, b := range s.cfg.Backends {
		ids[i] = b.ID
	}
	return ids
}

// BackendInfo is a snapshot of one configured backend, flagging whether it
// is active — grounded on the IPC list_backends command (§4.10).
type BackendInfo struct {
	ID           string
	DisplayName  string
	BaseURL      string
	IsActive     bool
	IsConfigured bool
}

// ListBackendInfo returns BackendInfo for every configured backend.
func (s *State) ListBackendInfo() []BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BackendInfo, len(s.cfg.Backends))
	for i, b := range s.cfg.Backends {
		out[i] = BackendInfo{
			ID:           b.ID,
			DisplayName:  b.DisplayName,
			BaseURL:      b.BaseURL,
			IsActive:     b.ID == s.active,
			IsConfigured: b.Configured(),
		}
	}
	return out
}

// SwitchBackend validates that id names an existing, configured backend and
// makes it active. A switch to the already-active id is a no-op for state
// purposes but still appends a switch-log entry (observed-but-unchanged),
// mirroring the teacher's cheap-read-path philosophy in its rotation index.
func (s *State) SwitchBackend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.cfg.ByID(id)
	if !ok {
		return &BackendError{Kind: ErrKindNotFound, ID: id}
	}
	if !b.Configured() {
		return &BackendError{Kind: ErrKindNotConfigured, ID: id}
	}

	s.appendLog(s.active, id)
	s.active = id
	return nil
}

// appendLog must be called with s.mu held for writing.
func (s *State) appendLog(from, to string) {
	s.log = append(s.log, SwitchEvent{From: from, To: to, At: time.Now()})
	if len(s.log) > maxSwitchLog {
		s.log = s.log[len(s.log)-maxSwitchLog:]
	}
}

// SwitchLog returns a copy of the recent switch history, oldest first.
func (s *State) SwitchLog() []SwitchEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SwitchEvent, len(s.log))
	copy(out, s.log)
	return out
}

// UpdateConfig atomically replaces the underlying Config. If the current
// active id is still present in the new Config it is preserved; otherwise
// the new Config's Defaults.Active (or its first backend) becomes active.
func (s *State) UpdateConfig(cfg config.Config) error {
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cfg.Clone()
	newActive := s.active
	if _, ok := next.ByID(s.active); !ok {
		newActive = next.Defaults.Active
		if newActive == "" {
			newActive = next.Backends[0].ID
		}
		s.appendLog(s.active, newActive)
	}
	s.cfg = next
	s.active = newActive
	return nil
}

// Lookup returns a cloned Backend record for id regardless of whether id is
// the currently active backend — used by the upstream client to resolve a
// routing-rule-overridden or plugin-overridden backend id at dispatch time,
// always against the live Config rather than a value captured earlier in
// the request's lifetime.
func (s *State) Lookup(id string) (config.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cfg.ByID(id)
	if !ok {
		return config.Backend{}, &BackendError{Kind: ErrKindNotFound, ID: id}
	}
	return b.Clone(), nil
}

// ConfigSnapshot returns a cloned copy of the underlying Config.
func (s *State) ConfigSnapshot() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}
