// Package ipc is the in-process command surface a companion TUI uses to
// inspect status and hot-swap the active backend (component C10). There is
// no on-wire protocol: commands travel over a bounded Go channel within
// the same process.
package ipc

import (
	"context"
	"time"

	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/observability"
	"github.com/firasghr/anyclaude-proxy/internal/shutdown"
	"github.com/firasghr/anyclaude-proxy/internal/thinking"
	"github.com/firasghr/anyclaude-proxy/logger"
)

// queueCapacity bounds the in-flight command queue; the TUI is the only
// producer and issues commands one at a time in practice, so this is
// generous headroom rather than a tuned value.
const queueCapacity = 16

// Status is the reply shape for GetStatus.
type Status struct {
	ActiveBackend string
	UptimeSeconds float64
	TotalRequests uint64
	Healthy       bool
}

// BackendListEntry is one row of ListBackends's reply.
type BackendListEntry struct {
	ID           string
	DisplayName  string
	BaseURL      string
	IsActive     bool
	IsConfigured bool
}

// DebugLoggingConfig is the debug-logging flag exposed read/write through
// the IPC surface. The Server stores this flag itself; it is not connected
// to observability.DebugLoggerPlugin, so setting it does not change what
// that plugin logs.
type DebugLoggingConfig struct {
	Enabled bool
}

// Summarizer is the pluggable summarise-and-switch extension point
// described in §4.5/§4.10. Production builds may wire a real
// implementation; the core ships only NoopSummarizer for tests and for
// deployments that do not use this feature.
type Summarizer interface {
	// Summarize produces a short preview string describing the
	// conversation so far, for display while a backend switch is underway.
	// May take up to 60s; must not be called while holding any proxy lock.
	Summarize(ctx context.Context, fromBackend, toBackend string) (string, error)
}

// NoopSummarizer always returns an empty summary with no error.
type NoopSummarizer struct{}

func (NoopSummarizer) Summarize(ctx context.Context, fromBackend, toBackend string) (string, error) {
	return "", nil
}

// command is the internal sum type backing every public Server method
// (SwitchBackend, GetStatus and the rest): kind selects the operation,
// exactly one of its reply* channels is set, and the consumer loop sends
// at most one value on it.
type command struct {
	kind     string
	id       string // switch_backend target
	filter   string // get_metrics backend filter
	debugSet *DebugLoggingConfig
	from, to string // summarise-and-switch

	replyStatus  chan Status
	replyErr     chan error
	replyMetrics chan []observability.BackendStats
	replyList    chan []BackendListEntry
	replyDebug   chan DebugLoggingConfig
	replySummary chan summaryReply
}

type summaryReply struct {
	text string
	err  error
}

// Server runs the single-consumer command loop.
type Server struct {
	cmds       chan command
	state      *backend.State
	registry   *thinking.Registry
	hub        *observability.Hub
	shutdowner *shutdown.Coordinator
	log        *logger.Logger

	debugEnabled bool
	summarizer   Summarizer
}

// NewServer constructs a Server. Call Run in its own goroutine to start the
// consumer loop; the zero value is not usable.
func NewServer(state *backend.State, registry *thinking.Registry, hub *observability.Hub, sd *shutdown.Coordinator, log *logger.Logger, summarizer Summarizer) *Server {
	if summarizer == nil {
		summarizer = NoopSummarizer{}
	}
	return &Server{
		cmds:       make(chan command, queueCapacity),
		state:      state,
		registry:   registry,
		hub:        hub,
		shutdowner: sd,
		log:        log,
		summarizer: summarizer,
	}
}

// Run drains the command queue until ctx is cancelled. It is meant to run
// in its own goroutine for the lifetime of the process.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			s.handle(cmd)
		}
	}
}

func (s *Server) handle(cmd command) {
	switch cmd.kind {
	case "switch_backend":
		err := s.state.SwitchBackend(cmd.id)
		if err == nil {
			s.registry.Notify(cmd.id)
		}
		trySendErr(cmd.replyErr, err, s.log)
	case "get_status":
		trySendStatus(cmd.replyStatus, Status{
			ActiveBackend: s.state.ActiveID(),
			UptimeSeconds: s.hub.UptimeSeconds(),
			TotalRequests: s.hub.TotalRequests(),
			Healthy:       !s.shutdowner.ShuttingDown(),
		}, s.log)
	case "get_metrics":
		trySendMetrics(cmd.replyMetrics, s.hub.Snapshot(cmd.filter), s.log)
	case "list_backends":
		infos := s.state.ListBackendInfo()
		out := make([]BackendListEntry, len(infos))
		for i, info := range infos {
			out[i] = BackendListEntry{
				ID:           info.ID,
				DisplayName:  info.DisplayName,
				BaseURL:      info.BaseURL,
				IsActive:     info.IsActive,
				IsConfigured: info.IsConfigured,
			}
		}
		trySendList(cmd.replyList, out, s.log)
	case "get_debug_logging":
		trySendDebug(cmd.replyDebug, DebugLoggingConfig{Enabled: s.debugEnabled}, s.log)
	case "set_debug_logging":
		if cmd.debugSet != nil {
			s.debugEnabled = cmd.debugSet.Enabled
		}
		trySendErr(cmd.replyErr, nil, s.log)
	case "summarise_and_switch":
		s.handleSummariseAndSwitch(cmd)
	}
}

// handleSummariseAndSwitch runs the summariser outside any proxy lock, per
// the §4.10 contract, then switches the backend on success.
func (s *Server) handleSummariseAndSwitch(cmd command) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	text, err := s.summarizer.Summarize(ctx, cmd.from, cmd.to)
	if err == nil {
		if switchErr := s.state.SwitchBackend(cmd.to); switchErr != nil {
			err = switchErr
		} else {
			s.registry.Notify(cmd.to)
		}
	}
	trySendSummary(cmd.replySummary, summaryReply{text: text, err: err}, s.log)
}

// The trySend* helpers never block: the reply channel is always buffered
// size 1 (allocated per request below), so a dropped/abandoned caller
// cannot stall the consumer loop. A full channel (should not happen with
// buffer 1) is logged at warn rather than blocking, matching "dropped
// replies are logged at trace level and do not abort the loop" — warn is
// used here since this codebase's logger has no trace level.

func trySendErr(ch chan error, err error, log *logger.Logger) {
	select {
	case ch <- err:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

func trySendStatus(ch chan Status, v Status, log *logger.Logger) {
	select {
	case ch <- v:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

func trySendMetrics(ch chan []observability.BackendStats, v []observability.BackendStats, log *logger.Logger) {
	select {
	case ch <- v:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

func trySendList(ch chan []BackendListEntry, v []BackendListEntry, log *logger.Logger) {
	select {
	case ch <- v:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

func trySendDebug(ch chan DebugLoggingConfig, v DebugLoggingConfig, log *logger.Logger) {
	select {
	case ch <- v:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

func trySendSummary(ch chan summaryReply, v summaryReply, log *logger.Logger) {
	select {
	case ch <- v:
	default:
		log.Warn("ipc: reply channel full, dropping reply")
	}
}

// The methods below are the public client-facing API; each blocks on the
// bounded queue (capacity 16) if the consumer is backed up, then waits for
// the one-shot reply.

func (s *Server) SwitchBackend(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	cmd := command{kind: "switch_backend", id: id, replyErr: reply}
	if !s.enqueue(ctx, cmd) {
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	cmd := command{kind: "get_status", replyStatus: reply}
	if !s.enqueue(ctx, cmd) {
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Server) GetMetrics(ctx context.Context, filter string) ([]observability.BackendStats, error) {
	reply := make(chan []observability.BackendStats, 1)
	cmd := command{kind: "get_metrics", filter: filter, replyMetrics: reply}
	if !s.enqueue(ctx, cmd) {
		return nil, ctx.Err()
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) ListBackends(ctx context.Context) ([]BackendListEntry, error) {
	reply := make(chan []BackendListEntry, 1)
	cmd := command{kind: "list_backends", replyList: reply}
	if !s.enqueue(ctx, cmd) {
		return nil, ctx.Err()
	}
	select {
	case l := <-reply:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) GetDebugLogging(ctx context.Context) (DebugLoggingConfig, error) {
	reply := make(chan DebugLoggingConfig, 1)
	cmd := command{kind: "get_debug_logging", replyDebug: reply}
	if !s.enqueue(ctx, cmd) {
		return DebugLoggingConfig{}, ctx.Err()
	}
	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return DebugLoggingConfig{}, ctx.Err()
	}
}

func (s *Server) SetDebugLogging(ctx context.Context, cfg DebugLoggingConfig) error {
	reply := make(chan error, 1)
	cmd := command{kind: "set_debug_logging", debugSet: &cfg, replyErr: reply}
	if !s.enqueue(ctx, cmd) {
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) SummariseAndSwitch(ctx context.Context, from, to string) (string, error) {
	reply := make(chan summaryReply, 1)
	cmd := command{kind: "summarise_and_switch", from: from, to: to, replySummary: reply}
	if !s.enqueue(ctx, cmd) {
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Server) enqueue(ctx context.Context, cmd command) bool {
	select {
	case s.cmds <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}
