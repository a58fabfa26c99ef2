// Package server implements the chat coordination server: the line
// oriented control plane, the UDP media relay, the voice side channel,
// and the notification bridge.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Philipk84/tarea-chat-sub000/pkg/datastore"
)

// Config holds server configuration.
type Config struct {
	ControlAddr string // TCP bind address for the control channel (e.g. ":9500")
	SideAddr    string // TCP bind address for voice side channels (e.g. ":9501")
	MediaAddr   string // UDP bind address for the media relay (e.g. ":9502")
	HTTPAddr    string // HTTP bind address for /api, /ws and /metrics (empty = disabled)
	DBPath      string // SQLite history path (empty = in-memory history)
	GroupsFile  string // YAML file seeding groups on startup
	UDPWorkers  int    // media relay worker pool size
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr: ":9500",
		SideAddr:    ":9501",
		MediaAddr:   ":9502",
		HTTPAddr:    ":9503",
		UDPWorkers:  4,
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of History and will Close() it on shutdown.
type Dependencies struct {
	History datastore.HistoryStore
}

// Server owns the four registries and all listeners.
type Server struct {
	cfg      Config
	sessions *SessionRegistry
	groups   *GroupRegistry
	calls    *CallRegistry
	bridge   *Bridge
	metrics  *Metrics
	promReg  *prometheus.Registry
	history  datastore.HistoryStore
	commands map[string]command

	controlLn net.Listener
	sideLn    net.Listener
	mediaConn *net.UDPConn
	media     *mediaTable
	httpSrv   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.UDPWorkers <= 0 {
		cfg.UDPWorkers = 4
	}
	history := deps.History
	if history == nil {
		history = datastore.NewMemoryStore()
	}

	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		sessions: NewSessionRegistry(),
		groups:   NewGroupRegistry(),
		calls:    NewCallRegistry(),
		bridge:   NewBridge(),
		metrics:  NewMetrics(promReg),
		promReg:  promReg,
		history:  history,
		media:    newMediaTable(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.commands = buildCommandTable()
	s.bridge.onChange = func(count int) { s.metrics.Subscribers.Set(float64(count)) }
	s.bridge.onDrop = s.metrics.EventsDropped.Inc
	return s
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Groups returns the group registry.
func (s *Server) Groups() *GroupRegistry {
	return s.groups
}

// Calls returns the call registry.
func (s *Server) Calls() *CallRegistry {
	return s.calls
}

// Bridge returns the notification bridge.
func (s *Server) Bridge() *Bridge {
	return s.bridge
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
