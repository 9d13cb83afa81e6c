package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/journal"
	"github.com/petal-labs/tagflow/registry"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/sse"
	"github.com/petal-labs/tagflow/store"
	"github.com/petal-labs/tagflow/tags"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Flows    *store.FlowRepo
	Sessions *session.Manager
	Journal  *journal.Journal
	Registry *registry.Registry
	Gateway  *tags.Gateway
	Bus      bus.LogBus

	// StreamAuth checks the ?token= of live log streams. Nil admits all.
	StreamAuth func(token, flowID string) bool
	// DefaultAutoExitMinutes applies when test/start asks for auto-exit
	// without a duration. Zero means 5.
	DefaultAutoExitMinutes int

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the tagflow HTTP API server.
type Server struct {
	flows    *store.FlowRepo
	sessions *session.Manager
	journal  *journal.Journal
	registry *registry.Registry
	gateway  *tags.Gateway
	stream   *sse.LogHandler

	autoExitMinutes int
	corsOrigin      string
	maxBody         int64
	logger          *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	autoExit := cfg.DefaultAutoExitMinutes
	if autoExit <= 0 {
		autoExit = 5
	}
	s := &Server{
		flows:           cfg.Flows,
		sessions:        cfg.Sessions,
		journal:         cfg.Journal,
		registry:        cfg.Registry,
		gateway:         cfg.Gateway,
		autoExitMinutes: autoExit,
		corsOrigin:      corsOrigin,
		maxBody:         maxBody,
		logger:          logger,
	}
	streamCfg := sse.Config{Bus: cfg.Bus, Authorize: cfg.StreamAuth}
	if cfg.Journal != nil {
		streamCfg.Source = cfg.Journal
	}
	if cfg.Bus != nil {
		s.stream = sse.NewLogHandler(streamCfg)
	}
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /node-types", s.handleNodeTypes)
	mux.HandleFunc("GET /sessions", s.handleListSessions)

	// Tag browser
	mux.HandleFunc("GET /tags/connections", s.handleConnections)
	mux.HandleFunc("GET /tags/connections/{conn}/tags", s.handleConnectionTags)
	mux.HandleFunc("GET /tags/internal", s.handleInternalTags)

	// Flows
	mux.HandleFunc("GET /flows", s.handleListFlows)
	mux.HandleFunc("POST /flows", s.handleCreateFlow)
	mux.HandleFunc("GET /flows/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT /flows/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /flows/{id}", s.handleDeleteFlow)
	mux.HandleFunc("POST /flows/{id}/deploy", s.handleDeploy)
	mux.HandleFunc("POST /flows/{id}/test/start", s.handleTestStart)
	mux.HandleFunc("POST /flows/{id}/test/stop", s.handleTestStop)
	mux.HandleFunc("PUT /flows/{id}/pins/{nodeId}", s.handleSetPin)
	mux.HandleFunc("DELETE /flows/{id}/pins/{nodeId}", s.handleDeletePin)

	// Execution
	mux.HandleFunc("POST /flows/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /flows/{id}/execute-from/{nodeId}", s.handleExecuteFrom)
	mux.HandleFunc("POST /flows/{id}/nodes/{nodeId}/test", s.handleTestNode)
	mux.HandleFunc("POST /flows/{id}/trigger/{nodeId}", s.handleTrigger)
	mux.HandleFunc("POST /flows/{id}/calculate-execution-order", s.handleExecutionOrder)
	mux.HandleFunc("GET /flows/{id}/resources", s.handleResources)

	// Journal
	mux.HandleFunc("GET /flows/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /flows/{id}/executions/{execId}", s.handleGetExecution)
	mux.HandleFunc("GET /flows/{id}/executions/{execId}/logs", s.handleExecutionLogs)
	mux.HandleFunc("GET /flows/{id}/logs", s.handleLogs)
	mux.HandleFunc("POST /flows/{id}/logs/clear", s.handleClearLogs)
	mux.HandleFunc("PUT /flows/{id}/logs/config", s.handleLogsConfig)
	mux.HandleFunc("GET /flows/{id}/logs/stream", s.handleLogStream)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...any) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	switch len(details) {
	case 0:
	case 1:
		body.Error.Details = details[0]
	default:
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
