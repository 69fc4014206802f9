package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/version"
)

// PortForwardProtocol is the websocket subprotocol and stream protocol
// version of port-forward sessions
const PortForwardProtocol = "portforward.k8s.io"

// Server serves the Kubernetes-style HTTP API
type Server struct {
	mgr   *manager.Manager
	kinds *types.Registry
	store storage.Store
	bus   *events.Bus

	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader
	version  version.Info

	// ctx ends long-running watches and sessions on shutdown
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup

	logger zerolog.Logger
}

// NewServer creates an API server for mgr
func NewServer(mgr *manager.Manager, info version.Info) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mgr:     mgr,
		kinds:   mgr.Kinds(),
		store:   mgr.Store(),
		bus:     mgr.Bus(),
		router:  mux.NewRouter(),
		version: info,
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{PortForwardProtocol},
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Clients are CLIs, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	health := NewHealthServer(s.store, s.version.GitVersion)
	r.HandleFunc("/health", health.healthHandler)
	r.HandleFunc("/ready", health.readyHandler)
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	for _, prefix := range []string{"/api/{version:v1}", "/apis/{group}/{version}"} {
		api := r.PathPrefix(prefix).Subrouter()

		api.HandleFunc("/namespaces/{namespace}/pods/{name}/portforward", s.handlePortForward).
			Methods(http.MethodGet, http.MethodPost)

		// Namespaces are cluster scoped: their status route would
		// otherwise read as a collection named "status".
		api.HandleFunc("/{resource:namespaces}/{name}/status", s.handleStatus)

		api.HandleFunc("/namespaces/{namespace}/{resource}/{name}/status", s.handleStatus)
		api.HandleFunc("/namespaces/{namespace}/{resource}/{name}", s.handleItem)
		api.HandleFunc("/namespaces/{namespace}/{resource}", s.handleCollection)
		api.HandleFunc("/{resource}/{name}/status", s.handleStatus)
		api.HandleFunc("/{resource}/{name}", s.handleItem)
		api.HandleFunc("/{resource}", s.handleCollection)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, newStatusError(http.StatusNotFound, "NotFound", "the server could not find the requested resource"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, newStatusError(http.StatusMethodNotAllowed, "MethodNotAllowed", "the server does not allow this method on the requested resource"))
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, ends open watches and port-forward
// sessions and waits for them up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}
