// Package server exposes the synchronization core over websockets.
//
// One HTTP endpoint, /ws/{doc}, upgrades to a websocket carrying the wire
// protocol. The server keeps one running coordinator per open document,
// loading state from the store on first use, and one session per
// connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coedit-dev/coedit/internal/config"
	"github.com/coedit-dev/coedit/internal/coordinator"
	"github.com/coedit-dev/coedit/internal/document"
	"github.com/coedit-dev/coedit/internal/session"
	"github.com/coedit-dev/coedit/internal/store"
)

// Server owns the websocket endpoint, the per-document coordinators, and
// the session registry.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	store    *store.Store
	auth     coordinator.Authorizer
	sessions *session.Manager
	upgrader websocket.Upgrader
	router   *mux.Router

	// ctx is the server lifetime; coordinator loops run under it, not under
	// any single connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	docs map[string]*docHandle
	wg   sync.WaitGroup

	// connMu guards conns, keyed by session ID. Expiry teardown closes the
	// websocket, which unwinds the connection's read loop.
	connMu sync.Mutex
	conns  map[string]*conn
}

// docHandle is one document's running coordinator.
type docHandle struct {
	coord *coordinator.Coordinator
	done  chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer replaces the default allow-all permission collaborator.
func WithAuthorizer(auth coordinator.Authorizer) Option {
	return func(s *Server) { s.auth = auth }
}

// New builds a server over an opened store.
func New(cfg config.Config, st *store.Store, log *slog.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:   cfg,
		log:   log,
		store: st,
		auth:  coordinator.AllowAll{},
		sessions: session.NewManager(log,
			session.WithHeartbeatTimeout(cfg.HeartbeatTimeout)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol carries its own client identity; browser origin
			// checks belong to the deployment's proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*docHandle),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sessions.OnExpire(func(sess *session.Session) {
		s.connMu.Lock()
		c, ok := s.conns[sess.ID()]
		s.connMu.Unlock()
		if ok {
			_ = c.ws.Close()
		}
	})

	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws/{doc}", s.handleWebsocket).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down connections and
// coordinator loops.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.sessions.Run(s.ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		s.Close()
		return nil
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// Close stops every coordinator loop and waits for them.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	handles := make([]*docHandle, 0, len(s.docs))
	for _, h := range s.docs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
	s.wg.Wait()
}

func (s *Server) registerConn(c *conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[c.sess.ID()] = c
}

func (s *Server) unregisterConn(c *conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, c.sess.ID())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// coordinatorFor returns the running coordinator for docID, starting one
// from stored state on first use. Unknown documents start empty.
func (s *Server) coordinatorFor(ctx context.Context, docID string) (*coordinator.Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.docs[docID]; ok {
		return h.coord, nil
	}

	select {
	case <-s.ctx.Done():
		return nil, errors.New("server closed")
	default:
	}

	doc, err := s.store.Load(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.CreateDocument(ctx, docID); err != nil {
			return nil, err
		}
		doc = document.New(0, "")
	} else if err != nil {
		return nil, err
	}

	coord := coordinator.New(docID, doc, s.auth, s.store,
		coordinator.WithRetention(s.cfg.RetentionWindow),
		coordinator.WithSnapshotEvery(s.cfg.SnapshotEvery),
	)
	h := &docHandle{coord: coord, done: make(chan struct{})}
	s.docs[docID] = h

	go func() {
		defer close(h.done)
		_ = coord.Run(s.ctx)
	}()

	s.log.Info("document opened", "doc", docID, "revision", doc.Revision())
	return coord, nil
}
