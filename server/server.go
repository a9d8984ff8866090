package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/chazu/hotfix/patch"
)

// Server is the patch receiver wrapping a patch manager. It serves both
// gRPC and Connect (HTTP) on the same port.
type Server struct {
	worker   *Worker
	receiver *Receiver
	mux      *http.ServeMux
	grpc     *grpc.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store       *patch.Store
	grpcOptions []grpc.ServerOption
}

// WithStore archives persisted deliveries in store and restores them on
// Restore. Without a store, persistence requests are ignored.
func WithStore(store *patch.Store) ServerOption {
	return func(c *serverConfig) { c.store = store }
}

// WithGRPCOptions passes options to the gRPC server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.grpcOptions = append(c.grpcOptions, opts...) }
}

// New creates a Server loading patches into m.
func New(m *patch.Manager, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker(m)
	receiver := NewReceiver(worker, cfg.store)
	s := &Server{
		worker:   worker,
		receiver: receiver,
		mux:      http.NewServeMux(),
		grpc:     NewGRPCServer(receiver, cfg.grpcOptions...),
	}

	path, handler := NewConnectHandler(receiver)
	s.mux.Handle(path, handler)
	return s
}

// Receiver returns the in-process receiver.
func (s *Server) Receiver() *Receiver { return s.receiver }

// Restore loads the archived patches.
func (s *Server) Restore(ctx context.Context) (int, error) {
	return s.receiver.Restore(ctx)
}

// Handler routes gRPC requests to the gRPC server and everything else to
// the Connect handlers. HTTP/2 without TLS is accepted.
func (s *Server) Handler() http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			s.grpc.ServeHTTP(w, r)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
	return h2c.NewHandler(h, &http2.Server{})
}

// Serve accepts connections on lis until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(lis) }()
	log.Noticef("patch receiver listening on %s", lis.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.grpc.Stop()
	err := hs.Shutdown(shutdownCtx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done. The
// address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Stop shuts down the worker.
func (s *Server) Stop() {
	s.worker.Stop()
}
