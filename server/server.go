package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/svm/lib/tracedb"
)

// Config configures a Server. Zero values pick the defaults.
type Config struct {
	StackSize     int
	HeapLimit     int
	Trace         *tracedb.DB
	SessionTTL    time.Duration // idle sessions are closed after this
	SweepInterval time.Duration
}

// Server hosts debugging sessions over connect (CBOR messages on HTTP) and
// reports its health over gRPC on a separate listener.
type Server struct {
	sessions *SessionStore
	mux      *http.ServeMux
	health   *health.Server
	log      commonlog.Logger

	stopSweeper func()
}

// New creates a Server and starts its session sweeper.
func New(cfg Config) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	sessions := NewSessionStore(SessionConfig{
		StackSize: cfg.StackSize,
		HeapLimit: cfg.HeapLimit,
		Trace:     cfg.Trace,
	})
	s := &Server{
		sessions: sessions,
		mux:      http.NewServeMux(),
		health:   health.NewServer(),
		log:      commonlog.GetLogger("svm.server"),
	}
	NewDebugService(sessions).Register(s.mux)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.stopSweeper = sessions.StartSweeper(cfg.SweepInterval, cfg.SessionTTL)
	return s
}

// Handler serves the debug procedures.
func (s *Server) Handler() http.Handler { return s.mux }

// Health is the gRPC health service; it reports ServiceName.
func (s *Server) Health() *health.Server { return s.health }

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// ListenAndServe serves the debug service on addr and gRPC health checks on
// healthAddr (skipped when empty) until ctx ends or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr, healthAddr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s.mux}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Infof("debug service listening on %s", addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if healthAddr != "" {
		lis, err := net.Listen("tcp", healthAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)
		g.Go(func() error {
			s.log.Infof("health service listening on %s", healthAddr)
			return grpcSrv.Serve(lis)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Stop marks the service not serving and closes every session.
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.sessions.CloseAll()
}
