// Package health exposes the standard gRPC health service for a host. The
// localizer service reports SERVING while epochs keep arriving and
// NOT_SERVING before the first estimate or once estimates go stale.
package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/monitoring"
	"github.com/microstorm/bletrack/internal/timeutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name clients pass in HealthCheckRequest.
const Service = "bletrack.Localizer"

var logf = monitoring.Component("health")

// Server serves grpc.health.v1.Health and tracks epoch freshness.
type Server struct {
	grpc       *grpc.Server
	health     *health.Server
	clock      timeutil.Clock
	staleAfter time.Duration

	mu        sync.Mutex
	lastEpoch time.Time
	serving   bool
}

// NewServer returns a server that reports NOT_SERVING until the first
// epoch. A staleAfter of zero disables the staleness check.
func NewServer(staleAfter time.Duration, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Server{
		grpc:       grpc.NewServer(),
		health:     health.NewServer(),
		clock:      clock,
		staleAfter: staleAfter,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(false)
	return s
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, st)
	s.health.SetServingStatus("", st)
}

// HandleEpoch marks the localizer healthy.
func (s *Server) HandleEpoch(localizer.EpochResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEpoch = s.clock.Now()
	if !s.serving {
		s.serving = true
		s.setServing(true)
		logf("localizer serving")
	}
}

// Check downgrades the status when the last epoch is older than staleAfter
// and reports whether the localizer is serving.
func (s *Server) Check() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving && s.staleAfter > 0 && s.clock.Since(s.lastEpoch) > s.staleAfter {
		s.serving = false
		s.setServing(false)
		logf("no epoch for %s, localizer not serving", s.staleAfter)
	}
	return s.serving
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(lis) }()

	interval := s.staleAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			<-errc
			return nil
		case err := <-errc:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C():
			s.Check()
		}
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logf("gRPC health service listening on %s", lis.Addr())
	return s.Serve(ctx, lis)
}
