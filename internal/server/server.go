package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"PositionLedger/internal/observability"
	"PositionLedger/internal/query"
	"PositionLedger/internal/reconcile"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the ledger.
const ServiceName = "positionledger.v1.Ledger"

// Server hosts the gRPC health endpoint and the HTTP/JSON query API.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	handler       http.Handler
}

// Deps holds the dependencies of the HTTP handlers.
type Deps struct {
	Query         *query.Service
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// NewServer registers health and reflection on a gRPC server and builds the
// HTTP router. Health starts NOT_SERVING until the ledger reports Live.
func NewServer(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	if deps.HealthChecker == nil {
		deps.HealthChecker = observability.NewHealthChecker()
	}

	gw := runtime.NewServeMux()
	if err := registerRoutes(gw, deps.Query, deps.Metrics); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(gw)

	return &Server{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		handler:       r,
	}, nil
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// OnStatusChange tracks the ledger status in both health surfaces.
// Only Live counts as serving.
func (s *Server) OnStatusChange(_, next reconcile.Status) {
	live := next == reconcile.StatusLive
	s.healthChecker.SetStatus(next.String(), live)
	if live {
		s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	} else {
		s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// StartGRPC serves gRPC until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the query API and health routes until ctx is cancelled
// (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
