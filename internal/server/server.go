package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"payment-core/internal/config"
	"payment-core/internal/domain"
	"payment-core/internal/events"
	"payment-core/internal/gateway"
	"payment-core/internal/handler"
	"payment-core/internal/idempotency"
	"payment-core/internal/queue"
	"payment-core/internal/repository"
	"payment-core/internal/repository/memory"
	"payment-core/internal/service"
	"payment-core/internal/telemetry"
	"payment-core/migrations"
)

// Server represents the HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	db     *sql.DB
	logger *zap.Logger
	port   string

	relay       *events.Relay
	stopRelay   context.CancelFunc
	relayDone   sync.WaitGroup
	closers     []func() error
	checkHealth func(context.Context) error
}

// OpenDatabase connects to Postgres with the configured pool size.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	maxConns := cfg.DBMaxOpenConns
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewServer wires the store, the collaborators, the services and the router.
// Optional infrastructure (Redis, Kafka, the order service) falls back to
// in-process implementations when it is not configured.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx := context.Background()
	s := &Server{logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	var store domain.UnitOfWork
	if cfg.InMemory {
		logger.Warn("Running with the in-memory store; data is lost on restart")
		store = memory.NewStore()
		s.checkHealth = func(context.Context) error { return nil }
	} else {
		db, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("Successfully connected to database")
		s.db = db
		s.closers = append(s.closers, db.Close)
		s.checkHealth = db.PingContext

		if cfg.AutoMigrate {
			if err := migrations.Apply(ctx, db, logger); err != nil {
				s.close()
				return nil, err
			}
		}
		store = repository.NewStore(db, logger)
	}

	// Redis is optional: without it idempotency keys live in process memory and
	// webhooks are not sent.
	var (
		idemStore idempotency.Store = idempotency.NewMemoryStore()
		velocity  gateway.VelocityCounter
		notifier  service.Notifier
	)
	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		idemStore = idempotency.NewRedisStore(client)
		velocity = gateway.NewRedisVelocity(client)

		queueClient, err := queue.Client(cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, queueClient.Close)
		notifier = queue.NewWebhookNotifier(queueClient, logger)
	}

	var orders service.OrderService = gateway.AllowAllOrders{}
	if cfg.OrderServiceURL != "" {
		orders = gateway.NewHTTPOrderClient(cfg.OrderServiceURL, cfg.OrderServiceTimeout, logger)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}
	s.closers = append(s.closers, publisher.Close)
	s.relay = events.NewRelay(store, publisher, cfg.OutboxBatchSize, cfg.OutboxInterval, metrics, logger)

	threshold, err := cfg.ThreeDSecureThresholdAmount()
	if err != nil {
		s.close()
		return nil, err
	}
	paymentCfg := service.DefaultPaymentConfig()
	if cfg.FraudThreshold > 0 {
		paymentCfg.FraudThreshold = cfg.FraudThreshold
	}
	if cfg.PaymentExpiry > 0 {
		paymentCfg.PaymentExpiry = cfg.PaymentExpiry
	}
	paymentCfg.ThreeDSecureThreshold = threshold
	paymentCfg.AutoCapture = cfg.AutoCapture

	processors := gateway.NewSandboxRegistry(cfg.CheckoutURL, logger)
	paymentService := service.NewPaymentService(store, service.Collaborators{
		Processors:   processors,
		Fraud:        gateway.NewRuleFraudScorer(velocity, logger),
		ThreeDSecure: gateway.SandboxThreeDSecure{},
		Orders:       orders,
		Notifier:     notifier,
	}, paymentCfg, metrics, logger)
	refundService := service.NewRefundService(store, processors, notifier, metrics, logger)
	methodService := service.NewPaymentMethodService(store, gateway.NewHMACTokenizer(cfg.TokenizerSecret), metrics, logger)

	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	router := mux.NewRouter()
	router.Use(observabilityMiddleware(logger, metrics))
	router.Use(handler.Idempotency(idemStore, ttl, logger))

	handler.NewHandlers(paymentService, refundService, methodService).Register(router)

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)

	s.router = router
	return s, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.checkHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Start listens on port and serves in the background. It also starts the
// outbox relay. The returned port is the actual one, so "0" works in tests.
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", zap.String("port", s.port))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", zap.Error(err))
		}
	}()

	relayCtx, cancel := context.WithCancel(context.Background())
	s.stopRelay = cancel
	s.relayDone.Add(1)
	go func() {
		defer s.relayDone.Done()
		s.relay.Run(relayCtx)
	}()

	return s.port, nil
}

// Stop drains HTTP traffic, stops the relay and closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}
	if s.stopRelay != nil {
		s.stopRelay()
		s.relayDone.Wait()
	}
	s.close()
	return shutdownErr
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	s.closers = nil
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer builds and starts a server. Port "0" marks a test run and
// silences logging.
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *zap.Logger
	if cfg.ServerPort == "0" {
		logger = zap.NewNop()
	} else {
		l, err := telemetry.NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, "", err
		}
		logger = l
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.close()
		return nil, "", err
	}

	return server, port, nil
}
