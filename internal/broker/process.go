// Package broker holds the process context shared by every broker
// component: database and RabbitMQ clients, metrics, the HTTP and gRPC health
// endpoints, and the init/run/shutdown lifecycle of the components it runs.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// DefaultRetryDelay is waited before a worker requeues a message that failed
// transiently.
const DefaultRetryDelay = 2 * time.Second

// Component is a long-running part of a process. Run blocks until ctx ends
// or the component fails.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

type namedFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (n namedFunc) Name() string                  { return n.name }
func (n namedFunc) Run(ctx context.Context) error { return n.run(ctx) }

// Named adapts a run function to Component.
func Named(name string, run func(ctx context.Context) error) Component {
	return namedFunc{name: name, run: run}
}

// Config holds the configuration for a Process.
type Config struct {
	Logger *slog.Logger

	// DB is required by processes that call Store.
	DB *store.DBConfig
	// StoreRetryWindow overrides store.DefaultRetryWindow when positive.
	StoreRetryWindow time.Duration

	// RabbitMQURL is required by processes that create mq clients.
	RabbitMQURL string
	// ReconnectBackoff paces reconnects of consumer clients.
	ReconnectBackoff mq.LinearBackoff
	// RetryDelay is waited before a worker requeues a message that failed
	// transiently. Zero uses DefaultRetryDelay; negative disables the wait.
	RetryDelay time.Duration

	// HTTPPort serves /metrics, /healthz and any routes added to Router. Zero disables it.
	HTTPPort int
	// GRPCPort serves grpc.health.v1. Zero disables it.
	GRPCPort int

	// Metrics defaults to DefaultMetrics().
	Metrics *Metrics
}

// Process is the explicit process context: it owns shared connections and
// runs components until a shutdown signal.
type Process struct {
	logger  *slog.Logger
	config  *Config
	metrics *Metrics

	m          sync.Mutex
	db         *gorm.DB
	store      *store.Store
	clients    []*mq.Client
	components []Component

	router     *mux.Router
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	serving    atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Process. Nothing is connected until first use.
func New(cfg *Config) (*Process, error) {
	if cfg == nil {
		return nil, errors.New("process config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.HTTPPort < 0 {
		return nil, errors.New("HTTP port cannot be negative")
	}
	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	p := &Process{
		logger:  cfg.Logger,
		config:  cfg,
		metrics: cfg.Metrics,
		health:  health.NewServer(),
	}
	if p.metrics == nil {
		p.metrics = DefaultMetrics()
	}
	p.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	p.router = p.newRouter()
	return p, nil
}

// Logger returns the process logger.
func (p *Process) Logger() *slog.Logger { return p.logger }

// Metrics returns the process metric groups.
func (p *Process) Metrics() *Metrics { return p.metrics }

// Router returns the HTTP router; components add their routes to it before Run.
func (p *Process) Router() *mux.Router { return p.router }

// Health returns the gRPC health service.
func (p *Process) Health() *health.Server { return p.health }

// Store opens the database on first use.
func (p *Process) Store() (*store.Store, error) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.store != nil {
		return p.store, nil
	}
	if p.config.DB == nil {
		return nil, errors.New("database config is required")
	}
	if p.config.DB.Logger == nil {
		p.config.DB.Logger = p.logger
	}

	db, err := store.NewDB(p.config.DB)
	if err != nil {
		return nil, err
	}

	opts := []store.Option{store.WithMetrics(p.metrics.Store)}
	if p.config.StoreRetryWindow > 0 {
		opts = append(opts, store.WithRetryWindow(p.config.StoreRetryWindow))
	}
	s, err := store.New(db, logger.WithComponent(p.logger, "store"), opts...)
	if err != nil {
		return nil, err
	}
	p.db, p.store = db, s
	return s, nil
}

// Publisher returns a new client publishing to exchange.
func (p *Process) Publisher(exchange string) (*mq.Client, error) {
	return p.newClient(mq.Config{URL: p.config.RabbitMQURL, Exchange: exchange})
}

// Consumer returns a new client consuming queue, bound to exchange.
func (p *Process) Consumer(exchange, queue string) (*mq.Client, error) {
	if queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	return p.newClient(mq.Config{
		URL:       p.config.RabbitMQURL,
		Exchange:  exchange,
		Queue:     queue,
		Prefetch:  1,
		Reconnect: p.config.ReconnectBackoff,
	})
}

func (p *Process) newClient(cfg mq.Config) (*mq.Client, error) {
	l := logger.WithComponent(p.logger, "mq-client").With("exchange", cfg.Exchange)
	if cfg.Queue != "" {
		l = l.With("queue", cfg.Queue)
	}
	c, err := mq.New(cfg, l)
	if err != nil {
		return nil, err
	}
	c.SetMetrics(p.metrics.MQ)

	p.m.Lock()
	p.clients = append(p.clients, c)
	p.m.Unlock()
	return c, nil
}

// AddWorker runs handler against client's queue as a component.
func (p *Process) AddWorker(name string, client mq.Consumer, handler delivery.Handler) (*delivery.Worker, error) {
	w, err := delivery.NewWorker(&delivery.WorkerConfig{
		Logger:         p.logger,
		Client:         client,
		Handler:        handler,
		Metrics:        p.metrics.Worker,
		Name:           name,
		ConsumeBackoff: p.config.ReconnectBackoff,
		RetryDelay:     p.retryDelay(),
	})
	if err != nil {
		return nil, err
	}
	p.Add(w)
	return w, nil
}

func (p *Process) retryDelay() time.Duration {
	switch d := p.config.RetryDelay; {
	case d == 0:
		return DefaultRetryDelay
	case d < 0:
		return 0
	default:
		return d
	}
}

// Add registers a component to run.
func (p *Process) Add(c Component) {
	p.m.Lock()
	defer p.m.Unlock()
	p.components = append(p.components, c)
}

// Run starts the endpoints and every component, and blocks until a shutdown
// signal, ctx ending, or the first component failure. It always shuts the
// process down before returning.
func (p *Process) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.m.Lock()
	components := append([]Component(nil), p.components...)
	p.m.Unlock()
	if len(components) == 0 {
		return errors.New("no components to run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if err := p.startEndpoints(g); err != nil {
		return errors.Join(err, p.Shutdown())
	}

	// The process stops once every component has returned.
	var running sync.WaitGroup
	running.Add(len(components))
	g.Go(func() error {
		running.Wait()
		cancel()
		return nil
	})

	for _, c := range components {
		g.Go(func() error {
			defer running.Done()
			p.logger.Info("starting component", "component", c.Name())
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			p.logger.Info("component finished", "component", c.Name())
			return nil
		})
	}

	p.serving.Store(true)
	p.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	p.logger.Info("process started", "components", len(components))

	g.Go(func() error {
		<-gctx.Done()
		p.logger.Info("stopping process")
		p.stopEndpoints()
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		p.logger.Error("component failed", "error", runErr)
	}

	if err := p.Shutdown(); err != nil {
		if runErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", runErr, err)
		}
		return err
	}
	return runErr
}

func (p *Process) startEndpoints(g *errgroup.Group) error {
	if p.config.GRPCPort > 0 {
		addr := fmt.Sprintf(":%d", p.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		p.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(p.grpcServer, p.health)

		p.logger.Info("starting gRPC server", "address", addr)
		g.Go(func() error {
			if err := p.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server error: %w", err)
			}
			return nil
		})
	}

	if p.config.HTTPPort > 0 {
		p.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", p.config.HTTPPort),
			Handler:           p.router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		lis, err := net.Listen("tcp", p.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", p.httpServer.Addr, err)
		}

		p.logger.Info("starting HTTP server", "address", p.httpServer.Addr)
		g.Go(func() error {
			if err := p.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}
	return nil
}

func (p *Process) stopEndpoints() {
	p.serving.Store(false)
	p.health.Shutdown()

	if p.grpcServer != nil {
		p.logger.Info("stopping gRPC server")
		p.grpcServer.GracefulStop()
	}
	if p.httpServer != nil {
		p.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.httpServer.Shutdown(ctx); err != nil {
			p.logger.Error("failed to shutdown HTTP server", "error", err)
		}
	}
}

// Shutdown closes every mq client and the database. It is safe to call more
// than once; later calls return the first result.
func (p *Process) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.logger.Info("shutting down process")
		p.serving.Store(false)
		p.health.Shutdown()

		p.m.Lock()
		clients := p.clients
		db := p.db
		p.m.Unlock()

		var shutdownErr error
		for _, c := range clients {
			if err := c.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
				p.logger.Error("failed to close mq client", "exchange", c.Exchange(), "error", err)
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("mq client %s close error: %w", c.Exchange(), err))
			}
		}

		if db != nil {
			p.logger.Info("closing database connection")
			if err := store.CloseDB(db, p.logger); err != nil {
				p.logger.Error("failed to close database", "error", err)
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("database close error: %w", err))
			}
		}

		if shutdownErr != nil {
			p.logger.Error("process shutdown completed with errors", "error", shutdownErr)
		} else {
			p.logger.Info("process shutdown completed successfully")
		}
		p.shutdownErr = shutdownErr
	})
	return p.shutdownErr
}
