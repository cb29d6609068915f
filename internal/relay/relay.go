// ABOUTME: Relay orchestrator that wires queue consumers, dispatch, cache and socket together
// ABOUTME: Serves health, readiness, metrics and the optional socket hub; manages shutdown

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/chat-relay/internal/assistant"
	"github.com/2389/chat-relay/internal/cache"
	"github.com/2389/chat-relay/internal/config"
	"github.com/2389/chat-relay/internal/dispatch"
	"github.com/2389/chat-relay/internal/metrics"
	"github.com/2389/chat-relay/internal/provider"
	"github.com/2389/chat-relay/internal/queue"
	"github.com/2389/chat-relay/internal/session"
	"github.com/2389/chat-relay/internal/socket"
	"github.com/2389/chat-relay/internal/store"
	"github.com/2389/chat-relay/internal/tools"
)

const (
	readinessInterval = time.Second
	shutdownTimeout   = 5 * time.Second
)

// Provider is everything the relay needs from the AI backend.
type Provider interface {
	provider.Client
	provider.AssistantAPI
}

// Options overrides components New would otherwise build from config.
type Options struct {
	Provider Provider
	Cache    cache.Store
	Tools    *tools.Registry
	Logger   *slog.Logger
}

// Relay consumes work items and streams assistant replies to socket channels.
type Relay struct {
	config     *config.Config
	cache      cache.Store
	keys       cache.Keyspace
	hub        *socket.Hub
	socket     *socket.Client
	sessions   *session.Resolver
	assistants *assistant.Manager
	ledger     store.Store
	metrics    *metrics.Metrics
	processor  *Processor
	consumers  []*queue.Consumer
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu       sync.Mutex
	httpAddr string
	grpcAddr string
}

// New builds a relay from cfg. Nothing connects until Run.
func New(cfg *config.Config, opts Options) (*Relay, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		config: cfg,
		keys:   cache.Keyspace{Prefix: cfg.Cache.Prefix},
		logger: logger.With("component", "relay"),
	}

	var err error
	r.cache, err = newCache(cfg.Cache, opts.Cache)
	if err != nil {
		return nil, err
	}

	prov := opts.Provider
	if prov == nil {
		registry := opts.Tools
		if registry == nil {
			registry = tools.NewRegistry(logger)
		}
		prov, err = provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Tools:   registry,
			Logger:  logger,
		})
		if err != nil {
			_ = r.cache.Close()
			return nil, fmt.Errorf("creating provider: %w", err)
		}
	}

	var signer *socket.TokenSigner
	if cfg.Socket.TokenSecret != "" {
		signer = socket.NewTokenSigner([]byte(cfg.Socket.TokenSecret))
	}

	var broadcaster Broadcaster
	if cfg.Socket.Serve {
		r.hub = socket.NewHub(signer, logger)
		broadcaster = r.hub
	} else {
		r.socket = socket.NewClient(socket.ClientConfig{
			URL:              cfg.Socket.URL,
			HandshakeTimeout: cfg.Socket.HandshakeTimeout,
			ConnectAttempts:  cfg.Socket.ConnectAttempts,
			SendAttempts:     cfg.Socket.SendAttempts,
			RetryDelay:       cfg.Socket.RetryDelay,
			Signer:           signer,
			TokenSubject:     cfg.Socket.TokenSubject,
			Logger:           logger,
		})
		broadcaster = r.socket
	}

	r.sessions = session.NewResolver(r.cache, r.keys, prov, cfg.Cache.Retention, logger)
	r.assistants = assistant.New(r.cache, r.keys, prov, provider.AssistantSpec{
		Name:         cfg.OpenAI.AssistantName,
		Model:        cfg.OpenAI.Model,
		Instructions: cfg.OpenAI.Instructions,
	}, cfg.OpenAI.AssistantID, logger)

	if cfg.Database.Path != "" {
		r.ledger, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			_ = r.cache.Close()
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		r.metrics = metrics.New()
	}

	r.processor = NewProcessor(ProcessorConfig{
		Broadcaster: broadcaster,
		Sessions:    r.sessions,
		Assistants:  r.assistants,
		Provider:    prov,
		Timeouts: dispatch.Timeouts{
			Initial: cfg.Dispatch.InitialTimeout,
			Idle:    cfg.Dispatch.IdleTimeout,
			Overall: cfg.Dispatch.OverallTimeout,
		},
		Ledger:  r.ledger,
		Metrics: r.metrics,
		Logger:  logger,
	})

	topo := queue.Topology{
		Exchange:   cfg.Queue.Exchange,
		Queue:      cfg.Queue.Name,
		RoutingKey: cfg.Queue.RoutingKey,
	}
	for range cfg.Queue.Workers {
		r.consumers = append(r.consumers, queue.NewConsumer(queue.ConsumerConfig{
			URL:            cfg.Queue.URL,
			Topology:       topo,
			Prefetch:       cfg.Queue.Prefetch,
			ReconnectDelay: cfg.Queue.ReconnectDelay,
			Heartbeat:      cfg.Queue.Heartbeat,
			DrainTimeout:   cfg.Queue.DrainTimeout,
			OnInvalid:      r.processor.RejectBody,
		}, r.processor, logger))
	}

	r.httpServer = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.health = health.NewServer()
	r.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	r.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(r.grpcServer, r.health)

	return r, nil
}

func newCache(cfg config.CacheConfig, given cache.Store) (cache.Store, error) {
	if given != nil {
		return given, nil
	}
	if cfg.URL == "" {
		// Unbounded: sessions and the assistant id must outlive any size cap.
		return cache.NewMemory(0), nil
	}
	c, err := cache.NewRedis(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}
	return c, nil
}

// Handler returns the HTTP handler serving health, readiness, metrics and
// the socket hub.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /health/ready", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET "+r.config.Metrics.Path, r.metrics.Handler())
	}
	if r.hub != nil {
		mux.Handle(r.config.Socket.Path, r.hub)
	}
	return mux
}

// Processor returns the work item processor the consumers feed.
func (r *Relay) Processor() *Processor {
	return r.processor
}

// Ready reports whether at least one consumer holds a broker connection.
func (r *Relay) Ready() bool {
	return r.connectedConsumers() > 0
}

func (r *Relay) connectedConsumers() int {
	n := 0
	for _, c := range r.consumers {
		if c.Connected() {
			n++
		}
	}
	return n
}

// HTTPAddr returns the bound HTTP address once Run is listening.
func (r *Relay) HTTPAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.httpAddr
}

// GRPCAddr returns the bound gRPC health address once Run is listening.
func (r *Relay) GRPCAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grpcAddr
}

// setupListeners binds the configured addresses. Either may be empty.
func (r *Relay) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	if addr := r.config.Server.HTTPAddr; addr != "" {
		httpLn, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on HTTP %s: %w", addr, err)
		}
	}
	if addr := r.config.Server.GRPCAddr; addr != "" {
		grpcLn, err = net.Listen("tcp", addr)
		if err != nil {
			if httpLn != nil {
				httpLn.Close()
			}
			return nil, nil, fmt.Errorf("failed to listen on gRPC %s: %w", addr, err)
		}
	}

	r.mu.Lock()
	if httpLn != nil {
		r.httpAddr = httpLn.Addr().String()
	}
	if grpcLn != nil {
		r.grpcAddr = grpcLn.Addr().String()
	}
	r.mu.Unlock()
	return grpcLn, httpLn, nil
}

func (r *Relay) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			r.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := r.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if httpLn != nil {
		go func() {
			r.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := r.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	return errCh
}

// startConsumers runs every consumer until ctx is done. The returned
// WaitGroup completes once in-flight work items have finished.
func (r *Relay) startConsumers(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, c := range r.consumers {
		wg.Go(func() {
			if err := c.Run(ctx); err != nil {
				r.logger.Error("consumer stopped", "consumer", c.Tag(), "error", err)
			}
		})
	}
	return &wg
}

// monitorReadiness mirrors consumer connectivity into gRPC health and metrics.
func (r *Relay) monitorReadiness(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	last := -1
	for {
		n := r.connectedConsumers()
		if n != last {
			r.setServing(n > 0)
			r.metrics.SetConsumers(n)
			last = n
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Relay) setServing(ready bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ready {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus("", status)
}

// waitForShutdownSignal blocks until ctx is done or a server fails.
func (r *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		r.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (r *Relay) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		r.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run connects the socket, resolves the assistant, starts the servers and
// consumers, and blocks until ctx is cancelled or a server fails. In-flight
// work items finish before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	if r.socket != nil {
		if err := r.socket.Connect(ctx); err != nil {
			_ = r.gracefulShutdown()
			return fmt.Errorf("connecting to socket broadcaster: %w", err)
		}
	}

	assistantID, err := r.assistants.Ensure(ctx)
	if err != nil {
		_ = r.gracefulShutdown()
		return fmt.Errorf("initialising assistant: %w", err)
	}
	r.logger.Info("assistant ready", "assistant_id", assistantID)

	grpcLn, httpLn, err := r.setupListeners()
	if err != nil {
		_ = r.gracefulShutdown()
		return err
	}
	errCh := r.startServers(grpcLn, httpLn)

	runCtx, stop := context.WithCancel(ctx)
	consumers := r.startConsumers(runCtx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		r.monitorReadiness(runCtx)
	}()
	r.logger.Info("relay started", "workers", len(r.consumers), "queue", r.config.Queue.Name)

	serverErr := r.waitForShutdownSignal(ctx, errCh)

	stop()
	r.setServing(false)
	consumers.Wait()
	<-monitorDone

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

func (r *Relay) shutdownGRPCServer(ctx context.Context) {
	r.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		r.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(result *multierror.Error, label string, err error) *multierror.Error {
	if err != nil {
		return multierror.Append(result, fmt.Errorf("%s: %w", label, err))
	}
	return result
}

// Shutdown stops the servers and closes every owned component.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	var result *multierror.Error
	result = appendCloseError(result, "HTTP shutdown", r.httpServer.Shutdown(ctx))

	r.shutdownGRPCServer(ctx)

	if r.socket != nil {
		result = appendCloseError(result, "socket close", r.socket.Close())
	}
	if r.hub != nil {
		r.hub.Close()
	}
	result = appendCloseError(result, "cache close", r.cache.Close())
	if r.ledger != nil {
		result = appendCloseError(result, "ledger close", r.ledger.Close())
	}

	return result.ErrorOrNil()
}

// handleHealth returns 200 OK if the process is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when at least one consumer is connected.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	n := r.connectedConsumers()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no queue consumers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d consumers)", n)
}
