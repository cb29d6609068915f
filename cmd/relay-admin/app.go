// ABOUTME: Dependency wiring for relay-admin commands
// ABOUTME: Each dependency is a constructor so tests can substitute in-memory fakes

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/chat-relay/internal/assistant"
	"github.com/2389/chat-relay/internal/cache"
	"github.com/2389/chat-relay/internal/config"
	"github.com/2389/chat-relay/internal/dispatch"
	"github.com/2389/chat-relay/internal/provider"
	"github.com/2389/chat-relay/internal/queue"
	"github.com/2389/chat-relay/internal/relay"
	"github.com/2389/chat-relay/internal/session"
	"github.com/2389/chat-relay/internal/store"
	"github.com/2389/chat-relay/internal/tools"
	"github.com/2389/chat-relay/internal/workitem"
)

// Publisher sends work items to the relay's queue.
type Publisher interface {
	Publish(ctx context.Context, item workitem.Item, opts queue.PublishOptions) error
	Close() error
}

// FrameSource yields the payloads broadcast on one channel.
type FrameSource interface {
	Next(ctx context.Context) (*dispatch.Payload, error)
	Close() error
}

type deps struct {
	loadConfig   func(path string) (*config.Config, error)
	openCache    func(cfg *config.Config) (cache.Store, error)
	newProvider  func(cfg *config.Config) (relay.Provider, error)
	openLedger   func(cfg *config.Config) (store.Store, error)
	newPublisher func(cfg *config.Config) (Publisher, error)
	watch        func(ctx context.Context, cfg *config.Config, channel string) (FrameSource, error)
	httpClient   *http.Client
	now          func() time.Time
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		openCache: func(cfg *config.Config) (cache.Store, error) {
			if cfg.Cache.URL == "" {
				return nil, fmt.Errorf("cache.url is not configured; sessions live in the worker's memory")
			}
			return cache.NewRedis(cfg.Cache.URL)
		},
		newProvider: func(cfg *config.Config) (relay.Provider, error) {
			return provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.OpenAI.APIKey,
				BaseURL: cfg.OpenAI.BaseURL,
				Tools:   tools.NewRegistry(quietLogger()),
				Logger:  quietLogger(),
			})
		},
		openLedger: func(cfg *config.Config) (store.Store, error) {
			if cfg.Database.Path == "" {
				return nil, fmt.Errorf("database.path is not configured; the ledger is disabled")
			}
			return store.NewSQLiteStore(cfg.Database.Path)
		},
		newPublisher: func(cfg *config.Config) (Publisher, error) {
			return queue.Dial(cfg.Queue.URL, topology(cfg))
		},
		watch:      dialWatch,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func topology(cfg *config.Config) queue.Topology {
	return queue.Topology{
		Exchange:   cfg.Queue.Exchange,
		Queue:      cfg.Queue.Name,
		RoutingKey: cfg.Queue.RoutingKey,
	}
}

// quietLogger discards component logs below warn so command output stays readable.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type app struct {
	deps       deps
	configPath string
	verbose    bool

	cfg *config.Config
}

func newApp(d deps) *app {
	return &app{deps: d}
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := a.deps.loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

// cache opens the session cache. The caller closes it.
func (a *app) cache() (cache.Store, cache.Keyspace, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, cache.Keyspace{}, err
	}
	c, err := a.deps.openCache(cfg)
	if err != nil {
		return nil, cache.Keyspace{}, fmt.Errorf("opening cache: %w", err)
	}
	return c, cache.Keyspace{Prefix: cfg.Cache.Prefix}, nil
}

// sessions builds a resolver over the shared cache. Resolver.Resolve is never
// called here, so no provider is needed.
func (a *app) sessions() (*session.Resolver, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	c, keys, err := a.cache()
	if err != nil {
		return nil, nil, err
	}
	r := session.NewResolver(c, keys, nil, cfg.Cache.Retention, quietLogger())
	return r, func() { _ = c.Close() }, nil
}

// assistants builds the assistant manager. The caller runs the returned cleanup.
func (a *app) assistants() (*assistant.Manager, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	c, keys, err := a.cache()
	if err != nil {
		return nil, nil, err
	}
	api, err := a.deps.newProvider(cfg)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("creating provider: %w", err)
	}
	m := assistant.New(c, keys, api, provider.AssistantSpec{
		Name:         cfg.OpenAI.AssistantName,
		Model:        cfg.OpenAI.Model,
		Instructions: cfg.OpenAI.Instructions,
	}, cfg.OpenAI.AssistantID, quietLogger())
	return m, func() { _ = c.Close() }, nil
}

func (a *app) ledger() (store.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	l, err := a.deps.openLedger(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return l, nil
}
