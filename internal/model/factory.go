package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Provider names accepted by the factory.
const (
	ProviderGemini = "gemini"
	ProviderGRPC   = "grpc"
)

// ErrUnknownProvider is returned for a provider with no registered constructor.
var ErrUnknownProvider = errors.New("unknown model provider")

// Settings identifies one model backend configuration.
type Settings struct {
	Provider string
	Name     string
	APIKey   string
	GRPCAddr string
}

func (s Settings) key() string {
	sum := sha256.Sum256([]byte(s.APIKey))
	return strings.Join([]string{s.Provider, s.Name, s.GRPCAddr, hex.EncodeToString(sum[:8])}, "|")
}

// Cache stores constructed models by configuration key.
type Cache interface {
	Load(key string) (Model, bool)
	Store(key string, m Model)
	// Drain removes and returns every cached model.
	Drain() []Model
}

// MapCache is an in-memory Cache.
type MapCache struct {
	mu     sync.Mutex
	models map[string]Model
}

// NewMapCache creates an empty MapCache.
func NewMapCache() *MapCache {
	return &MapCache{models: make(map[string]Model)}
}

// Load implements Cache.
func (c *MapCache) Load(key string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[key]
	return m, ok
}

// Store implements Cache.
func (c *MapCache) Store(key string, m Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[key] = m
}

// Drain implements Cache.
func (c *MapCache) Drain() []Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Model, 0, len(c.models))
	for k, m := range c.models {
		out = append(out, m)
		delete(c.models, k)
	}
	return out
}

// Constructor builds a model for the given settings.
type Constructor func(ctx context.Context, s Settings, logger *slog.Logger) (Model, error)

// Factory returns one shared model per configuration. Concurrent requests for
// the same configuration share a single construction.
type Factory struct {
	cache  Cache
	group  singleflight.Group
	logger *slog.Logger

	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates a factory with the Gemini and gRPC gateway constructors
// registered. A nil cache uses a fresh MapCache.
func NewFactory(cache Cache, logger *slog.Logger) *Factory {
	if cache == nil {
		cache = NewMapCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{cache: cache, logger: logger, ctors: make(map[string]Constructor)}
	f.Register(ProviderGemini, func(ctx context.Context, s Settings, logger *slog.Logger) (Model, error) {
		return NewGemini(ctx, s.APIKey, s.Name, logger)
	})
	f.Register(ProviderGRPC, func(_ context.Context, s Settings, logger *slog.Logger) (Model, error) {
		return NewGrpcClient(DefaultGrpcClientConfig(s.GRPCAddr), logger)
	})
	return f
}

// Register sets the constructor for a provider, replacing any previous one.
func (f *Factory) Register(provider string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[provider] = ctor
}

// Get returns the cached model for s, constructing it on first use.
func (f *Factory) Get(ctx context.Context, s Settings) (Model, error) {
	key := s.key()
	if m, ok := f.cache.Load(key); ok {
		return m, nil
	}

	f.mu.RLock()
	ctor, ok := f.ctors[s.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		if m, ok := f.cache.Load(key); ok {
			return m, nil
		}
		m, err := ctor(ctx, s, f.logger)
		if err != nil {
			return nil, err
		}
		f.cache.Store(key, m)
		f.logger.Info("model client created", "provider", s.Provider, "model", s.Name)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", s.Provider, err)
	}
	return v.(Model), nil
}

// Reset closes and forgets every cached model.
func (f *Factory) Reset() error {
	var errs []error
	for _, m := range f.cache.Drain() {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
