// Package source provides the request/response backends the fetcher polls.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// ErrUnknownSource is returned by New for a source.type nobody registered.
var ErrUnknownSource = errors.New("unknown source type")

// Factory builds a Source from its configuration section.
type Factory func(cfg config.SourceConfig, logger *slog.Logger) (model.Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a source type available to New. It panics on duplicates,
// which can only happen from a programming error in an init function.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("source type '%s' already registered", name))
	}
	registry[name] = factory
}

// New creates the source selected by cfg.Type.
func New(cfg config.SourceConfig, logger *slog.Logger) (model.Source, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownSource, cfg.Type)
	}

	logger.Info("Creating snapshot source", "type", cfg.Type)
	src, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating source type '%s': %w", cfg.Type, err)
	}
	return src, nil
}

// Types lists the registered source types in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
