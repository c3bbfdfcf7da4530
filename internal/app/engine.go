package app

import (
	"context"
	"fmt"

	"cadence/internal/behavior"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// Engine is the learning half of the daemon: the store and the analyzer on
// top of it. The CLI maintenance commands use it without starting a server.
type Engine struct {
	Store    storage.Store
	Analyzer *behavior.Analyzer
}

// OpenEngine opens storage and warms the analyzer from it.
func OpenEngine(ctx context.Context, cfg *config.Config, log logx.Logger, bus eventbus.Bus) (*Engine, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	acfg, err := mapAnalyzerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := mapRegistry(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	an := behavior.NewAnalyzer(acfg,
		behavior.WithStore(store),
		behavior.WithRegistry(reg),
		behavior.WithLogger(log.With(logx.Component("behavior"))),
		behavior.WithBus(bus),
	)
	if err := an.Warm(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("warm analyzer: %w", err)
	}
	return &Engine{Store: store, Analyzer: an}, nil
}

func (e *Engine) Close() error { return e.Store.Close() }
