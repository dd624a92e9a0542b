package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"saxofolio/internal/broker"
	"saxofolio/internal/config"
	"saxofolio/internal/oauth"
	"saxofolio/internal/store"
	"saxofolio/internal/syncer"
	"saxofolio/internal/util"
	"saxofolio/pkg/ghostfolio"
)

// app holds what every command needs after configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	closers []io.Closer
}

// setup loads and validates configuration for op and installs the logger.
func setup(op string) (*app, error) {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if *envFile != "" {
		cfg.Saxo.EnvFile = *envFile
	}
	if err := cfg.Validate(op); err != nil {
		return nil, err
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)
	return &app{cfg: cfg, log: logger}, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("closing resource", "error", err)
		}
	}
}

func (a *app) environment() oauth.Environment {
	return oauth.EnvironmentFor(a.cfg.Saxo.UseProduction)
}

// tokenStore returns the sqlite store when a token database is configured
// and the dotenv file otherwise.
func (a *app) tokenStore() (store.TokenStore, error) {
	if a.cfg.Saxo.TokenDB == "" {
		return store.NewEnvFileStore(a.cfg.Saxo.EnvFile), nil
	}
	db, err := store.NewSQLiteStore(a.cfg.Saxo.TokenDB)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}
	a.closers = append(a.closers, db)
	return db.Tokens(a.environment().Name), nil
}

// session loads the saved broker token into a refreshing session.
func (a *app) session(ctx context.Context) (*oauth.Session, error) {
	ts, err := a.tokenStore()
	if err != nil {
		return nil, err
	}
	cfg := oauth.NewConfig(a.environment(), a.cfg.Saxo.AppKey, a.cfg.Saxo.AppSecret, a.cfg.Saxo.RedirectURI)
	s := oauth.NewSession(cfg, ts, a.log)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) broker(s *oauth.Session) *broker.SaxoBroker {
	b := broker.NewSaxoBroker(a.environment().GatewayURL, s, a.log)
	b.SetRateLimit(a.cfg.Saxo.RateLimitPerMin)
	return b
}

// syncer wires a Syncer. b and tokens may be nil for tracker-only commands.
func (a *app) syncer(b broker.Broker, tokens syncer.TokenProvider) *syncer.Syncer {
	mapping, err := config.LoadSymbolMapping(a.cfg.Sync.SymbolMappingFile)
	if err != nil {
		a.log.Warn("ignoring symbol mapping file", "path", a.cfg.Sync.SymbolMappingFile, "error", err)
	} else if len(mapping) > 0 {
		a.log.Info("loaded symbol mapping", "path", a.cfg.Sync.SymbolMappingFile, "entries", len(mapping))
	}

	return syncer.New(b, ghostfolio.NewClient(a.cfg.Ghostfolio.Host), tokens, syncer.Options{
		AccountKey:    a.cfg.Saxo.AccountKey,
		TrackerKey:    a.cfg.Ghostfolio.Key,
		AccountName:   a.cfg.Ghostfolio.AccountName,
		Currency:      a.cfg.Ghostfolio.Currency,
		PlatformID:    a.cfg.Ghostfolio.PlatformID,
		SymbolMapping: mapping,
		HistoryDays:   a.cfg.Sync.HistoryDays,
		ChunkSize:     a.cfg.Sync.ChunkSize,
	}, a.log)
}

// report prints err for the user, naming the failed stage when known.
func report(err error) {
	var se *syncer.StageError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "Error: stage %s failed: %v\n", se.Stage, se.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
