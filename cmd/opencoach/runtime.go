package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/backend"
	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/config"
	"github.com/xonecas/opencoach/internal/delta"
	"github.com/xonecas/opencoach/internal/errkind"
	"github.com/xonecas/opencoach/internal/filetime"
	"github.com/xonecas/opencoach/internal/lsp"
	"github.com/xonecas/opencoach/internal/metrics"
	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/sandbox"
	"github.com/xonecas/opencoach/internal/shell"
	"github.com/xonecas/opencoach/internal/snapshot"
	"github.com/xonecas/opencoach/internal/store"
	"github.com/xonecas/opencoach/internal/toolreg"
	"github.com/xonecas/opencoach/internal/treesitter"
)

// session bundles every component one conversation session needs, wired
// together the way the teacher's setupServices did for its single global
// *mcp.Proxy — generalized here to one instance per session so cmd/opencoach
// serve can host many sessions side by side.
type session struct {
	id string

	cfg      *config.Config
	creds    *config.Credentials
	provider provider.Provider
	tools    *toolreg.Set
	bus      *bus.Bus
	perm     *permission.Manager
	askBroker *permission.AskBroker

	webCache     *store.Cache
	snapshots    *snapshot.Store
	deltaTracker *delta.Tracker
	lspManager   *lsp.Manager
	tsIndex      *treesitter.Index
	sandboxes    *sandbox.Manager

	local *backend.LocalBackend
}

// procMetrics is shared process-wide: every session's Tool Registry
// records onto the same Prometheus collectors, and `opencoach serve`
// exposes them under one /metrics endpoint regardless of how many
// sessions it's hosting.
var procMetrics = metrics.New()

// buildSession wires one full session's worth of runtime components for
// sessionID, resuming history if any exists in webCache.
func buildSession(ctx context.Context, cfg *config.Config, creds *config.Credentials, sessionID string) (*session, error) {
	providerName, providerCfg := resolveProvider(cfg)
	reg := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		reg.RegisterFactory(name, provider.NewOllamaFactory(name, pc.Endpoint))
	}
	prov, err := reg.Create(providerName, providerCfg.Model, provider.Options{Temperature: providerCfg.Temperature})
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", providerName, err)
	}

	webCache := openWebCache(cfg)

	b := bus.New()
	askBroker := permission.NewAskBroker(b)
	perm := permission.New(permission.Defaults(), permission.WithBus(b), permission.WithAskFunc(askBroker.Ask), permission.WithAskTimeout(2*time.Minute))

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	var dt *delta.Tracker
	if webCache != nil {
		db := webCache.DB()
		dt = delta.New(db)
		dt.SetSession(sessionID)
	}

	var snapshots *snapshot.Store
	if dataDir, err := config.DataDir(); err == nil {
		snapshots, err = snapshot.New(filepath.Join(dataDir, "snapshots", sessionID), cwd, snapshot.DefaultRetention)
		if err != nil {
			log.Warn().Err(err).Msg("opencoach: snapshot store init failed")
			snapshots = nil
		}
	} else {
		log.Warn().Err(err).Msg("opencoach: snapshot store unavailable: no data dir")
	}

	lspManager := lsp.NewManager()
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("opencoach: tree-sitter index build failed")
	}

	sh := shell.New("", shell.DefaultBlockFuncs())
	exaKey := creds.GetAPIKey("exa_ai")

	sandboxes := sandbox.NewManager()
	sandboxes.RegisterBackend(sandbox.NewPassthroughBackend())
	sandboxes.RegisterBackend(sandbox.NewDockerBackend(""))

	tools, err := toolreg.Build(toolreg.Deps{
		Tracker:      filetime.New(),
		LSPManager:   lspManager,
		TSIndex:      tsIndex,
		DeltaTracker: dt,
		Snapshots:    snapshots,
		SessionID:    sessionID,
		Shell:        sh,
		WebCache:     webCache,
		ExaAPIKey:    exaKey,
		Provider:     prov,
		Perm:         perm,
		Metrics:      procMetrics,
		Sandboxes:    sandboxes,
	})
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	s := &session{
		id:           sessionID,
		cfg:          cfg,
		creds:        creds,
		provider:     prov,
		tools:        tools,
		bus:          b,
		perm:         perm,
		askBroker:    askBroker,
		webCache:     webCache,
		snapshots:    snapshots,
		deltaTracker: dt,
		lspManager:   lspManager,
		tsIndex:      tsIndex,
		sandboxes:    sandboxes,
	}
	return s, nil
}

func (s *session) Close() {
	if s.provider != nil {
		_ = s.provider.Close()
	}
	if s.lspManager != nil {
		s.lspManager.StopAll(context.Background())
	}
	if s.webCache != nil {
		_ = s.webCache.Close()
	}
	if s.local != nil {
		_ = s.local.Close()
	}
	s.bus.Close()
}

// resolveProvider picks cfg.DefaultProvider, or an arbitrary configured
// provider if none is set — Config.Validate already guarantees at least
// one exists and that DefaultProvider, if set, names a real one.
func resolveProvider(cfg *config.Config) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		for n := range cfg.Providers {
			name = n
			break
		}
	}
	return name, cfg.Providers[name]
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cache dir unavailable: %v\n", err)
		return nil
	}
	ttl := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func loadConfig() (*config.Config, *config.Credentials, error) {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		p := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(p); err == nil {
			configPath = p
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errkind.Validation, err)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errkind.Validation, err)
	}
	return cfg, creds, nil
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, "opencoach.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
