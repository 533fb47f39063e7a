// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medwatch-ai/fdagent/pkg/agent"
	"github.com/medwatch-ai/fdagent/pkg/assess"
	"github.com/medwatch-ai/fdagent/pkg/catalog"
	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/observability"
	"github.com/medwatch-ai/fdagent/pkg/openfda"
	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/rag"
	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/session"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

// runtime holds the assembled collaborators for one process.
type runtime struct {
	cfg      *config.Config
	agent    *agent.Agent
	store    session.Store
	registry *prometheus.Registry
	logger   *slog.Logger

	closers []func() error
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
}

// buildRuntime wires the full agent from config.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	client := openfda.NewClient(cfg.OpenFDA)

	caller, err := llms.New(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider: %w", err)
	}
	guardCaller, err := llms.NewGuard(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard provider: %w", err)
	}

	extractor, err := params.NewExtractor(caller, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterSearchTools(registry, client); err != nil {
		return nil, err
	}
	if err := tools.RegisterAggregateTools(registry, client); err != nil {
		return nil, err
	}

	// Resolvers degrade gracefully: without a catalog the device
	// resolver is simply absent from the tool set.
	var deviceResolver *resolver.DeviceResolver
	if cat, err := openCatalog(ctx, cfg.Catalog.Path); err != nil {
		logger.Warn("device catalog unavailable, device resolution disabled", "error", err)
	} else if cat != nil {
		rt.closers = append(rt.closers, cat.Close)
		deviceResolver = resolver.NewDeviceResolver(cat, logger)
	}
	firmResolver := resolver.NewManufacturerResolver(client, logger)
	locationResolver := resolver.NewLocationResolver(client, cfg.Regions, logger)
	if err := tools.RegisterResolverTools(registry, deviceResolver, firmResolver, locationResolver); err != nil {
		return nil, err
	}

	retriever, err := buildRetriever(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	rt.registry = prometheus.NewRegistry()
	metrics := observability.NewMetrics(rt.registry)

	guardrail := assess.NewGuardrail(guardCaller, logger)
	rt.agent = agent.New(*cfg, caller, guardrail, extractor, retriever, registry, store, metrics, logger)
	return rt, nil
}

// openCatalog opens the GUDID catalog when its file exists. A missing
// file is not an error; the indexer just has not run yet.
func openCatalog(ctx context.Context, path string) (*catalog.Catalog, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	cat, err := catalog.Open(path)
	if err != nil {
		return nil, err
	}
	if n, err := cat.Count(ctx); err == nil {
		slog.Debug("device catalog opened", "path", path, "devices", n)
	}
	return cat, nil
}

// buildRetriever loads the documentation corpus plus the builtin
// chunks. Without an embedder config it runs keyword-only.
func buildRetriever(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rag.Retriever, error) {
	chunks := rag.BuiltinCorpus()
	if cfg.RAG.CorpusDir != "" {
		loaded, err := rag.LoadDir(cfg.RAG.CorpusDir)
		if err != nil {
			logger.Warn("documentation corpus unavailable, using builtin chunks only", "error", err)
		} else {
			chunks = append(chunks, loaded...)
		}
	}

	var embedder rag.Embedder
	if cfg.RAG.Embedder.Provider != "" {
		var err error
		embedder, err = rag.NewEmbedder(cfg.RAG.Embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	}
	return rag.NewRetriever(ctx, chunks, embedder, cfg.RAG, logger)
}

// buildStore opens the SQL session store fronted by the LRU cache.
func buildStore(cfg *config.Config) (session.Store, error) {
	dialect := cfg.SessionDialect()
	if dialect == "sqlite" {
		if dir := filepath.Dir(cfg.Session.StoreURL); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create session directory: %w", err)
			}
		}
	}
	store, err := session.NewSQLStore(cfg.Session.StoreURL, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return session.NewCachedStore(store, cfg.Session.CacheSize), nil
}
