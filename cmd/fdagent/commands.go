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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/medwatch-ai/fdagent/pkg/agent"
	"github.com/medwatch-ai/fdagent/pkg/catalog"
	"github.com/medwatch-ai/fdagent/pkg/observability"
	"github.com/medwatch-ai/fdagent/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.Logger)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	_, shutdownTracing, err := observability.SetupTracing(cfg.Observability.TracingEnabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(cfg.Server, rt.agent, rt.store, rt.registry, logger)
	fmt.Printf("fdagent server ready\n")
	fmt.Printf("  Ask:      POST http://%s:%d/v1/ask\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Stream:   GET  http://%s:%d/v1/ask/stream\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Sessions: GET  http://%s:%d/v1/sessions\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Metrics:  GET  http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// AskCmd asks one question and prints the answer.
type AskCmd struct {
	Question string `arg:"" help:"Question about FDA device data."`
	Session  string `short:"s" help:"Continue an existing session."`
	Events   bool   `help:"Print tool events while the turn runs."`
}

func (c *AskCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	emit := func(agent.Event) {}
	if c.Events {
		emit = func(ev agent.Event) {
			switch ev.Type {
			case agent.EventThinking:
				fmt.Fprintf(os.Stderr, "... %s\n", ev.Message)
			case agent.EventToolCall:
				fmt.Fprintf(os.Stderr, "--> %s\n", ev.Tool)
			case agent.EventToolResult:
				fmt.Fprintf(os.Stderr, "<-- %s\n", ev.Tool)
			}
		}
	}

	answer, err := rt.agent.AskStream(ctx, c.Session, c.Question, emit)
	if err != nil {
		return err
	}

	fmt.Println(answer.Text)
	fmt.Fprintf(os.Stderr, "\nsession: %s  cost: $%.4f  llm calls: %d\n",
		answer.SessionID, answer.Usage.CostUSD, answer.Usage.LLMCalls)
	return nil
}

// SessionsCmd lists stored sessions.
type SessionsCmd struct{}

func (c *SessionsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if _, err := setupLogger(cfg.Logger); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions stored.")
		return nil
	}

	fmt.Printf("%-38s %-20s %8s %10s\n", "ID", "UPDATED", "MESSAGES", "COST")
	for _, s := range summaries {
		fmt.Printf("%-38s %-20s %8d %10s\n",
			s.ID, s.UpdatedAt.Format(time.DateTime), s.MessageCount, fmt.Sprintf("$%.4f", s.CostUSD))
	}
	return nil
}

// IndexCmd loads a GUDID device release file into the local catalog.
type IndexCmd struct {
	Gudid     string `arg:"" help:"Path to a GUDID device release file (pipe-delimited)." type:"path"`
	BatchSize int    `help:"Insert batch size." default:"500"`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if _, err := setupLogger(cfg.Logger); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if dir := filepath.Dir(cfg.Catalog.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	file, err := os.Open(c.Gudid)
	if err != nil {
		return fmt.Errorf("failed to open GUDID file: %w", err)
	}
	defer file.Close()

	total, err := ingestGUDID(ctx, cat, file, c.BatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d devices into %s\n", total, cfg.Catalog.Path)
	return nil
}

// gudidColumns maps the release header names onto catalog fields. The
// release ships pipe-delimited with a header row.
var gudidColumns = map[string]string{
	"brandname":         "brand",
	"companyname":       "company",
	"devicedescription": "description",
	"productcode":       "product_code",
	"gmdnptname":        "gmdn",
	"primarydi":         "identifier",
}

// ingestGUDID streams a device release file into the catalog in
// batches.
func ingestGUDID(ctx context.Context, cat *catalog.Catalog, r io.Reader, batchSize int) (int, error) {
	reader := csv.NewReader(r)
	reader.Comma = '|'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read GUDID header: %w", err)
	}
	cols := make(map[string]int)
	for i, name := range header {
		if field, ok := gudidColumns[strings.ToLower(strings.TrimSpace(name))]; ok {
			cols[field] = i
		}
	}
	if _, ok := cols["brand"]; !ok {
		return 0, errors.New("GUDID file has no brandName column")
	}

	get := func(row []string, field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	total := 0
	batch := make([]catalog.Device, 0, batchSize)
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("failed to parse GUDID row: %w", err)
		}

		batch = append(batch, catalog.Device{
			BrandName:   get(row, "brand"),
			CompanyName: get(row, "company"),
			Description: get(row, "description"),
			ProductCode: get(row, "product_code"),
			GMDNTerm:    get(row, "gmdn"),
			Identifier:  get(row, "identifier"),
		})
		if len(batch) >= batchSize {
			if err := cat.InsertBatch(ctx, batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := cat.InsertBatch(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}
