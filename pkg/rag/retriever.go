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

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/medwatch-ai/fdagent/pkg/config"
)

const (
	// rrfK dampens the contribution of low ranks in fusion.
	rrfK = 60

	// poolSize is how many candidates each scorer contributes.
	poolSize = 50

	corpusCollection = "corpus"
)

// endpointAliases maps query keywords to dataset hints.
var endpointAliases = map[string]string{
	"classification": "classification",
	"classify":       "classification",
	"device class":   "classification",
	"regulation":     "classification",
	"510k":           "510k",
	"510(k)":         "510k",
	"k-number":       "510k",
	"k number":       "510k",
	"clearance":      "510k",
	"cleared":        "510k",
	"premarket notification": "510k",
	"pma":                "pma",
	"p-number":           "pma",
	"premarket approval": "pma",
	"approved":           "pma",
	"recall":             "enforcement",
	"recalls":            "enforcement",
	"recalled":           "enforcement",
	"enforcement":        "enforcement",
	"adverse event":      "event",
	"adverse events":     "event",
	"maude":              "event",
	"malfunction":        "event",
	"injury":             "event",
	"death":              "event",
	"udi":                "udi",
	"unique device identifier": "udi",
	"gudid":                    "udi",
	"registration":             "registrationlisting",
	"registered":               "registrationlisting",
	"establishment":            "registrationlisting",
	"manufacturer":             "registrationlisting",
	"manufacturers":            "registrationlisting",
	"listing":                  "registrationlisting",
}

// Hit is one retrieved chunk with its fused score.
type Hit struct {
	Chunk Chunk
	Score float64
}

// Retriever answers "which dataset and which fields" questions over
// the documentation corpus with hybrid keyword + dense retrieval.
// Without an embedder it degrades to keyword-only scoring.
type Retriever struct {
	chunks     []Chunk
	keyword    *bm25Index
	embedder   Embedder
	collection *chromem.Collection
	topK       int
	logger     *slog.Logger
}

// NewRetriever indexes the given chunks. When embedder is non-nil the
// dense index is built up front with batch embeddings.
func NewRetriever(ctx context.Context, chunks []Chunk, embedder Embedder, cfg config.RAGConfig, logger *slog.Logger) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	r := &Retriever{
		chunks:   chunks,
		keyword:  newBM25Index(texts),
		embedder: embedder,
		topK:     topK,
		logger:   logger,
	}
	if embedder == nil {
		logger.Info("no embedder configured, retrieval is keyword-only", "chunks", len(chunks))
		return r, nil
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	// Vectors are precomputed; the collection never embeds on its own.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(corpusCollection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create corpus collection: %w", err)
	}
	r.collection = col

	if col.Count() < len(chunks) {
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed corpus: %w", err)
		}
		docs := make([]chromem.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = chromem.Document{
				ID:        strconv.Itoa(i),
				Content:   c.Text,
				Metadata:  map[string]string{"endpoint": c.Endpoint, "kind": string(c.Kind)},
				Embedding: vectors[i],
			}
		}
		if err := col.AddDocuments(ctx, docs, 4); err != nil {
			return nil, fmt.Errorf("failed to index corpus: %w", err)
		}
	}
	return r, nil
}

// multiWordAliases holds the phrase aliases in deterministic order so
// hint extraction is stable across runs.
var multiWordAliases = func() []string {
	var out []string
	for alias := range endpointAliases {
		if strings.Contains(alias, " ") {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}()

// Hints returns the dataset hints fired by the query's keywords.
// Phrase aliases are checked first, then single tokens in question
// order; duplicates are dropped.
func (r *Retriever) Hints(query string) []string {
	lower := strings.ToLower(query)
	seen := make(map[string]bool)
	var out []string
	for _, alias := range multiWordAliases {
		endpoint := endpointAliases[alias]
		if strings.Contains(lower, alias) && !seen[endpoint] {
			seen[endpoint] = true
			out = append(out, endpoint)
		}
	}
	for _, token := range tokenize(lower) {
		if endpoint, ok := endpointAliases[token]; ok && !seen[endpoint] {
			seen[endpoint] = true
			out = append(out, endpoint)
		}
	}
	return out
}

// FieldsFor returns the canonical field list for an endpoint.
func (r *Retriever) FieldsFor(endpoint string) []string {
	return EndpointFields(endpoint)
}

// Search runs the hybrid retrieval: hint prefilter, BM25 and dense
// scoring in parallel, reciprocal-rank fusion.
func (r *Retriever) Search(ctx context.Context, query string) ([]Hit, error) {
	candidates := r.prefilter(r.Hints(query))
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		wg          sync.WaitGroup
		keywordHits []scoredDoc
		denseHits   []scoredDoc
		denseErr    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		keywordHits = r.keyword.search(query, candidates, poolSize)
	}()
	if r.collection != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			denseHits, denseErr = r.denseSearch(ctx, query, candidates)
		}()
	}
	wg.Wait()
	if denseErr != nil {
		// Dense failures degrade to keyword-only rather than failing
		// the turn.
		r.logger.Warn("dense retrieval failed, using keyword ranking only", "error", denseErr)
		denseHits = nil
	}

	fused := fuse(keywordHits, denseHits)
	if len(fused) > r.topK {
		fused = fused[:r.topK]
	}
	out := make([]Hit, len(fused))
	for i, d := range fused {
		out[i] = Hit{Chunk: r.chunks[d.index], Score: d.score}
	}
	return out, nil
}

// prefilter restricts the candidate pool to hinted endpoints (general
// chunks always qualify); with no hints the whole corpus competes.
func (r *Retriever) prefilter(hints []string) []int {
	var out []int
	if len(hints) == 0 {
		for i := range r.chunks {
			out = append(out, i)
		}
		return out
	}
	hinted := make(map[string]bool, len(hints))
	for _, h := range hints {
		hinted[h] = true
	}
	for i, c := range r.chunks {
		if hinted[c.Endpoint] || c.Endpoint == EndpointGeneral {
			out = append(out, i)
		}
	}
	return out
}

func (r *Retriever) denseSearch(ctx context.Context, query string, candidates []int) ([]scoredDoc, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	n := poolSize
	if count := r.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := r.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, err
	}
	allowed := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		allowed[c] = true
	}
	var out []scoredDoc
	for _, res := range results {
		idx, err := strconv.Atoi(res.ID)
		if err != nil || !allowed[idx] {
			continue
		}
		out = append(out, scoredDoc{index: idx, score: float64(res.Similarity)})
	}
	return out, nil
}

// fuse merges the two rankings with reciprocal-rank fusion: each list
// contributes 1/(rrfK + rank) per document.
func fuse(lists ...[]scoredDoc) []scoredDoc {
	scores := make(map[int]float64)
	for _, list := range lists {
		for rank, doc := range list {
			scores[doc.index] += 1.0 / float64(rrfK+rank+1)
		}
	}
	out := make([]scoredDoc, 0, len(scores))
	for idx, score := range scores {
		out = append(out, scoredDoc{index: idx, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].index < out[j].index
	})
	return out
}
