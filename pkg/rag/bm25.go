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
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is an in-memory keyword index over the corpus. Chunks are
// referenced by their position in the indexed slice.
type bm25Index struct {
	docTokens [][]string
	docFreq   map[string]int
	docLen    []int
	avgDocLen float64
}

type scoredDoc struct {
	index int
	score float64
}

func newBM25Index(texts []string) *bm25Index {
	idx := &bm25Index{
		docTokens: make([][]string, len(texts)),
		docFreq:   make(map[string]int),
		docLen:    make([]int, len(texts)),
	}
	total := 0
	for i, text := range texts {
		tokens := tokenize(text)
		idx.docTokens[i] = tokens
		idx.docLen[i] = len(tokens)
		total += len(tokens)
		seen := make(map[string]bool)
		for _, t := range tokens {
			if !seen[t] {
				idx.docFreq[t]++
				seen[t] = true
			}
		}
	}
	if len(texts) > 0 {
		idx.avgDocLen = float64(total) / float64(len(texts))
	}
	return idx
}

// search scores the candidate documents against the query and returns
// up to topN of them, best first. Zero-scoring documents are dropped.
func (idx *bm25Index) search(query string, candidates []int, topN int) []scoredDoc {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	n := float64(len(idx.docTokens))

	var out []scoredDoc
	for _, doc := range candidates {
		tf := make(map[string]int)
		for _, t := range idx.docTokens[doc] {
			tf[t]++
		}
		score := 0.0
		for _, qt := range queryTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			df := float64(idx.docFreq[qt])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(idx.docLen[doc])/idx.avgDocLen))
			score += idf * norm
		}
		if score > 0 {
			out = append(out, scoredDoc{index: doc, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].index < out[j].index
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
