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

package resolver

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/medwatch-ai/fdagent/pkg/catalog"
)

var productCodeInput = regexp.MustCompile(`^[A-Z]{3}$`)

const (
	fullTextLimit    = 50
	fuzzyMaxDistance = 2
	topManufacturers = 5
)

// DeviceResolver maps free-text device terms to product codes through
// the local catalog, trying progressively looser stages.
type DeviceResolver struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewDeviceResolver builds a resolver over an opened catalog.
func NewDeviceResolver(cat *catalog.Catalog, logger *slog.Logger) *DeviceResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceResolver{catalog: cat, logger: logger}
}

// Resolve runs the staged lookup: exact brand, product-code direct,
// full-text, then fuzzy brand. The first stage with matches wins.
func (r *DeviceResolver) Resolve(ctx context.Context, term string) (*ResolvedEntities, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return &ResolvedEntities{Query: term}, nil
	}

	if devices, err := r.catalog.ExactBrand(ctx, term); err != nil {
		return nil, err
	} else if len(devices) > 0 {
		return aggregate(term, devices, 1.0), nil
	}

	if productCodeInput.MatchString(term) {
		devices, err := r.catalog.ByProductCode(ctx, term)
		if err != nil {
			return nil, err
		}
		if len(devices) > 0 {
			return aggregate(term, devices, 1.0), nil
		}
	}

	if scored, err := r.catalog.FullText(ctx, term, fullTextLimit); err != nil {
		return nil, err
	} else if len(scored) > 0 {
		return aggregateScored(term, scored), nil
	}

	scored, err := r.catalog.FuzzyBrand(ctx, term, fuzzyMaxDistance)
	if err != nil {
		return nil, err
	}
	if len(scored) > 0 {
		r.logger.Debug("device resolved via fuzzy match", "term", term, "matches", len(scored))
		return aggregateScored(term, scored), nil
	}
	return &ResolvedEntities{Query: term}, nil
}

func aggregate(term string, devices []catalog.Device, confidence float64) *ResolvedEntities {
	codes := make(map[string]bool)
	firms := make(map[string]int)
	for _, d := range devices {
		if d.ProductCode != "" {
			codes[d.ProductCode] = true
		}
		if d.CompanyName != "" {
			firms[d.CompanyName]++
		}
	}
	return &ResolvedEntities{
		Query:            term,
		ProductCodes:     sortedKeys(codes),
		TopManufacturers: topFirms(firms, topManufacturers),
		MatchCount:       len(devices),
		Confidence:       confidence,
	}
}

func aggregateScored(term string, scored []catalog.ScoredDevice) *ResolvedEntities {
	devices := make([]catalog.Device, len(scored))
	best := 0.0
	for i, s := range scored {
		devices[i] = s.Device
		if s.Score > best {
			best = s.Score
		}
	}
	return aggregate(term, devices, best)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func topFirms(counts map[string]int, n int) []ManufacturerCount {
	out := make([]ManufacturerCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, ManufacturerCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
