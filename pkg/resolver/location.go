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
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/medwatch-ai/fdagent/pkg/openfda"
	"github.com/medwatch-ai/fdagent/pkg/params"
)

const (
	countFieldFirm   = "registration.name.exact"
	countFieldDevice = "products.openfda.device_name.exact"
	countryField     = "registration.iso_country_code"
	topTermLimit     = 10
)

// LocationResolver classifies a location term as a country, a
// configured multi-country region, or a US state, then counts
// registered manufacturers per country via aggregation probes.
type LocationResolver struct {
	client  *openfda.Client
	regions map[string][]string
	logger  *slog.Logger
}

// NewLocationResolver builds a resolver with the configured region
// membership lists (region name -> ISO country codes).
func NewLocationResolver(client *openfda.Client, regions map[string][]string, logger *slog.Logger) *LocationResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationResolver{client: client, regions: regions, logger: logger}
}

// classification is the outcome of term classification.
type classification struct {
	region    string
	countries []string
	state     string
}

func (r *LocationResolver) classify(term string) (classification, bool) {
	normalized := strings.ToLower(strings.TrimSpace(term))
	if normalized == "" {
		return classification{}, false
	}
	if codes, ok := r.regions[normalized]; ok {
		return classification{region: normalized, countries: codes}, true
	}
	if code, ok := params.CountryISO(term); ok {
		return classification{region: normalized, countries: []string{code}}, true
	}
	if state, ok := params.IsUSState(term); ok {
		return classification{region: normalized, countries: []string{"US"}, state: state}, true
	}
	return classification{}, false
}

// Resolve counts manufacturers for every country the term covers.
// deviceTerm, when non-empty, restricts the probes to a device type.
func (r *LocationResolver) Resolve(ctx context.Context, term, deviceTerm string) (*LocationContext, error) {
	cls, ok := r.classify(term)
	if !ok {
		return &LocationContext{NormalizedRegion: strings.ToLower(strings.TrimSpace(term))}, nil
	}

	out := &LocationContext{NormalizedRegion: cls.region}
	var mu sync.Mutex
	companies := make(map[string]int)
	deviceTypes := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)
	for _, code := range cls.countries {
		code := code
		g.Go(func() error {
			expr := (&openfda.Expr{}).Term(countryField, code)
			if cls.state != "" {
				expr.Term("registration.state_code", cls.state)
			}
			if deviceTerm != "" {
				expr.Term("products.openfda.device_name", deviceTerm)
			}
			search := expr.String()

			firms, _, err := r.client.Count(gctx, openfda.EndpointRegistration, countFieldFirm, search, topTermLimit)
			if err != nil {
				return err
			}
			types, _, err := r.client.Count(gctx, openfda.EndpointRegistration, countFieldDevice, search, topTermLimit)
			if err != nil {
				return err
			}

			total := 0
			for _, tc := range firms {
				total += tc.Count
			}
			name, _ := params.CountryName(code)

			mu.Lock()
			defer mu.Unlock()
			out.Countries = append(out.Countries, CountryCount{Code: code, Name: name, Count: total})
			for _, tc := range firms {
				companies[tc.Term] += tc.Count
			}
			for _, tc := range types {
				deviceTypes[tc.Term] += tc.Count
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Countries, func(i, j int) bool {
		if out.Countries[i].Count != out.Countries[j].Count {
			return out.Countries[i].Count > out.Countries[j].Count
		}
		return out.Countries[i].Code < out.Countries[j].Code
	})
	out.TopCompanies = topTerms(companies, topTermLimit)
	out.TopDeviceTypes = topTerms(deviceTypes, topTermLimit)
	return out, nil
}

func topTerms(counts map[string]int, n int) []string {
	type entry struct {
		term  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for term, count := range counts {
		entries = append(entries, entry{term, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].term < entries[j].term
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.term
	}
	return out
}
