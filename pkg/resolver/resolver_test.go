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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/catalog"
	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/openfda"
)

func TestContextMerge(t *testing.T) {
	ctx := &Context{}
	ctx.Merge(&Context{Devices: &ResolvedEntities{Query: "mask", ProductCodes: []string{"FXX"}}})
	ctx.Merge(&Context{Manufacturers: []Manufacturer{{CanonicalName: "Acme Medical"}}})
	ctx.Merge(&Context{Location: &LocationContext{NormalizedRegion: "europe"}})

	// A later device resolution replaces devices and leaves the rest.
	ctx.Merge(&Context{Devices: &ResolvedEntities{Query: "pacemaker", ProductCodes: []string{"DXY"}}})

	assert.Equal(t, "pacemaker", ctx.Devices.Query)
	require.Len(t, ctx.Manufacturers, 1)
	assert.Equal(t, "Acme Medical", ctx.Manufacturers[0].CanonicalName)
	assert.Equal(t, "europe", ctx.Location.NormalizedRegion)
}

func TestContextResetField(t *testing.T) {
	ctx := &Context{
		Devices:  &ResolvedEntities{Query: "mask"},
		Location: &LocationContext{NormalizedRegion: "apac"},
	}
	ctx.ResetField("devices")
	assert.Nil(t, ctx.Devices)
	assert.NotNil(t, ctx.Location)
	ctx.ResetField("unknown")
	assert.NotNil(t, ctx.Location)
}

func deviceTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	err = cat.InsertBatch(context.Background(), []catalog.Device{
		{BrandName: "AcmeGuard", CompanyName: "Acme Medical", Description: "surgical face mask", ProductCode: "FXX"},
		{BrandName: "AcmeGuard Lite", CompanyName: "Acme Medical", Description: "procedure mask", ProductCode: "FXX"},
		{BrandName: "BreathSafe", CompanyName: "SafeAir Inc", Description: "N95 respirator", ProductCode: "MSH"},
	})
	require.NoError(t, err)
	return cat
}

func TestDeviceResolverStages(t *testing.T) {
	r := NewDeviceResolver(deviceTestCatalog(t), nil)

	// Exact brand.
	res, err := r.Resolve(context.Background(), "acmeguard")
	require.NoError(t, err)
	assert.Equal(t, []string{"FXX"}, res.ProductCodes)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 1, res.MatchCount)

	// Product-code direct.
	res, err = r.Resolve(context.Background(), "MSH")
	require.NoError(t, err)
	assert.Equal(t, []string{"MSH"}, res.ProductCodes)
	assert.Equal(t, 1.0, res.Confidence)

	// Full-text.
	res, err = r.Resolve(context.Background(), "surgical mask")
	require.NoError(t, err)
	assert.Contains(t, res.ProductCodes, "FXX")
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
	assert.LessOrEqual(t, res.Confidence, 0.95)

	// Fuzzy brand.
	res, err = r.Resolve(context.Background(), "breathsaf")
	require.NoError(t, err)
	assert.Equal(t, []string{"MSH"}, res.ProductCodes)
	assert.GreaterOrEqual(t, res.Confidence, 0.4)
	assert.LessOrEqual(t, res.Confidence, 0.6)

	// No match.
	res, err = r.Resolve(context.Background(), "qqqqqqqq")
	require.NoError(t, err)
	assert.Empty(t, res.ProductCodes)
	assert.Zero(t, res.MatchCount)
}

func TestDeviceResolverAggregatesManufacturers(t *testing.T) {
	r := NewDeviceResolver(deviceTestCatalog(t), nil)

	res, err := r.Resolve(context.Background(), "mask")
	require.NoError(t, err)
	require.NotEmpty(t, res.TopManufacturers)
	assert.Equal(t, "Acme Medical", res.TopManufacturers[0].Name)
	assert.Equal(t, 2, res.TopManufacturers[0].Count)
}

func fdaTestClient(t *testing.T, handler http.HandlerFunc) *openfda.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg := config.OpenFDAConfig{BaseURL: server.URL, TimeoutSeconds: 5, MaxRetries: 1}
	return openfda.NewClient(cfg)
}

func TestManufacturerResolverGroupsVariants(t *testing.T) {
	client := fdaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		results := []map[string]any{
			{"registration": map[string]any{"name": "3M Company"}},
			{"registration": map[string]any{"name": "3M Company"}},
			{"registration": map[string]any{"name": "3M CO"}},
			{"registration": map[string]any{"name": "3M Co."}},
			{"registration": map[string]any{"name": "Medline Industries, Inc."}},
		}
		json.NewEncoder(w).Encode(map[string]any{
			"meta":    map[string]any{"last_updated": "2026-01-01", "results": map[string]any{"total": len(results)}},
			"results": results,
		})
	})

	r := NewManufacturerResolver(client, nil)
	groups, err := r.Resolve(context.Background(), "3M")
	require.NoError(t, err)
	require.Len(t, groups.Manufacturers, 2)

	top := groups.Manufacturers[0]
	assert.Equal(t, "3M Company", top.CanonicalName)
	assert.ElementsMatch(t, []string{"3M CO", "3M Co."}, top.FDAVariants)
	assert.Equal(t, 4, top.DeviceCount)
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"3M Company", "3m"},
		{"3M CO", "3m"},
		{"Medline Industries, Inc.", "medline industries"},
		{"Acme Medical GmbH", "acme medical"},
		{"Co", "co"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, canonicalKey(tt.in), tt.in)
	}
}

func TestLocationResolverClassify(t *testing.T) {
	r := NewLocationResolver(nil, map[string][]string{
		"europe": {"DE", "FR", "IT"},
		"apac":   {"CN", "JP", "KR"},
	}, nil)

	cls, ok := r.classify("Europe")
	require.True(t, ok)
	assert.Equal(t, []string{"DE", "FR", "IT"}, cls.countries)

	cls, ok = r.classify("China")
	require.True(t, ok)
	assert.Equal(t, []string{"CN"}, cls.countries)

	cls, ok = r.classify("California")
	require.True(t, ok)
	assert.Equal(t, []string{"US"}, cls.countries)
	assert.Equal(t, "CA", cls.state)

	_, ok = r.classify("Narnia")
	assert.False(t, ok)
}

func TestLocationResolverProbes(t *testing.T) {
	client := fdaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		field := r.URL.Query().Get("count")
		var results []map[string]any
		if field == countFieldFirm {
			results = []map[string]any{
				{"term": "SHENZHEN MEDICAL", "count": 30},
				{"term": "BEIJING DEVICES", "count": 12},
			}
		} else {
			results = []map[string]any{
				{"term": "Surgical Mask", "count": 25},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"meta":    map[string]any{"last_updated": "2026-01-01"},
			"results": results,
		})
	})

	r := NewLocationResolver(client, map[string][]string{}, nil)
	loc, err := r.Resolve(context.Background(), "China", "")
	require.NoError(t, err)
	require.Len(t, loc.Countries, 1)
	assert.Equal(t, "CN", loc.Countries[0].Code)
	assert.Equal(t, "China", loc.Countries[0].Name)
	assert.Equal(t, 42, loc.Countries[0].Count)
	assert.Equal(t, []string{"SHENZHEN MEDICAL", "BEIJING DEVICES"}, loc.TopCompanies)
	assert.Equal(t, []string{"Surgical Mask"}, loc.TopDeviceTypes)
}
