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

package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	err = c.InsertBatch(context.Background(), []Device{
		{BrandName: "AcmeGuard Pro", CompanyName: "Acme Medical", Description: "surgical face mask with ear loops", ProductCode: "FXX", GMDNTerm: "Surgical mask", Identifier: "00812345000011"},
		{BrandName: "BreathSafe", CompanyName: "SafeAir Inc", Description: "N95 respirator mask", ProductCode: "MSH", GMDNTerm: "Respirator", Identifier: "00812345000028"},
		{BrandName: "CardioPace X", CompanyName: "PulseMed", Description: "implantable cardiac pacemaker", ProductCode: "DXY", GMDNTerm: "Pacemaker", Identifier: "00812345000035"},
	})
	require.NoError(t, err)
	return c
}

func TestExactBrand(t *testing.T) {
	c := testCatalog(t)

	devices, err := c.ExactBrand(context.Background(), "breathsafe")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "MSH", devices[0].ProductCode)

	devices, err = c.ExactBrand(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestByProductCode(t *testing.T) {
	c := testCatalog(t)

	devices, err := c.ByProductCode(context.Background(), "FXX")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "AcmeGuard Pro", devices[0].BrandName)
}

func TestFullText(t *testing.T) {
	c := testCatalog(t)

	scored, err := c.FullText(context.Background(), "surgical mask", 10)
	require.NoError(t, err)
	require.NotEmpty(t, scored)
	// The surgical mask record covers both terms and ranks first.
	assert.Equal(t, "FXX", scored[0].ProductCode)
	for _, s := range scored {
		assert.GreaterOrEqual(t, s.Score, 0.6)
		assert.LessOrEqual(t, s.Score, 0.95)
	}
}

func TestFuzzyBrand(t *testing.T) {
	c := testCatalog(t)

	scored, err := c.FuzzyBrand(context.Background(), "BreathSaf", 2)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "BreathSafe", scored[0].BrandName)
	assert.GreaterOrEqual(t, scored[0].Score, 0.4)
	assert.LessOrEqual(t, scored[0].Score, 0.6)

	scored, err = c.FuzzyBrand(context.Background(), "Zzzzzzzzz", 2)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		max  int
		want int
	}{
		{"mask", "mask", 2, 0},
		{"mask", "masc", 2, 1},
		{"mask", "msk", 2, 1},
		{"mask", "basket", 2, -1},
		{"", "ab", 2, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b, tt.max), "%s vs %s", tt.a, tt.b)
	}
}
