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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/catalog"
)

const gudidSample = `PrimaryDI|brandName|companyName|deviceDescription|productCode|gmdnPTName
00810000001|AcmeFlow|Acme Medical|Volumetric infusion pump|FRN|Infusion pump
00810000002|PaceRight|Pulse Devices|Implantable pacemaker|DXY|Cardiac pacemaker
`

func TestIngestGUDID(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	defer cat.Close()

	n, err := ingestGUDID(context.Background(), cat, strings.NewReader(gudidSample), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := cat.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	devices, err := cat.ExactBrand(context.Background(), "acmeflow")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "FRN", devices[0].ProductCode)
	assert.Equal(t, "Acme Medical", devices[0].CompanyName)
}

func TestIngestGUDIDRequiresBrandColumn(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	defer cat.Close()

	_, err = ingestGUDID(context.Background(), cat, strings.NewReader("a|b|c\n1|2|3\n"), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brandName")
}
