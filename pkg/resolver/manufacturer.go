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

	"github.com/medwatch-ai/fdagent/pkg/openfda"
)

const manufacturerFetchLimit = 100

// ManufacturerResolver groups registration-listing firm records into
// canonical-name clusters. The FDA stores the same firm under many
// surface forms ("3M Company", "3M CO", "3M Co."); the most frequent
// variant becomes the canonical name.
type ManufacturerResolver struct {
	client *openfda.Client
	logger *slog.Logger
}

// NewManufacturerResolver builds a resolver over the shared transport.
func NewManufacturerResolver(client *openfda.Client, logger *slog.Logger) *ManufacturerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManufacturerResolver{client: client, logger: logger}
}

// Resolve queries registration listings for the firm term and returns
// canonical groupings ordered by record count.
func (r *ManufacturerResolver) Resolve(ctx context.Context, term string) (*ManufacturerGroups, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return &ManufacturerGroups{Query: term}, nil
	}

	expr := (&openfda.Expr{}).Term("registration.name", term)
	resp, err := r.client.Search(ctx, openfda.EndpointRegistration, expr.String(), manufacturerFetchLimit, 0)
	if err != nil {
		return nil, err
	}

	variants := make(map[string]map[string]int)
	for _, rec := range resp.Results {
		name := firmName(rec)
		if name == "" {
			continue
		}
		key := canonicalKey(name)
		if variants[key] == nil {
			variants[key] = make(map[string]int)
		}
		variants[key][name]++
	}

	out := &ManufacturerGroups{Query: term}
	for _, forms := range variants {
		out.Manufacturers = append(out.Manufacturers, groupVariants(forms))
	}
	sort.Slice(out.Manufacturers, func(i, j int) bool {
		if out.Manufacturers[i].DeviceCount != out.Manufacturers[j].DeviceCount {
			return out.Manufacturers[i].DeviceCount > out.Manufacturers[j].DeviceCount
		}
		return out.Manufacturers[i].CanonicalName < out.Manufacturers[j].CanonicalName
	})
	return out, nil
}

// firmName digs the registered firm name out of a registration-listing
// record.
func firmName(rec map[string]any) string {
	if reg, ok := rec["registration"].(map[string]any); ok {
		if name, ok := reg["name"].(string); ok && name != "" {
			return name
		}
	}
	if name, ok := rec["company_name"].(string); ok {
		return name
	}
	return ""
}

var firmSuffixes = []string{
	"incorporated", "inc", "corporation", "corp", "company", "co",
	"limited", "ltd", "llc", "gmbh", "sa", "ag", "bv", "plc",
}

// canonicalKey collapses a firm name's surface form: lowercase, strip
// punctuation, drop trailing legal suffixes.
func canonicalKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	for len(words) > 1 {
		last := words[len(words)-1]
		stripped := false
		for _, suffix := range firmSuffixes {
			if last == suffix {
				words = words[:len(words)-1]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(words, " ")
}

func groupVariants(forms map[string]int) Manufacturer {
	var canonical string
	var best, total int
	var all []string
	for form, count := range forms {
		total += count
		all = append(all, form)
		if count > best || (count == best && form < canonical) {
			canonical = form
			best = count
		}
	}
	sort.Strings(all)
	var variants []string
	for _, form := range all {
		if form != canonical {
			variants = append(variants, form)
		}
	}
	return Manufacturer{
		CanonicalName: canonical,
		FDAVariants:   variants,
		DeviceCount:   total,
	}
}
