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

// Package catalog stores a local snapshot of the GUDID device registry
// in SQLite with a full-text index over brand, company, and
// description. All queries are parameterized; user input never reaches
// the SQL text.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Device is one catalog record.
type Device struct {
	ID          int64
	BrandName   string
	CompanyName string
	Description string
	ProductCode string
	GMDNTerm    string
	Identifier  string
}

// ScoredDevice pairs a record with a relevance score in [0,1].
type ScoredDevice struct {
	Device
	Score float64
}

// Catalog wraps the SQLite store.
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	brand_name TEXT NOT NULL DEFAULT '',
	company_name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	product_code TEXT NOT NULL DEFAULT '',
	gmdn_term TEXT NOT NULL DEFAULT '',
	identifier TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_devices_product_code ON devices(product_code);
CREATE INDEX IF NOT EXISTS idx_devices_identifier ON devices(identifier);
CREATE INDEX IF NOT EXISTS idx_devices_brand_lower ON devices(lower(brand_name));
CREATE VIRTUAL TABLE IF NOT EXISTS devices_fts USING fts4(
	brand_name, company_name, description,
	content="devices"
);
`

// Open opens (creating if necessary) the catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Count returns the number of catalog records.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n)
	return n, err
}

// InsertBatch loads records transactionally, keeping the FTS index in
// sync. Used by the offline indexer.
func (c *Catalog) InsertBatch(ctx context.Context, devices []Device) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices (brand_name, company_name, description, product_code, gmdn_term, identifier)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ftsStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices_fts (docid, brand_name, company_name, description)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer ftsStmt.Close()

	for _, d := range devices {
		res, err := stmt.ExecContext(ctx, d.BrandName, d.CompanyName, d.Description, d.ProductCode, d.GMDNTerm, d.Identifier)
		if err != nil {
			return fmt.Errorf("failed to insert device %q: %w", d.BrandName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := ftsStmt.ExecContext(ctx, id, d.BrandName, d.CompanyName, d.Description); err != nil {
			return fmt.Errorf("failed to index device %q: %w", d.BrandName, err)
		}
	}
	return tx.Commit()
}

// ExactBrand returns records whose brand name equals term
// case-insensitively.
func (c *Catalog) ExactBrand(ctx context.Context, term string) ([]Device, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, brand_name, company_name, description, product_code, gmdn_term, identifier
		FROM devices WHERE lower(brand_name) = lower(?)`, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ByProductCode returns records carrying the given FDA product code.
func (c *Catalog) ByProductCode(ctx context.Context, code string) ([]Device, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, brand_name, company_name, description, product_code, gmdn_term, identifier
		FROM devices WHERE product_code = ?`, strings.ToUpper(code))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// FullText runs the FTS index over brand, company, and description and
// scores matches by term coverage, brand hits weighted highest.
func (c *Catalog) FullText(ctx context.Context, term string, limit int) ([]ScoredDevice, error) {
	query := ftsQuery(term)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT d.id, d.brand_name, d.company_name, d.description, d.product_code, d.gmdn_term, d.identifier
		FROM devices_fts f
		JOIN devices d ON d.id = f.docid
		WHERE devices_fts MATCH ?
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(term)
	out := make([]ScoredDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, ScoredDevice{Device: d, Score: coverageScore(d, terms)})
	}
	sortScored(out)
	return out, nil
}

// FuzzyBrand returns distinct-brand records within the given edit
// distance of term. Candidate brands are length-bounded in SQL before
// the distance computation runs in process.
func (c *Catalog) FuzzyBrand(ctx context.Context, term string, maxDistance int) ([]ScoredDevice, error) {
	n := len(term)
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, brand_name, company_name, description, product_code, gmdn_term, identifier
		FROM devices WHERE length(brand_name) BETWEEN ? AND ?`,
		n-maxDistance, n+maxDistance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(term)
	var out []ScoredDevice
	seen := make(map[string]bool)
	for _, d := range devices {
		brand := strings.ToLower(d.BrandName)
		if seen[brand] {
			continue
		}
		dist := editDistance(lower, brand, maxDistance)
		if dist < 0 {
			continue
		}
		seen[brand] = true
		// Distance 0 would have matched the exact stage; score the
		// band [0.4, 0.6] by closeness.
		score := 0.6 - 0.2*float64(dist-1)
		if score > 0.6 {
			score = 0.6
		}
		if score < 0.4 {
			score = 0.4
		}
		out = append(out, ScoredDevice{Device: d, Score: score})
	}
	sortScored(out)
	return out, nil
}

func scanDevices(rows *sql.Rows) ([]Device, error) {
	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.BrandName, &d.CompanyName, &d.Description, &d.ProductCode, &d.GMDNTerm, &d.Identifier); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ftsQuery renders an OR query of sanitized terms. MATCH syntax is not
// parameterizable beyond the expression itself, so anything that is not
// alphanumeric is stripped.
func ftsQuery(term string) string {
	terms := queryTerms(term)
	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " OR ")
}

func queryTerms(term string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(term)) {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return out
}

// coverageScore maps term coverage into [0.6, 0.95]: the fraction of
// query terms found, with brand-field hits weighted double.
func coverageScore(d Device, terms []string) float64 {
	if len(terms) == 0 {
		return 0.6
	}
	brand := strings.ToLower(d.BrandName)
	rest := strings.ToLower(d.CompanyName + " " + d.Description)
	var got, max float64
	for _, t := range terms {
		max += 2
		if strings.Contains(brand, t) {
			got += 2
		} else if strings.Contains(rest, t) {
			got += 1
		}
	}
	return 0.6 + 0.35*(got/max)
}

func sortScored(devices []ScoredDevice) {
	for i := 1; i < len(devices); i++ {
		for j := i; j > 0 && devices[j].Score > devices[j-1].Score; j-- {
			devices[j], devices[j-1] = devices[j-1], devices[j]
		}
	}
}

// editDistance returns the Levenshtein distance between a and b, or -1
// when it exceeds max.
func editDistance(a, b string, max int) int {
	if abs(len(a)-len(b)) > max {
		return -1
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		best := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < best {
				best = curr[j]
			}
		}
		if best > max {
			return -1
		}
		prev, curr = curr, prev
	}
	if prev[len(b)] > max {
		return -1
	}
	return prev[len(b)]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
