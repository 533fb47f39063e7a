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

// Package resolver maps free-text device, manufacturer, and location
// terms to the structured identifiers the endpoint tools filter on.
package resolver

// ManufacturerCount is a manufacturer with its record count.
type ManufacturerCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ResolvedEntities is the device resolver output: the product codes
// and top manufacturers behind a free-text device term.
type ResolvedEntities struct {
	Query            string              `json:"query"`
	ProductCodes     []string            `json:"product_codes"`
	TopManufacturers []ManufacturerCount `json:"top_manufacturers"`
	MatchCount       int                 `json:"match_count"`
	Confidence       float64             `json:"confidence"`
}

// StructuredKind identifies the payload inside ToolResult.Structured.
func (ResolvedEntities) StructuredKind() string { return "resolved_devices" }

// Manufacturer groups the FDA's surface forms of one firm under its
// most frequent variant.
type Manufacturer struct {
	CanonicalName string   `json:"canonical_name"`
	FDAVariants   []string `json:"fda_variants"`
	DeviceCount   int      `json:"device_count"`
}

// ManufacturerGroups is the manufacturer resolver output.
type ManufacturerGroups struct {
	Query         string         `json:"query"`
	Manufacturers []Manufacturer `json:"manufacturers"`
}

func (ManufacturerGroups) StructuredKind() string { return "resolved_manufacturers" }

// CountryCount is one country's manufacturer count.
type CountryCount struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LocationContext is the location resolver output.
type LocationContext struct {
	NormalizedRegion string         `json:"normalized_region"`
	Countries        []CountryCount `json:"countries"`
	TopCompanies     []string       `json:"top_companies"`
	TopDeviceTypes   []string       `json:"top_device_types"`
}

func (LocationContext) StructuredKind() string { return "resolved_location" }

// Context is the shared resolver state of a session. Fields are
// enriched by merge across turns; search tools consume them through
// the planner.
type Context struct {
	Devices       *ResolvedEntities `json:"devices,omitempty"`
	Manufacturers []Manufacturer    `json:"manufacturers,omitempty"`
	Location      *LocationContext  `json:"location,omitempty"`
}

// Merge folds other into c field-wise: a populated field in other
// replaces the same field in c, absent fields are left untouched.
func (c *Context) Merge(other *Context) {
	if other == nil {
		return
	}
	if other.Devices != nil {
		c.Devices = other.Devices
	}
	if len(other.Manufacturers) > 0 {
		c.Manufacturers = other.Manufacturers
	}
	if other.Location != nil {
		c.Location = other.Location
	}
}

// ResetField clears one field by name ("devices", "manufacturers",
// "location"). Unknown names are ignored.
func (c *Context) ResetField(name string) {
	switch name {
	case "devices":
		c.Devices = nil
	case "manufacturers":
		c.Manufacturers = nil
	case "location":
		c.Location = nil
	}
}

// Empty reports whether no resolver has populated the context.
func (c *Context) Empty() bool {
	return c.Devices == nil && len(c.Manufacturers) == 0 && c.Location == nil
}
