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

package params

import (
	"strings"
	"time"
)

// dateLayouts are tried in order; the first successful parse wins.
var dateLayouts = []string{
	"20060102",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2006",
	"Jan 2006",
	"2006-01",
	"2006",
}

// NormalizeDate parses a flexibly formatted date into YYYYMMDD. Layouts
// without a day resolve to the first of the period.
func NormalizeDate(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, input); err == nil {
			return t.Format("20060102"), true
		}
	}
	return "", false
}

// countryToISO maps lowercased English country names to ISO 3166-1
// alpha-2 codes, covering the countries that appear in device
// registration and adverse-event data.
var countryToISO = map[string]string{
	"united states":  "US",
	"usa":            "US",
	"china":          "CN",
	"germany":        "DE",
	"japan":          "JP",
	"united kingdom": "GB",
	"uk":             "GB",
	"france":         "FR",
	"italy":          "IT",
	"spain":          "ES",
	"netherlands":    "NL",
	"belgium":        "BE",
	"switzerland":    "CH",
	"austria":        "AT",
	"sweden":         "SE",
	"norway":         "NO",
	"denmark":        "DK",
	"finland":        "FI",
	"ireland":        "IE",
	"poland":         "PL",
	"portugal":       "PT",
	"greece":         "GR",
	"czech republic": "CZ",
	"czechia":        "CZ",
	"hungary":        "HU",
	"romania":        "RO",
	"turkey":         "TR",
	"israel":         "IL",
	"india":          "IN",
	"south korea":    "KR",
	"korea":          "KR",
	"taiwan":         "TW",
	"singapore":      "SG",
	"malaysia":       "MY",
	"thailand":       "TH",
	"vietnam":        "VN",
	"indonesia":      "ID",
	"philippines":    "PH",
	"australia":      "AU",
	"new zealand":    "NZ",
	"canada":         "CA",
	"mexico":         "MX",
	"brazil":         "BR",
	"argentina":      "AR",
	"chile":          "CL",
	"colombia":       "CO",
	"costa rica":     "CR",
	"dominican republic":   "DO",
	"puerto rico":          "PR",
	"south africa":         "ZA",
	"egypt":                "EG",
	"saudi arabia":         "SA",
	"united arab emirates": "AE",
	"pakistan":             "PK",
	"russia":               "RU",
	"hong kong":            "HK",
	"estonia":              "EE",
	"latvia":               "LV",
	"lithuania":            "LT",
	"slovakia":             "SK",
	"slovenia":             "SI",
	"bulgaria":             "BG",
	"croatia":              "HR",
	"luxembourg":           "LU",
	"iceland":              "IS",
	"malta":                "MT",
	"cyprus":               "CY",
}

// isoToCountry is the reverse of countryToISO with display-cased names.
var isoToCountry = map[string]string{}

func init() {
	// Prefer the longest name for each code so "USA" maps back to
	// "United States" rather than the short alias.
	for name, code := range countryToISO {
		if existing, ok := isoToCountry[code]; ok && len(existing) >= len(name) {
			continue
		}
		isoToCountry[code] = titleCase(name)
	}
}

func titleCase(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		if w == "of" || w == "and" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// CountryISO normalizes a country name or code to its ISO alpha-2 code.
func CountryISO(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	upper := strings.ToUpper(input)
	if len(upper) == 2 {
		if _, ok := isoToCountry[upper]; ok {
			return upper, true
		}
	}
	if code, ok := countryToISO[strings.ToLower(input)]; ok {
		return code, true
	}
	return "", false
}

// CountryName normalizes a country name or code to the full English
// name expected by the enforcement dataset.
func CountryName(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	upper := strings.ToUpper(input)
	if len(upper) == 2 {
		if name, ok := isoToCountry[upper]; ok {
			return name, true
		}
	}
	if code, ok := countryToISO[strings.ToLower(input)]; ok {
		return isoToCountry[code], true
	}
	return "", false
}

// IsUSState reports whether the input names a US state, returning the
// 2-letter postal code.
func IsUSState(input string) (string, bool) {
	input = strings.TrimSpace(input)
	upper := strings.ToUpper(input)
	if len(upper) == 2 {
		if _, ok := stateToName[upper]; ok {
			return upper, true
		}
	}
	if code, ok := stateNameToCode[strings.ToLower(input)]; ok {
		return code, true
	}
	return "", false
}

var stateToName = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas",
	"CA": "California", "CO": "Colorado", "CT": "Connecticut", "DE": "Delaware",
	"FL": "Florida", "GA": "Georgia", "HI": "Hawaii", "ID": "Idaho",
	"IL": "Illinois", "IN": "Indiana", "IA": "Iowa", "KS": "Kansas",
	"KY": "Kentucky", "LA": "Louisiana", "ME": "Maine", "MD": "Maryland",
	"MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota", "MS": "Mississippi",
	"MO": "Missouri", "MT": "Montana", "NE": "Nebraska", "NV": "Nevada",
	"NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico", "NY": "New York",
	"NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio", "OK": "Oklahoma",
	"OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina",
	"SD": "South Dakota", "TN": "Tennessee", "TX": "Texas", "UT": "Utah",
	"VT": "Vermont", "VA": "Virginia", "WA": "Washington", "WV": "West Virginia",
	"WI": "Wisconsin", "WY": "Wyoming", "DC": "District of Columbia",
}

var stateNameToCode = map[string]string{}

func init() {
	for code, name := range stateToName {
		stateNameToCode[strings.ToLower(name)] = code
	}
}
