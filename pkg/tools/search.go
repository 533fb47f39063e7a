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

package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/medwatch-ai/fdagent/pkg/openfda"
	"github.com/medwatch-ai/fdagent/pkg/params"
)

// SearchArgs is the argument surface shared by the endpoint tools;
// each tool reads its accepted subset and ignores the rest.
type SearchArgs struct {
	DeviceClass      int    `json:"device_class,omitempty" jsonschema:"description=Device class 1-3,enum=1|2|3"`
	RecallClass      string `json:"recall_class,omitempty" jsonschema:"description=Recall classification,enum=Class I|Class II|Class III"`
	ProductCode      string `json:"product_code,omitempty" jsonschema:"description=FDA product code (3 uppercase letters)"`
	KNumber          string `json:"k_number,omitempty" jsonschema:"description=510(k) number"`
	PMANumber        string `json:"pma_number,omitempty" jsonschema:"description=PMA number"`
	FirmName         string `json:"firm_name,omitempty" jsonschema:"description=Manufacturer or firm name"`
	Applicant        string `json:"applicant,omitempty" jsonschema:"description=Applicant name"`
	DeviceName       string `json:"device_name,omitempty" jsonschema:"description=Device type or brand name"`
	RegulationNumber string `json:"regulation_number,omitempty" jsonschema:"description=CFR regulation number (ddd.dddd)"`
	Country          string `json:"country,omitempty" jsonschema:"description=Country name or ISO code"`
	State            string `json:"state,omitempty" jsonschema:"description=US state name or code"`
	FEINumber        string `json:"fei_number,omitempty" jsonschema:"description=FDA establishment identifier"`
	UDI              string `json:"udi,omitempty" jsonschema:"description=Unique device identifier"`
	EventType        string `json:"event_type,omitempty" jsonschema:"description=Adverse event type"`
	DateStart        string `json:"date_start,omitempty" jsonschema:"description=Range start as YYYYMMDD"`
	DateEnd          string `json:"date_end,omitempty" jsonschema:"description=Range end as YYYYMMDD"`
	Limit            int    `json:"limit,omitempty" jsonschema:"description=Max records,maximum=1000"`
	Skip             int    `json:"skip,omitempty" jsonschema:"description=Records to skip"`
}

var (
	looksLikeProductCode = regexp.MustCompile(`^[A-Z]{3}$`)
	looksLikeRegulation  = regexp.MustCompile(`^\d{3}\.\d{4}$`)
	looksLikeKNumber     = regexp.MustCompile(`^K\d{6}$`)
	looksLikePMANumber   = regexp.MustCompile(`^P\d{6}$`)
)

// exprBuilder renders the accepted argument subset into a filter
// expression, enforcing the endpoint's policies.
type exprBuilder func(a SearchArgs) (*openfda.Expr, error)

// exprBuilders maps each dataset to its policy. The paginate tool
// routes through the same builders so field mappings never diverge
// between single-page and multi-page searches.
var exprBuilders = map[openfda.Endpoint]exprBuilder{
	openfda.EndpointClassification: buildClassifications,
	openfda.Endpoint510K:           build510K,
	openfda.EndpointPMA:            buildPMA,
	openfda.EndpointEnforcement:    buildRecalls,
	openfda.EndpointEvent:          buildEvents,
	openfda.EndpointUDI:            buildUDI,
	openfda.EndpointRegistration:   buildRegistrations,
}

// buildClassifications auto-detects the device_name argument: a bare
// product code or a CFR regulation number routes to the matching field.
func buildClassifications(a SearchArgs) (*openfda.Expr, error) {
	expr := &openfda.Expr{}
	switch {
	case a.ProductCode != "":
		expr.Term("product_code", a.ProductCode)
	case looksLikeProductCode.MatchString(a.DeviceName):
		expr.Term("product_code", a.DeviceName)
	case looksLikeRegulation.MatchString(a.DeviceName):
		expr.Term("regulation_number", a.DeviceName)
	default:
		expr.Term("device_name", a.DeviceName)
	}
	if a.RegulationNumber != "" {
		expr.Term("regulation_number", a.RegulationNumber)
	}
	if a.DeviceClass != 0 {
		expr.Term("device_class", fmt.Sprint(a.DeviceClass))
	}
	return expr, nil
}

func build510K(a SearchArgs) (*openfda.Expr, error) {
	expr := &openfda.Expr{}
	switch {
	case a.KNumber != "":
		expr.Term("k_number", a.KNumber)
	case looksLikeKNumber.MatchString(a.DeviceName):
		expr.Term("k_number", a.DeviceName)
	default:
		expr.Term("device_name", a.DeviceName)
	}
	expr.Term("applicant", a.Applicant)
	expr.Term("product_code", a.ProductCode)
	expr.Range("decision_date", a.DateStart, a.DateEnd)
	return expr, nil
}

func buildPMA(a SearchArgs) (*openfda.Expr, error) {
	expr := &openfda.Expr{}
	switch {
	case a.PMANumber != "":
		expr.Term("pma_number", a.PMANumber)
	case looksLikePMANumber.MatchString(a.DeviceName):
		expr.Term("pma_number", a.DeviceName)
	default:
		expr.Term("trade_name", a.DeviceName)
	}
	expr.Term("applicant", a.Applicant)
	expr.Term("product_code", a.ProductCode)
	expr.Range("decision_date", a.DateStart, a.DateEnd)
	return expr, nil
}

// buildRecalls enforces the enforcement dataset's quirks: there is no
// product-code field, so a product_code argument is rejected outright
// rather than silently dropped, and country filters use full English
// names.
func buildRecalls(a SearchArgs) (*openfda.Expr, error) {
	if a.ProductCode != "" {
		return nil, fmt.Errorf("the enforcement dataset has no product-code field; search by device description instead")
	}
	expr := &openfda.Expr{}
	expr.Term("recalling_firm", a.FirmName)
	expr.Term("product_description", a.DeviceName)
	expr.Term("classification", a.RecallClass)
	if a.Country != "" {
		name, ok := params.CountryName(a.Country)
		if !ok {
			name = a.Country
		}
		expr.Term("country", name)
	}
	expr.Range("recall_initiation_date", a.DateStart, a.DateEnd)
	return expr, nil
}

// buildEvents requires at least one narrowing filter because MAUDE is
// too large for unqualified queries. Country filters use ISO codes.
func buildEvents(a SearchArgs) (*openfda.Expr, error) {
	if a.DeviceName == "" && a.ProductCode == "" && a.Country == "" && a.FirmName == "" {
		return nil, fmt.Errorf("adverse event search needs at least one of device_name, product_code, country, or firm_name")
	}
	expr := &openfda.Expr{}
	expr.Term("device.generic_name", a.DeviceName)
	expr.Term("device.manufacturer_d_name", a.FirmName)
	expr.Term("device.device_report_product_code", a.ProductCode)
	if a.Country != "" {
		code, ok := params.CountryISO(a.Country)
		if !ok {
			code = a.Country
		}
		expr.Term("device.manufacturer_d_country", code)
	}
	expr.Term("event_type", a.EventType)
	expr.Range("date_received", a.DateStart, a.DateEnd)
	return expr, nil
}

func buildUDI(a SearchArgs) (*openfda.Expr, error) {
	expr := &openfda.Expr{}
	expr.Term("brand_name", a.DeviceName)
	expr.Term("company_name", a.FirmName)
	expr.Term("identifiers.id", a.UDI)
	return expr, nil
}

// buildRegistrations maps firm and device filters onto the nested
// registration schema. Country filters use ISO codes.
func buildRegistrations(a SearchArgs) (*openfda.Expr, error) {
	expr := &openfda.Expr{}
	expr.Term("registration.name", a.FirmName)
	expr.Term("products.openfda.device_name", a.DeviceName)
	expr.Term("products.product_code", a.ProductCode)
	if a.Country != "" {
		code, ok := params.CountryISO(a.Country)
		if !ok {
			code = a.Country
		}
		expr.Term("registration.iso_country_code", code)
	}
	if a.State != "" {
		if code, ok := params.IsUSState(a.State); ok {
			expr.Term("registration.state_code", code)
		} else {
			expr.Term("registration.state_code", a.State)
		}
	}
	expr.Term("registration.fei_number", a.FEINumber)
	return expr, nil
}

// searchTool is one dataset search surface.
type searchTool struct {
	name        string
	description string
	endpoint    openfda.Endpoint
	client      *openfda.Client
	build       exprBuilder
}

func (t *searchTool) Name() string               { return t.name }
func (t *searchTool) Description() string        { return t.description }
func (t *searchTool) Parameters() map[string]any { return argsSchema[SearchArgs]() }

func (t *searchTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a SearchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	expr, err := t.build(a)
	if err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > openfda.MaxLimit {
		limit = openfda.MaxLimit
	}
	resp, err := t.client.Search(ctx, t.endpoint, expr.String(), limit, a.Skip)
	if err != nil {
		return nil, err
	}
	return &Result{
		Endpoint:        string(t.endpoint),
		QueryExpression: expr.String(),
		Meta:            resp.Meta,
		Results:         resp.Results,
	}, nil
}

// NewClassificationsTool searches the device classification dataset.
func NewClassificationsTool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_classifications",
		description: "Search FDA device classifications by product code, device class, device name, or regulation number.",
		endpoint:    openfda.EndpointClassification,
		client:      client,
		build:       buildClassifications,
	}
}

// New510KTool searches 510(k) premarket notification clearances.
func New510KTool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_510k",
		description: "Search 510(k) premarket notification clearances by K-number, applicant, device name, or product code.",
		endpoint:    openfda.Endpoint510K,
		client:      client,
		build:       build510K,
	}
}

// NewPMATool searches premarket approvals.
func NewPMATool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_pma",
		description: "Search PMA premarket approvals by P-number, applicant, device name, or product code.",
		endpoint:    openfda.EndpointPMA,
		client:      client,
		build:       buildPMA,
	}
}

// NewRecallsTool searches the enforcement dataset.
func NewRecallsTool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_recalls",
		description: "Search device recalls by firm, device description, recall class, country, or date range.",
		endpoint:    openfda.EndpointEnforcement,
		client:      client,
		build:       buildRecalls,
	}
}

// NewEventsTool searches MAUDE adverse event reports.
func NewEventsTool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_events",
		description: "Search MAUDE adverse event reports by device, firm, product code, country, or event type.",
		endpoint:    openfda.EndpointEvent,
		client:      client,
		build:       buildEvents,
	}
}

// NewUDITool searches the GUDID unique device identification dataset.
func NewUDITool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_udi",
		description: "Search unique device identification records by brand, company, or identifier.",
		endpoint:    openfda.EndpointUDI,
		client:      client,
		build:       buildUDI,
	}
}

// NewRegistrationsTool searches registered establishments and their
// device listings.
func NewRegistrationsTool(client *openfda.Client) Tool {
	return &searchTool{
		name:        "search_registrations",
		description: "Search registered establishments and device listings by firm, device, product code, country, state, or FEI number.",
		endpoint:    openfda.EndpointRegistration,
		client:      client,
		build:       buildRegistrations,
	}
}

// RegisterSearchTools adds the seven dataset tools to the registry.
func RegisterSearchTools(registry *Registry, client *openfda.Client) error {
	for _, t := range []Tool{
		NewClassificationsTool(client),
		New510KTool(client),
		NewPMATool(client),
		NewRecallsTool(client),
		NewEventsTool(client),
		NewUDITool(client),
		NewRegistrationsTool(client),
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
