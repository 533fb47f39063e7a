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

	"github.com/medwatch-ai/fdagent/pkg/resolver"
)

// ResolveArgs is the single free-text term a resolver tool accepts.
type ResolveArgs struct {
	Term       string `json:"term" jsonschema:"required,description=Free-text name to resolve"`
	DeviceTerm string `json:"device_term,omitempty" jsonschema:"description=Optional device type restricting a location probe"`
}

type resolveDeviceTool struct {
	resolver *resolver.DeviceResolver
}

// NewResolveDeviceTool maps free-text device terms to product codes
// through the local catalog. The structured payload carries the codes
// and a match confidence; the dispatcher merges it into session state.
func NewResolveDeviceTool(r *resolver.DeviceResolver) Tool {
	return &resolveDeviceTool{resolver: r}
}

func (t *resolveDeviceTool) Name() string { return "resolve_device" }

func (t *resolveDeviceTool) Description() string {
	return "Resolve a device name or brand to FDA product codes and top manufacturers before querying the datasets."
}

func (t *resolveDeviceTool) Parameters() map[string]any { return argsSchema[ResolveArgs]() }

func (t *resolveDeviceTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a ResolveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Term == "" {
		return nil, fmt.Errorf("resolve_device needs a term")
	}
	entities, err := t.resolver.Resolve(ctx, a.Term)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: entities}, nil
}

type resolveManufacturerTool struct {
	resolver *resolver.ManufacturerResolver
}

// NewResolveManufacturerTool groups FDA name variants of a firm into
// canonical clusters.
func NewResolveManufacturerTool(r *resolver.ManufacturerResolver) Tool {
	return &resolveManufacturerTool{resolver: r}
}

func (t *resolveManufacturerTool) Name() string { return "resolve_manufacturer" }

func (t *resolveManufacturerTool) Description() string {
	return "Resolve a manufacturer name to its canonical form and the name variants the FDA records use."
}

func (t *resolveManufacturerTool) Parameters() map[string]any { return argsSchema[ResolveArgs]() }

func (t *resolveManufacturerTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a ResolveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Term == "" {
		return nil, fmt.Errorf("resolve_manufacturer needs a term")
	}
	groups, err := t.resolver.Resolve(ctx, a.Term)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: groups}, nil
}

type resolveLocationTool struct {
	resolver *resolver.LocationResolver
}

// NewResolveLocationTool classifies a location term and probes the
// registration dataset for per-country manufacturer counts.
func NewResolveLocationTool(r *resolver.LocationResolver) Tool {
	return &resolveLocationTool{resolver: r}
}

func (t *resolveLocationTool) Name() string { return "resolve_location" }

func (t *resolveLocationTool) Description() string {
	return "Resolve a country, region, or US state to registered-manufacturer counts, optionally restricted to a device type."
}

func (t *resolveLocationTool) Parameters() map[string]any { return argsSchema[ResolveArgs]() }

func (t *resolveLocationTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a ResolveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Term == "" {
		return nil, fmt.Errorf("resolve_location needs a term")
	}
	loc, err := t.resolver.Resolve(ctx, a.Term, a.DeviceTerm)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: loc}, nil
}

// RegisterResolverTools adds the three resolver tools to the registry.
// Any resolver may be nil when its backing store is not configured;
// nil resolvers are skipped.
func RegisterResolverTools(registry *Registry, device *resolver.DeviceResolver, firm *resolver.ManufacturerResolver, location *resolver.LocationResolver) error {
	if device != nil {
		if err := registry.Register(NewResolveDeviceTool(device)); err != nil {
			return err
		}
	}
	if firm != nil {
		if err := registry.Register(NewResolveManufacturerTool(firm)); err != nil {
			return err
		}
	}
	if location != nil {
		if err := registry.Register(NewResolveLocationTool(location)); err != nil {
			return err
		}
	}
	return nil
}
