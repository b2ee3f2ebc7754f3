// Package tools turns OpenAPI-described target systems into LLM tool
// definitions and executes authorized tool calls against them.
package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is a parsed OpenAPI document, reduced to what tool conversion needs.
type Spec struct {
	Paths map[string]map[string]Operation `json:"paths" yaml:"paths"`
}

// Operation is one OpenAPI operation.
type Operation struct {
	OperationID string      `json:"operationId" yaml:"operationId"`
	Description string      `json:"description" yaml:"description"`
	Summary     string      `json:"summary" yaml:"summary"`
	Parameters  []Parameter `json:"parameters" yaml:"parameters"`
}

// Parameter is one OpenAPI operation parameter.
type Parameter struct {
	Name        string          `json:"name" yaml:"name"`
	In          string          `json:"in" yaml:"in"`
	Description string          `json:"description" yaml:"description"`
	Required    bool            `json:"required" yaml:"required"`
	Schema      ParameterSchema `json:"schema" yaml:"schema"`
}

// ParameterSchema is the JSON-schema fragment of one parameter.
type ParameterSchema struct {
	Type  string           `json:"type" yaml:"type"`
	Items *ParameterSchema `json:"items" yaml:"items"`
}

var specMethods = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true, "patch": true,
}

// LoadSpec fetches and parses an OpenAPI spec from a URL or local path,
// accepting JSON or YAML.
func LoadSpec(source string) (*Spec, error) {
	var data []byte
	var err error
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 30 * time.Second}
		resp, httpErr := client.Get(source)
		if httpErr != nil {
			return nil, fmt.Errorf("failed to fetch spec from %s: %w", source, httpErr)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch spec from %s: status %d", source, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", source, err)
	}
	return parseSpec(data, source)
}

func parseSpec(data []byte, source string) (*Spec, error) {
	var spec Spec
	lower := strings.ToLower(source)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse spec %s: %w", source, err)
		}
		return &spec, nil
	}
	// Default to JSON, falling back to YAML.
	if err := json.Unmarshal(data, &spec); err != nil {
		if yerr := yaml.Unmarshal(data, &spec); yerr != nil {
			return nil, fmt.Errorf("failed to parse spec %s: %w", source, err)
		}
	}
	return &spec, nil
}

// route is the resolved HTTP binding of one tool.
type route struct {
	Method string
	Path   string
}

// toolSchema builds a JSON Schema object from OpenAPI parameters.
func toolSchema(params []Parameter) json.RawMessage {
	properties := map[string]any{}
	required := []string{}
	for _, p := range params {
		typ := p.Schema.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{
			"type":        typ,
			"description": p.Description,
		}
		if typ == "array" {
			itemType := "string"
			if p.Schema.Items != nil && p.Schema.Items.Type != "" {
				itemType = p.Schema.Items.Type
			}
			prop["items"] = map[string]any{"type": itemType}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	data, _ := json.Marshal(schema)
	return data
}
