package tools

import (
	"encoding/json"
	"testing"
)

func TestParseSpecJSON(t *testing.T) {
	data := []byte(`{
		"paths": {
			"/contacts": {
				"get": {
					"operationId": "list_contacts",
					"summary": "List contacts",
					"parameters": [
						{"name": "q", "in": "query", "schema": {"type": "string"}}
					]
				}
			}
		}
	}`)
	spec, err := parseSpec(data, "spec.json")
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	op, ok := spec.Paths["/contacts"]["get"]
	if !ok {
		t.Fatal("missing GET /contacts")
	}
	if op.OperationID != "list_contacts" || len(op.Parameters) != 1 {
		t.Errorf("unexpected operation: %+v", op)
	}
}

func TestParseSpecYAML(t *testing.T) {
	data := []byte(`
paths:
  /contacts:
    post:
      operationId: create_contact
      description: Create a contact
      parameters:
        - name: name
          in: body
          required: true
          schema:
            type: string
        - name: tags
          in: body
          schema:
            type: array
            items:
              type: string
`)
	spec, err := parseSpec(data, "spec.yaml")
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	op := spec.Paths["/contacts"]["post"]
	if op.OperationID != "create_contact" || len(op.Parameters) != 2 {
		t.Fatalf("unexpected operation: %+v", op)
	}
	if op.Parameters[1].Schema.Type != "array" || op.Parameters[1].Schema.Items.Type != "string" {
		t.Errorf("array parameter lost its item type: %+v", op.Parameters[1].Schema)
	}
}

func TestParseSpecJSONFallsBackToYAML(t *testing.T) {
	// A YAML document behind an extensionless URL still parses.
	data := []byte("paths:\n  /ping:\n    get:\n      operationId: ping\n")
	spec, err := parseSpec(data, "https://example.com/openapi")
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	if _, ok := spec.Paths["/ping"]["get"]; !ok {
		t.Error("missing GET /ping")
	}
}

func TestToolSchema(t *testing.T) {
	schema := toolSchema([]Parameter{
		{Name: "q", Description: "Search query", Required: true, Schema: ParameterSchema{Type: "string"}},
		{Name: "limit", Schema: ParameterSchema{Type: "integer"}},
		{Name: "tags", Schema: ParameterSchema{Type: "array", Items: &ParameterSchema{Type: "string"}}},
		{Name: "untyped"},
	})

	var got map[string]any
	if err := json.Unmarshal(schema, &got); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if got["type"] != "object" {
		t.Errorf("type = %v", got["type"])
	}

	props := got["properties"].(map[string]any)
	if props["q"].(map[string]any)["type"] != "string" {
		t.Errorf("q = %+v", props["q"])
	}
	if props["untyped"].(map[string]any)["type"] != "string" {
		t.Error("untyped parameters default to string")
	}
	tags := props["tags"].(map[string]any)
	if tags["items"].(map[string]any)["type"] != "string" {
		t.Errorf("tags items = %+v", tags["items"])
	}

	required := got["required"].([]any)
	if len(required) != 1 || required[0] != "q" {
		t.Errorf("required = %v", required)
	}
}
