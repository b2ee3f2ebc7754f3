package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jettison-io/parley/pkg/models"
)

func gatewayFixture(t *testing.T, handler http.HandlerFunc) (*Gateway, SystemTarget) {
	t.Helper()
	spec := &Spec{Paths: map[string]map[string]Operation{
		"/contacts": {
			"get": {
				OperationID: "list_contacts",
				Parameters: []Parameter{
					{Name: "q", In: "query", Schema: ParameterSchema{Type: "string"}},
				},
			},
			"post": {
				OperationID: "create_contact",
				Parameters: []Parameter{
					{Name: "name", In: "body", Required: true, Schema: ParameterSchema{Type: "string"}},
				},
			},
		},
	}}
	r := NewRegistry()
	if err := r.LoadSystem("crm", spec, discard()); err != nil {
		t.Fatalf("LoadSystem: %v", err)
	}

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return NewGateway(r, discard()), SystemTarget{Name: "crm", BaseURL: ts.URL}
}

func grant() *models.Grant {
	return &models.Grant{
		UserID: "u1", System: "crm",
		Status: models.GrantGranted, AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestInvokeGet(t *testing.T) {
	var gotAuth, gotQuery string
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(map[string]any{"contacts": []string{"Jane"}})
	})

	res := g.Invoke(context.Background(), target, grant(), models.ToolCall{
		ID: "call-1", Name: "list_contacts", Input: json.RawMessage(`{"q":"smith"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "smith" {
		t.Errorf("query q = %q", gotQuery)
	}

	var outcome map[string]any
	if err := json.Unmarshal([]byte(res.Content), &outcome); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if outcome["success"] != true || outcome["status_code"] != float64(200) {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestInvokePostSendsBody(t *testing.T) {
	var gotBody map[string]any
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
	})

	res := g.Invoke(context.Background(), target, grant(), models.ToolCall{
		ID: "call-1", Name: "create_contact", Input: json.RawMessage(`{"name":"Jane"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if gotBody["name"] != "Jane" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	called := false
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	// Missing the required "name" argument.
	res := g.Invoke(context.Background(), target, grant(), models.ToolCall{
		ID: "call-1", Name: "create_contact", Input: json.RawMessage(`{}`),
	})
	if !res.IsError {
		t.Fatal("expected a validation error result")
	}
	if called {
		t.Error("invalid arguments must not reach the target system")
	}
}

func TestInvokeUnknownOperation(t *testing.T) {
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	res := g.Invoke(context.Background(), target, grant(), models.ToolCall{
		ID: "call-1", Name: "delete_everything", Input: json.RawMessage(`{}`),
	})
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Fatalf("expected a not-found result, got %+v", res)
	}
}

func TestInvokeErrorStatusBecomesErrorResult(t *testing.T) {
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such contact", http.StatusNotFound)
	})
	res := g.Invoke(context.Background(), target, grant(), models.ToolCall{
		ID: "call-1", Name: "list_contacts", Input: json.RawMessage(`{}`),
	})
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	if !strings.Contains(res.Content, "404") {
		t.Errorf("result should carry the status: %s", res.Content)
	}
	if res.ToolCallID != "call-1" {
		t.Errorf("result lost its call binding: %+v", res)
	}
}

func TestInvokeWithoutGrantSendsNoAuthHeader(t *testing.T) {
	var gotAuth string
	g, target := gatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	res := g.Invoke(context.Background(), target, nil, models.ToolCall{
		ID: "call-1", Name: "list_contacts", Input: json.RawMessage(`{}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty", gotAuth)
	}
}
