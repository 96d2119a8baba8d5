package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/blob"
	"github.com/neotoma-io/neotoma/internal/cache"
	"github.com/neotoma-io/neotoma/internal/server"
	"github.com/neotoma-io/neotoma/internal/service"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/types"
)

const testUser = "alice"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(context.Background(), filepath.Join(dir, "neotoma.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	blobs, err := blob.NewFileStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	svc := service.New(store, blobs, cache.NewMemory(64), zap.NewNop(), service.Config{})
	t.Cleanup(func() { _ = svc.Close() })

	defs := []*types.SchemaDefinition{
		{
			EntityType: "invoice",
			UserID:     testUser,
			Fields: []types.FieldDef{
				{Name: "status", Type: types.TypeString},
				{Name: "total", Type: types.TypeNumber},
			},
			ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveIdentity},
		},
		{
			EntityType: "person",
			UserID:     testUser,
			Fields: []types.FieldDef{
				{Name: "name", Type: types.TypeString},
				{Name: "email", Type: types.TypeEmail},
			},
			ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveNatural, Fields: []string{"email"}},
		},
	}
	for _, def := range defs {
		if _, err := svc.RegisterSchema(context.Background(), def); err != nil {
			t.Fatalf("register %s: %v", def.EntityType, err)
		}
	}

	srv := server.New(svc, zap.NewNop(), server.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// do issues a request as the given tenant. A []byte body is sent raw with the
// given content type; anything else is JSON-encoded.
func do(t *testing.T, ts *httptest.Server, method, path, user, contentType string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
		if contentType == "" {
			contentType = "application/json"
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if user != "" {
		req.Header.Set(server.TenantHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response not JSON: %v\n%s", err, raw)
		}
	}
	return resp.StatusCode, decoded
}

func errTag(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	tag, _ := e["tag"].(string)
	return tag
}

func TestTenantHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodGet, "/v1/entities", "", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if tag := errTag(t, body); tag != "invalid_input" {
		t.Errorf("tag = %s, want invalid_input", tag)
	}

	// Health stays open.
	status, _ = do(t, ts, http.MethodGet, "/health", "", "", nil)
	if status != http.StatusOK {
		t.Errorf("health status = %d, want 200", status)
	}
}

func TestUnstructuredIngestFlow(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/sources?filename=hi.txt", testUser,
		"text/plain", []byte("hello"))
	if status != http.StatusCreated {
		t.Fatalf("first ingest status = %d, want 201: %v", status, body)
	}
	src := body["source"].(map[string]any)
	sourceID := src["id"].(string)
	if body["deduplicated"] == true {
		t.Error("first ingest must not dedup")
	}

	status, body = do(t, ts, http.MethodPost, "/v1/sources", testUser, "text/plain", []byte("hello"))
	if status != http.StatusOK {
		t.Fatalf("repeat ingest status = %d, want 200", status)
	}
	if body["deduplicated"] != true {
		t.Error("repeat ingest must report deduplicated")
	}
	if got := body["source"].(map[string]any)["id"].(string); got != sourceID {
		t.Errorf("dedup returned source %s, want %s", got, sourceID)
	}

	// Interpret the stored source.
	status, body = do(t, ts, http.MethodPost, "/v1/sources/"+sourceID+"/interpret", testUser, "",
		map[string]any{
			"candidates": []map[string]any{{
				"entity_type": "person",
				"fields":      map[string]any{"email": "ada@x.io", "name": "Ada"},
			}},
			"config": map[string]any{"provider": "acme", "model_id": "m1", "prompt_hash": "p1"},
		})
	if status != http.StatusCreated {
		t.Fatalf("interpret status = %d: %v", status, body)
	}
	entityIDs := body["entity_ids"].([]any)
	if len(entityIDs) != 1 {
		t.Fatalf("entity_ids = %v, want one", entityIDs)
	}
	entityID := entityIDs[0].(string)

	status, body = do(t, ts, http.MethodGet, "/v1/entities/"+entityID, testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("snapshot status = %d", status)
	}
	snap := body["snapshot"].(map[string]any)
	if snap["fields"].(map[string]any)["name"] != "Ada" {
		t.Errorf("snapshot fields = %v", snap["fields"])
	}

	// Raw content round-trips with the stored mime type.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/sources/"+sourceID+"/content", nil)
	req.Header.Set(server.TenantHeader, testUser)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("content request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "hello" {
		t.Errorf("content = %q, want hello", raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "hi.txt") {
		t.Errorf("content disposition = %q, want the original filename", cd)
	}
}

func TestStructuredCorrectDeleteRestore(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/ingest/structured", testUser, "",
		map[string]any{
			"entities": []map[string]any{{
				"entity_type": "invoice",
				"external_id": "INV-001",
				"fields":      map[string]any{"status": "open"},
			}},
		})
	if status != http.StatusCreated {
		t.Fatalf("structured ingest status = %d: %v", status, body)
	}
	entityID := body["entity_ids"].([]any)[0].(string)

	status, _ = do(t, ts, http.MethodPost, "/v1/entities/"+entityID+"/corrections", testUser, "",
		map[string]any{"field": "status", "value": "paid"})
	if status != http.StatusCreated {
		t.Fatalf("correction status = %d", status)
	}

	status, body = do(t, ts, http.MethodGet, "/v1/entities/"+entityID, testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("snapshot status = %d", status)
	}
	snap := body["snapshot"].(map[string]any)
	if snap["fields"].(map[string]any)["status"] != "paid" {
		t.Errorf("status = %v, want paid", snap["fields"])
	}

	status, body = do(t, ts, http.MethodGet,
		"/v1/entities/"+entityID+"/provenance/status", testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("provenance status = %d", status)
	}
	winner := body["winner"].(map[string]any)
	if winner["source_priority"].(float64) != float64(types.PriorityCorrection) {
		t.Errorf("winner priority = %v, want %d", winner["source_priority"], types.PriorityCorrection)
	}

	status, _ = do(t, ts, http.MethodDelete, "/v1/entities/"+entityID, testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, body = do(t, ts, http.MethodGet, "/v1/snapshots?entity_type=invoice", testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("snapshots status = %d", status)
	}
	if snaps, ok := body["snapshots"].([]any); ok && len(snaps) != 0 {
		t.Errorf("tombstoned entity still listed: %v", snaps)
	}

	status, _ = do(t, ts, http.MethodPost, "/v1/entities/"+entityID+"/restore", testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("restore status = %d", status)
	}
	status, body = do(t, ts, http.MethodGet, "/v1/entities/"+entityID, testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("post-restore snapshot status = %d", status)
	}
	snap = body["snapshot"].(map[string]any)
	if snap["fields"].(map[string]any)["status"] != "paid" {
		t.Errorf("restored fields = %v, want pre-deletion values", snap["fields"])
	}
}

func TestMergeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	mk := func(email string) string {
		t.Helper()
		status, body := do(t, ts, http.MethodPost, "/v1/ingest/structured", testUser, "",
			map[string]any{
				"entities": []map[string]any{{
					"entity_type": "person",
					"fields":      map[string]any{"email": email},
				}},
			})
		if status != http.StatusCreated {
			t.Fatalf("ingest %s: status %d: %v", email, status, body)
		}
		return body["entity_ids"].([]any)[0].(string)
	}
	a := mk("a@x.io")
	b := mk("b@x.io")

	status, body := do(t, ts, http.MethodPost, "/v1/merges", testUser, "",
		map[string]any{"from_entity_id": a, "to_entity_id": b})
	if status != http.StatusOK {
		t.Fatalf("merge status = %d: %v", status, body)
	}

	status, body = do(t, ts, http.MethodGet, "/v1/entities/"+a, testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("redirected snapshot status = %d", status)
	}
	if body["redirected_from"] != a {
		t.Errorf("redirected_from = %v, want %s", body["redirected_from"], a)
	}
	if got := body["snapshot"].(map[string]any)["entity_id"]; got != b {
		t.Errorf("snapshot entity = %v, want survivor %s", got, b)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/ingest/structured", testUser, "",
		map[string]any{
			"entities": []map[string]any{{
				"entity_type": "invoice",
				"external_id": "INV-E",
				"fields":      map[string]any{"status": "open"},
			}},
		})
	if status != http.StatusCreated {
		t.Fatalf("seed ingest failed: %d %v", status, body)
	}
	entityID := body["entity_ids"].([]any)[0].(string)

	cases := []struct {
		name    string
		method  string
		path    string
		body    any
		status  int
		wantTag string
	}{
		{"absent entity", http.MethodGet, "/v1/entities/ent_missing", nil,
			http.StatusNotFound, "not_found"},
		{"undeclared correction field", http.MethodPost,
			"/v1/entities/" + entityID + "/corrections",
			map[string]any{"field": "nope", "value": 1},
			http.StatusUnprocessableEntity, "schema_violation"},
		{"missing correction field", http.MethodPost,
			"/v1/entities/" + entityID + "/corrections",
			map[string]any{"value": 1},
			http.StatusBadRequest, "invalid_input"},
		{"merge missing target", http.MethodPost, "/v1/merges",
			map[string]any{"from_entity_id": entityID},
			http.StatusBadRequest, "invalid_input"},
		{"bad time travel stamp", http.MethodGet,
			"/v1/entities/" + entityID + "?at=yesterday", nil,
			http.StatusBadRequest, "invalid_input"},
		{"unknown schema", http.MethodGet, "/v1/schemas/widget", nil,
			http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := do(t, ts, tc.method, tc.path, testUser, "", tc.body)
			if status != tc.status {
				t.Fatalf("status = %d, want %d (%v)", status, tc.status, body)
			}
			if tag := errTag(t, body); tag != tc.wantTag {
				t.Errorf("tag = %s, want %s", tag, tc.wantTag)
			}
		})
	}

	// Malformed JSON bodies are invalid_input, not 500.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/merges",
		strings.NewReader("{not json"))
	req.Header.Set(server.TenantHeader, testUser)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("malformed request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", resp.StatusCode)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/schemas", testUser, "",
		map[string]any{
			"entity_type": "project",
			"fields": []map[string]any{
				{"name": "name", "type": "string"},
			},
			"resolution_key": map[string]any{"kind": "natural", "fields": []string{"name"}},
		})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d: %v", status, body)
	}
	if body["version"] != "1.0" {
		t.Errorf("version = %v, want 1.0", body["version"])
	}

	status, body = do(t, ts, http.MethodPost, "/v1/schemas/project/fields", testUser, "",
		map[string]any{"fields": []map[string]any{{"name": "owner", "type": "string"}}})
	if status != http.StatusOK {
		t.Fatalf("update status = %d: %v", status, body)
	}
	if body["version"] != "1.1" {
		t.Errorf("updated version = %v, want 1.1", body["version"])
	}

	status, body = do(t, ts, http.MethodGet, "/v1/schemas", testUser, "", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if defs := body["schemas"].([]any); len(defs) != 3 {
		t.Errorf("schema count = %d, want 3", len(defs))
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/schemas/project/jsonschema", nil)
	req.Header.Set(server.TenantHeader, testUser)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("export request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	var exported map[string]any
	if err := json.Unmarshal(raw, &exported); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if exported["type"] != "object" {
		t.Errorf("exported schema type = %v, want object", exported["type"])
	}
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/ingest/structured", testUser, "",
		map[string]any{
			"entities": []map[string]any{{
				"entity_type": "invoice",
				"external_id": "INV-T",
				"fields":      map[string]any{"status": "open"},
			}},
		})
	if status != http.StatusCreated {
		t.Fatalf("seed ingest failed: %d %v", status, body)
	}
	entityID := body["entity_ids"].([]any)[0].(string)

	status, _ = do(t, ts, http.MethodGet, "/v1/entities/"+entityID, "mallory", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("cross-tenant read status = %d, want 404", status)
	}

	status, body = do(t, ts, http.MethodGet, "/v1/entities", "mallory", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if ents, ok := body["entities"].([]any); ok && len(ents) != 0 {
		t.Errorf("mallory sees %d entities, want none", len(ents))
	}
}
