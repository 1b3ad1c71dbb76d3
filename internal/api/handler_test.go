package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resinat/Subgate/internal/policy"
	"github.com/Resinat/Subgate/internal/service"
	"github.com/Resinat/Subgate/internal/state"
)

const testAdminToken = "test-admin-token"

func newTestService() *service.ControlPlaneService {
	return &service.ControlPlaneService{
		Repo:     state.NewRepo(state.NewMemoryStore()),
		Policies: policy.NewResolver(policy.DefaultGlobal(), nil),
		Info: service.SystemInfo{
			Version:   "1.0.0-test",
			GitCommit: "abc123",
			BuildTime: "2026-01-01T00:00:00Z",
			StartedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		Now: func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) },
	}
}

func newTestServer() *Server {
	return NewServer(0, testAdminToken, newTestService(), nil, 1<<20)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status: got %d, want %d, body=%s", rec.Code, want, rec.Body.String())
	}
}

// --- /healthz ---

func TestHealthz_NoAuth(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusOK)
	body := decodeJSON[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field: got %q, want %q", body["status"], "ok")
	}
}

// --- /api/v1/system/info ---

func TestSystemInfo_OK(t *testing.T) {
	rec := doJSON(t, newTestServer(), http.MethodGet, "/api/v1/system/info", nil)
	assertStatus(t, rec, http.StatusOK)

	body := decodeJSON[map[string]any](t, rec)
	if body["version"] != "1.0.0-test" {
		t.Errorf("version: got %v, want %q", body["version"], "1.0.0-test")
	}
	if body["git_commit"] != "abc123" {
		t.Errorf("git_commit: got %v, want %q", body["git_commit"], "abc123")
	}
}

func TestSystemInfo_RequiresAuth(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/info", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestAdminAPI_DisabledWithoutToken(t *testing.T) {
	srv := NewServer(0, "", newTestService(), nil, 1<<20)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusNotFound)
}

// --- /api/v1/settings ---

func TestSettings_GetPatchReplace(t *testing.T) {
	srv := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/settings", nil)
	assertStatus(t, rec, http.StatusOK)
	if got := decodeJSON[map[string]any](t, rec)["share_token"]; got != "share" {
		t.Fatalf("default share_token: got %v, want share", got)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/settings", `{"file_name":"Mine","notify_threshold_days":5}`)
	assertStatus(t, rec, http.StatusOK)
	body := decodeJSON[map[string]any](t, rec)
	if body["file_name"] != "Mine" || body["notify_threshold_days"] != float64(5) {
		t.Fatalf("patched settings: got %v", body)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/settings", `{"not_a_field":1}`)
	assertStatus(t, rec, http.StatusBadRequest)
	assertBodyContains(t, rec, "INVALID_ARGUMENT")

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/settings", `{"share_token":"api"}`)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/settings", `{"file_name":"X","bogus":true}`)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/settings", nil)
	if got := decodeJSON[map[string]any](t, rec)["file_name"]; got != "Mine" {
		t.Fatalf("rejected writes must not persist: file_name=%v", got)
	}
}

func TestSettings_BodyTooLarge(t *testing.T) {
	srv := NewServer(0, testAdminToken, newTestService(), nil, 16)
	rec := doJSON(t, srv, http.MethodPut, "/api/v1/settings", `{"file_name":"`+strings.Repeat("x", 64)+`"}`)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
	assertBodyContains(t, rec, "PAYLOAD_TOO_LARGE")
}

// --- sources, groups and grants ---

func seedGroup(t *testing.T, srv *Server) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPut, "/api/v1/sources", `{"items":[
		{"id":"s1","name":"Up","url":"https://feed.example.com/sub","enabled":true},
		{"id":"m1","url":"trojan://pw@3.3.3.3:443#Solo","enabled":true}]}`)
	assertStatus(t, rec, http.StatusOK)
	rec = doJSON(t, srv, http.MethodPut, "/api/v1/groups", `{"items":[
		{"id":"g1","custom_id":"vip","name":"VIP","enabled":true,"source_ids":["s1"],"manual_node_ids":["m1"]}]}`)
	assertStatus(t, rec, http.StatusOK)
}

func TestSourcesAndGroups(t *testing.T) {
	srv := newTestServer()
	seedGroup(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sources", nil)
	assertStatus(t, rec, http.StatusOK)
	sources := decodeJSON[struct {
		Items []map[string]any `json:"items"`
	}](t, rec)
	if len(sources.Items) != 2 {
		t.Fatalf("sources: got %d, want 2", len(sources.Items))
	}

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/sources", `{"items":[{"url":"ftp://nope"}]}`)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/groups", `{"items":[{"name":"Bad","source_ids":["missing"]}]}`)
	assertStatus(t, rec, http.StatusBadRequest)
	assertBodyContains(t, rec, "unknown source")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/groups", nil)
	assertStatus(t, rec, http.StatusOK)
	assertBodyContains(t, rec, `"custom_id":"vip"`)
}

func TestGrantLifecycle(t *testing.T) {
	srv := newTestServer()
	seedGroup(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/groups/vip/grants:batch", `{"count":3,"duration":"720h","remark":"batch"}`)
	assertStatus(t, rec, http.StatusCreated)
	issued := decodeJSON[struct {
		Items []struct {
			Token   string `json:"token"`
			GroupID string `json:"group_id"`
			Status  string `json:"status"`
		} `json:"items"`
	}](t, rec)
	if len(issued.Items) != 3 {
		t.Fatalf("issued: got %d, want 3", len(issued.Items))
	}
	token := issued.Items[0].Token
	if issued.Items[0].GroupID != "g1" || issued.Items[0].Status != "pending" {
		t.Fatalf("issued grant: got %+v", issued.Items[0])
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/grants/"+token, nil)
	assertStatus(t, rec, http.StatusOK)
	assertBodyContains(t, rec, `"remark":"batch"`)

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/grants/"+token, `{"remark":"renamed"}`)
	assertStatus(t, rec, http.StatusOK)
	assertBodyContains(t, rec, `"remark":"renamed"`)

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/grants/"+token, `{"status":"activated"}`)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/grants/"+token+"/actions/unsuspend", nil)
	assertStatus(t, rec, http.StatusOK)
	if decodeJSON[map[string]any](t, rec)["suspended"] != false {
		t.Fatal("grant should not be suspended")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/grants/"+token+"/policy", nil)
	assertStatus(t, rec, http.StatusOK)
	if _, ok := decodeJSON[map[string]any](t, rec)["max_devices"]; !ok {
		t.Fatalf("policy body missing max_devices: %s", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/grants/"+token, nil)
	assertStatus(t, rec, http.StatusNoContent)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/grants/"+token, nil)
	assertStatus(t, rec, http.StatusNotFound)
	assertBodyContains(t, rec, "NOT_FOUND")
}

func TestIssueGrants_Errors(t *testing.T) {
	srv := newTestServer()
	seedGroup(t, srv)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown group", "/api/v1/groups/nope/grants:batch", `{"count":1,"duration":"1h"}`, http.StatusNotFound},
		{"zero count", "/api/v1/groups/g1/grants:batch", `{"count":0,"duration":"1h"}`, http.StatusBadRequest},
		{"bad duration", "/api/v1/groups/g1/grants:batch", `{"count":1,"duration":"soon"}`, http.StatusBadRequest},
		{"unknown field", "/api/v1/groups/g1/grants:batch", `{"count":1,"duration":"1h","x":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, tt.path, tt.body)
			assertStatus(t, rec, tt.want)
		})
	}
}

// --- presets, refresh and geoip ---

func TestPresetsAndRefresh(t *testing.T) {
	srv := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/policy/presets", nil)
	assertStatus(t, rec, http.StatusOK)
	assertBodyContains(t, rec, `"global"`)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/refresh/status", nil)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/refresh/actions/run-now", nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	assertBodyContains(t, rec, "INTERNAL")
}

func TestGeoIPLookup(t *testing.T) {
	srv := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/geoip/lookup", nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/geoip/lookup?ip=not-an-ip", nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/geoip/lookup?ip=1.2.3.4", nil)
	assertStatus(t, rec, http.StatusOK)
	assertBodyContains(t, rec, `"ip":"1.2.3.4"`)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/geoip/lookup", `{"ips":["1.2.3.4","::1"]}`)
	assertStatus(t, rec, http.StatusOK)
	body := decodeJSON[struct {
		Results []map[string]any `json:"results"`
	}](t, rec)
	if len(body.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(body.Results))
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/geoip/lookup", `{"ips":["1.2.3.4","bad"]}`)
	assertStatus(t, rec, http.StatusBadRequest)
	assertBodyContains(t, rec, "ips[1]")
}

// --- public routes ---

func TestGatewayMount(t *testing.T) {
	var hits []string
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(0, testAdminToken, newTestService(), gw, 1<<20)

	for _, tc := range []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/share/vip/abcd", http.StatusOK},
		{http.MethodHead, "/master", http.StatusOK},
		{http.MethodPost, "/share/vip", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/settings", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: got %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
	if got := strings.Join(hits, ","); got != "/share/vip/abcd,/master" {
		t.Fatalf("gateway hits: got %q", got)
	}
}
