package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"curator/api/internal/search"
	"curator/api/internal/store"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func loginToken(t *testing.T, handler http.Handler, name string) string {
	t.Helper()
	rr := doRequest(t, handler, http.MethodPost, "/api/session/login", "", `{"name":"`+name+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()
	rr := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()
	rr := doRequest(t, handler, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	for _, path := range []string{"/api/entities", "/api/settings/languages", "/api/search?q=x"} {
		rr := doRequest(t, handler, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rr.Code)
		}
	}

	rr := doRequest(t, handler, http.MethodGet, "/api/entities", "bogus-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token: status = %d", rr.Code)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()
	token := loginToken(t, handler, "Ada")

	rr := doRequest(t, handler, http.MethodGet, "/api/session", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Authenticated bool   `json:"authenticated"`
		UserName      string `json:"userName"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Authenticated || resp.UserName != "Ada" {
		t.Fatalf("session = %+v", resp)
	}
}

func TestSaveEntityEndpointRejectsBrokenSchema(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()
	token := loginToken(t, handler, "Ada")

	rr := doRequest(t, handler, http.MethodPut, "/api/entities/posts", token,
		`{"label":"Posts","fields":[{"key":"kind","type":"select"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "INVALID_SCHEMA") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestGetRecordEndpointMaps404(t *testing.T) {
	fs := &fakeStore{
		getEntityByNameFn: func(_ context.Context, name string) (store.Entity, error) {
			return store.Entity{ID: "ent1", Name: name}, nil
		},
		getRecordFn: func(context.Context, string) (store.Record, error) {
			return store.Record{}, sql.ErrNoRows
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()
	token := loginToken(t, handler, "Ada")

	rr := doRequest(t, handler, http.MethodGet, "/api/entities/posts/records/missing", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSearchEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{})
	svc.search = &fakeSearch{searchFn: func(q search.Query) search.Response {
		if q.Text != "hello" || q.FilterEntity != "posts" || q.Limit != 5 {
			return search.Response{Results: []search.Result{}}
		}
		return search.Response{
			Results: []search.Result{{ID: "rec1", EntityName: "posts", Title: "Hello"}},
			Total:   1,
			Query:   q.Text,
		}
	}}
	handler := NewHTTPServer(svc, "*").Handler()
	token := loginToken(t, handler, "Ada")

	rr := doRequest(t, handler, http.MethodGet, "/api/search?q=hello&entity=posts&limit=5", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp search.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "rec1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUploadEndpointUnavailableWithoutBlobStore(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()
	token := loginToken(t, handler, "Ada")

	rr := doRequest(t, handler, http.MethodGet, "/api/uploads/url?key=att_x/file.png", token, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "https://admin.example.com").Handler()
	rr := doRequest(t, handler, http.MethodOptions, "/api/entities", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}
