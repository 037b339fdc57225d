package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/compute"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/kv"
	"github.com/fe1fan/raven/pkg/lifecycle"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/fe1fan/raven/pkg/worker"
)

type workerMap map[string]*worker.Worker

func (m workerMap) Get(name string) (*worker.Worker, bool) {
	w, ok := m[name]
	return w, ok
}

func (m workerMap) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

const counterWorker = `package main

import (
	"fmt"
	"raven"
	"raven/kv"
)

func Fetch(req *raven.Request) (*raven.Response, error) {
	if req.Method == "POST" {
		if _, err := kv.Put("counter", req.Body).Await(); err != nil {
			return nil, err
		}
	}
	v, err := kv.Get("counter").Await()
	if err != nil {
		return nil, err
	}
	if raven.IsAbsent(v) {
		return raven.NewResponse(404, "unset"), nil
	}
	return raven.NewResponse(200, fmt.Sprintf("%s %v", req.Path, v)), nil
}
`

const brokenWorker = `package main

import "raven/nowhere"
`

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	r := capability.NewRegistry()
	if err := compute.Register(r); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if err := kv.Register(r); err != nil {
		t.Fatalf("kv: %v", err)
	}
	r.Seal()
	bridge := dispatch.New(r)
	if err := bridge.RegisterProvider(kv.Namespace, kv.NewProvider(kv.NewMemoryStore())); err != nil {
		t.Fatalf("provider: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	controller := lifecycle.New(r, bridge, script.NewEngine())
	workers := workerMap{
		"counter":     {Name: "counter", Source: counterWorker},
		"api/counter": {Name: "api/counter", Source: counterWorker},
		"broken":      {Name: "broken", Source: brokenWorker},
	}
	ts := httptest.NewServer(New(controller, workers, r, opts...))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

func TestWorkerRoute(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/w/counter", "", nil)
	if resp.StatusCode != 404 || body != "unset" {
		t.Fatalf("expected 404 unset, got %d %q", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/w/counter/items/1", "42", nil)
	if resp.StatusCode != 200 || body != "/items/1 42" {
		t.Fatalf("expected 200, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(lifecycle.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}

	// Nested worker names win over shorter prefixes; the store is shared.
	_, body = do(t, http.MethodGet, ts.URL+"/w/api/counter/x", "", nil)
	if body != "/x 42" {
		t.Errorf("expected nested worker to see the stored value, got %q", body)
	}
}

func TestWorkerRouteHonoursRequestID(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := do(t, http.MethodGet, ts.URL+"/w/counter", "", http.Header{lifecycle.RequestIDHeader: {"req-from-client"}})
	if got := resp.Header.Get(lifecycle.RequestIDHeader); got != "req-from-client" {
		t.Errorf("expected client request id, got %q", got)
	}
}

func TestWorkerRouteFailures(t *testing.T) {
	ts := newTestServer(t, WithMaxBodyBytes(8))
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown worker", http.MethodGet, "/w/missing", "", 404, "NOT_FOUND"},
		{"unresolved import", http.MethodGet, "/w/broken", "", 404, "UNRESOLVED_IMPORT"},
		{"body too large", http.MethodPost, "/w/counter", "0123456789", 400, "INVALID_PARAMS"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, ts.URL+tc.path, tc.body, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
			var f lifecycle.FailureBody
			if err := json.Unmarshal([]byte(body), &f); err != nil {
				t.Fatalf("failure body: %v (%s)", err, body)
			}
			if f.Error.Code != tc.code {
				t.Errorf("expected %s, got %s", tc.code, f.Error.Code)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	hp := core.NewHealthRegistry(time.Second)
	hp.RegisterChecker("kv", core.PingChecker(func(context.Context) error { return nil }))
	ts := newTestServer(t, WithHealth(hp))

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var hb healthBody
	if err := json.Unmarshal([]byte(body), &hb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.Status != core.HealthHealthy || len(hb.Components) != 1 {
		t.Errorf("unexpected health %+v", hb)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestCatalog(t *testing.T) {
	ts := newTestServer(t)

	_, body := do(t, http.MethodGet, ts.URL+"/catalog", "", nil)
	var all []NamespaceInfo
	if err := json.Unmarshal([]byte(body), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 || all[0].Path != "raven/kv" || all[1].Path != "raven/utils" {
		t.Fatalf("unexpected catalog %+v", all)
	}
	if !all[0].Hosted || all[1].Hosted || len(all[0].Members) != 0 {
		t.Errorf("unexpected namespace flags %+v", all)
	}

	_, body = do(t, http.MethodGet, ts.URL+"/catalog/raven/kv", "", nil)
	var ns NamespaceInfo
	if err := json.Unmarshal([]byte(body), &ns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ns.Identifier != "kv" || len(ns.Members) != 4 || ns.Members[0].Name != "delete" || ns.Members[0].Exported != "Delete" {
		t.Errorf("unexpected namespace %+v", ns)
	}

	resp, _ := do(t, http.MethodGet, ts.URL+"/catalog/raven/none", "", nil)
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for unknown namespace, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "raven_requests_total 1\n")
	})))
	_, body := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	if !strings.Contains(body, "raven_requests_total") {
		t.Errorf("unexpected metrics body %q", body)
	}

	plain := newTestServer(t)
	resp, _ := do(t, http.MethodGet, plain.URL+"/metrics", "", nil)
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 without a metrics handler, got %d", resp.StatusCode)
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := New(nil, workerMap{}, capability.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0", time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
