package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/app"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/repo"
)

const testAPIKey = "test-key"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := app.Open(workspace)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	e := engine.New(conn, workspace)
	if err := e.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "tester",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(testAPIKey),
		CreatedAt: "2024-03-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func routeBody(goal string) map[string]any {
	return map[string]any{
		"request": map[string]any{
			"id":         "req-1",
			"session_id": "sess-1",
			"timestamp":  "2024-03-01T11:00:00Z",
			"initiator":  "user",
			"goal_text":  goal,
			"constraints": map[string]any{
				"no_public_exposure":      true,
				"structured_outputs_only": true,
				"on_demand_only":          true,
			},
		},
	}
}

func TestRoutePopClose(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/route", routeBody("summarize internal research notes"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("route status %d: %s", res.StatusCode, string(data))
	}
	var routed engine.RouteResult
	if err := json.Unmarshal(data, &routed); err != nil {
		t.Fatalf("unmarshal route result: %v", err)
	}
	if routed.Task == nil || routed.Output == nil {
		t.Fatalf("route result %s", string(data))
	}

	popRes, popData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{}, nil)
	if popRes.StatusCode != http.StatusOK {
		t.Fatalf("pop status %d: %s", popRes.StatusCode, string(popData))
	}
	var pop engine.PopResult
	if err := json.Unmarshal(popData, &pop); err != nil {
		t.Fatalf("unmarshal pop: %v", err)
	}
	if !pop.OK || pop.Task.ID != routed.Task.ID {
		t.Fatalf("pop = %s", string(popData))
	}

	closeRes, closeData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+pop.Task.ID+"/close", map[string]any{
		"reason": "delivered",
	}, nil)
	if closeRes.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", closeRes.StatusCode, string(closeData))
	}
	var closed domain.Task
	_ = json.Unmarshal(closeData, &closed)
	if closed.Status != domain.TaskDone {
		t.Fatalf("status = %s", closed.Status)
	}

	// Closing again is a guard conflict with a stable code.
	againRes, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+pop.Task.ID+"/close", map[string]any{
		"reason": "again",
	}, nil)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", againRes.StatusCode, string(againData))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(againData, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != engine.CodeCloseGuard {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestRouteDenied(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/route", routeBody("send email to client about invoice"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("route status %d: %s", res.StatusCode, string(data))
	}
	var routed engine.RouteResult
	if err := json.Unmarshal(data, &routed); err != nil {
		t.Fatal(err)
	}
	if routed.Output != nil || routed.Gate.Verdict != "deny" {
		t.Fatalf("expected deny without output: %s", string(data))
	}
}

func TestReviewRetryConflict(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/route", routeBody("analyze the latest dataset"), nil)
	var routed engine.RouteResult
	if err := json.Unmarshal(data, &routed); err != nil {
		t.Fatal(err)
	}
	if _, popData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{}, nil); popData == nil {
		t.Fatal("pop failed")
	}
	slRes, slData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+routed.Task.ID+"/stop-loss", map[string]any{
		"failure_type": "NO_ARTIFACT",
		"reason":       "backend produced nothing",
	}, nil)
	if slRes.StatusCode != http.StatusOK {
		t.Fatalf("stop-loss status %d: %s", slRes.StatusCode, string(slData))
	}

	revRes, revData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+routed.Task.ID+"/review", map[string]any{
		"decision": "retry",
		"reason":   "transient",
	}, nil)
	if revRes.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", revRes.StatusCode, string(revData))
	}
	again, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+routed.Task.ID+"/review", map[string]any{
		"decision": "retry",
	}, nil)
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", again.StatusCode, string(againData))
	}
}

func TestUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/tasks", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
}
