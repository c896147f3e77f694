package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"xrt/internal/capability"
	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/executor"
	"xrt/internal/saga"
	"xrt/internal/session"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
)

type testServer struct {
	URL      string
	registry *capability.Registry
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	ids := &clock.CounterGenerator{}
	surface := statesurface.New(statesurface.NewMemoryBackend(), statesurface.Config{})
	log := wal.New(wal.NewMemoryStore(), wal.Config{})
	sessions, err := session.New(surface, log, session.Config{IDs: ids})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	registry := capability.NewRegistry(nil)
	coord := saga.New(surface, log, sessions, registry, saga.Config{IDs: ids})
	exec := executor.New(surface, log, sessions, registry, coord, executor.Config{})
	handler, err := New(Config{
		Executor: exec,
		Sessions: sessions,
		Registry: registry,
		WAL:      log,
		Auth:     authCfg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			exec.Close(context.Background())
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, envelope.Error.Code, envelope.Error.Message)
	}
}

func registerUpload(t *testing.T, srv *testServer, failIndex bool) {
	t.Helper()
	err := srv.registry.Register(capability.Definition{
		IntentType:      "content.upload",
		OwningComponent: "content-service",
		HandlerRef:      "local://content/upload",
		Steps:           []capability.StepSpec{{Name: "store", Compensable: true}, {Name: "index"}},
	}, capability.HandlerFuncs{
		ExecuteFunc: func(_ context.Context, call capability.StepCall) (json.RawMessage, error) {
			if failIndex && call.Step == "index" {
				return nil, errors.New("index unavailable")
			}
			return json.RawMessage(`{"ref":"blob://1"}`), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func createSession(t *testing.T, srv *testServer, tenantID string, headers map[string]string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/session/create", map[string]any{
		"tenant_id": tenantID,
		"user_id":   "u1",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	return decode[SessionResponse](t, data)
}

func TestHappyPathScenario(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	registerUpload(t, srv, false)
	sess := createSession(t, srv, "t1", nil)
	if sess.TenantID != "t1" || sess.SessionID == "" || sess.CreatedAt == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
		"payload":     map[string]any{"name": "report.pdf"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitIntentResponse](t, data)
	if submitted.Status != "completed" || submitted.ExecutionID == "" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/execution/"+submitted.ExecutionID+"/status?tenant_id=t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	status := decode[ExecutionResponse](t, data)
	if status.State != "completed" {
		t.Fatalf("expected completed, got %s", status.State)
	}
	if len(status.Steps) != 2 || status.Steps[0].Status != "SUCCEEDED" || status.Steps[1].Status != "SUCCEEDED" {
		t.Fatalf("unexpected steps %+v", status.Steps)
	}
}

func TestCompensationScenario(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	registerUpload(t, srv, true)
	sess := createSession(t, srv, "t1", nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitIntentResponse](t, data)
	if submitted.Status != "failed" || submitted.State != "compensated" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}
	if submitted.Error == nil || submitted.Error.Kind != "StepFailed" {
		t.Fatalf("expected StepFailed error, got %+v", submitted.Error)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/execution/"+submitted.ExecutionID+"/status?tenant_id=t1", nil, nil)
	status := decode[ExecutionResponse](t, data)
	if status.State != "compensated" || !status.Terminal {
		t.Fatalf("expected terminal compensated, got %s", status.State)
	}
	if status.Steps[0].Status != "COMPENSATED" || status.Steps[1].Status != "FAILED" {
		t.Fatalf("unexpected steps %+v", status.Steps)
	}
}

func TestUnknownCapabilityScenario(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	sess := createSession(t, srv, "t1", nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "does.not.exist",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
	}, nil)
	expectError(t, res, data, http.StatusNotFound, "capability_not_found")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/wal/events?tenant_id=t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	events := decode[EventsResponse](t, data)
	for _, ev := range events.Events {
		if ev.EventType == "SAGA_STARTED" {
			t.Fatalf("unexpected SAGA_STARTED: %+v", ev)
		}
	}
	if len(events.Events) != 1 || events.Events[0].EventType != "SESSION_CREATED" {
		t.Fatalf("unexpected events %+v", events.Events)
	}
}

func TestSessionMismatch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	registerUpload(t, srv, false)
	sess := createSession(t, srv, "t1", nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  sess.SessionID,
		"tenant_id":   "t2",
	}, nil)
	expectError(t, res, data, http.StatusForbidden, "session_mismatch")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/session/"+sess.SessionID+"?tenant_id=t2", nil, nil)
	expectError(t, res, data, http.StatusForbidden, "session_mismatch")
}

func TestExecutionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/execution/saga-nope/status?tenant_id=t1", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "execution_not_found")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/execution/saga-nope/status", nil, nil)
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing tenant_id should be rejected, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  "sess-1",
		"tenant_id":   "bad tenant!",
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_intent")
}

func TestCancelAndResumeTerminalExecution(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	registerUpload(t, srv, false)
	sess := createSession(t, srv, "t1", nil)
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
	}, nil)
	id := decode[SubmitIntentResponse](t, data).ExecutionID

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/execution/"+id+"/cancel?tenant_id=t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[ExecutionResponse](t, data).State; got != "completed" {
		t.Fatalf("cancelling a completed execution changed it to %s", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/execution/"+id+"/resume?tenant_id=t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[SubmitIntentResponse](t, data).Status; got != "completed" {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	health := decode[HealthResponse](t, data)
	if health.Status != "ok" {
		t.Fatalf("expected ok, got %s", health.Status)
	}
	for _, c := range []string{"state_surface", "wal", "saga_coordinator"} {
		if health.Components[c] != "ok" {
			t.Fatalf("component %s: %q", c, health.Components[c])
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", res.StatusCode, string(data))
	}
}

func TestRemoteCapabilityRegistration(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Xrt-Secret") != "hook-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/svc/execute":
			io.WriteString(w, `{"output":{"stored":true}}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer remote.Close()

	srv, cleanup := newTestServer(t, AuthConfig{RegistrationToken: "reg-token"})
	defer cleanup()
	def := map[string]any{
		"intent_type":       "content.mirror",
		"owning_component":  "mirror-service",
		"handler_reference": remote.URL + "/svc",
		"input_schema":      map[string]any{"type": "object"},
		"secret":            "hook-secret",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, nil)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_registration_token")

	token := map[string]string{"X-Registration-Token": "reg-token"}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[CapabilityResponse](t, data); got.Mode != "sync" || len(got.Steps) != 1 {
		t.Fatalf("definition not normalized: %+v", got)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("idempotent register status %d: %s", res.StatusCode, string(data))
	}
	def["deterministic"] = true
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, token)
	expectError(t, res, data, http.StatusConflict, "conflicting_definition")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/capabilities?owning_component=mirror-service", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "content.mirror") {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}

	sess := createSession(t, srv, "t1", nil)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.mirror",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
		"payload":     map[string]any{},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitIntentResponse](t, data)
	if submitted.Status != "completed" {
		t.Fatalf("unexpected submit response %s", string(data))
	}
	if result, _ := submitted.Result.(map[string]any); result["stored"] != true {
		t.Fatalf("unexpected result %v", submitted.Result)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/capabilities/content.mirror", nil, token)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("deregister status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/capabilities/content.mirror", nil, token)
	expectError(t, res, data, http.StatusNotFound, "capability_not_found")
}

func signToken(t *testing.T, secret, tenantID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc-content", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         tenantID,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTTenantBinding(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "jwt-secret"})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/session/create", map[string]any{"tenant_id": "t1"}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	bad := map[string]string{"Authorization": "Bearer " + signToken(t, "other-secret", "t1")}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/session/create", map[string]any{"tenant_id": "t1"}, bad)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	auth := map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "t1")}
	createSession(t, srv, "t1", auth)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/session/create", map[string]any{"tenant_id": "t2"}, auth)
	expectError(t, res, data, http.StatusForbidden, "tenant_forbidden")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/wal/events?tenant_id=t2", nil, auth)
	expectError(t, res, data, http.StatusForbidden, "tenant_forbidden")
}

func TestRegistrationFallsBackToBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "jwt-secret"})
	defer cleanup()
	registerUpload(t, srv, false)

	def := map[string]any{
		"intent_type":       "content.mirror",
		"owning_component":  "mirror-service",
		"handler_reference": "http://127.0.0.1:1/svc",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	if _, err := srv.registry.Lookup("content.mirror"); err == nil {
		t.Fatalf("unauthenticated registration must not reach the registry")
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/capabilities/content.upload", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	if _, err := srv.registry.Lookup("content.upload"); err != nil {
		t.Fatalf("unauthenticated deregistration removed the capability: %v", err)
	}

	auth := map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "t1")}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/capabilities", def, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer registration status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/capabilities/content.upload", nil, auth)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("bearer deregistration status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	for i := 0; i < 3; i++ {
		createSession(t, srv, "t1", nil)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/wal/events?tenant_id=t1&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[EventsResponse](t, data)
	if len(page.Events) != 2 || page.NextSince != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/wal/events?tenant_id=t1&since=2", nil, nil)
	page = decode[EventsResponse](t, data)
	if len(page.Events) != 1 || page.Events[0].EventID != 3 {
		t.Fatalf("unexpected second page %+v", page)
	}

	registerUpload(t, srv, false)
	sess := createSession(t, srv, "t1", nil)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/intent/submit", map[string]any{
		"intent_type": "content.upload",
		"session_id":  sess.SessionID,
		"tenant_id":   "t1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitIntentResponse](t, data)
	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/wal/events?tenant_id=t1&type=SAGA_STARTED&type=SAGA_COMPLETED", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events status %d: %s", res.StatusCode, string(data))
	}
	page = decode[EventsResponse](t, data)
	if len(page.Events) != 2 {
		t.Fatalf("expected both event types, got %+v", page.Events)
	}
	if page.Events[0].EventType != "SAGA_STARTED" || page.Events[1].EventType != "SAGA_COMPLETED" {
		t.Fatalf("unexpected filtered types %+v", page.Events)
	}
	if page.Events[1].SagaID != submitted.ExecutionID {
		t.Fatalf("completed event for %s, want %s", page.Events[1].SagaID, submitted.ExecutionID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/wal/events?tenant_id=t1&type=NOPE", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_intent")
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/intent/submit") {
		t.Fatalf("openapi missing submit route")
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Responses map[string]struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"responses"`
		} `json:"paths"`
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	submit := doc.Paths["/intent/submit"]["post"].Responses["default"].Content["application/json"].Schema.Ref
	if submit == "" {
		t.Fatalf("submit has no default error response")
	}
	for p, ops := range doc.Paths {
		for method, op := range ops {
			ref := op.Responses["default"].Content["application/json"].Schema.Ref
			if ref == "" {
				continue
			}
			name := strings.TrimPrefix(ref, "#/components/schemas/")
			if _, ok := doc.Components.Schemas[name]; !ok {
				t.Fatalf("%s %s references missing schema %s", method, p, ref)
			}
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "openapi.json") {
		t.Fatalf("docs status %d", res.StatusCode)
	}
}

func TestKindCode(t *testing.T) {
	cases := map[string]string{
		"SessionMismatch":        "session_mismatch",
		"PersistenceUnavailable": "persistence_unavailable",
		"InvalidIntent":          "invalid_intent",
	}
	for in, want := range cases {
		if got := kindCode(domain.ErrorKind(in)); got != want {
			t.Fatalf("kindCode(%s) = %s, want %s", in, got, want)
		}
	}
}
