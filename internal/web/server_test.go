package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"salonreach/internal/browser"
	"salonreach/internal/browser/browsertest"
	"salonreach/internal/bus"
	"salonreach/internal/campaign"
	"salonreach/internal/history"
	"salonreach/internal/sender"
	"salonreach/internal/session"
)

var testSelectors = browser.SelectorSet{
	URL:           "https://chat.example",
	SendURL:       "https://chat.example/send",
	LoginQR:       "#qr",
	ComposeInput:  "#compose",
	SentIndicator: "#tick",
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type testEnv struct {
	srv      *Server
	launcher *browsertest.Launcher
	manager  *session.Manager
	events   *bus.EventBus
	store    *history.Store
}

type envOption func(*Config)

// newTestEnv wires the real session, sender and dispatcher to a fake browser
// whose pages show the compose box and a sent tick after each Enter, but no QR.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testLogger()
	events := bus.NewEventBus(logger)

	launcher := &browsertest.Launcher{NewPage: func() *browsertest.Page {
		p := browsertest.NewPage("#compose")
		p.OnEnter = func(p *browsertest.Page) { p.Set("#tick", true) }
		return p
	}}
	manager := session.NewManager(session.Config{
		Launcher:  launcher,
		Selectors: testSelectors,
		Events:    events,
		Logger:    logger,
	})
	snd := sender.New(sender.Config{Session: manager, Selectors: testSelectors, Logger: logger})
	dispatcher := campaign.NewDispatcher(campaign.Config{
		Sender:  snd,
		Session: manager,
		Events:  events,
		Logger:  logger,
		Timer:   &instantTimer{c: make(chan time.Time, 1)},
		Sleep:   func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Session:        manager,
		Campaigns:      dispatcher,
		History:        store,
		Events:         events,
		AllowedOrigins: []string{"https://agenda.example"},
		Logger:         logger,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &testEnv{srv: NewServer(cfg), launcher: launcher, manager: manager, events: events, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func campaignBody(n int) string {
	msgs := make([]campaign.Job, n)
	for i := range msgs {
		msgs[i] = campaign.Job{
			Phone:          fmt.Sprintf("(11) 9%04d-%04d", i, i),
			Message:        fmt.Sprintf("Olá! Sua agenda de amanhã: %d clientes.", i),
			ProfessionalID: fmt.Sprintf("pro-%d", i),
		}
	}
	b, _ := json.Marshal(map[string]any{
		"messages": msgs,
		"options":  map[string]any{"delayBetweenMessagesMs": 0, "maxRetries": 2},
	})
	return string(b)
}

func TestInitializeAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/whatsapp/initialize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[session.Result](t, rec)
	if !res.Success || res.Message == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/status", "")
	st := decode[map[string]any](t, rec)
	if st["isLoggedIn"] != true || st["state"] != string(session.StateLoggedIn) {
		t.Fatalf("unexpected status: %v", st)
	}
}

func TestInitialize_RejectsBody(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/whatsapp/initialize", "{}"); rec.Code != http.StatusOK {
		t.Fatalf("empty object should be accepted, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/whatsapp/initialize", `{"headless": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInitialize_LaunchFailureIs500(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.Err = fmt.Errorf("chrome not found")

	rec := env.do(t, http.MethodPost, "/whatsapp/initialize", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Error == "" || body.Details == "" {
		t.Fatalf("expected error and details, got %+v", body)
	}
}

func TestWrongMethodIs405(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/whatsapp/initialize", "POST"},
		{http.MethodPost, "/whatsapp/status", "GET, HEAD"},
		{http.MethodDelete, "/whatsapp/campaigns/abc", "GET, HEAD"},
	}
	for _, tc := range cases {
		rec := env.do(t, tc.method, tc.path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tc.allow {
			t.Errorf("%s %s: Allow = %q, want %q", tc.method, tc.path, got, tc.allow)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s %s: content type %q", tc.method, tc.path, ct)
		}
		if body := decode[errorResponse](t, rec); body.Error == "" || !strings.Contains(body.Details, tc.allow) {
			t.Errorf("%s %s: unexpected body %+v", tc.method, tc.path, body)
		}
	}
	if env.launcher.Launches() != 0 {
		t.Fatal("a rejected method must not reach the session")
	}
}

func TestSendCampaign_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/whatsapp/initialize", "")

	rec := env.do(t, http.MethodPost, "/whatsapp/send-campaign", campaignBody(3))
	if rec.Code != http.StatusOK {
		t.Fatalf("send-campaign: %d %s", rec.Code, rec.Body.String())
	}
	report := decode[campaign.Report](t, rec)
	if !report.Success || report.SentCount != 3 || report.FailedCount != 0 || len(report.Details) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	page := env.launcher.Last()
	if page.Enters != 3 {
		t.Fatalf("expected 3 submits, got %d", page.Enters)
	}
	if !strings.Contains(page.Navigations[1], "phone=5511900000000") {
		t.Fatalf("first send should target the normalized number: %v", page.Navigations)
	}

	stored, err := env.store.GetReport(context.Background(), report.ID)
	if err != nil || stored == nil {
		t.Fatalf("report not stored: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/campaigns?limit=5", "")
	list := decode[map[string][]campaign.Report](t, rec)
	if len(list["campaigns"]) != 1 || list["campaigns"][0].ID != report.ID {
		t.Fatalf("unexpected listing: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/campaigns/"+report.ID, "")
	if rec.Code != http.StatusOK || len(decode[campaign.Report](t, rec).Details) != 3 {
		t.Fatalf("unexpected detail response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSendCampaign_TooManyMessages(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/whatsapp/initialize", "")

	rec := env.do(t, http.MethodPost, "/whatsapp/send-campaign", campaignBody(campaign.MaxJobs+1))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.launcher.Last().Enters != 0 {
		t.Fatal("nothing may be sent for a rejected batch")
	}
}

func TestSendCampaign_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/whatsapp/send-campaign", `{"messages": "nope"`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSendCampaign_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxBodyBytes = 64 })
	rec := env.do(t, http.MethodPost, "/whatsapp/send-campaign", campaignBody(3))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSendCampaign_NotLoggedIn(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/whatsapp/send-campaign", campaignBody(2))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a session, got %d", rec.Code)
	}
	report := decode[campaign.Report](t, rec)
	if report.Success || report.SentCount != 0 || report.FailedCount != 0 || len(report.Errors) == 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if env.launcher.Launches() != 0 {
		t.Fatal("no browser should be started")
	}
}

func TestStop_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/whatsapp/initialize", "")

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/whatsapp/stop", "")
		if rec.Code != http.StatusOK || !decode[session.Result](t, rec).Success {
			t.Fatalf("stop %d: %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	if env.launcher.Last().CloseCount() != 1 {
		t.Fatalf("page should be closed once, got %d", env.launcher.Last().CloseCount())
	}
}

func TestRestart_RequiresQR(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/whatsapp/restart", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("restart without a QR should fail, got %d", rec.Code)
	}
	if body := decode[errorResponse](t, rec); !strings.Contains(strings.ToLower(body.Details), "qr") {
		t.Fatalf("details should mention the QR code: %+v", body)
	}

	env.launcher.NewPage = func() *browsertest.Page { return browsertest.NewPage("#qr") }
	rec = env.do(t, http.MethodPost, "/whatsapp/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restart with QR: %d %s", rec.Code, rec.Body.String())
	}
	if !env.launcher.Options[len(env.launcher.Options)-1].Headless {
		t.Fatal("restart must launch headless")
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/whatsapp/status", "", "Origin", "https://agenda.example")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://agenda.example" {
		t.Fatalf("allowed origin rejected: %d %v", rec.Code, rec.Header())
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/status", "", "Origin", "https://evil.example")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodOptions, "/whatsapp/send-campaign", "",
		"Origin", "https://agenda.example", "Access-Control-Request-Method", "POST")
	if rec.Code != http.StatusNoContent || !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("preflight failed: %d %v", rec.Code, rec.Header())
	}

	if rec := env.do(t, http.MethodGet, "/whatsapp/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("requests without Origin must pass, got %d", rec.Code)
	}
}

func TestRateLimit_StrictTier(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = RateLimit{Enabled: true, Window: 15 * time.Minute, General: 100, Strict: 2}
	})

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/whatsapp/initialize", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/whatsapp/initialize", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if rec := env.do(t, http.MethodGet, "/whatsapp/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("general tier should still admit status, got %d", rec.Code)
	}
}

func TestRateLimit_GeneralTier(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = RateLimit{Enabled: true, Window: time.Minute, General: 3, Strict: 3}
	})
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodGet, "/health", "")
	}
	if rec := env.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	health := decode[map[string]any](t, env.do(t, http.MethodGet, "/health", ""))
	if health["status"] != "ok" || health["session"] != string(session.StateUninitialized) {
		t.Fatalf("unexpected health: %v", health)
	}

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "salonreach_") {
		t.Fatalf("metrics endpoint missing salonreach metrics: %d", rec.Code)
	}
}

func TestCampaigns_HistoryDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.History = nil })
	if rec := env.do(t, http.MethodGet, "/whatsapp/campaigns", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCampaigns_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/whatsapp/campaigns?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/whatsapp/campaigns/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/whatsapp/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello streamMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("expected hello frame, got %+v (%v)", hello, err)
	}

	env.events.Emit(bus.Event{Type: bus.EventCampaignStarted, Payload: map[string]any{"id": "c-1"}})
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != bus.EventCampaignStarted || ev.Payload["id"] != "c-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestEventsStream_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/whatsapp/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
	io.Copy(io.Discard, resp.Body)
}

func TestEventsStream_ReplaysSince(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	start := time.Now().Add(-time.Second)
	env.events.Emit(bus.Event{Type: bus.EventCampaignFinished, Payload: map[string]any{"id": "c-9"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/whatsapp/events?since=" + start.UTC().Format(time.RFC3339Nano)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello streamMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("expected hello frame, got %+v (%v)", hello, err)
	}
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if ev.Type != bus.EventCampaignFinished || ev.Payload["id"] != "c-9" {
		t.Fatalf("unexpected replayed event %+v", ev)
	}
}

func TestEventsStream_BadSince(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/whatsapp/events?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
