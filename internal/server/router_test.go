package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterDispatchesKnownRepo(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://hub.local/r/whisper/config.json", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.routeName != "whisper" {
		t.Fatalf("expected whisper route, got %s", app.recorder.routeName)
	}
	if app.recorder.file != "config.json" {
		t.Fatalf("expected file param config.json, got %s", app.recorder.file)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterKeepsIncomingRequestID(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://hub.local/r/whisper/a/b.bin", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "trace-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if app.recorder.file != "a/b.bin" {
		t.Fatalf("nested file path lost: %s", app.recorder.file)
	}
}

func TestRouterReturns404WhenRepoUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://hub.local/r/unknown/model.bin", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"repo_not_found"`)) {
		t.Fatalf("expected repo_not_found error, got %s", string(body))
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	registry, _ := NewRepoRegistry(testConfig())
	logger := logrus.New()
	handler := RepoHandlerFunc(func(c fiber.Ctx, _ *RepoRoute) error { return nil })

	cases := []AppOptions{
		{Registry: registry, Handler: handler, ListenPort: 5000},
		{Logger: logger, Handler: handler, ListenPort: 5000},
		{Logger: logger, Registry: registry, ListenPort: 5000},
		{Logger: logger, Registry: registry, Handler: handler},
	}
	for i, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

type testApp struct {
	*fiber.App
	recorder *handlerRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewRepoRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &handlerRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, recorder: recorder}
}

type handlerRecorder struct {
	routeName string
	file      string
}

func (p *handlerRecorder) Handle(c fiber.Ctx, route *RepoRoute) error {
	p.routeName = route.Config.Name
	p.file = c.Params("*")
	return c.SendStatus(fiber.StatusNoContent)
}
