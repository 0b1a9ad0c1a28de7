package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"
)

const testSecret = "s3cr3t"

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsSignatureValid(t *testing.T) {
	body := []byte(`{"action":"labeled"}`)
	good := signPayload(testSecret, body)

	tests := []struct {
		name      string
		secret    string
		signature string
		want      bool
	}{
		{"no secret accepts anything", "", "", true},
		{"no secret ignores bad signature", "", "sha256=nope", true},
		{"valid", testSecret, good, true},
		{"missing header", testSecret, "", false},
		{"wrong secret", testSecret, signPayload("other", body), false},
		{"missing prefix", testSecret, good[len("sha256="):], false},
		{"zeroed", testSecret, "sha256=" + strings.Repeat("0", 64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSignatureValid(tt.secret, body, tt.signature); got != tt.want {
				t.Errorf("IsSignatureValid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateRequest(t *testing.T) {
	e := Evaluator{Path: "/webhook", Secret: testSecret}
	labeled := []byte(`{"action":"labeled"}`)

	signed := func(method, path, event string, body []byte) Request {
		return Request{Method: method, Path: path, Event: event, Body: body, Signature: signPayload(testSecret, body)}
	}

	tests := []struct {
		name    string
		req     Request
		status  int
		trigger bool
	}{
		{"get", signed(http.MethodGet, "/webhook", "issues", labeled), 405, false},
		{"method checked before path", signed(http.MethodPut, "/elsewhere", "issues", labeled), 405, false},
		{"wrong path", signed(http.MethodPost, "/hooks", "issues", labeled), 404, false},
		{"path before signature", Request{Method: http.MethodPost, Path: "/nope", Event: "issues", Body: labeled}, 404, false},
		{"trailing slash", signed(http.MethodPost, "/webhook/", "issues", labeled), 202, true},
		{"path case", signed(http.MethodPost, "/WebHook", "issues", labeled), 202, true},
		{"missing signature", Request{Method: http.MethodPost, Path: "/webhook", Event: "issues", Body: labeled}, 401, false},
		{"bad signature", Request{Method: http.MethodPost, Path: "/webhook", Event: "issues", Body: labeled, Signature: signPayload("x", labeled)}, 401, false},
		{"missing event", signed(http.MethodPost, "/webhook", "", labeled), 400, false},
		{"ping", signed(http.MethodPost, "/webhook", "ping", []byte(`{"zen":"hi"}`)), 200, false},
		{"issues without action", signed(http.MethodPost, "/webhook", "issues", []byte(`{}`)), 400, false},
		{"issues empty action", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":""}`)), 400, false},
		{"issues invalid json", signed(http.MethodPost, "/webhook", "issues", []byte(`not json`)), 400, false},
		{"issues opened", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"opened"}`)), 202, true},
		{"issues edited", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"edited"}`)), 202, true},
		{"issues labeled", signed(http.MethodPost, "/webhook", "issues", labeled), 202, true},
		{"issues unlabeled", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"unlabeled"}`)), 202, true},
		{"issues reopened", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"reopened"}`)), 202, true},
		{"issues closed", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"closed"}`)), 202, false},
		{"issues assigned", signed(http.MethodPost, "/webhook", "issues", []byte(`{"action":"assigned"}`)), 202, false},
		{"push", signed(http.MethodPost, "/webhook", "push", []byte(`{"ref":"refs/heads/main"}`)), 202, false},
		{"pull request labeled", signed(http.MethodPost, "/webhook", "pull_request", labeled), 202, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.EvaluateRequest(tt.req)
			if d.StatusCode != tt.status || d.ShouldTrigger != tt.trigger {
				t.Errorf("decision = %d/%v (%s), want %d/%v", d.StatusCode, d.ShouldTrigger, d.Reason, tt.status, tt.trigger)
			}
		})
	}
}

func TestEvaluateRequestWithoutSecretSkipsSignature(t *testing.T) {
	e := Evaluator{Path: "/webhook"}
	d := e.EvaluateRequest(Request{Method: http.MethodPost, Path: "/webhook", Event: "issues", Body: []byte(`{"action":"opened"}`)})
	if d.StatusCode != http.StatusAccepted || !d.ShouldTrigger {
		t.Errorf("decision = %+v, want 202 trigger", d)
	}
}

func TestEvaluateRequestIsDeterministic(t *testing.T) {
	e := Evaluator{Path: "/webhook", Secret: testSecret}
	body := []byte(`{"action":"labeled"}`)
	req := Request{Method: http.MethodPost, Path: "/webhook", Event: "issues", Body: body, Signature: signPayload(testSecret, body)}
	first := e.EvaluateRequest(req)
	for range 10 {
		if got := e.EvaluateRequest(req); got != first {
			t.Fatalf("decision changed: %+v then %+v", first, got)
		}
	}
}

func newTestServer(secret string, triggers *atomic.Int32) *Server {
	return NewServer(Config{Path: "/webhook", Secret: secret}, func() { triggers.Add(1) }, discardLogger())
}

func post(t *testing.T, h http.Handler, event string, body []byte, signature string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if event != "" {
		req.Header.Set(EventHeader, event)
	}
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHandlerTriggersOnLabeledIssue(t *testing.T) {
	var triggers atomic.Int32
	h := newTestServer(testSecret, &triggers).Handler()
	body := []byte(`{"action":"labeled"}`)

	if code := post(t, h, "issues", body, signPayload(testSecret, body)); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if n := triggers.Load(); n != 1 {
		t.Errorf("triggers = %d, want 1", n)
	}
}

func TestHandlerDoesNotTriggerOnRejectedOrIgnored(t *testing.T) {
	var triggers atomic.Int32
	h := newTestServer(testSecret, &triggers).Handler()
	body := []byte(`{"action":"labeled"}`)
	ping := []byte(`{"zen":"keep it simple"}`)

	if code := post(t, h, "ping", ping, signPayload(testSecret, ping)); code != http.StatusOK {
		t.Errorf("ping status = %d, want 200", code)
	}
	if code := post(t, h, "issues", body, ""); code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", code)
	}
	if code := post(t, h, "", body, signPayload(testSecret, body)); code != http.StatusBadRequest {
		t.Errorf("no event status = %d, want 400", code)
	}
	if n := triggers.Load(); n != 0 {
		t.Errorf("triggers = %d, want 0", n)
	}
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	var triggers atomic.Int32
	h := newTestServer("", &triggers).Handler()
	body := bytes.Repeat([]byte("a"), maxBodySize+1)

	if code := post(t, h, "issues", body, ""); code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", code)
	}
	if n := triggers.Load(); n != 0 {
		t.Errorf("triggers = %d, want 0", n)
	}
}

func TestHandlerChecksMethodAndPathBeforeBody(t *testing.T) {
	var triggers atomic.Int32
	h := newTestServer(testSecret, &triggers).Handler()
	big := bytes.Repeat([]byte("a"), maxBodySize+1)

	tests := []struct {
		name   string
		method string
		path   string
		body   io.Reader
		want   int
	}{
		{"oversized get", http.MethodGet, "/webhook", bytes.NewReader(big), http.StatusMethodNotAllowed},
		{"unreadable put", http.MethodPut, "/webhook", iotest.ErrReader(errors.New("reset")), http.StatusMethodNotAllowed},
		{"oversized wrong path", http.MethodPost, "/other", bytes.NewReader(big), http.StatusNotFound},
		{"unreadable post", http.MethodPost, "/webhook", iotest.ErrReader(errors.New("reset")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, tt.body)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if n := triggers.Load(); n != 0 {
		t.Errorf("triggers = %d, want 0", n)
	}
}

func TestServeFallsBackToHTTPAndShutsDown(t *testing.T) {
	var triggers atomic.Int32
	srv := NewServer(Config{
		Path:     "/webhook",
		Secret:   testSecret,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}, func() { triggers.Add(1) }, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	body := []byte(`{"action":"labeled"}`)
	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(EventHeader, "issues")
	req.Header.Set(SignatureHeader, signPayload(testSecret, body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if n := triggers.Load(); n != 1 {
		t.Errorf("triggers = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
