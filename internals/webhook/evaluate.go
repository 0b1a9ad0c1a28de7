package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
)

// triggerActions are the issue actions that can change which stage an
// issue belongs to.
var triggerActions = map[string]bool{
	"opened":    true,
	"edited":    true,
	"labeled":   true,
	"unlabeled": true,
	"reopened":  true,
}

// Request is the part of an inbound HTTP request the evaluator looks at.
type Request struct {
	Method    string
	Path      string
	Signature string
	Event     string
	Body      []byte
}

type Decision struct {
	StatusCode    int
	ShouldTrigger bool
	Reason        string
}

type Evaluator struct {
	Path   string
	Secret string
}

// EvaluateRequest decides the response for a request. It has no side
// effects, so the same request always yields the same decision.
func (e Evaluator) EvaluateRequest(r Request) Decision {
	if r.Method != http.MethodPost {
		return Decision{StatusCode: http.StatusMethodNotAllowed, Reason: "method not allowed"}
	}
	if normalizePath(r.Path) != normalizePath(e.Path) {
		return Decision{StatusCode: http.StatusNotFound, Reason: "unknown path"}
	}
	if !IsSignatureValid(e.Secret, r.Body, r.Signature) {
		return Decision{StatusCode: http.StatusUnauthorized, Reason: "signature mismatch"}
	}

	event := strings.ToLower(strings.TrimSpace(r.Event))
	switch event {
	case "":
		return Decision{StatusCode: http.StatusBadRequest, Reason: "missing event header"}
	case "ping":
		return Decision{StatusCode: http.StatusOK, Reason: "ping"}
	case "issues":
		action, ok := parseAction(r.Body)
		if !ok {
			return Decision{StatusCode: http.StatusBadRequest, Reason: "missing action"}
		}
		if triggerActions[action] {
			return Decision{StatusCode: http.StatusAccepted, ShouldTrigger: true, Reason: "issues " + action}
		}
		return Decision{StatusCode: http.StatusAccepted, Reason: "ignored action " + action}
	default:
		return Decision{StatusCode: http.StatusAccepted, Reason: "ignored event " + event}
	}
}

// IsSignatureValid checks a "sha256=<hex>" signature over payload. An empty
// secret disables verification.
func IsSignatureValid(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func parseAction(body []byte) (string, bool) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	action := strings.ToLower(strings.TrimSpace(payload.Action))
	return action, action != ""
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.TrimRight(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
