package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newDeployServer(t *testing.T, secret string) *Server {
	t.Helper()
	s, _ := newTestServer(t)
	s.cfg.WebhookSecret = secret
	return s
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postDeploy(s *Server, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDeployRejectsMissingSignature(t *testing.T) {
	s := newDeployServer(t, "s3cret")
	rec := postDeploy(s, `{"ref":"refs/heads/main"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDeployRejectsBadSignature(t *testing.T) {
	s := newDeployServer(t, "s3cret")
	body := `{"ref":"refs/heads/main"}`
	rec := postDeploy(s, body, sign("wrong-secret", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDeployIgnoresOtherBranches(t *testing.T) {
	s := newDeployServer(t, "s3cret")
	body := `{"ref":"refs/heads/feature"}`
	rec := postDeploy(s, body, sign("s3cret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ignored"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDeployMainWithoutScript(t *testing.T) {
	s := newDeployServer(t, "s3cret")
	body := `{"ref":"refs/heads/main"}`
	rec := postDeploy(s, body, sign("s3cret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ignored"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDeployDisabledWithoutSecret(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postDeploy(s, `{"ref":"refs/heads/main"}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
