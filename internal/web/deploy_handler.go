package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
)

// handleDeploy is the GitHub push webhook: verify the HMAC signature, act
// only on pushes to main, and hand off to a detached update script so the
// gateway can be replaced underneath a finished response.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret == "" {
		writeAPIError(w, http.StatusServiceUnavailable, "api_error", "deploy webhook is not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	if !validSignature(s.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "signature mismatch")
		return
	}

	var payload struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "payload is not valid JSON")
		return
	}
	if payload.Ref != "refs/heads/main" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "ref": payload.Ref})
		return
	}

	if s.cfg.UpdateScript == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no update script configured"})
		return
	}
	if err := launchDetached(s.cfg.UpdateScript); err != nil {
		log.Printf("deploy: launch update script: %v", err)
		writeAPIError(w, http.StatusInternalServerError, "api_error", "failed to launch update script")
		return
	}

	log.Printf("deploy: update script launched for %s", payload.Ref)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deploying"})
}

// validSignature checks a GitHub "sha256=<hex>" signature in constant time.
func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

// launchDetached starts the update script in its own session so it survives
// this process being restarted by the deploy itself.
func launchDetached(script string) error {
	cmd := exec.Command(script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait() // reap
	}()
	return nil
}
