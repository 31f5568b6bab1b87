package sentinel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/sora2api/sora-proxy/internal/logger"
)

func newTestLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func TestSolveFindsValidAnswer(t *testing.T) {
	fp := newFingerprint(browserUserAgent)
	seed := "0.123456789"
	difficulty := "0fff"

	answer, ok, err := solve(seed, difficulty, fp)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !ok {
		t.Fatal("expected a solution within the budget")
	}

	// The answer must decode to the fingerprint array with the two counter
	// slots replaced by integers.
	decoded, err := base64.StdEncoding.DecodeString(answer)
	if err != nil {
		t.Fatalf("answer is not base64: %v", err)
	}
	var arr []interface{}
	if err := json.Unmarshal(decoded, &arr); err != nil {
		t.Fatalf("answer is not a JSON array: %v", err)
	}
	if len(arr) != 18 {
		t.Fatalf("expected 18 fingerprint slots, got %d", len(arr))
	}
	counter, isNum := arr[3].(float64)
	if !isNum {
		t.Fatalf("slot 3 should be numeric, got %T", arr[3])
	}
	half, isNum := arr[9].(float64)
	if !isNum {
		t.Fatalf("slot 9 should be numeric, got %T", arr[9])
	}
	if int(half) != int(counter)>>1 {
		t.Errorf("slot 9 = %d, want %d", int(half), int(counter)>>1)
	}

	// And the published hash property must hold.
	digest := sha3.Sum512(append([]byte(seed), []byte(answer)...))
	target, _ := hex.DecodeString(difficulty)
	if bytes.Compare(digest[:len(difficulty)/2], target) > 0 {
		t.Errorf("digest prefix %x above target %x", digest[:len(difficulty)/2], target)
	}
}

func TestSolveExhaustionReturnsFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("exhausts the full search budget")
	}

	fp := newFingerprint(browserUserAgent)
	seed := "0.42"

	answer, ok, err := solve(seed, "0000000000000000", fp)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if ok {
		t.Fatal("did not expect a solution under an impossible target")
	}
	if !strings.HasPrefix(answer, failedAnswerPrefix) {
		t.Errorf("fallback answer missing marker prefix: %q", answer)
	}
	wantSuffix := base64.StdEncoding.EncodeToString([]byte(`"` + seed + `"`))
	if !strings.HasSuffix(answer, wantSuffix) {
		t.Errorf("fallback answer missing encoded seed: %q", answer)
	}
}

func TestSolveRejectsBadDifficulty(t *testing.T) {
	if _, _, err := solve("0.1", "zz", newFingerprint(browserUserAgent)); err == nil {
		t.Fatal("expected error for non-hex difficulty")
	}
}

func TestFingerprintShape(t *testing.T) {
	fp := newFingerprint(browserUserAgent)

	if len(fp) != 18 {
		t.Fatalf("expected 18 slots, got %d", len(fp))
	}
	if fp[2] != 4294705152 {
		t.Errorf("slot 2 = %v, want 4294705152", fp[2])
	}
	if fp[3] != 0 || fp[9] != 0 {
		t.Errorf("counter slots should start at 0, got %v and %v", fp[3], fp[9])
	}
	if fp[4] != browserUserAgent {
		t.Errorf("slot 4 should carry the user agent")
	}
	if fp[7] != "en-US" || fp[8] != "en-US,es-US,en,es" {
		t.Errorf("language slots wrong: %v, %v", fp[7], fp[8])
	}
	if fp[15] != "" {
		t.Errorf("slot 15 should be empty, got %v", fp[15])
	}
}

func TestPowTimestampFormat(t *testing.T) {
	at := time.Date(2026, time.January, 5, 14, 30, 9, 0, time.UTC)
	got := powTimestamp(at)
	want := "Mon Jan 05 2026 09:30:09 GMT-0500 (Eastern Standard Time)"
	if got != want {
		t.Errorf("powTimestamp = %q, want %q", got, want)
	}
}

func TestCreateToken(t *testing.T) {
	var sawChallengeRequest bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawChallengeRequest = true

		if r.Header.Get("Origin") != "https://sora.chatgpt.com" {
			t.Errorf("unexpected Origin header %q", r.Header.Get("Origin"))
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected Authorization header %q", got)
		}

		var req challengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad challenge request body: %v", err)
		}
		if req.Flow != Flow {
			t.Errorf("challenge flow = %q, want %q", req.Flow, Flow)
		}
		if !strings.HasPrefix(req.P, "gAAAAAC") {
			t.Errorf("warmup token missing prefix: %q", req.P)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"proofofwork": map[string]interface{}{
				"required":   true,
				"seed":       "server-seed",
				"difficulty": "ffff",
			},
			"turnstile": map[string]interface{}{"dx": "dx-value"},
			"token":     "srv-token",
		})
	}))
	defer server.Close()

	svc := NewService(newTestLogger(), server.URL, 2)
	defer svc.Shutdown()

	header, err := svc.CreateToken(context.Background(), TokenRequest{AccessToken: "tok-1"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if !sawChallengeRequest {
		t.Fatal("challenge endpoint was never called")
	}

	// Field order is part of the wire shape.
	if !strings.HasPrefix(header, `{"p":"gAAAAAB`) {
		t.Errorf("header should lead with the solved challenge: %s", header[:40])
	}

	var payload headerPayload
	if err := json.Unmarshal([]byte(header), &payload); err != nil {
		t.Fatalf("header is not valid JSON: %v", err)
	}
	if payload.T != "dx-value" || payload.C != "srv-token" {
		t.Errorf("header payload = %+v", payload)
	}
	if payload.Flow != Flow {
		t.Errorf("header flow = %q", payload.Flow)
	}
	if payload.ID == "" {
		t.Error("header is missing the request id")
	}
}

func TestCreateTokenServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	svc := NewService(newTestLogger(), server.URL, 1)
	defer svc.Shutdown()

	if _, err := svc.CreateToken(context.Background(), TokenRequest{}); err == nil {
		t.Fatal("expected error from rejected challenge request")
	}
}

func TestSubmitSolveAfterShutdown(t *testing.T) {
	svc := NewService(newTestLogger(), "http://unused.invalid", 1)
	svc.Shutdown()

	if _, _, err := svc.submitSolve(context.Background(), "0.6", "0fff"); err == nil {
		t.Fatal("expected error after shutdown")
	}
}
