// Package sentinel creates the anti-abuse tokens that creation-class upstream
// calls must carry. Each token involves one or two SHA3-512 proof-of-work
// searches; the searches run on a small dedicated worker pool so request
// goroutines only wait, never burn CPU.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
)

const (
	// Flow tags Sora create-task requests at the anti-abuse endpoint.
	Flow = "sora_2_create_task"

	// browserUserAgent is the desktop profile shown to the anti-abuse endpoint.
	// Creation calls themselves use the mobile app agent.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// localDifficulty is the easy target for the self-issued warmup challenge.
	localDifficulty = "0fffff"

	requestTimeout = 10 * time.Second
)

type Service struct {
	logger   *logger.Logger
	url      string
	client   *http.Client
	jobs     chan solveJob
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

type solveJob struct {
	seed        string
	difficulty  string
	fingerprint []interface{}
	result      chan solveResult
}

type solveResult struct {
	solution string
	ok       bool
	err      error
}

// NewService starts the solver pool. workers bounds concurrent searches.
func NewService(log *logger.Logger, sentinelURL string, workers int) *Service {
	if workers <= 0 {
		workers = 1
	}

	s := &Service{
		logger:   log.WithComponent("sentinel"),
		url:      sentinelURL,
		client:   &http.Client{Timeout: requestTimeout},
		jobs:     make(chan solveJob),
		shutdown: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.solveWorker()
	}

	return s
}

func (s *Service) solveWorker() {
	defer s.workers.Done()

	for {
		select {
		case job := <-s.jobs:
			start := time.Now()
			solution, ok, err := solve(job.seed, job.difficulty, job.fingerprint)
			metrics.PowSolveDuration.Observe(time.Since(start).Seconds())
			if err == nil && !ok {
				metrics.PowSolveFailures.Inc()
			}
			job.result <- solveResult{solution: solution, ok: ok, err: err}
		case <-s.shutdown:
			return
		}
	}
}

// Shutdown stops the solver pool. Safe to call on a nil service.
func (s *Service) Shutdown() {
	if s == nil {
		return
	}
	s.closed.Store(true)
	close(s.shutdown)
	s.workers.Wait()
}

// submitSolve hands one search to the pool and waits for the answer.
func (s *Service) submitSolve(ctx context.Context, seed, difficulty string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, fmt.Errorf("sentinel service shutting down")
	}

	job := solveJob{
		seed:        seed,
		difficulty:  difficulty,
		fingerprint: newFingerprint(browserUserAgent),
		result:      make(chan solveResult, 1),
	}

	select {
	case s.jobs <- job:
	case <-s.shutdown:
		return "", false, fmt.Errorf("sentinel service shutting down")
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	select {
	case r := <-job.result:
		return r.solution, r.ok, r.err
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// TokenRequest carries the optional per-call bearer and egress proxy.
type TokenRequest struct {
	AccessToken string
	ProxyURL    string
}

type challengeResponse struct {
	ProofOfWork struct {
		Required   bool   `json:"required"`
		Seed       string `json:"seed"`
		Difficulty string `json:"difficulty"`
	} `json:"proofofwork"`
	Turnstile struct {
		DX string `json:"dx"`
	} `json:"turnstile"`
	Token string `json:"token"`
}

// Field order matches what the upstream's own web client emits.
type headerPayload struct {
	P    string `json:"p"`
	T    string `json:"t"`
	C    string `json:"c"`
	ID   string `json:"id"`
	Flow string `json:"flow"`
}

type challengeRequest struct {
	P    string `json:"p"`
	Flow string `json:"flow"`
	ID   string `json:"id"`
}

// CreateToken performs the full handshake: solve a warmup challenge locally,
// present it to the anti-abuse endpoint, solve the returned challenge if one
// is demanded, and pack the result into the header value for creation calls.
func (s *Service) CreateToken(ctx context.Context, req TokenRequest) (string, error) {
	reqID := uuid.New().String()

	solution, _, err := s.submitSolve(ctx, newSeed(), localDifficulty)
	if err != nil {
		return "", fmt.Errorf("failed to solve warmup challenge: %w", err)
	}
	powToken := "gAAAAAC" + solution

	challenge, err := s.requestChallenge(ctx, req, reqID, powToken)
	if err != nil {
		return "", err
	}

	finalPow := powToken
	if pow := challenge.ProofOfWork; pow.Required && pow.Seed != "" && pow.Difficulty != "" {
		solution, ok, err := s.submitSolve(ctx, pow.Seed, pow.Difficulty)
		if err != nil {
			return "", fmt.Errorf("failed to solve challenge: %w", err)
		}
		if !ok {
			s.logger.Warn("challenge search exhausted, sending degraded answer")
		}
		finalPow = "gAAAAAB" + solution
	}

	header, err := compactJSON(headerPayload{
		P:    finalPow,
		T:    challenge.Turnstile.DX,
		C:    challenge.Token,
		ID:   reqID,
		Flow: Flow,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode sentinel header: %w", err)
	}
	return string(header), nil
}

func (s *Service) requestChallenge(ctx context.Context, req TokenRequest, reqID, powToken string) (*challengeResponse, error) {
	body, err := json.Marshal(challengeRequest{P: powToken, Flow: Flow, ID: reqID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode challenge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build challenge request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Origin", "https://sora.chatgpt.com")
	httpReq.Header.Set("Referer", "https://sora.chatgpt.com/")
	httpReq.Header.Set("User-Agent", browserUserAgent)
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	client := s.client
	if req.ProxyURL != "" {
		client, err = proxiedClient(req.ProxyURL)
		if err != nil {
			return nil, err
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sentinel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Error("sentinel request rejected",
			"status", resp.StatusCode,
			"body", string(text))
		return nil, fmt.Errorf("sentinel request failed: %d", resp.StatusCode)
	}

	var challenge challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("failed to decode challenge response: %w", err)
	}
	return &challenge, nil
}

func proxiedClient(proxyURL string) (*http.Client, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}, nil
}
