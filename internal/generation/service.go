// Package generation orchestrates the lifecycle of one generation request:
// credential selection, lock and concurrency-slot accounting, the upstream
// creation call, result polling and the terminal response. Flows report
// progress as a stream of events that the API layer turns into SSE frames.
package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/pool"
	"github.com/sora2api/sora-proxy/internal/request_tracking"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
	"github.com/sora2api/sora-proxy/internal/streaming"
)

// Service runs generation flows end to end. All methods are safe for
// concurrent use; per-request state lives in the flow struct.
type Service struct {
	log      *logger.Logger
	cfg      *config.Config
	runtime  *config.Runtime
	queries  *pg.Queries
	client   *sora.Client
	selector *pool.Selector
	recorder *pool.Recorder
	cache    *cache.Service
	tracker  *request_tracking.Service

	// Poll cadence, overridable in tests.
	pollInterval      time.Duration
	cameoPollInterval time.Duration
	cameoTimeout      time.Duration
	now               func() time.Time
}

func NewService(log *logger.Logger, cfg *config.Config, runtime *config.Runtime, queries *pg.Queries,
	client *sora.Client, selector *pool.Selector, recorder *pool.Recorder,
	cacheSvc *cache.Service, tracker *request_tracking.Service) *Service {
	return &Service{
		log:               log.WithComponent("generation"),
		cfg:               cfg,
		runtime:           runtime,
		queries:           queries,
		client:            client,
		selector:          selector,
		recorder:          recorder,
		cache:             cacheSvc,
		tracker:           tracker,
		pollInterval:      time.Duration(cfg.PollIntervalSeconds) * time.Second,
		cameoPollInterval: 5 * time.Second,
		cameoTimeout:      10 * time.Minute,
		now:               time.Now,
	}
}

// Request is one parsed generation request.
type Request struct {
	Model  string
	Prompt string
	// Image is a decoded image attachment for image-to-image or
	// image-to-video generation.
	Image []byte
	// Video and VideoURL carry a character reference clip, as raw bytes or
	// as a link to fetch. Either one switches a video model into the
	// character flow.
	Video    []byte
	VideoURL string
	// RemixTargetID switches a video model into the remix flow.
	RemixTargetID string
	Stream        bool
}

// Event is one unit of flow output. Reasoning events carry progress text,
// the single Finish event carries the terminal content, and Envelope is the
// complete non-streamed response used by the availability check.
type Event struct {
	Reasoning string
	Content   string
	First     bool
	Finish    bool
	Envelope  *streaming.Envelope
}

// EmitFunc receives flow events in order. Called from the request goroutine.
type EmitFunc func(Event)

// emitter tracks stream position so the first chunk carries the assistant
// role and nothing follows the terminal chunk.
type emitter struct {
	emit     EmitFunc
	started  bool
	finished bool
}

func (e *emitter) reasoning(text string) {
	if e.finished {
		return
	}
	first := !e.started
	e.started = true
	e.emit(Event{Reasoning: text, First: first})
}

func (e *emitter) content(text string) {
	if e.finished {
		return
	}
	e.started = true
	e.finished = true
	e.emit(Event{Content: text, Finish: true})
}

// Handle dispatches one request to its flow. Without streaming only the
// credential availability is reported; generation itself needs a stream.
// A returned error means no terminal event was emitted and the caller owns
// the error response.
func (s *Service) Handle(ctx context.Context, req Request, emit EmitFunc) error {
	model, ok := Lookup(req.Model)
	if !ok {
		return fmt.Errorf("invalid model: %s", req.Model)
	}
	ctx = logger.WithRequestID(ctx, logger.GenerateRequestID())

	if !req.Stream {
		message, err := s.availabilityMessage(ctx, model)
		if err != nil {
			return err
		}
		env := streaming.Completion(message)
		emit(Event{Envelope: &env})
		return nil
	}

	em := &emitter{emit: emit}

	if model.IsVideo() {
		if req.RemixTargetID != "" {
			return s.generateRemix(ctx, model, req, em)
		}
		if len(req.Video) > 0 || req.VideoURL != "" {
			if req.Prompt == "" {
				return s.createCharacterOnly(ctx, model, req, em)
			}
			return s.generateWithCharacter(ctx, model, req, em)
		}
	}
	return s.generate(ctx, model, req, em)
}

// availabilityMessage probes the pool the way a real selection would, minus
// the pro predicate: the check answers "does the pool have anything for this
// modality", not "can this exact model run right now".
func (s *Service) availabilityMessage(ctx context.Context, model Model) (string, error) {
	_, err := s.selector.Select(ctx, pool.Predicates{
		ForImage: model.IsImage(),
		ForVideo: model.IsVideo(),
	})
	modality := KindImage
	if model.IsVideo() {
		modality = KindVideo
	}
	if errors.Is(err, pool.ErrNoCredentials) {
		return fmt.Sprintf("No available models for %s generation", modality), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("All tokens available for %s generation. Please enable streaming to use the generation feature.", modality), nil
}

// selectCredential picks a credential for the main generate flow and maps an
// empty pool to the user-facing explanation for this model class.
func (s *Service) selectCredential(ctx context.Context, model Model) (*pg.Credential, error) {
	cred, err := s.selector.Select(ctx, pool.Predicates{
		ForImage:   model.IsImage(),
		ForVideo:   model.IsVideo(),
		RequirePro: model.RequirePro,
	})
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, pool.ErrNoCredentials) {
		return nil, err
	}
	switch {
	case model.RequirePro:
		return nil, errors.New("No available Pro tokens. Pro models require a ChatGPT Pro subscription.")
	case model.IsImage():
		return nil, errors.New("No available tokens for image generation. All tokens are either disabled, cooling down, locked, or expired.")
	default:
		return nil, errors.New("No available tokens for video generation. All tokens are either disabled, cooling down, Sora2 quota exhausted, don't support Sora2, or expired.")
	}
}

// selectVideo picks a video-capable credential for the remix and character
// flows, which carry their own no-credential message.
func (s *Service) selectVideo(ctx context.Context, unavailable string) (*pg.Credential, error) {
	cred, err := s.selector.Select(ctx, pool.Predicates{ForVideo: true})
	if errors.Is(err, pool.ErrNoCredentials) {
		return nil, errors.New(unavailable)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// acquire takes the per-credential resources for one generation: the token
// lock plus an image slot for image models, a video slot for video models.
// The returned release is idempotent so every exit path can call it.
func (s *Service) acquire(credentialID int64, model Model) (func(), error) {
	if model.IsImage() {
		lock := s.selector.Lock()
		if !lock.TryAcquire(credentialID) {
			return nil, fmt.Errorf("failed to acquire lock for token %d", credentialID)
		}
		if !s.selector.Limiter().AcquireImage(credentialID) {
			lock.Release(credentialID)
			return nil, fmt.Errorf("failed to acquire concurrency slot for token %d", credentialID)
		}
		var once sync.Once
		return func() {
			once.Do(func() {
				lock.Release(credentialID)
				s.selector.Limiter().ReleaseImage(credentialID)
			})
		}, nil
	}
	return s.acquireVideoSlot(credentialID)
}

// acquireVideoSlot takes only a video concurrency slot. Remix and character
// flows use this directly: they always render video regardless of how the
// request arrived.
func (s *Service) acquireVideoSlot(credentialID int64) (func(), error) {
	if !s.selector.Limiter().AcquireVideo(credentialID) {
		return nil, fmt.Errorf("failed to acquire concurrency slot for token %d", credentialID)
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.selector.Limiter().ReleaseVideo(credentialID) })
	}, nil
}

// flow is the per-request state shared by the pipeline stages.
type flow struct {
	model  Model
	cred   *pg.Credential
	auth   sora.Auth
	em     *emitter
	prompt string
	taskID string
	logID  int64
	start  time.Time
}

func (s *Service) newFlow(model Model, cred *pg.Credential, em *emitter) *flow {
	return &flow{
		model: model,
		cred:  cred,
		auth:  sora.Auth{Token: cred.AccessToken, ProxyURL: cred.ProxyURL},
		em:    em,
		start: s.now(),
	}
}

// budgetExceededError marks a generation that outlived its configured budget.
type budgetExceededError struct {
	budget  int
	elapsed float64
}

func (e *budgetExceededError) Error() string {
	return fmt.Sprintf("Upstream API timeout: Generation exceeded %d seconds limit", e.budget)
}

// terminalError marks a poll outcome that must not be retried, like an
// upstream task in a failed state.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// failRequest applies the standard failure bookkeeping: debit the credential,
// mark the task failed and finish the audit row with the mapped status code.
// Client disconnects debit nothing.
func (s *Service) failRequest(ctx context.Context, f *flow, cause error) {
	if errors.Is(cause, context.Canceled) {
		s.finishLog(ctx, f, http.StatusInternalServerError, errorBody(cause.Error()))
		return
	}
	s.recorder.RecordFailure(ctx, f.cred.ID, cause)

	var timeout *budgetExceededError
	if errors.As(cause, &timeout) {
		metrics.GenerationsTotal.WithLabelValues(f.model.Kind, metrics.OutcomeTimeout).Inc()
		message := fmt.Sprintf("Generation timeout after %.1f seconds", timeout.elapsed)
		s.failTask(ctx, f, message)
		s.finishLog(ctx, f, http.StatusRequestTimeout, errorBody(message))
		return
	}

	metrics.GenerationsTotal.WithLabelValues(f.model.Kind, metrics.OutcomeFailed).Inc()
	s.failTask(ctx, f, cause.Error())

	if payload, ok := sora.StructuredPayload(cause); ok {
		status := int32(http.StatusBadRequest)
		if sora.IsCfShield(cause) {
			status = http.StatusTooManyRequests
		}
		s.finishLog(ctx, f, status, payload)
		return
	}
	s.finishLog(ctx, f, http.StatusInternalServerError, errorBody(cause.Error()))
}

func (s *Service) failTask(ctx context.Context, f *flow, message string) {
	if f.taskID == "" {
		return
	}
	if err := s.queries.FailTask(ctx, f.taskID, message); err != nil {
		s.log.Warn("failed to mark task failed",
			slog.String("task_id", f.taskID), slog.Any("error", err))
	}
}

func (s *Service) finishLog(ctx context.Context, f *flow, status int32, body string) {
	if f.logID == 0 {
		return
	}
	s.tracker.FinishAsync(ctx, pg.FinishRequestLogParams{
		ID:           f.logID,
		TaskID:       nullString(f.taskID),
		StatusCode:   status,
		ResponseBody: body,
		DurationSecs: s.now().Sub(f.start).Seconds(),
	})
}

// baseURL is the public prefix for locally cached asset links. Without a
// configured base the gateway's own port is assumed reachable.
func (s *Service) baseURL() string {
	if base := s.runtime.Snapshot().CacheBaseURL; base != "" {
		return strings.TrimRight(base, "/")
	}
	return "http://localhost:" + s.cfg.Port
}

func errorBody(message string) string {
	body, _ := json.Marshal(map[string]string{"error": message})
	return string(body)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
