package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/streaming"
)

const (
	// heartbeatInterval paces the keepalive chunks of image polling.
	heartbeatInterval = 10 * time.Second
	// videoStatusInterval paces the progress chunks of video polling.
	videoStatusInterval = 30 * time.Second
)

// pollResult is the terminal state of a poll. Exactly one of urls, violation
// or shield is meaningful; violation and shield outcomes have already emitted
// their terminal chunks and finished the audit row.
type pollResult struct {
	urls      []string
	violation string
	shield    bool
}

type pollState struct {
	start         time.Time
	lastProgress  float64
	lastHeartbeat time.Time
	lastStatus    time.Time
}

// poll drives an upstream task to a terminal state within the modality's
// budget. Transient upstream errors are retried until the attempt budget runs
// out; a Cloudflare challenge aborts immediately since retrying it only digs
// the hole deeper.
func (s *Service) poll(ctx context.Context, f *flow) (pollResult, error) {
	settings := s.runtime.Snapshot()
	budget := settings.ImageTimeout
	if f.model.IsVideo() {
		budget = settings.VideoTimeout
	}
	maxAttempts := int(time.Duration(budget) * time.Second / s.pollInterval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	state := &pollState{start: s.now()}
	state.lastHeartbeat = state.start
	state.lastStatus = state.start

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if elapsed := s.now().Sub(state.start).Seconds(); elapsed > float64(budget) {
			return pollResult{}, &budgetExceededError{budget: budget, elapsed: elapsed}
		}

		select {
		case <-ctx.Done():
			return pollResult{}, ctx.Err()
		case <-time.After(s.pollInterval):
		}

		var (
			result pollResult
			done   bool
			err    error
		)
		if f.model.IsVideo() {
			result, done, err = s.pollVideoOnce(ctx, f, state)
		} else {
			result, done, err = s.pollImageOnce(ctx, f, state)
		}
		if err != nil {
			if sora.IsCfShield(err) {
				s.failShield(ctx, f)
				return pollResult{shield: true}, nil
			}
			if ctx.Err() != nil {
				return pollResult{}, ctx.Err()
			}
			var term *terminalError
			if errors.As(err, &term) {
				return pollResult{}, term.err
			}
			if attempt >= maxAttempts-1 {
				return pollResult{}, err
			}
			s.log.WithContext(ctx).Warn("poll attempt failed",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		}
		if done {
			return result, nil
		}

		// Without upstream progress, estimate from elapsed attempts so the
		// stream still moves.
		if attempt%10 == 0 {
			estimated := math.Min(90, float64(attempt)/float64(maxAttempts)*100)
			if estimated > state.lastProgress+20 {
				state.lastProgress = estimated
				f.em.reasoning(fmt.Sprintf("**Processing**\n\nGeneration in progress: %.0f%% completed (estimated)...\n", estimated))
			}
		}
	}

	elapsed := s.now().Sub(state.start).Seconds()
	return pollResult{}, &budgetExceededError{budget: budget, elapsed: elapsed}
}

// pollVideoOnce checks the pending list first; a task absent from it has
// finished and shows up in the drafts feed, where the outcome is decided.
func (s *Service) pollVideoOnce(ctx context.Context, f *flow, state *pollState) (pollResult, bool, error) {
	pending, err := s.client.PendingTasks(ctx, f.auth)
	if err != nil {
		return pollResult{}, false, err
	}

	for _, task := range pending {
		if task.ID != f.taskID {
			continue
		}
		progress := 0
		if task.ProgressPct != nil {
			progress = int(*task.ProgressPct * 100)
		}
		state.lastProgress = float64(progress)
		status := task.Status
		if status == "" {
			status = "processing"
		}
		if s.now().Sub(state.lastStatus) >= videoStatusInterval {
			state.lastStatus = s.now()
			f.em.reasoning(fmt.Sprintf("**Video Generation Progress**: %d%% (%s)\n", progress, status))
		}
		return pollResult{}, false, nil
	}

	drafts, err := s.client.VideoDrafts(ctx, f.auth, 0)
	if err != nil {
		return pollResult{}, false, err
	}
	for i := range drafts {
		if drafts[i].TaskID == f.taskID {
			return s.finishVideo(ctx, f, &drafts[i])
		}
	}
	return pollResult{}, false, nil
}

// finishVideo settles a finished video draft: a rejected draft becomes a
// policy violation, an accepted one goes through the watermark-free publish
// flow or plain caching before the terminal chunk.
func (s *Service) finishVideo(ctx context.Context, f *flow, draft *sora.Draft) (pollResult, bool, error) {
	reason := draft.Reason()
	if draft.Kind == sora.DraftKindViolation || strings.TrimSpace(reason) != "" || draft.ResultURL() == "" {
		stored := s.failViolation(ctx, f, reason)
		return pollResult{violation: stored}, true, nil
	}

	settings := s.runtime.Snapshot()
	var localURL string
	if settings.WatermarkFreeEnabled {
		localURL = s.watermarkFreeVideoURL(ctx, f, draft, settings)
	} else {
		localURL = s.normalVideoURL(ctx, f, draft, settings)
	}

	if err := s.queries.CompleteTask(ctx, f.taskID, []string{localURL}); err != nil {
		s.log.Warn("failed to complete task",
			slog.String("task_id", f.taskID), slog.Any("error", err))
	}

	f.em.content(streaming.VideoContent(localURL))
	return pollResult{urls: []string{localURL}}, true, nil
}

// watermarkFreeVideoURL publishes the generation, resolves the clean asset
// URL, caches it and removes the post again. Any publish-side failure falls
// back to the normal watermarked asset rather than failing the generation.
func (s *Service) watermarkFreeVideoURL(ctx context.Context, f *flow, draft *sora.Draft, settings *config.Settings) string {
	f.em.reasoning("**Video Generation Completed**\n\nWatermark-free mode enabled. Publishing video to get watermark-free version...\n")

	cleanURL, postID, err := s.publishForCleanURL(ctx, f, draft, settings)
	if err != nil {
		s.log.Warn("watermark-free publish failed, falling back",
			slog.String("task_id", f.taskID), slog.Any("error", err))
		f.em.reasoning(fmt.Sprintf("Warning: Failed to get watermark-free version - %s\nFalling back to normal video...\n", err))

		url := draft.ResultURL()
		if settings.CacheEnabled {
			if filename, cacheErr := s.cache.Fetch(ctx, url, cache.MediaVideo, f.cred.ProxyURL); cacheErr == nil {
				return s.baseURL() + "/tmp/" + filename
			}
		}
		return url
	}

	verb := "preparing"
	if settings.CacheEnabled {
		verb = "caching"
	}
	f.em.reasoning(fmt.Sprintf("Video published successfully. Post ID: %s\nNow %s watermark-free video...\n", postID, verb))

	if !settings.CacheEnabled {
		f.em.reasoning("Cache is disabled. Using watermark-free URL directly...\n")
		return cleanURL
	}

	filename, err := s.cache.Fetch(ctx, cleanURL, cache.MediaVideo, f.cred.ProxyURL)
	if err != nil {
		f.em.reasoning(fmt.Sprintf("Warning: Failed to cache file - %s\nUsing original watermark-free URL instead...\n", err))
		return cleanURL
	}
	f.em.reasoning("Watermark-free video cached successfully. Preparing final response...\n")

	if err := s.client.DeletePost(ctx, f.auth, postID); err != nil {
		s.log.Warn("failed to delete published post",
			slog.String("post_id", postID), slog.Any("error", err))
		f.em.reasoning(fmt.Sprintf("Warning: Failed to delete published post - %s\n", err))
	} else {
		f.em.reasoning("Published post deleted successfully.\n")
	}
	return s.baseURL() + "/tmp/" + filename
}

func (s *Service) publishForCleanURL(ctx context.Context, f *flow, draft *sora.Draft, settings *config.Settings) (string, string, error) {
	if draft.ID == "" {
		return "", "", errors.New("Generation ID not found in video draft")
	}

	postID, err := s.client.PublishPost(ctx, f.auth, draft.ID)
	if err != nil {
		return "", "", err
	}
	if postID == "" {
		return "", "", errors.New("Failed to get post ID from publish API")
	}

	if settings.ParseMethod == config.ParseMethodCustom {
		if settings.CustomParseURL == "" || settings.CustomParseToken == "" {
			return "", "", errors.New("Custom parse server URL or token not configured")
		}
		f.em.reasoning(fmt.Sprintf("Video published successfully. Post ID: %s\nUsing custom parse server to get watermark-free URL...\n", postID))
		cleanURL, err := s.client.CustomParseLink(ctx, settings.CustomParseURL, settings.CustomParseToken, postID)
		if err != nil {
			return "", "", err
		}
		return cleanURL, postID, nil
	}
	return sora.ThirdPartyWatermarkFreeURL(postID), postID, nil
}

func (s *Service) normalVideoURL(ctx context.Context, f *flow, draft *sora.Draft, settings *config.Settings) string {
	url := draft.ResultURL()
	if !settings.CacheEnabled {
		f.em.reasoning("**Video Generation Completed**\n\nCache is disabled. Using original URL directly...\n")
		return url
	}

	f.em.reasoning("**Video Generation Completed**\n\nVideo generation successful. Now caching the video file...\n")
	filename, err := s.cache.Fetch(ctx, url, cache.MediaVideo, f.cred.ProxyURL)
	if err != nil {
		f.em.reasoning(fmt.Sprintf("Warning: Failed to cache file - %s\nUsing original URL instead...\n", err))
		return url
	}
	f.em.reasoning("Video file cached successfully. Preparing final response...\n")
	return s.baseURL() + "/tmp/" + filename
}

// pollImageOnce reads the recent-tasks feed for the task's status and emits a
// heartbeat when nothing moved for a while.
func (s *Service) pollImageOnce(ctx context.Context, f *flow, state *pollState) (pollResult, bool, error) {
	tasks, err := s.client.RecentImageTasks(ctx, f.auth, 0)
	if err != nil {
		return pollResult{}, false, err
	}

	for i := range tasks {
		task := &tasks[i]
		if task.ID != f.taskID {
			continue
		}

		switch task.Status {
		case sora.ImageStatusSucceeded:
			var urls []string
			for _, gen := range task.Generations {
				if gen.URL != "" {
					urls = append(urls, gen.URL)
				}
			}
			// A succeeded task without URLs is still materializing.
			if len(urls) > 0 {
				return s.finishImage(ctx, f, urls), true, nil
			}

		case sora.ImageStatusFailed:
			message := task.ErrorMessage
			if message == "" {
				message = "Generation failed"
			}
			return pollResult{}, false, &terminalError{err: errors.New(message)}

		case sora.ImageStatusProcessing:
			progress := task.ProgressPct * 100
			if progress > state.lastProgress+20 {
				state.lastProgress = progress
				if err := s.queries.UpdateTaskProgress(ctx, f.taskID, progress); err != nil {
					s.log.Warn("failed to update task progress",
						slog.String("task_id", f.taskID), slog.Any("error", err))
				}
				f.em.reasoning(fmt.Sprintf("**Processing**\n\nGeneration in progress: %.0f%% completed...\n", progress))
			}
		}
		break
	}

	if s.now().Sub(state.lastHeartbeat) >= heartbeatInterval {
		state.lastHeartbeat = s.now()
		elapsed := int(s.now().Sub(state.start).Seconds())
		f.em.reasoning(fmt.Sprintf("Image generation in progress... (%ds elapsed)\n", elapsed))
	}
	return pollResult{}, false, nil
}

// finishImage caches the result set and emits the terminal Markdown chunk.
func (s *Service) finishImage(ctx context.Context, f *flow, urls []string) pollResult {
	f.em.reasoning(fmt.Sprintf("**Image Generation Completed**\n\nImage generation successful. Now caching %d image(s)...\n", len(urls)))

	settings := s.runtime.Snapshot()
	base := s.baseURL()
	var localURLs []string

	if settings.CacheEnabled {
		for i, url := range urls {
			filename, err := s.cache.Fetch(ctx, url, cache.MediaImage, f.cred.ProxyURL)
			if err != nil {
				localURLs = append(localURLs, url)
				f.em.reasoning(fmt.Sprintf("Warning: Failed to cache image %d - %s\nUsing original URL instead...\n", i+1, err))
				continue
			}
			localURLs = append(localURLs, base+"/tmp/"+filename)
			if len(urls) > 1 {
				f.em.reasoning(fmt.Sprintf("Cached image %d/%d...\n", i+1, len(urls)))
			}
		}
		allCached := true
		for _, u := range localURLs {
			if !strings.HasPrefix(u, base) {
				allCached = false
				break
			}
		}
		if allCached {
			f.em.reasoning("All images cached successfully. Preparing final response...\n")
		}
	} else {
		localURLs = urls
		f.em.reasoning("Cache is disabled. Using original URLs directly...\n")
	}

	if err := s.queries.CompleteTask(ctx, f.taskID, localURLs); err != nil {
		s.log.Warn("failed to complete task",
			slog.String("task_id", f.taskID), slog.Any("error", err))
	}

	lines := make([]string, len(localURLs))
	for i, u := range localURLs {
		lines[i] = streaming.ImageContent(u)
	}
	f.em.content(strings.Join(lines, "\n"))
	return pollResult{urls: localURLs}
}

// failViolation settles a content-policy rejection: the task fails, the
// credential's error streak grows and the stream ends with the refusal.
// Returns the stored error message.
func (s *Service) failViolation(ctx context.Context, f *flow, reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "Content violates guardrails"
	}
	stored := "Content policy violation: " + reason

	metrics.GenerationsTotal.WithLabelValues(f.model.Kind, metrics.OutcomeViolation).Inc()
	s.failTask(ctx, f, stored)
	s.recorder.RecordFailure(ctx, f.cred.ID, errors.New(stored))
	s.finishLog(ctx, f, http.StatusBadRequest, errorBody(stored))

	f.em.reasoning(fmt.Sprintf("**Content Policy Violation**\n\n%s\n", reason))
	f.em.content(fmt.Sprintf("❌ 生成失败: %s", reason))
	return stored
}

// failShield settles a Cloudflare challenge hit. The credential is not at
// fault, so nothing is debited; the egress path is the problem.
func (s *Service) failShield(ctx context.Context, f *flow) {
	const message = "Cloudflare challenge or rate limit (429) triggered"

	metrics.GenerationsTotal.WithLabelValues(f.model.Kind, metrics.OutcomeShielded).Inc()
	s.failTask(ctx, f, message)
	s.finishLog(ctx, f, http.StatusTooManyRequests, errorBody(message))

	f.em.reasoning("**CF Shield/429 Error**\n\nCloudflare challenge or rate limit (429) triggered\n")
	f.em.content("❌ Generation failed: Cloudflare challenge or rate limit (429) triggered. Please change proxy or reduce request frequency.")
}
