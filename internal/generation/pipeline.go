package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// generate runs the standard image or video flow: select a credential, hold
// its lock and slot for the duration, create the upstream task and poll it to
// a terminal state.
func (s *Service) generate(ctx context.Context, model Model, req Request, em *emitter) error {
	cred, err := s.selectCredential(ctx, model)
	if err != nil {
		return err
	}
	ctx = logger.WithCredentialID(ctx, cred.ID)
	release, err := s.acquire(cred.ID, model)
	if err != nil {
		return err
	}
	defer release()

	f := s.newFlow(model, cred, em)
	defer s.observeDuration(f)

	if err := s.runGeneration(ctx, f, req); err != nil {
		s.failRequest(ctx, f, err)
		return err
	}
	return nil
}

func (s *Service) runGeneration(ctx context.Context, f *flow, req Request) error {
	var mediaID string
	if len(req.Image) > 0 {
		f.em.reasoning("**Image Upload Begins**\n\nUploading image to server...\n")
		id, err := s.client.UploadImage(ctx, f.auth, req.Image, "image.png")
		if err != nil {
			return err
		}
		mediaID = id
		f.em.reasoning("Image uploaded successfully. Proceeding to generation...\n")
	}

	f.em.reasoning("**Generation Process Begins**\n\nInitializing generation request...\n")

	taskID, err := s.createUpstreamTask(ctx, f, req, mediaID)
	if err != nil {
		return err
	}
	f.taskID = taskID
	f.prompt = req.Prompt
	ctx = logger.WithTaskID(ctx, taskID)
	s.log.WithContext(ctx).Info("generation started", slog.String("model", req.Model))

	if err := s.queries.CreateTask(ctx, pg.CreateTaskParams{
		TaskID:       taskID,
		CredentialID: f.cred.ID,
		Model:        req.Model,
		Prompt:       req.Prompt,
	}); err != nil {
		return err
	}

	operation := "generate_image"
	if f.model.IsVideo() {
		operation = "generate_video"
	}
	ctx = logger.WithOperation(ctx, operation)
	requestBody, _ := json.Marshal(map[string]interface{}{
		"model":     req.Model,
		"prompt":    req.Prompt,
		"has_image": len(req.Image) > 0,
	})
	f.logID = s.tracker.Open(ctx, pg.CreateRequestLogParams{
		CredentialID: nullInt64(f.cred.ID),
		TaskID:       nullString(taskID),
		Operation:    operation,
		RequestBody:  string(requestBody),
	})

	s.recorder.RecordUsage(ctx, f.cred.ID, f.model.IsVideo())

	result, err := s.poll(ctx, f)
	if err != nil {
		return err
	}
	if result.violation != "" || result.shield {
		return nil
	}

	s.finishSuccess(ctx, f, req.Model, result.urls)
	return nil
}

// createUpstreamTask dispatches the creation call for the requested model.
// Video prompts get style extraction and storyboard detection on the way.
func (s *Service) createUpstreamTask(ctx context.Context, f *flow, req Request, mediaID string) (string, error) {
	if f.model.IsImage() {
		return s.client.CreateImage(ctx, f.auth, sora.ImageParams{
			Prompt:  req.Prompt,
			Width:   f.model.Width,
			Height:  f.model.Height,
			MediaID: mediaID,
		})
	}

	prompt, styleID := ExtractStyle(req.Prompt)

	if sora.IsStoryboardPrompt(prompt) {
		f.em.reasoning("Detected storyboard format. Converting to storyboard API format...\n")
		return s.client.CreateStoryboard(ctx, f.auth, sora.StoryboardParams{
			Prompt:      sora.FormatStoryboardPrompt(prompt),
			Orientation: f.model.Orientation,
			NFrames:     f.model.Frames(),
			MediaID:     mediaID,
			StyleID:     styleID,
		})
	}

	return s.client.CreateVideo(ctx, f.auth, sora.VideoParams{
		Prompt:      prompt,
		Orientation: f.model.Orientation,
		Size:        f.model.VideoSize(),
		NFrames:     f.model.Frames(),
		Model:       f.model.UpstreamModel(),
		MediaID:     mediaID,
		StyleID:     styleID,
	})
}

// finishSuccess runs the shared success epilogue: reset the error streak and
// finish the audit row with the task summary.
func (s *Service) finishSuccess(ctx context.Context, f *flow, model string, urls []string) {
	s.recorder.RecordSuccess(ctx, f.cred.ID)
	metrics.GenerationsTotal.WithLabelValues(f.model.Kind, metrics.OutcomeSuccess).Inc()

	responseBody, _ := json.Marshal(map[string]interface{}{
		"task_id":     f.taskID,
		"status":      "success",
		"prompt":      f.prompt,
		"model":       model,
		"result_urls": urls,
	})
	s.finishLog(ctx, f, 200, string(responseBody))
}

func (s *Service) observeDuration(f *flow) {
	metrics.GenerationDuration.WithLabelValues(f.model.Kind).Observe(s.now().Sub(f.start).Seconds())
}

// videoTaskModel labels remix and character tasks, which run outside the
// catalog's named models.
func videoTaskModel(model Model) string {
	return fmt.Sprintf("sora2-video-%s", model.Orientation)
}
