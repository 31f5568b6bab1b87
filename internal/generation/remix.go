package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// generateRemix derives a new video from a shared post instead of starting
// from a bare prompt. The share link itself never reaches the upstream
// prompt; only the cleaned instruction text does.
func (s *Service) generateRemix(ctx context.Context, model Model, req Request, em *emitter) error {
	cred, err := s.selectVideo(ctx, "No available tokens for remix generation")
	if err != nil {
		return err
	}
	ctx = logger.WithCredentialID(ctx, cred.ID)
	release, err := s.acquireVideoSlot(cred.ID)
	if err != nil {
		return err
	}
	defer release()

	f := s.newFlow(model, cred, em)
	defer s.observeDuration(f)

	em.reasoning("**Remix Generation Process Begins**\n\nInitializing remix request...\n")

	cleanPrompt, styleID := ExtractStyle(StripRemixLinks(req.Prompt))
	f.prompt = cleanPrompt

	em.reasoning("Sending remix request to server...\n")
	taskID, err := s.client.CreateRemix(ctx, f.auth, sora.RemixParams{
		Prompt:        cleanPrompt,
		RemixTargetID: req.RemixTargetID,
		Orientation:   model.Orientation,
		NFrames:       model.Frames(),
		StyleID:       styleID,
	})
	if err != nil {
		s.failRequest(ctx, f, err)
		return err
	}
	f.taskID = taskID
	ctx = logger.WithTaskID(ctx, taskID)

	trackedPrompt := fmt.Sprintf("remix:%s %s", req.RemixTargetID, cleanPrompt)
	if err := s.queries.CreateTask(ctx, pg.CreateTaskParams{
		TaskID:       taskID,
		CredentialID: cred.ID,
		Model:        videoTaskModel(model),
		Prompt:       trackedPrompt,
	}); err != nil {
		s.failRequest(ctx, f, err)
		return err
	}

	requestBody, _ := json.Marshal(map[string]interface{}{
		"remix_target_id": req.RemixTargetID,
		"prompt":          cleanPrompt,
	})
	f.logID = s.tracker.Open(ctx, pg.CreateRequestLogParams{
		CredentialID: nullInt64(cred.ID),
		Operation:    "generate_remix",
		TaskID:       nullString(taskID),
		RequestBody:  string(requestBody),
	})

	s.recorder.RecordUsage(ctx, cred.ID, true)

	result, err := s.poll(ctx, f)
	if err != nil {
		s.failRequest(ctx, f, err)
		return err
	}
	if result.violation != "" || result.shield {
		return nil
	}

	s.finishSuccess(ctx, f, videoTaskModel(model), result.urls)
	return nil
}
