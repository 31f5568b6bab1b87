package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// maxConsecutiveCameoErrors bounds back-to-back cameo poll failures before
// the character flow gives up.
const maxConsecutiveCameoErrors = 3

// character is the outcome of the shared creation steps.
type character struct {
	cameoID     string
	characterID string
	username    string
	displayName string
}

// createCharacterOnly runs the standalone character flow: a video attachment
// without a prompt registers a public character and reports its handle.
func (s *Service) createCharacterOnly(ctx context.Context, model Model, req Request, em *emitter) error {
	cred, err := s.selectVideo(ctx, "No available tokens for character creation")
	if err != nil {
		return err
	}
	ctx = logger.WithCredentialID(ctx, cred.ID)

	f := s.newFlow(model, cred, em)

	requestBody, _ := json.Marshal(map[string]interface{}{
		"type":      "character_creation",
		"has_video": true,
	})
	f.logID = s.tracker.Open(ctx, pg.CreateRequestLogParams{
		CredentialID: nullInt64(cred.ID),
		Operation:    "character_only",
		RequestBody:  string(requestBody),
	})

	em.reasoning("**Character Creation Begins**\n\nInitializing character creation...\n")

	ch, err := s.createCharacter(ctx, f, req)
	if err != nil {
		s.failCharacter(ctx, f, nil, err)
		return err
	}

	em.reasoning("Setting character as public...\n")
	if err := s.client.SetCharacterPublic(ctx, f.auth, ch.cameoID); err != nil {
		s.failCharacter(ctx, f, ch, err)
		return err
	}

	responseBody, _ := json.Marshal(map[string]interface{}{
		"success":      true,
		"username":     ch.username,
		"display_name": ch.displayName,
		"character_id": ch.characterID,
		"cameo_id":     ch.cameoID,
	})
	s.finishLog(ctx, f, 200, string(responseBody))
	s.log.Info("character created",
		slog.String("character_id", ch.characterID),
		slog.String("username", ch.username))

	em.content(fmt.Sprintf("角色创建成功，角色名@%s", ch.username))
	return nil
}

// generateWithCharacter registers a throwaway character from the attachment,
// renders the prompt as that character and deletes the character afterwards.
func (s *Service) generateWithCharacter(ctx context.Context, model Model, req Request, em *emitter) error {
	cred, err := s.selectVideo(ctx, "No available tokens for video generation")
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

	requestBody, _ := json.Marshal(map[string]interface{}{
		"type":      "character_creation_with_video",
		"has_video": true,
		"prompt":    req.Prompt,
	})
	f.logID = s.tracker.Open(ctx, pg.CreateRequestLogParams{
		CredentialID: nullInt64(cred.ID),
		Operation:    "character_with_video",
		RequestBody:  string(requestBody),
	})

	var ch *character
	defer func() {
		if ch == nil {
			return
		}
		// The emitter drops this chunk when the stream already ended.
		em.reasoning("Cleaning up temporary character...\n")
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.client.DeleteCharacter(cleanupCtx, f.auth, ch.characterID); err != nil {
			s.log.Warn("failed to delete temporary character",
				slog.String("character_id", ch.characterID), slog.Any("error", err))
		}
	}()

	em.reasoning("**Character Creation and Video Generation Begins**\n\nInitializing...\n")

	ch, err = s.createCharacter(ctx, f, req)
	if err != nil {
		s.failCharacter(ctx, f, nil, err)
		return err
	}

	em.reasoning("**Video Generation Process Begins**\n\nGenerating video with character...\n")

	fullPrompt := fmt.Sprintf("@%s %s", ch.username, req.Prompt)
	taskID, err := s.client.CreateVideo(ctx, f.auth, sora.VideoParams{
		Prompt:      fullPrompt,
		Orientation: model.Orientation,
		Size:        model.VideoSize(),
		NFrames:     model.Frames(),
		Model:       model.UpstreamModel(),
	})
	if err != nil {
		s.failCharacter(ctx, f, ch, err)
		return err
	}
	f.taskID = taskID
	f.prompt = fullPrompt
	ctx = logger.WithTaskID(ctx, taskID)

	if err := s.queries.CreateTask(ctx, pg.CreateTaskParams{
		TaskID:       taskID,
		CredentialID: cred.ID,
		Model:        videoTaskModel(model),
		Prompt:       fullPrompt,
	}); err != nil {
		s.failRequest(ctx, f, err)
		return err
	}

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

// createCharacter runs the creation steps shared by both character flows:
// upload the clip, wait for the cameo, mirror the avatar and finalize under
// a derived handle.
func (s *Service) createCharacter(ctx context.Context, f *flow, req Request) (*character, error) {
	video, err := s.characterVideo(ctx, f, req)
	if err != nil {
		return nil, err
	}

	f.em.reasoning("Uploading video file...\n")
	cameoID, err := s.client.UploadCharacterVideo(ctx, f.auth, video)
	if err != nil {
		return nil, err
	}

	f.em.reasoning("Processing video to extract character...\n")
	status, err := s.pollCameo(ctx, cameoID, f.auth)
	if err != nil {
		return nil, err
	}

	username := characterUsername(status.UsernameHint)
	displayName := status.DisplayNameHint
	if displayName == "" {
		displayName = "Character"
	}
	f.em.reasoning(fmt.Sprintf("✨ 角色已识别: %s (@%s)\n", displayName, username))

	f.em.reasoning("Downloading character avatar...\n")
	if status.ProfileAssetURL == "" {
		return nil, errors.New("Profile asset URL not found in cameo status")
	}
	avatar, err := s.client.Download(ctx, status.ProfileAssetURL, "")
	if err != nil {
		return nil, err
	}

	f.em.reasoning("Uploading character avatar...\n")
	assetPointer, err := s.client.UploadProfileImage(ctx, f.auth, avatar)
	if err != nil {
		return nil, err
	}

	f.em.reasoning("Finalizing character creation...\n")
	characterID, err := s.client.FinalizeCharacter(ctx, f.auth, cameoID, username, displayName, assetPointer)
	if err != nil {
		return nil, err
	}

	return &character{
		cameoID:     cameoID,
		characterID: characterID,
		username:    username,
		displayName: displayName,
	}, nil
}

// characterVideo resolves the reference clip, downloading it when the request
// carries a link instead of bytes.
func (s *Service) characterVideo(ctx context.Context, f *flow, req Request) ([]byte, error) {
	if len(req.Video) > 0 {
		return req.Video, nil
	}
	f.em.reasoning("Downloading video file...\n")
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.client.Download(ctx, req.VideoURL, "")
}

// pollCameo waits for the uploaded clip to be processed into a cameo. A few
// consecutive poll failures are tolerated; transport-level ones back off
// exponentially before the next try.
func (s *Service) pollCameo(ctx context.Context, cameoID string, auth sora.Auth) (*sora.CameoStatus, error) {
	maxAttempts := int(s.cameoTimeout / s.cameoPollInterval)
	start := s.now()
	consecutive := 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if elapsed := s.now().Sub(start); elapsed > s.cameoTimeout {
			return nil, fmt.Errorf("Cameo processing timeout after %.1f seconds", elapsed.Seconds())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cameoPollInterval):
		}

		status, err := s.client.GetCameoStatus(ctx, auth, cameoID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			consecutive++
			s.log.Warn("cameo status poll failed",
				slog.String("cameo_id", cameoID),
				slog.Int("consecutive", consecutive),
				slog.Any("error", err))

			var upstream *sora.UpstreamError
			if !errors.As(err, &upstream) {
				// Transport failure: back off before hitting the same path again.
				backoff := s.cameoPollInterval * (1 << (consecutive - 1))
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}
			if consecutive >= maxConsecutiveCameoErrors {
				return nil, fmt.Errorf("too many consecutive errors (%d) while polling cameo status: %v", consecutive, err)
			}
			continue
		}
		consecutive = 0

		if status.Failed() {
			message := status.StatusMessage
			if message == "" {
				message = "Character creation failed"
			}
			return nil, fmt.Errorf("角色创建失败: %s", message)
		}
		if status.Ready() {
			return status, nil
		}
	}
	return nil, fmt.Errorf("Cameo processing timeout after %d seconds", int(s.cameoTimeout.Seconds()))
}

// failCharacter settles a character-flow failure before any generation task
// exists. The audit row carries whatever character state was reached.
func (s *Service) failCharacter(ctx context.Context, f *flow, ch *character, cause error) {
	if !errors.Is(cause, context.Canceled) {
		s.recorder.RecordFailure(ctx, f.cred.ID, cause)
	}

	status := int32(http.StatusInternalServerError)
	if sora.IsCfShield(cause) {
		status = http.StatusTooManyRequests
	}
	body := map[string]interface{}{"success": false, "error": cause.Error()}
	if ch != nil {
		body["username"] = ch.username
		body["display_name"] = ch.displayName
		body["character_id"] = ch.characterID
		body["cameo_id"] = ch.cameoID
	}
	responseBody, _ := json.Marshal(body)
	s.finishLog(ctx, f, status, string(responseBody))
}
