package sora

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
)

type finalizeCharacterRequest struct {
	CameoID              string      `json:"cameo_id"`
	Username             string      `json:"username"`
	DisplayName          string      `json:"display_name"`
	ProfileAssetPointer  string      `json:"profile_asset_pointer"`
	InstructionSet       interface{} `json:"instruction_set"`
	SafetyInstructionSet interface{} `json:"safety_instruction_set"`
}

// UploadCharacterVideo pushes a source video for character extraction and
// returns the cameo id to poll.
func (c *Client) UploadCharacterVideo(ctx context.Context, auth Auth, video []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.postMultipart(ctx, "/characters/upload", auth, func(w *multipart.Writer) error {
		if err := addFilePart(w, "file", "video.mp4", "video/mp4", video); err != nil {
			return err
		}
		return w.WriteField("timestamps", "0,3")
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetCameoStatus polls the processing state of an uploaded character video.
func (c *Client) GetCameoStatus(ctx context.Context, auth Auth, cameoID string) (*CameoStatus, error) {
	var out CameoStatus
	if err := c.getJSON(ctx, "/project_y/cameos/in_progress/"+cameoID, auth, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadProfileImage pushes the extracted avatar and returns the asset
// pointer consumed by FinalizeCharacter.
func (c *Client) UploadProfileImage(ctx context.Context, auth Auth, image []byte) (string, error) {
	var resp struct {
		AssetPointer string `json:"asset_pointer"`
	}
	err := c.postMultipart(ctx, "/project_y/file/upload", auth, func(w *multipart.Writer) error {
		if err := addFilePart(w, "file", "profile.webp", "image/webp", image); err != nil {
			return err
		}
		return w.WriteField("use_case", "profile")
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AssetPointer, nil
}

// FinalizeCharacter completes character creation and returns the character
// id. The upstream requires the instruction set fields to be null.
func (c *Client) FinalizeCharacter(ctx context.Context, auth Auth, cameoID, username, displayName, profileAssetPointer string) (string, error) {
	req := finalizeCharacterRequest{
		CameoID:             cameoID,
		Username:            username,
		DisplayName:         displayName,
		ProfileAssetPointer: profileAssetPointer,
	}

	var resp struct {
		Character struct {
			CharacterID string `json:"character_id"`
		} `json:"character"`
	}
	if err := c.postJSON(ctx, "/characters/finalize", auth, req, &resp, false); err != nil {
		return "", err
	}
	return resp.Character.CharacterID, nil
}

// SetCharacterPublic makes the character usable from generation prompts.
func (c *Client) SetCharacterPublic(ctx context.Context, auth Auth, cameoID string) error {
	body := map[string]string{"visibility": "public"}
	return c.postJSON(ctx, "/project_y/cameos/by_id/"+cameoID+"/update_v2", auth, body, nil, false)
}

// DeleteCharacter removes a character created by FinalizeCharacter.
func (c *Client) DeleteCharacter(ctx context.Context, auth Auth, characterID string) error {
	status, _, err := c.deleteStatus(ctx, "/project_y/characters/"+characterID, auth)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("failed to delete character: %d", status)
	}
	return nil
}
