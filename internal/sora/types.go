package sora

// createResponse is the common reply of the task creation endpoints.
type createResponse struct {
	ID string `json:"id"`
}

// PendingTask is one entry of the pending video queue. ProgressPct is null
// until the upstream scheduler picks the task up.
type PendingTask struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	ProgressPct *float64 `json:"progress_pct"`
}

// ImageTask is one entry of the recent image task list.
type ImageTask struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	ProgressPct  float64           `json:"progress_pct"`
	ErrorMessage string            `json:"error_message"`
	Generations  []ImageGeneration `json:"generations"`
}

// ImageTaskStatus values observed on the recent task list.
const (
	ImageStatusSucceeded  = "succeeded"
	ImageStatusFailed     = "failed"
	ImageStatusProcessing = "processing"
)

type ImageGeneration struct {
	URL string `json:"url"`
}

type recentTasksResponse struct {
	TaskResponses []ImageTask `json:"task_responses"`
}

// DraftKindViolation marks a draft rejected by the content policy.
const DraftKindViolation = "sora_content_violation"

// Draft is one finished (or rejected) generation from the drafts feed.
type Draft struct {
	TaskID            string `json:"task_id"`
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	ReasonStr         string `json:"reason_str"`
	MarkdownReasonStr string `json:"markdown_reason_str"`
	URL               string `json:"url"`
	DownloadableURL   string `json:"downloadable_url"`
}

// Reason returns the violation reason, preferring the plain-text field.
func (d Draft) Reason() string {
	if d.ReasonStr != "" {
		return d.ReasonStr
	}
	return d.MarkdownReasonStr
}

// ResultURL returns the playable asset, preferring the downloadable variant.
func (d Draft) ResultURL() string {
	if d.DownloadableURL != "" {
		return d.DownloadableURL
	}
	return d.URL
}

type draftsResponse struct {
	Items []Draft `json:"items"`
}

// Cameo processing states. StatusMessage flips to "Completed" slightly
// before Status reaches "finalized"; either one means the character is done.
const (
	CameoStatusFinalized  = "finalized"
	CameoStatusFailed     = "failed"
	CameoMessageCompleted = "Completed"
)

// CameoStatus is the processing state of an uploaded character video.
type CameoStatus struct {
	Status             string `json:"status"`
	StatusMessage      string `json:"status_message"`
	DisplayNameHint    string `json:"display_name_hint"`
	UsernameHint       string `json:"username_hint"`
	ProfileAssetURL    string `json:"profile_asset_url"`
	InstructionSetHint string `json:"instruction_set_hint"`
}

// Ready reports whether character processing reached its terminal state.
func (s *CameoStatus) Ready() bool {
	return s.StatusMessage == CameoMessageCompleted || s.Status == CameoStatusFinalized
}

// Failed reports whether the upstream rejected the character video.
func (s *CameoStatus) Failed() bool { return s.Status == CameoStatusFailed }

// Sora2Limits is the remaining-generation info for one account.
type Sora2Limits struct {
	RemainingCount int     `json:"remaining_count"`
	CooldownUntil  *string `json:"cooldown_until"`
}
