package pg

import (
	"database/sql"
	"time"
)

// Credential is one upstream account in the pool.
type Credential struct {
	ID                 int64
	Email              string
	AccessToken        string
	SessionToken       string
	RefreshToken       string
	ClientID           string
	ProxyURL           string
	Remark             string
	Enabled            bool
	Expired            bool
	ExpiresAt          sql.NullTime
	CooledUntil        sql.NullTime
	PlanType           string
	PlanExpiresAt      sql.NullTime
	Sora2Supported     bool
	Sora2Remaining     int32
	Sora2CooldownUntil sql.NullTime
	ImageEnabled       bool
	VideoEnabled       bool
	ImageConcurrency   int32
	VideoConcurrency   int32
	LastUsedAt         sql.NullTime
	UseCount           int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CredentialStats tracks per-credential usage and error counters. Daily
// counters roll over when today_date falls behind the current date.
type CredentialStats struct {
	CredentialID      int64
	ImageCount        int64
	VideoCount        int64
	ErrorCount        int64
	TodayImageCount   int32
	TodayVideoCount   int32
	TodayErrorCount   int32
	TodayDate         time.Time
	ConsecutiveErrors int32
	LastErrorAt       sql.NullTime
}

// Task statuses.
const (
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task is one generation tracked against the upstream task ID.
type Task struct {
	ID           int64
	TaskID       string
	CredentialID sql.NullInt64
	Model        string
	Prompt       string
	Status       string
	Progress     float64
	ResultURLs   []string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  sql.NullTime
}

// RequestLog is the audit row for one gateway operation. StatusCode -1 and
// DurationSecs -1 mean the operation is still in flight.
type RequestLog struct {
	ID           int64
	CredentialID sql.NullInt64
	TaskID       sql.NullString
	Operation    string
	RequestBody  string
	ResponseBody string
	StatusCode   int32
	DurationSecs float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
