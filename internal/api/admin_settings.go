package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sora2api/sora-proxy/internal/config"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login handles POST /api/login. Bad credentials answer 200 with
// success=false so the panel can show the message without special-casing
// status codes.
func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}
	settings := s.runtime.Snapshot()
	if req.Username != settings.AdminUsername || req.Password != settings.AdminPassword {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid credentials"})
		return
	}
	token, err := s.sessions.Issue(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "message": "Login successful"})
}

// logout handles POST /api/logout. Sessions are stateless, so the client
// simply drops its token.
func (s *Server) logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
	Username    string `json:"username"`
}

// changePassword handles POST /api/admin/password. Every live session is
// invalidated afterwards, including the caller's.
func (s *Server) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}
	settings := *s.runtime.Snapshot()
	if req.OldPassword != settings.AdminPassword {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Old password is incorrect"})
		return
	}
	if req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "new_password is required"})
		return
	}

	settings.AdminPassword = req.NewPassword
	if req.Username != "" {
		settings.AdminUsername = req.Username
	}
	if err := s.queries.SaveSettings(c.Request.Context(), &settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	s.runtime.Replace(&settings)
	s.sessions.Invalidate()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password updated successfully. Please login again."})
}

// Settings groups exposed by the admin surface.
const (
	groupProxy         = "proxy"
	groupWatermarkFree = "watermark-free"
	groupCache         = "cache"
	groupGeneration    = "generation"
	groupTokenRefresh  = "token-refresh"
	groupAdmin         = "admin"
)

func (s *Server) effectiveBaseURL(settings *config.Settings) string {
	if settings.CacheBaseURL != "" {
		return settings.CacheBaseURL
	}
	return "http://localhost:" + s.cfg.Port
}

// getSettings handles GET /api/settings/:group.
func (s *Server) getSettings(c *gin.Context) {
	settings := s.runtime.Snapshot()
	switch group := c.Param("group"); group {
	case groupProxy:
		c.JSON(http.StatusOK, gin.H{
			"proxy_enabled": settings.ProxyEnabled,
			"proxy_url":     settings.ProxyURL,
		})
	case groupWatermarkFree:
		c.JSON(http.StatusOK, gin.H{
			"watermark_free_enabled": settings.WatermarkFreeEnabled,
			"parse_method":           settings.ParseMethod,
			"custom_parse_url":       settings.CustomParseURL,
			"custom_parse_token":     settings.CustomParseToken,
		})
	case groupCache:
		c.JSON(http.StatusOK, gin.H{
			"cache_enabled":      settings.CacheEnabled,
			"cache_timeout":      settings.CacheTimeout,
			"cache_base_url":     settings.CacheBaseURL,
			"effective_base_url": s.effectiveBaseURL(settings),
		})
	case groupGeneration:
		c.JSON(http.StatusOK, gin.H{
			"image_timeout": settings.ImageTimeout,
			"video_timeout": settings.VideoTimeout,
		})
	case groupTokenRefresh:
		c.JSON(http.StatusOK, gin.H{
			"auto_refresh_enabled": settings.AutoRefreshEnabled,
		})
	case groupAdmin:
		c.JSON(http.StatusOK, gin.H{
			"api_key":             settings.APIKey,
			"admin_username":      settings.AdminUsername,
			"error_ban_threshold": settings.ErrorBanThreshold,
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Unknown settings group: %s", group)})
	}
}

// updateSettings handles PUT /api/settings/:group. The updated snapshot is
// persisted before it replaces the live one, so a database failure never
// leaves memory and storage disagreeing.
func (s *Server) updateSettings(c *gin.Context) {
	updated := *s.runtime.Snapshot()
	var after func()
	var err error

	switch group := c.Param("group"); group {
	case groupProxy:
		err = applyProxySettings(c, &updated)
	case groupWatermarkFree:
		err = applyWatermarkFreeSettings(c, &updated)
	case groupCache:
		err = applyCacheSettings(c, &updated)
	case groupGeneration:
		after, err = s.applyGenerationSettings(c, &updated)
	case groupTokenRefresh:
		err = applyTokenRefreshSettings(c, &updated)
	case groupAdmin:
		err = applyAdminSettings(c, &updated)
	default:
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Unknown settings group: %s", group)})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := s.queries.SaveSettings(c.Request.Context(), &updated); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	s.runtime.Replace(&updated)
	if after != nil {
		after()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Settings updated"})
}

func applyProxySettings(c *gin.Context, settings *config.Settings) error {
	var req struct {
		ProxyEnabled *bool   `json:"proxy_enabled"`
		ProxyURL     *string `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	if req.ProxyEnabled != nil {
		settings.ProxyEnabled = *req.ProxyEnabled
	}
	if req.ProxyURL != nil {
		settings.ProxyURL = strings.TrimSpace(*req.ProxyURL)
	}
	return nil
}

func applyWatermarkFreeSettings(c *gin.Context, settings *config.Settings) error {
	var req struct {
		WatermarkFreeEnabled *bool   `json:"watermark_free_enabled"`
		ParseMethod          *string `json:"parse_method"`
		CustomParseURL       *string `json:"custom_parse_url"`
		CustomParseToken     *string `json:"custom_parse_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	if req.WatermarkFreeEnabled != nil {
		settings.WatermarkFreeEnabled = *req.WatermarkFreeEnabled
	}
	if req.ParseMethod != nil {
		if *req.ParseMethod != config.ParseMethodThirdParty && *req.ParseMethod != config.ParseMethodCustom {
			return fmt.Errorf("Invalid parse method: %s", *req.ParseMethod)
		}
		settings.ParseMethod = *req.ParseMethod
	}
	if req.CustomParseURL != nil {
		settings.CustomParseURL = strings.TrimSpace(*req.CustomParseURL)
	}
	if req.CustomParseToken != nil {
		settings.CustomParseToken = *req.CustomParseToken
	}
	return nil
}

func applyCacheSettings(c *gin.Context, settings *config.Settings) error {
	var req struct {
		CacheEnabled *bool   `json:"cache_enabled"`
		CacheTimeout *int    `json:"cache_timeout"`
		CacheBaseURL *string `json:"cache_base_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	if req.CacheEnabled != nil {
		settings.CacheEnabled = *req.CacheEnabled
	}
	if req.CacheTimeout != nil {
		timeout := *req.CacheTimeout
		if timeout != -1 && timeout < 60 {
			return fmt.Errorf("Cache timeout must be at least 60 seconds or -1 for never delete")
		}
		if timeout > 86400 {
			return fmt.Errorf("Cache timeout cannot exceed 24 hours (86400 seconds)")
		}
		settings.CacheTimeout = timeout
	}
	if req.CacheBaseURL != nil {
		base := strings.TrimSpace(*req.CacheBaseURL)
		if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return fmt.Errorf("Base URL must start with http:// or https://")
		}
		settings.CacheBaseURL = strings.TrimRight(base, "/")
	}
	return nil
}

// applyGenerationSettings returns a post-swap hook: the token lock staleness
// window follows the image timeout, but only after the new settings are live.
func (s *Server) applyGenerationSettings(c *gin.Context, settings *config.Settings) (func(), error) {
	var req struct {
		ImageTimeout *int `json:"image_timeout"`
		VideoTimeout *int `json:"video_timeout"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("Invalid request body: %v", err)
	}
	var after func()
	if req.ImageTimeout != nil {
		timeout := *req.ImageTimeout
		if timeout < 60 {
			return nil, fmt.Errorf("Image timeout must be at least 60 seconds")
		}
		if timeout > 3600 {
			return nil, fmt.Errorf("Image timeout cannot exceed 1 hour (3600 seconds)")
		}
		settings.ImageTimeout = timeout
		after = func() { s.lock.SetTimeout(time.Duration(timeout) * time.Second) }
	}
	if req.VideoTimeout != nil {
		timeout := *req.VideoTimeout
		if timeout < 60 {
			return nil, fmt.Errorf("Video timeout must be at least 60 seconds")
		}
		if timeout > 7200 {
			return nil, fmt.Errorf("Video timeout cannot exceed 2 hours (7200 seconds)")
		}
		settings.VideoTimeout = timeout
	}
	return after, nil
}

func applyTokenRefreshSettings(c *gin.Context, settings *config.Settings) error {
	var req struct {
		AutoRefreshEnabled *bool `json:"auto_refresh_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	if req.AutoRefreshEnabled != nil {
		settings.AutoRefreshEnabled = *req.AutoRefreshEnabled
	}
	return nil
}

func applyAdminSettings(c *gin.Context, settings *config.Settings) error {
	var req struct {
		APIKey            *string `json:"api_key"`
		AdminUsername     *string `json:"admin_username"`
		ErrorBanThreshold *int    `json:"error_ban_threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	if req.APIKey != nil {
		if *req.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty")
		}
		settings.APIKey = *req.APIKey
	}
	if req.AdminUsername != nil && *req.AdminUsername != "" {
		settings.AdminUsername = *req.AdminUsername
	}
	if req.ErrorBanThreshold != nil {
		if *req.ErrorBanThreshold < 0 {
			return fmt.Errorf("error_ban_threshold cannot be negative")
		}
		settings.ErrorBanThreshold = *req.ErrorBanThreshold
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// stats handles GET /api/stats with pool-wide usage aggregates.
func (s *Server) stats(c *gin.Context) {
	ctx := c.Request.Context()
	credentials, err := s.queries.ListCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	active, err := s.queries.ListActiveCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	statRows, err := s.queries.ListStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	now := time.Now()
	var totalImages, totalVideos, totalErrors int64
	var todayImages, todayVideos, todayErrors int64
	for _, st := range statRows {
		totalImages += st.ImageCount
		totalVideos += st.VideoCount
		totalErrors += st.ErrorCount
		// Daily counters roll over lazily on write; a row untouched since
		// yesterday still carries yesterday's numbers.
		if sameDay(st.TodayDate, now) {
			todayImages += int64(st.TodayImageCount)
			todayVideos += int64(st.TodayVideoCount)
			todayErrors += int64(st.TodayErrorCount)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_credentials":  len(credentials),
		"active_credentials": len(active),
		"total_images":       totalImages,
		"total_videos":       totalVideos,
		"today_images":       todayImages,
		"today_videos":       todayVideos,
		"total_errors":       totalErrors,
		"today_errors":       todayErrors,
	})
}

// recentLogs handles GET /api/logs. In-flight entries are joined with their
// task so the panel can show live progress.
func (s *Server) recentLogs(c *gin.Context) {
	limit := int32(100)
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 32); err == nil && parsed > 0 {
			limit = int32(parsed)
		}
	}

	ctx := c.Request.Context()
	logs, err := s.tracker.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(logs))
	for _, l := range logs {
		entry := gin.H{
			"id":            l.ID,
			"operation":     l.Operation,
			"status_code":   l.StatusCode,
			"duration_secs": l.DurationSecs,
			"request_body":  l.RequestBody,
			"response_body": l.ResponseBody,
			"created_at":    l.CreatedAt.Format(time.RFC3339),
		}
		if l.CredentialID.Valid {
			entry["credential_id"] = l.CredentialID.Int64
		}
		if l.TaskID.Valid {
			entry["task_id"] = l.TaskID.String
			if l.StatusCode == -1 {
				if task, err := s.queries.GetTaskByTaskID(ctx, l.TaskID.String); err == nil {
					entry["progress"] = task.Progress
					entry["task_status"] = task.Status
				}
			}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

// clearLogs handles DELETE /api/logs.
func (s *Server) clearLogs(c *gin.Context) {
	n, err := s.queries.ClearRequestLogs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "所有日志已清空", "removed": n})
}

// clearCache handles POST /api/cache/clear.
func (s *Server) clearCache(c *gin.Context) {
	removed := s.cache.Clear()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Cache cleared", "removed": removed})
}
