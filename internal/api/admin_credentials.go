package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// batchConcurrency caps the fan-out of batch test and import calls so a big
// upload does not hammer the upstream from every goroutine at once.
const batchConcurrency = 10

// credentialView is the admin listing shape: the credential row joined with
// its usage counters. Tokens are returned in full so the panel can re-export
// a pool.
type credentialView struct {
	ID                 int64   `json:"id"`
	Email              string  `json:"email"`
	AccessToken        string  `json:"access_token"`
	SessionToken       string  `json:"session_token,omitempty"`
	RefreshToken       string  `json:"refresh_token,omitempty"`
	ClientID           string  `json:"client_id,omitempty"`
	ProxyURL           string  `json:"proxy_url,omitempty"`
	Remark             string  `json:"remark,omitempty"`
	Enabled            bool    `json:"enabled"`
	Expired            bool    `json:"expired"`
	ExpiresAt          *string `json:"expires_at"`
	CooledUntil        *string `json:"cooled_until"`
	PlanType           string  `json:"plan_type,omitempty"`
	PlanExpiresAt      *string `json:"plan_expires_at"`
	Sora2Supported     bool    `json:"sora2_supported"`
	Sora2Remaining     int32   `json:"sora2_remaining"`
	Sora2CooldownUntil *string `json:"sora2_cooldown_until"`
	ImageEnabled       bool    `json:"image_enabled"`
	VideoEnabled       bool    `json:"video_enabled"`
	ImageConcurrency   int32   `json:"image_concurrency"`
	VideoConcurrency   int32   `json:"video_concurrency"`
	LastUsedAt         *string `json:"last_used_at"`
	UseCount           int64   `json:"use_count"`
	CreatedAt          string  `json:"created_at"`

	ImageCount        int64 `json:"image_count"`
	VideoCount        int64 `json:"video_count"`
	ErrorCount        int64 `json:"error_count"`
	TodayImageCount   int32 `json:"today_image_count"`
	TodayVideoCount   int32 `json:"today_video_count"`
	TodayErrorCount   int32 `json:"today_error_count"`
	ConsecutiveErrors int32 `json:"consecutive_errors"`
}

func isoTime(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.Format(time.RFC3339)
	return &s
}

func newCredentialView(cred pg.Credential, stats *pg.CredentialStats) credentialView {
	v := credentialView{
		ID:                 cred.ID,
		Email:              cred.Email,
		AccessToken:        cred.AccessToken,
		SessionToken:       cred.SessionToken,
		RefreshToken:       cred.RefreshToken,
		ClientID:           cred.ClientID,
		ProxyURL:           cred.ProxyURL,
		Remark:             cred.Remark,
		Enabled:            cred.Enabled,
		Expired:            cred.Expired,
		ExpiresAt:          isoTime(cred.ExpiresAt),
		CooledUntil:        isoTime(cred.CooledUntil),
		PlanType:           cred.PlanType,
		PlanExpiresAt:      isoTime(cred.PlanExpiresAt),
		Sora2Supported:     cred.Sora2Supported,
		Sora2Remaining:     cred.Sora2Remaining,
		Sora2CooldownUntil: isoTime(cred.Sora2CooldownUntil),
		ImageEnabled:       cred.ImageEnabled,
		VideoEnabled:       cred.VideoEnabled,
		ImageConcurrency:   cred.ImageConcurrency,
		VideoConcurrency:   cred.VideoConcurrency,
		LastUsedAt:         isoTime(cred.LastUsedAt),
		UseCount:           cred.UseCount,
		CreatedAt:          cred.CreatedAt.Format(time.RFC3339),
	}
	if stats != nil {
		v.ImageCount = stats.ImageCount
		v.VideoCount = stats.VideoCount
		v.ErrorCount = stats.ErrorCount
		v.TodayImageCount = stats.TodayImageCount
		v.TodayVideoCount = stats.TodayVideoCount
		v.TodayErrorCount = stats.TodayErrorCount
		v.ConsecutiveErrors = stats.ConsecutiveErrors
	}
	return v
}

func credentialID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Invalid credential id: %s", c.Param("id"))})
		return 0, false
	}
	return id, true
}

// listCredentials handles GET /api/credentials.
func (s *Server) listCredentials(c *gin.Context) {
	ctx := c.Request.Context()
	credentials, err := s.queries.ListCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	statRows, err := s.queries.ListStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	statsByID := make(map[int64]pg.CredentialStats, len(statRows))
	for _, st := range statRows {
		statsByID[st.CredentialID] = st
	}

	views := make([]credentialView, 0, len(credentials))
	for _, cred := range credentials {
		var stats *pg.CredentialStats
		if st, ok := statsByID[cred.ID]; ok {
			stats = &st
		}
		views = append(views, newCredentialView(cred, stats))
	}
	c.JSON(http.StatusOK, views)
}

type addCredentialRequest struct {
	Email            string `json:"email"`
	AccessToken      string `json:"access_token"`
	SessionToken     string `json:"session_token"`
	RefreshToken     string `json:"refresh_token"`
	ClientID         string `json:"client_id"`
	ProxyURL         string `json:"proxy_url"`
	Remark           string `json:"remark"`
	ImageEnabled     *bool  `json:"image_enabled"`
	VideoEnabled     *bool  `json:"video_enabled"`
	ImageConcurrency *int32 `json:"image_concurrency"`
	VideoConcurrency *int32 `json:"video_concurrency"`
}

func concurrencyValue(v *int32) int32 {
	if v == nil {
		return -1
	}
	return *v
}

// createCredential handles POST /api/credentials. When no email is supplied
// the upstream account is probed for one, which also validates the token.
func (s *Server) createCredential(c *gin.Context) {
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: " + err.Error()})
		return
	}
	if req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "access_token is required"})
		return
	}

	ctx := c.Request.Context()
	email := req.Email
	if email == "" {
		info, err := s.client.UserInfo(ctx, sora.Auth{Token: req.AccessToken, ProxyURL: req.ProxyURL})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("添加 Token 失败: %s", err)})
			return
		}
		email = stringField(info, "email")
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "添加 Token 失败: upstream returned no email"})
			return
		}
	}

	if _, err := s.queries.GetCredentialByEmail(ctx, email); err == nil {
		c.JSON(http.StatusConflict, gin.H{"detail": fmt.Sprintf("credential for %s already exists", email)})
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	imageConc := concurrencyValue(req.ImageConcurrency)
	videoConc := concurrencyValue(req.VideoConcurrency)
	created, err := s.queries.CreateCredential(ctx, pg.CreateCredentialParams{
		Email:            email,
		AccessToken:      req.AccessToken,
		SessionToken:     req.SessionToken,
		RefreshToken:     req.RefreshToken,
		ClientID:         req.ClientID,
		ProxyURL:         req.ProxyURL,
		Remark:           req.Remark,
		ImageConcurrency: imageConc,
		VideoConcurrency: videoConc,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("添加 Token 失败: %s", err)})
		return
	}

	if (req.ImageEnabled != nil && !*req.ImageEnabled) || (req.VideoEnabled != nil && !*req.VideoEnabled) {
		params := updateParamsFromRow(created)
		if req.ImageEnabled != nil {
			params.ImageEnabled = *req.ImageEnabled
		}
		if req.VideoEnabled != nil {
			params.VideoEnabled = *req.VideoEnabled
		}
		if updated, err := s.queries.UpdateCredential(ctx, params); err == nil {
			created = updated
		}
	}
	s.limiter.Reset(created.ID, created.ImageConcurrency, created.VideoConcurrency)
	s.probeSora2(ctx, &created)

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token 添加成功", "id": created.ID})
}

type updateCredentialRequest struct {
	Email            *string `json:"email"`
	AccessToken      *string `json:"access_token"`
	SessionToken     *string `json:"session_token"`
	RefreshToken     *string `json:"refresh_token"`
	ClientID         *string `json:"client_id"`
	ProxyURL         *string `json:"proxy_url"`
	Remark           *string `json:"remark"`
	PlanType         *string `json:"plan_type"`
	Enabled          *bool   `json:"enabled"`
	ImageEnabled     *bool   `json:"image_enabled"`
	VideoEnabled     *bool   `json:"video_enabled"`
	ImageConcurrency *int32  `json:"image_concurrency"`
	VideoConcurrency *int32  `json:"video_concurrency"`
}

func updateParamsFromRow(cred pg.Credential) pg.UpdateCredentialParams {
	return pg.UpdateCredentialParams{
		ID:               cred.ID,
		Email:            cred.Email,
		AccessToken:      cred.AccessToken,
		SessionToken:     cred.SessionToken,
		RefreshToken:     cred.RefreshToken,
		ClientID:         cred.ClientID,
		ProxyURL:         cred.ProxyURL,
		Remark:           cred.Remark,
		PlanType:         cred.PlanType,
		Enabled:          cred.Enabled,
		ImageEnabled:     cred.ImageEnabled,
		VideoEnabled:     cred.VideoEnabled,
		ImageConcurrency: cred.ImageConcurrency,
		VideoConcurrency: cred.VideoConcurrency,
	}
}

// updateCredential handles PUT /api/credentials/:id with partial updates.
func (s *Server) updateCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req updateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	cred, err := s.queries.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Token not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	params := updateParamsFromRow(cred)
	if req.Email != nil {
		params.Email = *req.Email
	}
	if req.AccessToken != nil {
		params.AccessToken = *req.AccessToken
	}
	if req.SessionToken != nil {
		params.SessionToken = *req.SessionToken
	}
	if req.RefreshToken != nil {
		params.RefreshToken = *req.RefreshToken
	}
	if req.ClientID != nil {
		params.ClientID = *req.ClientID
	}
	if req.ProxyURL != nil {
		params.ProxyURL = *req.ProxyURL
	}
	if req.Remark != nil {
		params.Remark = *req.Remark
	}
	if req.PlanType != nil {
		params.PlanType = *req.PlanType
	}
	if req.Enabled != nil {
		params.Enabled = *req.Enabled
	}
	if req.ImageEnabled != nil {
		params.ImageEnabled = *req.ImageEnabled
	}
	if req.VideoEnabled != nil {
		params.VideoEnabled = *req.VideoEnabled
	}
	if req.ImageConcurrency != nil {
		params.ImageConcurrency = *req.ImageConcurrency
	}
	if req.VideoConcurrency != nil {
		params.VideoConcurrency = *req.VideoConcurrency
	}

	updated, err := s.queries.UpdateCredential(ctx, params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.ImageConcurrency != nil || req.VideoConcurrency != nil {
		s.limiter.Reset(updated.ID, updated.ImageConcurrency, updated.VideoConcurrency)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token updated"})
}

// deleteCredential handles DELETE /api/credentials/:id. In-memory slots and
// the token lock go with the row so the id cannot linger half-released.
func (s *Server) deleteCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.removeCredential(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Token not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token deleted"})
}

func (s *Server) removeCredential(ctx context.Context, id int64) error {
	if err := s.queries.DeleteCredential(ctx, id); err != nil {
		return err
	}
	s.limiter.Forget(id)
	s.lock.Release(id)
	return nil
}

// enableCredential handles POST /api/credentials/:id/enable. Re-enabling
// clears the consecutive error count so the ban threshold starts fresh.
func (s *Server) enableCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.enableByID(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token enabled"})
}

func (s *Server) enableByID(ctx context.Context, id int64) error {
	if err := s.queries.SetCredentialEnabled(ctx, id, true); err != nil {
		return err
	}
	return s.queries.ResetConsecutiveErrors(ctx, id)
}

// disableCredential handles POST /api/credentials/:id/disable.
func (s *Server) disableCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.queries.SetCredentialEnabled(c.Request.Context(), id, false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token disabled"})
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func parseCooldown(raw *string) sql.NullTime {
	if raw == nil || *raw == "" {
		return sql.NullTime{}
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// probeSora2 checks the video quota endpoint and persists the outcome, best
// effort. A credential that answers the limits call supports video.
func (s *Server) probeSora2(ctx context.Context, cred *pg.Credential) (bool, int32) {
	limits, err := s.client.Sora2Limits(ctx, sora.Auth{Token: cred.AccessToken, ProxyURL: cred.ProxyURL})
	if err != nil {
		return false, 0
	}
	if err := s.queries.SetSora2Supported(ctx, cred.ID, true); err == nil {
		remaining := int32(limits.RemainingCount)
		if err := s.queries.UpdateSora2Quota(ctx, cred.ID, remaining, parseCooldown(limits.CooldownUntil)); err == nil {
			return true, remaining
		}
	}
	return true, int32(limits.RemainingCount)
}

// runCredentialTest probes the upstream account with the stored token and
// refreshes its video quota. Shared by the single test endpoint and the
// batch actions.
func (s *Server) runCredentialTest(ctx context.Context, cred *pg.Credential) (gin.H, bool) {
	info, err := s.client.UserInfo(ctx, sora.Auth{Token: cred.AccessToken, ProxyURL: cred.ProxyURL})
	if err != nil {
		return gin.H{
			"success": true,
			"status":  "failed",
			"message": err.Error(),
		}, false
	}

	supported, remaining := s.probeSora2(ctx, cred)
	return gin.H{
		"success":         true,
		"status":          "success",
		"message":         "Token is valid",
		"email":           stringField(info, "email"),
		"username":        stringField(info, "name", "username"),
		"sora2_supported": supported,
		"sora2_remaining": remaining,
	}, true
}

// testCredential handles POST /api/credentials/:id/test.
func (s *Server) testCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cred, err := s.queries.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Token not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	result, _ := s.runCredentialTest(ctx, &cred)
	c.JSON(http.StatusOK, result)
}

type sessionConvertRequest struct {
	SessionToken string `json:"session_token"`
}

// sessionToAccess handles POST /api/credentials/st2at. It exchanges a
// session token for a fresh access token without persisting anything.
func (s *Server) sessionToAccess(c *gin.Context) {
	var req sessionConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session_token is required"})
		return
	}
	accessToken, email, expiry, err := s.refresher.SessionToAccessToken(c.Request.Context(), req.SessionToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	resp := gin.H{
		"success":      true,
		"message":      "ST converted to AT successfully",
		"access_token": accessToken,
		"email":        email,
	}
	if !expiry.IsZero() {
		resp["expires"] = expiry.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

type refreshConvertRequest struct {
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// refreshToAccess handles POST /api/credentials/rt2at.
func (s *Server) refreshToAccess(c *gin.Context) {
	var req refreshConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "refresh_token is required"})
		return
	}
	token, err := s.refresher.ExchangeRefreshToken(c.Request.Context(), req.RefreshToken, req.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	resp := gin.H{
		"success":      true,
		"message":      "RT converted to AT successfully",
		"access_token": token.AccessToken,
	}
	if token.RefreshToken != "" {
		resp["refresh_token"] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		resp["expires_in"] = int(time.Until(token.Expiry).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

type batchOperationRequest struct {
	IDs    []int64 `json:"ids"`
	Action string  `json:"action"`
}

var batchActionNames = map[string]string{
	"test":    "测试",
	"enable":  "启用",
	"disable": "禁用",
	"delete":  "删除",
}

// batchOperate handles POST /api/credentials/batch/operate: one action
// applied to a selection of credentials, with per-item outcomes.
func (s *Server) batchOperate(c *gin.Context) {
	var req batchOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: " + err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "未选择任何Token", "results": []gin.H{}})
		return
	}

	ctx := c.Request.Context()
	results := make([]gin.H, len(req.IDs))
	var succeeded, failed atomic.Int64

	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)
	for i, id := range req.IDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := gin.H{"id": id}
			if err := s.applyBatchAction(ctx, req.Action, id, res); err != nil {
				res["status"] = "error"
				res["message"] = err.Error()
				failed.Add(1)
			} else if res["status"] == "failed" {
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	name := batchActionNames[req.Action]
	if name == "" {
		name = req.Action
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("批量%s完成：成功 %d 个，失败 %d 个", name, succeeded.Load(), failed.Load()),
		"results": results,
	})
}

func (s *Server) applyBatchAction(ctx context.Context, action string, id int64, res gin.H) error {
	switch action {
	case "test":
		cred, err := s.queries.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		body, ok := s.runCredentialTest(ctx, &cred)
		res["email"] = cred.Email
		res["message"] = body["message"]
		if ok {
			res["status"] = "success"
		} else {
			res["status"] = "failed"
		}
		return nil
	case "enable":
		if err := s.enableByID(ctx, id); err != nil {
			return err
		}
	case "disable":
		if err := s.queries.SetCredentialEnabled(ctx, id, false); err != nil {
			return err
		}
	case "delete":
		if err := s.removeCredential(ctx, id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("Unknown action: %s", action)
	}
	res["status"] = "success"
	return nil
}

// batchTestAll handles POST /api/credentials/batch/test: probe every stored
// credential and refresh its quota state.
func (s *Server) batchTestAll(c *gin.Context) {
	ctx := c.Request.Context()
	credentials, err := s.queries.ListCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	results := make([]gin.H, len(credentials))
	var succeeded, failed atomic.Int64

	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)
	for i := range credentials {
		wg.Add(1)
		go func(i int, cred pg.Credential) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			body, ok := s.runCredentialTest(ctx, &cred)
			res := gin.H{"id": cred.ID, "email": cred.Email, "message": body["message"]}
			if ok {
				res["status"] = "success"
				succeeded.Add(1)
			} else {
				res["status"] = "failed"
				failed.Add(1)
			}
			results[i] = res
		}(i, credentials[i])
	}
	wg.Wait()

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("测试完成：成功 %d 个，失败 %d 个", succeeded.Load(), failed.Load()),
		"success_count": succeeded.Load(),
		"failed_count":  failed.Load(),
		"results":       results,
	})
}

// batchEnableAll handles POST /api/credentials/batch/enable-all. Expired
// credentials stay disabled; re-enabling them without a fresh token only
// burns error budget.
func (s *Server) batchEnableAll(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := s.queries.EnableAllCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	if err := s.queries.ResetAllConsecutiveErrors(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("已启用 %d 个禁用的Token", n),
		"enabled_count": n,
	})
}

// batchDeleteDisabled handles POST /api/credentials/batch/delete-disabled.
func (s *Server) batchDeleteDisabled(c *gin.Context) {
	ctx := c.Request.Context()
	credentials, err := s.queries.ListCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	var disabled []int64
	for _, cred := range credentials {
		if !cred.Enabled {
			disabled = append(disabled, cred.ID)
		}
	}

	n, err := s.queries.DeleteDisabledCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	for _, id := range disabled {
		s.limiter.Forget(id)
		s.lock.Release(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("已删除 %d 个禁用的Token", n),
		"deleted_count": n,
	})
}

type importCredentialItem struct {
	Email            string `json:"email"`
	AccessToken      string `json:"access_token"`
	SessionToken     string `json:"session_token"`
	RefreshToken     string `json:"refresh_token"`
	ClientID         string `json:"client_id"`
	ProxyURL         string `json:"proxy_url"`
	Remark           string `json:"remark"`
	Enabled          *bool  `json:"enabled"`
	ImageEnabled     *bool  `json:"image_enabled"`
	VideoEnabled     *bool  `json:"video_enabled"`
	ImageConcurrency *int32 `json:"image_concurrency"`
	VideoConcurrency *int32 `json:"video_concurrency"`
}

type importCredentialsRequest struct {
	Credentials []importCredentialItem `json:"credentials"`
	Mode        string                 `json:"mode"`
}

type importOutcome struct {
	kind   string
	result gin.H
}

func failedImport(email string, err error) importOutcome {
	return importOutcome{
		kind:   "failed",
		result: gin.H{"email": email, "status": "failed", "success": false, "error": err.Error()},
	}
}

// importCredentials handles POST /api/credentials/import. Modes:
//
//	offline - store the access token as-is without touching the upstream
//	at      - store the access token, then probe video support
//	st      - exchange each session token for an access token first
//	rt      - run the refresh grant for each refresh token first
//
// Items resolve concurrently and each reports its own outcome, so one bad
// row never aborts the batch.
func (s *Server) importCredentials(c *gin.Context) {
	var req importCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: " + err.Error()})
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = "at"
	}

	ctx := c.Request.Context()
	outcomes := make([]importOutcome, len(req.Credentials))
	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)
	for i := range req.Credentials {
		wg.Add(1)
		go func(i int, item importCredentialItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = s.importOne(ctx, mode, item)
		}(i, req.Credentials[i])
	}
	wg.Wait()

	var added, updated, failed int
	results := make([]gin.H, 0, len(outcomes))
	for _, o := range outcomes {
		switch o.kind {
		case "added":
			added++
		case "updated":
			updated++
		default:
			failed++
		}
		results = append(results, o.result)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Import completed (%s mode): %d added, %d updated, %d failed", mode, added, updated, failed),
		"added":   added,
		"updated": updated,
		"failed":  failed,
		"results": results,
	})
}

func (s *Server) importOne(ctx context.Context, mode string, item importCredentialItem) importOutcome {
	accessToken := item.AccessToken
	var expiresAt sql.NullTime

	switch mode {
	case "offline":
		if accessToken == "" {
			return failedImport(item.Email, errors.New("离线导入模式需要提供 access_token"))
		}
	case "at":
		if accessToken == "" {
			return failedImport(item.Email, errors.New("AT导入模式需要提供 access_token"))
		}
	case "st":
		if item.SessionToken == "" {
			return failedImport(item.Email, errors.New("ST导入模式需要提供 session_token"))
		}
		at, email, expiry, err := s.refresher.SessionToAccessToken(ctx, item.SessionToken)
		if err != nil {
			return failedImport(item.Email, err)
		}
		accessToken = at
		if email != "" {
			item.Email = email
		}
		if !expiry.IsZero() {
			expiresAt = sql.NullTime{Time: expiry, Valid: true}
		}
	case "rt":
		if item.RefreshToken == "" {
			return failedImport(item.Email, errors.New("RT导入模式需要提供 refresh_token"))
		}
		token, err := s.refresher.ExchangeRefreshToken(ctx, item.RefreshToken, item.ClientID)
		if err != nil {
			return failedImport(item.Email, err)
		}
		accessToken = token.AccessToken
		if token.RefreshToken != "" {
			item.RefreshToken = token.RefreshToken
		}
		if !token.Expiry.IsZero() {
			expiresAt = sql.NullTime{Time: token.Expiry, Valid: true}
		}
	default:
		return failedImport(item.Email, fmt.Errorf("不支持的导入模式: %s", mode))
	}

	if item.Email == "" {
		return failedImport(item.Email, errors.New("email is required"))
	}

	existing := false
	if _, err := s.queries.GetCredentialByEmail(ctx, item.Email); err == nil {
		existing = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return failedImport(item.Email, err)
	}

	cred, err := s.queries.UpsertCredentialByEmail(ctx, pg.CreateCredentialParams{
		Email:            item.Email,
		AccessToken:      accessToken,
		SessionToken:     item.SessionToken,
		RefreshToken:     item.RefreshToken,
		ClientID:         item.ClientID,
		ProxyURL:         item.ProxyURL,
		Remark:           item.Remark,
		ExpiresAt:        expiresAt,
		ImageConcurrency: concurrencyValue(item.ImageConcurrency),
		VideoConcurrency: concurrencyValue(item.VideoConcurrency),
	})
	if err != nil {
		return failedImport(item.Email, err)
	}

	// The upsert leaves flags and concurrency of an existing row alone;
	// apply explicit overrides separately.
	if item.Enabled != nil || item.ImageEnabled != nil || item.VideoEnabled != nil ||
		item.ImageConcurrency != nil || item.VideoConcurrency != nil {
		params := updateParamsFromRow(cred)
		if item.Enabled != nil {
			params.Enabled = *item.Enabled
		}
		if item.ImageEnabled != nil {
			params.ImageEnabled = *item.ImageEnabled
		}
		if item.VideoEnabled != nil {
			params.VideoEnabled = *item.VideoEnabled
		}
		if item.ImageConcurrency != nil {
			params.ImageConcurrency = *item.ImageConcurrency
		}
		if item.VideoConcurrency != nil {
			params.VideoConcurrency = *item.VideoConcurrency
		}
		applied, err := s.queries.UpdateCredential(ctx, params)
		if err != nil {
			return failedImport(item.Email, err)
		}
		cred = applied
	}
	s.limiter.Reset(cred.ID, cred.ImageConcurrency, cred.VideoConcurrency)

	if mode != "offline" {
		s.probeSora2(ctx, &cred)
	}

	status := "added"
	if existing {
		status = "updated"
	}
	return importOutcome{kind: status, result: gin.H{"email": item.Email, "status": status, "success": true}}
}
