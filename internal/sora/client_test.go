package sora

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/sentinel"
)

func newTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// newSentinelStub serves a challenge that never requires a server-side solve,
// so creation calls stay fast in tests.
func newSentinelStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"proofofwork":{"required":false},"turnstile":{"dx":"dx-value"},"token":"tok-value"}`))
	}))
}

func newTestClient(t *testing.T, upstream *httptest.Server, sentinelURL string) *Client {
	t.Helper()
	cfg := &config.Config{
		SoraBaseURL:                 upstream.URL,
		UpstreamTimeoutSeconds:      10,
		UpstreamMaxIdleConns:        10,
		UpstreamMaxIdleConnsPerHost: 5,
		UpstreamMaxConnsPerHost:     0,
		UpstreamIdleConnTimeout:     30,
	}
	log := newTestLogger()
	var svc *sentinel.Service
	if sentinelURL != "" {
		svc = sentinel.NewService(log, sentinelURL, 1)
		t.Cleanup(svc.Shutdown)
	}
	return NewClient(log, cfg, config.NewRuntime(nil), svc)
}

func TestCreateVideoWireShape(t *testing.T) {
	sentinelStub := newSentinelStub(t)
	defer sentinelStub.Close()

	var got map[string]interface{}
	var sentinelHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/nf/create" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer at-123" {
			t.Errorf("unexpected authorization header: %q", auth)
		}
		if ua := r.Header.Get("User-Agent"); ua != appUserAgent {
			t.Errorf("unexpected user agent: %q", ua)
		}
		sentinelHeader = r.Header.Get("openai-sentinel-token")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"task_123"}`))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream, sentinelStub.URL)
	id, err := client.CreateVideo(context.Background(), Auth{Token: "at-123"}, VideoParams{
		Prompt:      "a cat surfing",
		Orientation: "landscape",
		Size:        "small",
		NFrames:     450,
		Model:       "sy_8",
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if id != "task_123" {
		t.Fatalf("task id = %q, want task_123", id)
	}

	if got["kind"] != "video" || got["prompt"] != "a cat surfing" {
		t.Errorf("unexpected body: %v", got)
	}
	if got["model"] != "sy_8" || got["size"] != "small" || got["orientation"] != "landscape" {
		t.Errorf("unexpected body: %v", got)
	}
	if got["n_frames"] != float64(450) {
		t.Errorf("n_frames = %v, want 450", got["n_frames"])
	}
	items, ok := got["inpaint_items"].([]interface{})
	if !ok || len(items) != 0 {
		t.Errorf("inpaint_items = %v, want empty array", got["inpaint_items"])
	}
	if styleID, present := got["style_id"]; !present || styleID != nil {
		t.Errorf("style_id = %v, want explicit null", styleID)
	}
	if !strings.HasPrefix(sentinelHeader, `{"p":"gAAAAA`) {
		t.Errorf("sentinel header missing or malformed: %q", sentinelHeader)
	}
}

func TestCreateImageOperationSwitch(t *testing.T) {
	sentinelStub := newSentinelStub(t)
	defer sentinelStub.Close()

	var got map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video_gen" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"id":"img_1"}`))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream, sentinelStub.URL)

	if _, err := client.CreateImage(context.Background(), Auth{Token: "at"}, ImageParams{Prompt: "p", Width: 360, Height: 360}); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if got["operation"] != "simple_compose" {
		t.Errorf("operation = %v, want simple_compose", got["operation"])
	}

	if _, err := client.CreateImage(context.Background(), Auth{Token: "at"}, ImageParams{Prompt: "p", Width: 360, Height: 360, MediaID: "media_9"}); err != nil {
		t.Fatalf("CreateImage with media: %v", err)
	}
	if got["operation"] != "remix" {
		t.Errorf("operation = %v, want remix", got["operation"])
	}
	items, _ := got["inpaint_items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("inpaint_items = %v, want one entry", got["inpaint_items"])
	}
	item := items[0].(map[string]interface{})
	if item["upload_media_id"] != "media_9" || item["type"] != "image" || item["frame_index"] != float64(0) {
		t.Errorf("unexpected inpaint item: %v", item)
	}
}

func TestUploadImageMultipart(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if name := r.FormValue("file_name"); name != "photo.jpg" {
			t.Errorf("file_name = %q, want photo.jpg", name)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("file content type = %q, want image/jpeg", ct)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "jpegbytes" {
			t.Errorf("file payload = %q", data)
		}
		_, _ = w.Write([]byte(`{"id":"media_42"}`))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream, "")
	id, err := client.UploadImage(context.Background(), Auth{Token: "at"}, []byte("jpegbytes"), "photo.jpg")
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if id != "media_42" {
		t.Fatalf("media id = %q, want media_42", id)
	}
}

func TestUpstreamErrorTagging(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "auth expired",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"token expired"}}`,
			check: func(t *testing.T, err error) {
				if !IsAuthExpired(err) {
					t.Errorf("IsAuthExpired = false for %v", err)
				}
			},
		},
		{
			name:   "cf shield",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":"cf_shield_429","message":"blocked"}}`,
			check: func(t *testing.T, err error) {
				if !IsCfShield(err) {
					t.Errorf("IsCfShield = false for %v", err)
				}
				if IsAuthExpired(err) {
					t.Errorf("IsAuthExpired = true for cf shield error")
				}
			},
		},
		{
			name:   "unsupported country",
			status: http.StatusForbidden,
			body:   `{"error":{"code":"unsupported_country_code","message":"not here"}}`,
			check: func(t *testing.T, err error) {
				var uc *UnsupportedCountryError
				if !errors.As(err, &uc) {
					t.Fatalf("error %T is not UnsupportedCountryError", err)
				}
				if !strings.Contains(uc.Payload, "unsupported_country_code") {
					t.Errorf("payload not forwarded verbatim: %q", uc.Payload)
				}
			},
		},
		{
			name:   "overload",
			status: http.StatusServiceUnavailable,
			body:   `{"error":{"message":"The service is under heavy load"}}`,
			check: func(t *testing.T, err error) {
				if !IsOverload(err) {
					t.Errorf("IsOverload = false for %v", err)
				}
			},
		},
		{
			name:   "generic",
			status: http.StatusInternalServerError,
			body:   `boom`,
			check: func(t *testing.T, err error) {
				var ue *UpstreamError
				if !errors.As(err, &ue) {
					t.Fatalf("error %T is not UpstreamError", err)
				}
				if ue.StatusCode != http.StatusInternalServerError || !strings.Contains(ue.Error(), "API request failed: 500") {
					t.Errorf("unexpected error: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			client := newTestClient(t, upstream, "")
			_, err := client.PendingTasks(context.Background(), Auth{Token: "at"})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestResolveProxyRule(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	client := newTestClient(t, upstream, "")

	// Credential proxy applies only to creation endpoints.
	auth := Auth{Token: "at", ProxyURL: "http://cred-proxy:8080"}
	if got := client.resolveProxy("/nf/create", auth); got != "http://cred-proxy:8080" {
		t.Errorf("creation endpoint proxy = %q", got)
	}
	if got := client.resolveProxy("/nf/create/storyboard", auth); got != "http://cred-proxy:8080" {
		t.Errorf("storyboard endpoint proxy = %q", got)
	}
	if got := client.resolveProxy("/video_gen", auth); got != "http://cred-proxy:8080" {
		t.Errorf("image endpoint proxy = %q", got)
	}
	for _, endpoint := range []string{"/uploads", "/nf/pending/v2", "/project_y/post", "/me"} {
		if got := client.resolveProxy(endpoint, auth); got != "" {
			t.Errorf("endpoint %s unexpectedly proxied via %q", endpoint, got)
		}
	}

	// Global proxy needs the enabled flag, and the credential proxy wins.
	client.runtime.Update(func(s *config.Settings) {
		s.ProxyURL = "http://global-proxy:8080"
	})
	if got := client.resolveProxy("/nf/create", Auth{Token: "at"}); got != "" {
		t.Errorf("disabled global proxy used: %q", got)
	}
	client.runtime.Update(func(s *config.Settings) {
		s.ProxyEnabled = true
	})
	if got := client.resolveProxy("/nf/create", Auth{Token: "at"}); got != "http://global-proxy:8080" {
		t.Errorf("global proxy = %q", got)
	}
	if got := client.resolveProxy("/nf/create", auth); got != "http://cred-proxy:8080" {
		t.Errorf("credential proxy should win, got %q", got)
	}
}

func TestVideoDraftsDecoding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/project_y/profile/drafts" || r.URL.Query().Get("limit") != "15" {
			t.Errorf("unexpected call: %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[
			{"task_id":"task_1","id":"gen_1","kind":"video","url":"https://cdn/wm.mp4","downloadable_url":"https://cdn/clean.mp4"},
			{"task_id":"task_2","id":"gen_2","kind":"sora_content_violation","reason_str":"nope"}
		]}`))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream, "")
	drafts, err := client.VideoDrafts(context.Background(), Auth{Token: "at"}, 0)
	if err != nil {
		t.Fatalf("VideoDrafts: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("got %d drafts, want 2", len(drafts))
	}
	if drafts[0].ResultURL() != "https://cdn/clean.mp4" {
		t.Errorf("ResultURL = %q, want downloadable variant", drafts[0].ResultURL())
	}
	if drafts[1].Kind != DraftKindViolation || drafts[1].Reason() != "nope" {
		t.Errorf("violation draft decoded wrong: %+v", drafts[1])
	}
}

func TestDeletePost(t *testing.T) {
	var deleted string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream, "")
	if err := client.DeletePost(context.Background(), Auth{Token: "at"}, "s_abc"); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if deleted != "/project_y/post/s_abc" {
		t.Errorf("deleted path = %q", deleted)
	}
}

func TestCustomParseLink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	parse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-sora-link" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["url"] != "https://sora.chatgpt.com/p/s_xyz" || body["token"] != "pt" {
			t.Errorf("unexpected parse request: %v", body)
		}
		_, _ = w.Write([]byte(`{"download_link":"https://clean/video.mp4"}`))
	}))
	defer parse.Close()

	client := newTestClient(t, upstream, "")
	link, err := client.CustomParseLink(context.Background(), parse.URL, "pt", "s_xyz")
	if err != nil {
		t.Fatalf("CustomParseLink: %v", err)
	}
	if link != "https://clean/video.mp4" {
		t.Fatalf("link = %q", link)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer failing.Close()

	if _, err := client.CustomParseLink(context.Background(), failing.URL, "pt", "s_xyz"); err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestThirdPartyWatermarkFreeURL(t *testing.T) {
	got := ThirdPartyWatermarkFreeURL("s_690ce161")
	want := "https://oscdn2.dyysy.com/MP4/s_690ce161.mp4"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}
