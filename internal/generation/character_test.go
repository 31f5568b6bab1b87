package generation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sora2api/sora-proxy/internal/streaming"
)

// characterStub wires the upstream endpoints of the character pipeline into
// a mux. The avatar URL is filled in once the test server address is known.
type characterStub struct {
	avatarURL    string
	finalizeBody map[string]interface{}
	madePublic   bool
	deletedPath  string
}

func (c *characterStub) install(mux *http.ServeMux) {
	mux.HandleFunc("/characters/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cameo_1"}`))
	})
	mux.HandleFunc("/project_y/cameos/in_progress/cameo_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":            "finalized",
			"status_message":    "Completed",
			"username_hint":     "sora.hero",
			"display_name_hint": "Hero",
			"profile_asset_url": c.avatarURL,
		})
	})
	mux.HandleFunc("/avatar.webp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("webpbytes"))
	})
	mux.HandleFunc("/project_y/file/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"asset_pointer":"file-abc"}`))
	})
	mux.HandleFunc("/characters/finalize", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &c.finalizeBody)
		_, _ = w.Write([]byte(`{"character":{"character_id":"char_1"}}`))
	})
	mux.HandleFunc("/project_y/cameos/by_id/cameo_1/update_v2", func(w http.ResponseWriter, r *http.Request) {
		c.madePublic = true
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/project_y/characters/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			c.deletedPath = r.URL.Path
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCharacterOnlyFlow(t *testing.T) {
	stub := &characterStub{}
	mux := http.NewServeMux()
	stub.install(mux)
	env := newTestEnv(t, mux)
	stub.avatarURL = env.upstreamURL + "/avatar.webp"

	env.mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(testCredential(1)))
	env.mock.ExpectQuery("INSERT INTO request_logs").
		WithArgs(int64(1), nil, "character_only", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	env.mock.ExpectExec("UPDATE request_logs").
		WithArgs(int64(21), nil, 200, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	events := &eventLog{}
	err := env.svc.Handle(context.Background(), Request{
		Model:  "sora2-landscape-10s",
		Video:  []byte("clipbytes"),
		Stream: true,
	}, events.collect)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	env.drainAudit()

	if !stub.madePublic {
		t.Error("character was not made public")
	}
	if stub.deletedPath != "" {
		t.Errorf("standalone character deleted: %s", stub.deletedPath)
	}
	// The finalized handle keeps the hint's last segment plus a random
	// three digit suffix.
	username, _ := stub.finalizeBody["username"].(string)
	if !strings.HasPrefix(username, "hero") || len(username) != len("hero")+3 {
		t.Errorf("finalized username = %q", username)
	}
	if stub.finalizeBody["display_name"] != "Hero" {
		t.Errorf("finalized display name = %v", stub.finalizeBody["display_name"])
	}

	if got := events.terminal(t).Content; got != "角色创建成功，角色名@"+username {
		t.Errorf("terminal content = %q", got)
	}
	if !strings.Contains(events.reasoningText(), "角色已识别: Hero (@"+username) {
		t.Errorf("progress stream missing recognition chunk:\n%s", events.reasoningText())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateWithCharacterCleansUp(t *testing.T) {
	stub := &characterStub{}
	var createBody map[string]interface{}
	mux := http.NewServeMux()
	stub.install(mux)
	mux.HandleFunc("/nf/create", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &createBody)
		_, _ = w.Write([]byte(`{"id":"task_ch1"}`))
	})
	mux.HandleFunc("/nf/pending/v2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/project_y/profile/drafts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[
			{"task_id":"task_ch1","id":"gen_ch","kind":"video","downloadable_url":"https://cdn/cameo.mp4"}
		]}`))
	})
	env := newTestEnv(t, mux)
	stub.avatarURL = env.upstreamURL + "/avatar.webp"

	env.mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(testCredential(1)))
	env.mock.ExpectQuery("INSERT INTO request_logs").
		WithArgs(int64(1), nil, "character_with_video", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(22)))
	env.mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task_ch1", int64(1), "sora2-video-landscape", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	env.mock.ExpectExec("INSERT INTO credential_stats").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("SET use_count").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("SET consecutive_errors").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE request_logs").
		WithArgs(int64(22), "task_ch1", 200, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	events := &eventLog{}
	err := env.svc.Handle(context.Background(), Request{
		Model:  "sora2-landscape-10s",
		Prompt: "dances in the rain",
		Video:  []byte("clipbytes"),
		Stream: true,
	}, events.collect)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	env.drainAudit()

	prompt, _ := createBody["prompt"].(string)
	if !strings.HasPrefix(prompt, "@hero") || !strings.HasSuffix(prompt, " dances in the rain") {
		t.Errorf("upstream prompt = %q", prompt)
	}
	if stub.deletedPath != "/project_y/characters/char_1" {
		t.Errorf("temporary character not deleted, path = %q", stub.deletedPath)
	}
	// The stream already ended when cleanup ran, so no cleanup chunk.
	if strings.Contains(events.reasoningText(), "Cleaning up temporary character") {
		t.Error("cleanup chunk emitted after the terminal event")
	}
	if got := events.terminal(t).Content; got != streaming.VideoContent("https://cdn/cameo.mp4") {
		t.Errorf("terminal content = %q", got)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCharacterCameoFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/characters/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cameo_2"}`))
	})
	mux.HandleFunc("/project_y/cameos/in_progress/cameo_2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","status_message":"Face not visible"}`))
	})
	env := newTestEnv(t, mux)

	env.mock.ExpectQuery("FROM credentials").WillReturnRows(credentialRows(testCredential(1)))
	env.mock.ExpectQuery("INSERT INTO request_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(23)))
	env.mock.ExpectQuery("INSERT INTO credential_stats").
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_errors"}).AddRow(int64(1)))
	env.mock.ExpectExec("UPDATE request_logs").
		WithArgs(int64(23), nil, 500, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	events := &eventLog{}
	err := env.svc.Handle(context.Background(), Request{
		Model:  "sora2-landscape-10s",
		Video:  []byte("clipbytes"),
		Stream: true,
	}, events.collect)
	if err == nil || !strings.Contains(err.Error(), "角色创建失败: Face not visible") {
		t.Fatalf("Handle err = %v", err)
	}
	env.drainAudit()
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
