package streaming

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodeFrame(t *testing.T, frame string) map[string]interface{} {
	t.Helper()
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame %q is not SSE-framed", frame)
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(frame[6:len(frame)-2]), &body); err != nil {
		t.Fatalf("frame body is not JSON: %v", err)
	}
	return body
}

func choiceOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	choices, ok := body["choices"].([]interface{})
	if !ok || len(choices) != 1 {
		t.Fatalf("choices = %v, want one element", body["choices"])
	}
	return choices[0].(map[string]interface{})
}

func TestReasoningChunk(t *testing.T) {
	body := decodeFrame(t, Reasoning("working...\n", true))

	if body["object"] != "chat.completion.chunk" {
		t.Fatalf("object = %v", body["object"])
	}
	if body["model"] != ModelName {
		t.Fatalf("model = %v", body["model"])
	}
	if id, _ := body["id"].(string); !strings.HasPrefix(id, "chatcmpl-") {
		t.Fatalf("id = %v", body["id"])
	}

	choice := choiceOf(t, body)
	delta := choice["delta"].(map[string]interface{})
	if delta["role"] != "assistant" {
		t.Fatalf("first chunk role = %v", delta["role"])
	}
	if delta["reasoning_content"] != "working...\n" {
		t.Fatalf("reasoning_content = %v", delta["reasoning_content"])
	}
	for _, key := range []string{"content", "tool_calls"} {
		if v, present := delta[key]; !present || v != nil {
			t.Fatalf("delta[%s] = %v present=%v, want explicit null", key, v, present)
		}
	}
	if v, present := choice["finish_reason"]; !present || v != nil {
		t.Fatalf("finish_reason = %v, want explicit null", v)
	}

	usage := body["usage"].(map[string]interface{})
	if usage["prompt_tokens"] != float64(0) {
		t.Fatalf("prompt_tokens = %v", usage["prompt_tokens"])
	}
	if _, present := usage["completion_tokens"]; present {
		t.Fatal("completion_tokens should be absent before the terminal chunk")
	}
}

func TestReasoningChunkNotFirst(t *testing.T) {
	body := decodeFrame(t, Reasoning("more\n", false))
	delta := choiceOf(t, body)["delta"].(map[string]interface{})
	if _, present := delta["role"]; present {
		t.Fatal("role should only appear on the first chunk")
	}
}

func TestContentChunkTerminal(t *testing.T) {
	body := decodeFrame(t, Content("![Generated Image](http://host/tmp/x.png)"))

	choice := choiceOf(t, body)
	if choice["finish_reason"] != FinishStop || choice["native_finish_reason"] != FinishStop {
		t.Fatalf("finish reasons = %v / %v, want STOP", choice["finish_reason"], choice["native_finish_reason"])
	}
	delta := choice["delta"].(map[string]interface{})
	if delta["content"] != "![Generated Image](http://host/tmp/x.png)" {
		t.Fatalf("content = %v", delta["content"])
	}
	if v, present := delta["reasoning_content"]; !present || v != nil {
		t.Fatalf("reasoning_content = %v, want explicit null", v)
	}

	usage := body["usage"].(map[string]interface{})
	if usage["completion_tokens"] != float64(1) || usage["total_tokens"] != float64(1) {
		t.Fatalf("usage = %v", usage)
	}
}

func TestErrorFrame(t *testing.T) {
	body := decodeFrame(t, ErrorFrame("boom"))
	detail := body["error"].(map[string]interface{})
	if detail["message"] != "boom" || detail["type"] != "server_error" {
		t.Fatalf("error detail = %v", detail)
	}
	for _, key := range []string{"param", "code"} {
		if v, present := detail[key]; !present || v != nil {
			t.Fatalf("error[%s] = %v, want explicit null", key, v)
		}
	}
}

func TestRawErrorFrame(t *testing.T) {
	payload := `{"error":{"code":"unsupported_country_code","message":"no"}}`
	got := RawErrorFrame(payload)
	if got != "data: "+payload+"\n\n" {
		t.Fatalf("RawErrorFrame = %q", got)
	}
}

func TestDone(t *testing.T) {
	if Done() != "data: [DONE]\n\n" {
		t.Fatalf("Done = %q", Done())
	}
}

func TestCompletionEnvelope(t *testing.T) {
	data, err := json.Marshal(Completion("all good"))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}

	if body["object"] != "chat.completion" {
		t.Fatalf("object = %v", body["object"])
	}
	choice := choiceOf(t, body)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish_reason = %v, want stop", choice["finish_reason"])
	}
	message := choice["message"].(map[string]interface{})
	if message["role"] != "assistant" || message["content"] != "all good" {
		t.Fatalf("message = %v", message)
	}
}

func TestMediaSnippets(t *testing.T) {
	if got := VideoContent("http://host/tmp/a.mp4"); got != "```html\n<video src='http://host/tmp/a.mp4' controls></video>\n```" {
		t.Fatalf("VideoContent = %q", got)
	}
	if got := ImageContent("http://host/tmp/a.png"); got != "![Generated Image](http://host/tmp/a.png)" {
		t.Fatalf("ImageContent = %q", got)
	}
}
