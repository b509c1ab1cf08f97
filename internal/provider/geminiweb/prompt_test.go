package geminiweb

import (
	"strings"
	"testing"
)

func TestParseMessagesPlainContent(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)
	msgs, err := ParseMessages(raw)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Text != "be terse" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Text != "hi" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestParseMessagesMultimodalParts(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"look at"},{"type":"image_url","image_url":{"url":"http://x"}},{"type":"text","text":"this"}]}]}`)
	msgs, err := ParseMessages(raw)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if msgs[0].Text != "look at this" {
		t.Errorf("got %q, want text parts joined", msgs[0].Text)
	}
}

func TestParseMessagesErrors(t *testing.T) {
	for _, raw := range []string{`{}`, `{"messages":[]}`, `{"messages":"nope"}`} {
		if _, err := ParseMessages([]byte(raw)); err == nil {
			t.Errorf("ParseMessages(%s) should fail", raw)
		}
	}
}

func TestNormalizeRoleMapsModelToAssistant(t *testing.T) {
	if got := NormalizeRole("Model"); got != "assistant" {
		t.Errorf("got %q, want assistant", got)
	}
	if got := NormalizeRole("USER"); got != "user" {
		t.Errorf("got %q, want user", got)
	}
}

func TestBuildPromptUntagged(t *testing.T) {
	msgs := []RoleText{{Role: "user", Text: "just one turn"}}
	if NeedRoleTags(msgs) {
		t.Fatal("single user turn should not need role tags")
	}
	if got := BuildPrompt(msgs, false); got != "just one turn" {
		t.Errorf("got %q", got)
	}
}

func TestBuildPromptTagged(t *testing.T) {
	msgs := []RoleText{
		{Role: "system", Text: "rules"},
		{Role: "user", Text: "question"},
		{Role: "assistant", Text: "answer"},
		{Role: "user", Text: "follow-up"},
	}
	if !NeedRoleTags(msgs) {
		t.Fatal("mixed roles should need tags")
	}
	got := BuildPrompt(msgs, true)
	if !strings.Contains(got, "<|im_start|>system\nrules\n<|im_end|>") {
		t.Errorf("system turn not tagged:\n%s", got)
	}
	if !strings.HasSuffix(got, "<|im_start|>assistant") {
		t.Errorf("prompt should end with an open assistant marker:\n%s", got)
	}
}

func TestRemoveThinkTags(t *testing.T) {
	in := "<think>internal\nreasoning</think>  final answer"
	if got := RemoveThinkTags(in); got != "final answer" {
		t.Errorf("got %q", got)
	}
	if got := RemoveThinkTags("no tags here"); got != "no tags here" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeAssistantMessages(t *testing.T) {
	msgs := []RoleText{
		{Role: "assistant", Text: "<think>x</think>clean"},
		{Role: "user", Text: "<think>kept</think>raw"},
	}
	out := SanitizeAssistantMessages(msgs)
	if out[0].Text != "clean" {
		t.Errorf("assistant turn not sanitized: %q", out[0].Text)
	}
	if out[1].Text != "<think>kept</think>raw" {
		t.Errorf("user turn should be untouched: %q", out[1].Text)
	}
}

func TestChunkByRunes(t *testing.T) {
	chunks := ChunkByRunes("abcdefg", 3)
	want := []string{"abc", "def", "g"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d: got %q, want %q", i, chunks[i], want[i])
		}
	}

	// Multi-byte runes must never be split.
	chunks = ChunkByRunes("日本語テスト", 2)
	if chunks[0] != "日本" || chunks[1] != "語テ" || chunks[2] != "スト" {
		t.Errorf("rune chunking broken: %q", chunks)
	}

	if got := ChunkByRunes("", 4); len(got) != 1 || got[0] != "" {
		t.Errorf("empty input: %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty: got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars: got %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("5 chars: got %d, want 2", got)
	}
}

func TestNormalizeModelName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "gemini-2.5-flash"},
		{"gpt-4o", "gemini-2.5-flash"},
		{"text-davinci-003", "gemini-2.5-flash"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
	}
	for _, tc := range cases {
		if got := NormalizeModelName(tc.in, "gemini-2.5-flash"); got != tc.want {
			t.Errorf("NormalizeModelName(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestModelFromName(t *testing.T) {
	m, err := ModelFromName("gemini-2.5-flash")
	if err != nil {
		t.Fatalf("ModelFromName: %v", err)
	}
	if m.Name != "gemini-2.5-flash" {
		t.Errorf("got %q", m.Name)
	}
	if _, err = ModelFromName("no-such-model"); err == nil {
		t.Error("unknown model should fail")
	}
}
