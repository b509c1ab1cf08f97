package geminiweb

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var reThink = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// RoleText is one turn of a flattened conversation.
type RoleText struct {
	Role string
	Text string
}

// NormalizeRole lowercases a role and maps 'model' onto 'assistant'.
func NormalizeRole(role string) string {
	r := strings.ToLower(role)
	if r == "model" {
		return "assistant"
	}
	return r
}

// ParseMessages flattens the OpenAI `messages` array into role/text pairs.
// Multimodal content lists contribute their text parts only.
func ParseMessages(rawJSON []byte) ([]RoleText, error) {
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.Exists() || !messages.IsArray() {
		return nil, &ValueError{Msg: "messages missing or not an array"}
	}
	var out []RoleText
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := NormalizeRole(msg.Get("role").String())
		content := msg.Get("content")
		if content.IsArray() {
			var parts []string
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
				return true
			})
			out = append(out, RoleText{Role: role, Text: strings.Join(parts, " ")})
			return true
		}
		out = append(out, RoleText{Role: role, Text: content.String()})
		return true
	})
	if len(out) == 0 {
		return nil, &ValueError{Msg: "no messages provided"}
	}
	return out, nil
}

// NeedRoleTags reports whether the history contains non-user turns and so
// needs explicit role markers in the flattened prompt.
func NeedRoleTags(msgs []RoleText) bool {
	for _, m := range msgs {
		if strings.ToLower(m.Role) != "user" {
			return true
		}
	}
	return false
}

// AddRoleTag wraps content with a role marker.
func AddRoleTag(role, content string, unclose bool) string {
	if role == "" {
		role = "user"
	}
	if unclose {
		return "<|im_start|>" + role + "\n" + content
	}
	return "<|im_start|>" + role + "\n" + content + "\n<|im_end|>"
}

// BuildPrompt constructs the final prompt from a list of messages. When
// tagged, each turn is wrapped in role markers and an open assistant marker
// is appended so the model continues the conversation.
func BuildPrompt(msgs []RoleText, tagged bool) string {
	if len(msgs) == 0 {
		return ""
	}
	if !tagged {
		var sb strings.Builder
		for i, m := range msgs {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(m.Text)
		}
		return sb.String()
	}
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(AddRoleTag(m.Role, m.Text, false))
		sb.WriteString("\n")
	}
	sb.WriteString(AddRoleTag("assistant", "", true))
	return strings.TrimSpace(sb.String())
}

// RemoveThinkTags strips a leading <think>...</think> block.
func RemoveThinkTags(s string) string {
	return strings.TrimSpace(reThink.ReplaceAllString(s, ""))
}

// SanitizeAssistantMessages removes think tags from assistant turns so
// replayed history never feeds reasoning traces back to the model.
func SanitizeAssistantMessages(msgs []RoleText) []RoleText {
	out := make([]RoleText, 0, len(msgs))
	for _, m := range msgs {
		if strings.ToLower(m.Role) == "assistant" {
			out = append(out, RoleText{Role: m.Role, Text: RemoveThinkTags(m.Text)})
		} else {
			out = append(out, m)
		}
	}
	return out
}

// EstimateTokens approximates a token count from text length (~4 chars/token).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n <= 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / 4.0))
}

// Request chunking ----------------------------------------------------------

const continuationHint = "\n(More messages to come, please reply with just 'ok.')"

func ChunkByRunes(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	chunks := make([]string, 0, (len(s)/size)+1)
	var buf strings.Builder
	count := 0
	for _, r := range s {
		buf.WriteRune(r)
		count++
		if count >= size {
			chunks = append(chunks, buf.String())
			buf.Reset()
			count = 0
		}
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// SendWithSplit sends a prompt on the chat thread, splitting it into multiple
// requests when it exceeds maxChars. Intermediate chunks carry a continuation
// hint; the final chunk produces the returned output.
func SendWithSplit(ctx context.Context, chat *ChatSession, text string, maxChars int) (ModelOutput, error) {
	if chat == nil {
		return ModelOutput{}, fmt.Errorf("nil chat session")
	}
	if maxChars <= 0 {
		maxChars = 1_000_000
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return chat.SendMessage(ctx, text)
	}

	hintLen := utf8.RuneCountInString(continuationHint)
	chunkSize := maxChars - hintLen
	useHint := true
	if chunkSize <= 0 {
		useHint = false
		chunkSize = maxChars
	}
	chunks := ChunkByRunes(text, chunkSize)
	for i := 0; i < len(chunks)-1; i++ {
		part := chunks[i]
		if useHint {
			part += continuationHint
		}
		if _, err := chat.SendMessage(ctx, part); err != nil {
			return ModelOutput{}, err
		}
	}
	return chat.SendMessage(ctx, chunks[len(chunks)-1])
}
