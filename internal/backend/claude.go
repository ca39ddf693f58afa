package backend

import (
	"bytes"
	"encoding/json"
	"strings"
)

// buildArgs constructs the command line for a persistent claude worker
// speaking stream-json on both stdin and stdout.
func buildArgs(cfg Config, sessionID string) []string {
	args := make([]string, 0, len(cfg.Args)+12)
	args = append(args, cfg.Args...)
	args = append(args,
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--session-id", sessionID,
		"--verbose",
	)

	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}

	return args
}

// userMessage is the single outbound event shape.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// encodeUserMessage renders one newline-terminated "user" event.
func encodeUserMessage(prompt string) ([]byte, error) {
	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = prompt

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// claudeEvent covers the inbound event shapes we act on.
// Examples:
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}
//	{"type":"result","result":"done"}
type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Result json.RawMessage `json:"result"`
}

type eventKind int

const (
	eventIgnored eventKind = iota
	eventRaw
	eventInit
	eventText
	eventResult
)

// parsedLine is the interpretation of one stdout line.
type parsedLine struct {
	kind eventKind
	text string
}

// parseStreamLine classifies a single complete line from the worker.
// Lines that are not structured, or claim to be but fail to decode, come
// back as raw text. Valid events of an unknown type are ignored.
func parseStreamLine(line string) parsedLine {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return parsedLine{kind: eventRaw, text: line}
	}

	var ev claudeEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return parsedLine{kind: eventRaw, text: line}
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return parsedLine{kind: eventInit}
		}
	case "assistant":
		if ev.Message == nil {
			return parsedLine{kind: eventIgnored}
		}
		if text := assistantText(ev.Message.Content); text != "" {
			return parsedLine{kind: eventText, text: text}
		}
	case "result":
		return parsedLine{kind: eventResult, text: resultText(ev.Result)}
	}
	return parsedLine{kind: eventIgnored}
}

// assistantText concatenates the text fragments of an assistant message.
func assistantText(content json.RawMessage) string {
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// resultText coerces a result payload to text: a string as-is, an object's
// "text" field, otherwise the compact JSON encoding.
func resultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != nil {
		return *obj.Text
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
