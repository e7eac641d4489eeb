package orchestrator

import (
	"encoding/json"
	"fmt"
)

const (
	ActionInit         = "init"
	ActionNavigate     = "navigate"
	ActionChatChatGPT  = "chat_chatgpt"
	ActionChatDeepSeek = "chat_deepseek"
	ActionChatGLM      = "chat_glm"
	ActionChatKimi     = "chat_kimi"
	ActionClose        = "close"
)

var knownActions = map[string]bool{
	ActionInit:         true,
	ActionNavigate:     true,
	ActionChatChatGPT:  true,
	ActionChatDeepSeek: true,
	ActionChatGLM:      true,
	ActionChatKimi:     true,
	ActionClose:        true,
}

// Command is one record of the worker protocol. A nil Payload is sent as
// JSON null.
type Command struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func NewCommand(action string, payload any) (Command, error) {
	if action == "" {
		return Command{}, fmt.Errorf("orchestrator: empty action")
	}
	cmd := Command{Action: action}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		if len(p) > 0 {
			if !json.Valid(p) {
				return Command{}, fmt.Errorf("orchestrator: payload for %q is not valid JSON", action)
			}
			cmd.Payload = p
		}
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Command{}, fmt.Errorf("orchestrator: encoding payload for %q: %w", action, err)
		}
		cmd.Payload = b
	}
	return cmd, nil
}

// Line encodes the command as one newline-terminated JSON record.
func (c Command) Line() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encoding command: %w", err)
	}
	return append(b, '\n'), nil
}

// navigateTarget reports the payload's url field. A url key holding
// anything other than a string is returned raw with ok=true so the policy
// check fails closed.
func (c Command) navigateTarget() (url string, ok bool) {
	if len(c.Payload) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Payload, &fields); err != nil {
		return "", false
	}
	raw, ok := fields["url"]
	if !ok {
		return "", false
	}
	if err := json.Unmarshal(raw, &url); err != nil {
		return string(raw), true
	}
	return url, true
}

func actionLabel(action string) string {
	if knownActions[action] {
		return action
	}
	return "other"
}
