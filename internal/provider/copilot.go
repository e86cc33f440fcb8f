package provider

import "github.com/kontermux/kon/internal/types"

// copilotStaticHeaders are sent on every Copilot request regardless of
// protocol, identifying this client to the upstream gateway the way a VS
// Code Copilot Chat client would.
var copilotStaticHeaders = map[string]string{
	"User-Agent":             "GitHubCopilotChat/0.26.0",
	"Editor-Version":         "vscode/1.96.0",
	"Editor-Plugin-Version":  "copilot-chat/0.26.0",
	"Copilot-Integration-Id": "vscode-chat",
}

// copilotDynamicHeaders computes the per-request headers that depend on the
// outgoing message list: X-Initiator reflects who produced the last message
// (user vs. agent continuing after a tool result), Copilot-Vision-Request
// is set when any message carries an image part, and Openai-Intent is
// always conversation-edits.
func copilotDynamicHeaders(req StreamRequest) map[string]string {
	headers := map[string]string{"Openai-Intent": "conversation-edits"}
	headers["X-Initiator"] = copilotInitiator(req.Messages)
	if copilotHasImage(req.Messages) {
		headers["Copilot-Vision-Request"] = "true"
	}
	return headers
}

// copilotInitiator returns "user" when the last input message is a
// UserMessage, and "agent" otherwise (e.g. the last message is a tool
// result, meaning the agent is continuing a turn on its own).
func copilotInitiator(messages []types.Message) string {
	if len(messages) == 0 {
		return "user"
	}
	if messages[len(messages)-1].Role == types.RoleUser {
		return "user"
	}
	return "agent"
}

func copilotHasImage(messages []types.Message) bool {
	for _, m := range messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// copilotHeaders merges the static overlay with a protocol-specific extra
// header (e.g. the Anthropic interleaved-thinking beta flag).
func copilotHeaders(extra map[string]string) map[string]string {
	out := make(map[string]string, len(copilotStaticHeaders)+len(extra))
	for k, v := range copilotStaticHeaders {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// NewCopilotCompletions wraps OpenAICompletionsProvider with the Copilot
// gateway's static and dynamic headers. toOpenAIMessages already flattens
// assistant content to a single string rather than a content-part array;
// that matters here specifically because the Copilot backend re-answers
// prior turns when it sees an array-shaped assistant message.
func NewCopilotCompletions(cfg ProviderConfig) *OpenAICompletionsProvider {
	p := NewOpenAICompletions(cfg)
	p.headers = copilotHeaders(nil)
	p.dynHeaders = copilotDynamicHeaders
	return p
}

// NewCopilotResponses wraps OpenAIResponsesProvider with the Copilot
// gateway overlay.
func NewCopilotResponses(cfg ProviderConfig) *OpenAIResponsesProvider {
	p := NewOpenAIResponses(cfg)
	p.headers = copilotHeaders(nil)
	p.dynHeaders = copilotDynamicHeaders
	return p
}

// NewCopilotAnthropic wraps AnthropicMessagesProvider with the Copilot
// gateway overlay plus the interleaved-thinking beta flag required by the
// Copilot-fronted Anthropic backend.
func NewCopilotAnthropic(cfg ProviderConfig) *AnthropicMessagesProvider {
	p := NewAnthropicMessages(cfg)
	p.headers = copilotHeaders(map[string]string{"anthropic-beta": "interleaved-thinking-2025-05-14"})
	p.dynHeaders = copilotDynamicHeaders
	return p
}
