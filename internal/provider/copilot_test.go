package provider

import (
	"testing"

	"github.com/kontermux/kon/internal/types"
)

func TestCopilotDynamicHeaders_InitiatorUser(t *testing.T) {
	req := StreamRequest{Messages: []types.Message{
		types.NewUserMessage("hello"),
	}}
	h := copilotDynamicHeaders(req)
	if h["X-Initiator"] != "user" {
		t.Fatalf("got %q", h["X-Initiator"])
	}
	if h["Openai-Intent"] != "conversation-edits" {
		t.Fatalf("got %q", h["Openai-Intent"])
	}
	if _, ok := h["Copilot-Vision-Request"]; ok {
		t.Fatal("vision header must be absent without images")
	}
}

func TestCopilotDynamicHeaders_InitiatorAgent(t *testing.T) {
	req := StreamRequest{Messages: []types.Message{
		types.NewUserMessage("run it"),
		types.NewAssistantMessage([]types.Part{types.ToolCallPart("c1", "shell", `{}`)}, nil, types.StopToolUse),
		types.NewToolResultMessage("c1", "shell", []types.Part{types.TextPart("done")}, false, ""),
	}}
	if h := copilotDynamicHeaders(req); h["X-Initiator"] != "agent" {
		t.Fatalf("got %q", h["X-Initiator"])
	}
}

func TestCopilotDynamicHeaders_VisionRequest(t *testing.T) {
	req := StreamRequest{Messages: []types.Message{
		types.NewUserMessageParts([]types.Part{
			types.TextPart("what's in this?"),
			types.ImagePart("image/png", "aGk="),
		}),
	}}
	if h := copilotDynamicHeaders(req); h["Copilot-Vision-Request"] != "true" {
		t.Fatal("expected vision header when any message carries an image")
	}
}

func TestNewCopilotAnthropic_CarriesBetaHeader(t *testing.T) {
	p := NewCopilotAnthropic(ProviderConfig{Model: "claude-sonnet-4"})
	if p.headers["anthropic-beta"] != "interleaved-thinking-2025-05-14" {
		t.Fatalf("got %q", p.headers["anthropic-beta"])
	}
	if p.headers["Copilot-Integration-Id"] != "vscode-chat" {
		t.Fatal("static overlay headers missing")
	}
}
