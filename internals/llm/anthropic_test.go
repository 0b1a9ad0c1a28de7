package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestToAPIMessages(t *testing.T) {
	out, err := toAPIMessages([]Message{
		UserMessage("draft a plan"),
		{Role: RoleAssistant, Content: "which repo?"},
		UserMessage("this one"),
	})
	if err != nil {
		t.Fatalf("toAPIMessages: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("role[1] = %s, want assistant", out[1].Role)
	}
}

func TestToAPIMessagesRejectsBadConversations(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
	}{
		{"empty", nil},
		{"unknown role", []Message{{Role: "system", Content: "x"}}},
		{"ends with assistant", []Message{UserMessage("a"), {Role: RoleAssistant, Content: "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := toAPIMessages(tt.messages); err == nil {
				t.Error("expected error")
			}
		})
	}
}
