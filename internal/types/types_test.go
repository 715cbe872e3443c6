package types

import (
	"testing"
)

func TestTurnText(t *testing.T) {
	turn := ConversationTurn{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock("I'll check that. "),
			ToolCallBlock("tc1", "list_directory", map[string]interface{}{"path": "/workspace"}),
			TextBlock("One moment."),
		},
	}
	if got := turn.Text(); got != "I'll check that. One moment." {
		t.Errorf("Text() = %q", got)
	}
	calls := turn.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "list_directory" {
		t.Errorf("ToolCalls() = %+v", calls)
	}
}

func TestLastUserText(t *testing.T) {
	history := []ConversationTurn{
		TextTurn(RoleUser, "first"),
		TextTurn(RoleAssistant, "reply"),
		TextTurn(RoleUser, "second"),
		{Role: RoleToolResults, Content: []ContentBlock{ToolResultBlock("tc1", "ok", false)}},
	}
	if got := LastUserText(history); got != "second" {
		t.Errorf("LastUserText = %q, want second", got)
	}
	if got := LastUserText(nil); got != "" {
		t.Errorf("LastUserText(nil) = %q, want empty", got)
	}
}
