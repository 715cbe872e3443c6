package hitl

import (
	"testing"

	"gateway/internal/config"
)

func testTiers() config.ActionTiersConfig {
	return config.ActionTiersConfig{
		AutoApprove: []config.ClassificationRule{
			{Tool: "read_file", Conditions: map[string]string{"path": "/workspace/**"}},
			{Tool: "search_files"},
		},
		Notify: []config.ClassificationRule{
			{Tool: "write_file", Conditions: map[string]string{"path": "/workspace/**"}},
		},
		RequireApproval: []config.ClassificationRule{
			{Tool: "run_shell_command"},
		},
	}
}

func TestClassifyTierWalk(t *testing.T) {
	c := NewClassifier(testTiers(), nil)

	cases := []struct {
		tool  string
		input map[string]interface{}
		want  string
	}{
		{"read_file", map[string]interface{}{"path": "/workspace/a.txt"}, TierAutoApprove},
		{"read_file", map[string]interface{}{"path": "/etc/passwd"}, TierRequireApproval},
		{"search_files", map[string]interface{}{"query": "anything"}, TierAutoApprove},
		{"write_file", map[string]interface{}{"path": "/workspace/out.md"}, TierNotify},
		{"write_file", map[string]interface{}{"path": "/tmp/out.md"}, TierRequireApproval},
		{"run_shell_command", map[string]interface{}{"command": "ls"}, TierRequireApproval},
		{"unknown_tool", map[string]interface{}{}, TierRequireApproval},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.tool, tc.input); got != tc.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tc.tool, tc.input, got, tc.want)
		}
	}
}

func TestClassifyFirstTierWins(t *testing.T) {
	tiers := testTiers()
	tiers.RequireApproval = append(tiers.RequireApproval, config.ClassificationRule{Tool: "search_files"})
	c := NewClassifier(tiers, nil)

	if got := c.Classify("search_files", map[string]interface{}{}); got != TierAutoApprove {
		t.Errorf("tier = %s, want auto-approve (earlier tier wins)", got)
	}
}

func TestClassifyMissingFieldFailsRule(t *testing.T) {
	c := NewClassifier(testTiers(), nil)

	// read_file's auto-approve rule requires path; without it the rule
	// cannot match and the call falls through to the fail-safe default.
	if got := c.Classify("read_file", map[string]interface{}{}); got != TierRequireApproval {
		t.Errorf("tier = %s, want require-approval", got)
	}
	if got := c.Classify("read_file", map[string]interface{}{"path": nil}); got != TierRequireApproval {
		t.Errorf("nil field tier = %s, want require-approval", got)
	}
}

func TestClassifyCoercesNonStringFields(t *testing.T) {
	tiers := config.ActionTiersConfig{
		AutoApprove: []config.ClassificationRule{
			{Tool: "scan_port", Conditions: map[string]string{"port": "80*", "secure": "true"}},
		},
	}
	c := NewClassifier(tiers, nil)

	input := map[string]interface{}{"port": float64(8080), "secure": true}
	if got := c.Classify("scan_port", input); got != TierAutoApprove {
		t.Errorf("tier = %s, want auto-approve", got)
	}

	input["secure"] = false
	if got := c.Classify("scan_port", input); got != TierRequireApproval {
		t.Errorf("tier = %s, want require-approval", got)
	}
}

func TestClassifySoulUpdateHardcoded(t *testing.T) {
	tiers := testTiers()
	tiers.AutoApprove = append(tiers.AutoApprove, config.ClassificationRule{Tool: ToolProposeSoulUpdate})
	c := NewClassifier(tiers, nil)

	if got := c.Classify(ToolProposeSoulUpdate, map[string]interface{}{"change": "x"}); got != TierRequireApproval {
		t.Errorf("tier = %s, want require-approval regardless of config", got)
	}
}

func TestClassifyWithFallbackUnmatchedTools(t *testing.T) {
	c := NewClassifier(testTiers(), nil)

	// A server's default tier applies only when no rule matches.
	if got := c.ClassifyWithFallback("mcp_github__create_issue", nil, TierNotify); got != TierNotify {
		t.Errorf("unmatched tier = %s, want notify fallback", got)
	}
	if got := c.ClassifyWithFallback("mcp_github__create_issue", nil, TierAutoApprove); got != TierAutoApprove {
		t.Errorf("unmatched tier = %s, want auto-approve fallback", got)
	}

	// An explicit rule always beats the fallback.
	input := map[string]interface{}{"command": "ls"}
	if got := c.ClassifyWithFallback("run_shell_command", input, TierAutoApprove); got != TierRequireApproval {
		t.Errorf("ruled tier = %s, want require-approval", got)
	}

	// Unknown or empty fallbacks keep the fail-safe default.
	if got := c.ClassifyWithFallback("mcp_github__create_issue", nil, "yolo"); got != TierRequireApproval {
		t.Errorf("invalid fallback tier = %s, want require-approval", got)
	}
	if got := c.ClassifyWithFallback("mcp_github__create_issue", nil, ""); got != TierRequireApproval {
		t.Errorf("empty fallback tier = %s, want require-approval", got)
	}

	// propose_soul_update ignores fallbacks entirely.
	if got := c.ClassifyWithFallback(ToolProposeSoulUpdate, nil, TierAutoApprove); got != TierRequireApproval {
		t.Errorf("soul update tier = %s, want require-approval", got)
	}
}

func TestClassifyTrustedDomains(t *testing.T) {
	c := NewClassifier(testTiers(), []string{"docs.example.com"})

	cases := []struct {
		url  string
		want string
	}{
		{"https://docs.example.com/guide/intro", TierAutoApprove},
		{"https://docs.example.com", TierAutoApprove},
		{"http://docs.example.com/guide", TierRequireApproval},
		{"https://evil.example.com/guide", TierRequireApproval},
	}
	for _, tc := range cases {
		got := c.Classify("browse_web", map[string]interface{}{"url": tc.url})
		if got != tc.want {
			t.Errorf("Classify(browse_web, %s) = %s, want %s", tc.url, got, tc.want)
		}
	}
}
