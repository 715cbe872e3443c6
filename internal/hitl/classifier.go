package hitl

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gateway/internal/config"
)

// Action tiers, in ascending order of required ceremony.
const (
	TierAutoApprove     = "auto-approve"
	TierNotify          = "notify"
	TierRequireApproval = "require-approval"
)

// ToolProposeSoulUpdate is always require-approval and never downgraded by
// session grants.
const ToolProposeSoulUpdate = "propose_soul_update"

// Classifier assigns a tier to each tool call by walking the configured rule
// lists in order: autoApprove, then notify, then requireApproval. The first
// matching rule wins; an unmatched call is require-approval.
type Classifier struct {
	autoApprove     []config.ClassificationRule
	notify          []config.ClassificationRule
	requireApproval []config.ClassificationRule
}

// NewClassifier builds a classifier from the configured tiers. Each trusted
// domain contributes an auto-approve rule for browse_web against its https
// URL space.
func NewClassifier(tiers config.ActionTiersConfig, trustedDomains []string) *Classifier {
	c := &Classifier{
		autoApprove:     tiers.AutoApprove,
		notify:          tiers.Notify,
		requireApproval: tiers.RequireApproval,
	}
	for _, domain := range trustedDomains {
		c.autoApprove = append(c.autoApprove, config.ClassificationRule{
			Tool:       "browse_web",
			Conditions: map[string]string{"url": "https://" + domain + "/**"},
		})
	}
	return c
}

// Classify returns the action tier for a tool call.
func (c *Classifier) Classify(toolName string, input map[string]interface{}) string {
	return c.ClassifyWithFallback(toolName, input, "")
}

// ClassifyWithFallback classifies like Classify, but when no configured rule
// matches it returns the caller's fallback tier instead of the fail-safe
// default. MCP servers use this to apply their configured defaultTier to
// their tools. An empty or invalid fallback keeps require-approval.
func (c *Classifier) ClassifyWithFallback(toolName string, input map[string]interface{}, fallback string) string {
	if toolName == ToolProposeSoulUpdate {
		return TierRequireApproval
	}
	if ruleListMatches(c.autoApprove, toolName, input) {
		return TierAutoApprove
	}
	if ruleListMatches(c.notify, toolName, input) {
		return TierNotify
	}
	if ruleListMatches(c.requireApproval, toolName, input) {
		return TierRequireApproval
	}
	switch fallback {
	case TierAutoApprove, TierNotify, TierRequireApproval:
		return fallback
	}
	return TierRequireApproval
}

func ruleListMatches(rules []config.ClassificationRule, toolName string, input map[string]interface{}) bool {
	for _, rule := range rules {
		if ruleMatches(rule, toolName, input) {
			return true
		}
	}
	return false
}

// ruleMatches requires the tool name to be equal and every condition to
// match the string-coerced input field. A missing or null field fails the
// rule rather than the condition being skipped.
func ruleMatches(rule config.ClassificationRule, toolName string, input map[string]interface{}) bool {
	if rule.Tool != toolName {
		return false
	}
	for field, pattern := range rule.Conditions {
		raw, ok := input[field]
		if !ok || raw == nil {
			return false
		}
		if !MatchGlob(pattern, coerceString(raw)) {
			return false
		}
	}
	return true
}

// coerceString renders a decoded JSON value the way it appeared on the wire.
func coerceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
