package crowdfund

import "strings"

// RevertKind is the closed set of recognized contract rejections.
type RevertKind string

const (
	RevertOwnerOnly      RevertKind = "owner_only"
	RevertGoalReached    RevertKind = "goal_reached"
	RevertFundingStopped RevertKind = "funding_stopped"
	RevertUnclassified   RevertKind = "unclassified"
)

// RevertRule maps a known contract phrase to a friendlier message.
type RevertRule struct {
	Phrase  string
	Kind    RevertKind
	Message string
}

// Classification is a best-effort reading of a revert reason. Reason is always the raw text.
type Classification struct {
	Kind    RevertKind
	Reason  string
	Message string
}

// DefaultRevertRules lists the rejection phrases emitted by the crowdfunding contract.
// Rules are evaluated in order; the first match wins.
var DefaultRevertRules = []RevertRule{
	{Phrase: "not allowed", Kind: RevertOwnerOnly, Message: "Only the owner can do this"},
	{Phrase: "goal", Kind: RevertGoalReached, Message: "Goal reached"},
	{Phrase: "stopped", Kind: RevertFundingStopped, Message: "Funding ended"},
}

// RevertClassifier matches revert reasons against a rule table.
type RevertClassifier struct {
	rules []RevertRule
}

// NewRevertClassifier copies rules into a classifier. Empty phrases are ignored.
func NewRevertClassifier(rules []RevertRule) RevertClassifier {
	copied := make([]RevertRule, 0, len(rules))
	for _, rule := range rules {
		if strings.TrimSpace(rule.Phrase) == "" {
			continue
		}
		rule.Phrase = strings.ToLower(rule.Phrase)
		copied = append(copied, rule)
	}
	return RevertClassifier{rules: copied}
}

// Classify maps a raw reason to a known kind, falling back to RevertUnclassified with the raw text as message.
func (classifier RevertClassifier) Classify(reason string) Classification {
	normalized := strings.ToLower(reason)
	for _, rule := range classifier.rules {
		if strings.Contains(normalized, rule.Phrase) {
			return Classification{Kind: rule.Kind, Reason: reason, Message: rule.Message}
		}
	}
	return Classification{Kind: RevertUnclassified, Reason: reason, Message: reason}
}
