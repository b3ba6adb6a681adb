package extract

import (
	"regexp"

	"agentdash/internal/config"
)

// Classifier decides whether a message exchange should go through extraction.
type Classifier interface {
	ShouldExtract(message, reply string) bool
}

var (
	requestPattern = regexp.MustCompile(`(?is)\b(create|add|plan|break\s+(?:it\s+|this\s+|that\s+)?down|generate|make|set\s+up|define|list|split|organi[sz]e)\b.{0,80}?\b(tasks?|features?|subtasks?|stories|tickets|backlog|todos?|steps)\b`)
	replyMentions  = regexp.MustCompile(`(?i)\b(tasks?|features?|subtasks?|steps?|milestones?)\b`)
	listItem       = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+\S`)
)

// PatternClassifier is the keyword heuristic: the message asks for tasks, or the reply enumerates them.
type PatternClassifier struct{}

func (PatternClassifier) ShouldExtract(message, reply string) bool {
	if requestPattern.MatchString(message) {
		return true
	}
	return replyMentions.MatchString(reply) && len(listItem.FindAllStringIndex(reply, 3)) >= 2
}

// Fixed always answers the same.
type Fixed bool

func (f Fixed) ShouldExtract(string, string) bool { return bool(f) }

// ForPolicy returns the classifier for an extraction policy name.
func ForPolicy(policy string) Classifier {
	switch policy {
	case config.ExtractAlways:
		return Fixed(true)
	case config.ExtractNever:
		return Fixed(false)
	default:
		return PatternClassifier{}
	}
}
