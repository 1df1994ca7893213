package intent

import (
	"regexp"
	"strings"
)

// Command is the action token a classifier reply may carry. The zero value
// means the reply was purely conversational.
type Command struct {
	Action string
	Value  string
}

func (c Command) None() bool { return c.Action == "" }

func (c Command) String() string {
	switch {
	case c.None():
		return ""
	case c.Value == "":
		return tokenPrefix + c.Action
	default:
		return tokenPrefix + c.Action + ":" + c.Value
	}
}

const tokenPrefix = "ACTION:"

// A token is ACTION:<NAME> optionally followed by :<value>. The value runs
// to the end of its line, so it may hold spaces, pipes and further colons.
// Punctuation glued to a bare token goes with it when stripping.
var (
	tokenRe = regexp.MustCompile(`ACTION:([A-Z][A-Z_]*)(?::([^\r\n]*))?`)
	stripRe = regexp.MustCompile(`[ \t]*ACTION:[A-Z][A-Z_]*(?::[^\r\n]*|[.,;!?]+[ \t]*)?`)
)

// ParseCommand returns the first well-formed token in text.
func ParseCommand(text string) Command {
	m := tokenRe.FindStringSubmatch(text)
	if m == nil {
		return Command{}
	}

	return Command{Action: m[1], Value: strings.TrimSpace(m[2])}
}

// StripCommand removes every token, with the whitespace in front of it and
// any punctuation stuck to its end, leaving the text meant for display and
// speech.
func StripCommand(text string) string {
	return strings.TrimSpace(stripRe.ReplaceAllString(text, ""))
}
