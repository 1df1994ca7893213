package intent

import "strings"

var closingPhrases = []string{
	"bye",
	"goodbye",
	"good bye",
	"close",
	"exit",
	"stop",
	"shut up",
	"go away",
	"that's all",
	"thanks bye",
	"thank you bye",
	"see you",
	"later",
}

// IsClosing reports whether the utterance asks to end the conversation.
// It is a plain substring check and ignores whatever the classifier said.
func IsClosing(utterance string) bool {
	u := strings.ToLower(utterance)
	for _, p := range closingPhrases {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}
