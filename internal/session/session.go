// Package session runs the conversation: it opens on the wake word, listens
// for utterances, resolves them and speaks the replies until the user says
// goodbye.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"gennie/internal/intent"
)

type State int

const (
	StateClosed State = iota
	StateOpening
	StateListening
	StateThinking
	StateSpeaking
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(sender Sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now(),
	}
}

// Session is one open conversation. Status hands out copies.
type Session struct {
	State      State       `json:"state"`
	Role       intent.Role `json:"role"`
	Opened     time.Time   `json:"opened,omitzero"`
	Transcript []string    `json:"transcript"`
	Speaking   bool        `json:"speaking"`
	Capturing  bool        `json:"capturing"`
	Log        []Message   `json:"log"`
}

func (s Session) clone() Session {
	s.Transcript = append([]string(nil), s.Transcript...)
	s.Log = append([]Message(nil), s.Log...)
	return s
}
