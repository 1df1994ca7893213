// Package intent turns a user utterance into a spoken reply and, when the
// classifier asks for one, an application action.
package intent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "log/slog"

	openai "github.com/openai/openai-go/v3"
)

var (
	ErrRateLimited = errors.New("classifier rate limited")
	ErrClassifier  = errors.New("classifier failure")
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleHost   Role = "host"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDriver, RoleHost:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) context() string {
	if r == RoleHost {
		return "[User is a HOST who owns chargers and can respond to rescue requests.]"
	}
	return "[User is a DRIVER who finds chargers, books them, and requests emergency help.]"
}

type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerAssistant
)

// Entry is one side of a past exchange.
type Entry struct {
	Speaker Speaker
	Text    string
}

// Classifier maps an utterance to free text that may embed one action
// token. Rate limits must be reported as ErrRateLimited.
type Classifier interface {
	Classify(ctx context.Context, utterance string, role Role, history []Entry) (string, error)
}

type OpenAIClassifier struct {
	client      openai.Client
	model       openai.ChatModel
	maxTokens   int64
	temperature float64
}

func NewOpenAIClassifier(client openai.Client, model string) *OpenAIClassifier {
	m := openai.ChatModel(model)
	if m == "" {
		m = openai.ChatModelGPT4oMini
	}

	return &OpenAIClassifier{
		client:      client,
		model:       m,
		maxTokens:   150,
		temperature: 0.3,
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, utterance string, role Role, history []Entry) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, e := range history {
		if e.Speaker == SpeakerUser {
			msgs = append(msgs, openai.UserMessage(e.Text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(e.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(role.context()+"\nUser: "+utterance))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            msgs,
		Model:               c.model,
		MaxCompletionTokens: openai.Int(c.maxTokens),
		Temperature:         openai.Float(c.temperature),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("%w: chat completion: %v", ErrClassifier, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrClassifier)
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("%w: empty message content", ErrClassifier)
	}

	log.Debug("Classified", "data", content)

	return content, nil
}

const systemPrompt = `You are Gennie, the built-in voice assistant of the ChargeNet app. You CONTROL this app.

CRITICAL RULE: you CAN navigate, open tabs and control the app. Never say you cannot navigate.
When the user says "take me to X", "open X", "show X" or "go to X" you MUST output the matching ACTION code.

ACTION CODES

Navigation:
- ACTION:FIND_CHARGERS -> open the charger map
- ACTION:DASHBOARD -> dashboard home
- ACTION:PROFILE -> user profile
- ACTION:SUPPORT -> support and help

Bookings:
- ACTION:BOOK_CHARGER:name -> book a specific charger
- ACTION:VIEW_BOOKINGS -> show all bookings
- ACTION:MY_BOOKINGS -> personal bookings (host who drives)
- ACTION:CANCEL_BOOKING -> cancel the latest active booking
- ACTION:BOOKING_STATUS -> read booking status aloud
- ACTION:URGENT_BOOKING -> urgent or fast booking

Trip:
- ACTION:PLAN_TRIP:origin|destination -> plan a trip (e.g. ACTION:PLAN_TRIP:Delhi|Mumbai)
- ACTION:PLAN_TRIP -> open the trip planner

Emergency:
- ACTION:EMERGENCY -> emergency rescue, SOS, dead battery, stranded

Carbon and rewards:
- ACTION:CARBON_CREDITS -> carbon credit trading
- ACTION:ADD_DISTANCE:X -> log X km driven
- ACTION:REWARDS -> rewards exchange

Data:
- ACTION:LIST_CHARGERS -> read available chargers aloud
- ACTION:CHARGER_STATUS -> network charger availability
- ACTION:ANALYTICS -> usage analytics

Host actions:
- ACTION:ADD_CHARGER -> add a new charger
- ACTION:MANAGE_CHARGERS -> manage listed chargers
- ACTION:HOST_BOOKINGS -> bookings on the host's chargers
- ACTION:RESCUE_REQUESTS -> incoming rescue requests
- ACTION:TOGGLE_CHARGER:name -> toggle a charger on or off (use "all" when no name is given)
- ACTION:REQUEST_CHARGER -> request a charger installation

RULES
1. Never refuse navigation.
2. When the user wants to go somewhere or see something, output an ACTION. Always.
3. Keep spoken text to one short sentence. Put the ACTION at the END, on the same line.
4. "emergency", "SOS", "stranded", "dead battery", "rescue" -> ACTION:EMERGENCY
5. "bookings", "my bookings" -> ACTION:VIEW_BOOKINGS
6. "trip", "route" -> ACTION:PLAN_TRIP
7. "chargers", "nearby charger", "map" -> ACTION:FIND_CHARGERS
8. "dashboard", "home", "overview" -> ACTION:DASHBOARD
9. Only for casual chat with no navigation intent, skip the ACTION.

EXAMPLES
User: "take me to emergency SOS"
Gennie: "Activating emergency rescue now! ACTION:EMERGENCY"

User: "book charger at Phoenix Mall"
Gennie: "Booking Phoenix Mall charger! ACTION:BOOK_CHARGER:Phoenix Mall"

User: "plan trip from Delhi to Mumbai"
Gennie: "Planning Delhi to Mumbai route! ACTION:PLAN_TRIP:Delhi|Mumbai"

User: "make my charger offline"
Gennie: "Making your charger offline! ACTION:TOGGLE_CHARGER:all"

User: "what's your name?"
Gennie: "I'm Gennie, your ChargeNet assistant! How can I help?"`
