package intent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"gennie/internal/backend"
)

var ErrActionFailed = errors.New("action failed")

// Services are the collaborator calls actions may make.
type Services interface {
	Chargers(ctx context.Context) ([]backend.Charger, error)
	HostChargers(ctx context.Context) ([]backend.Charger, error)
	DriverBookings(ctx context.Context) ([]backend.Booking, error)
	HostPersonalBookings(ctx context.Context) ([]backend.Booking, error)
	CancelBooking(ctx context.Context, id string) error
	ToggleCharger(ctx context.Context, id string) error
	LogDistance(ctx context.Context, km int) error
}

type NavKind int

const (
	// NavRoute switches to another page.
	NavRoute NavKind = iota
	// NavTab switches the tab of the role's dashboard.
	NavTab
)

func (k NavKind) String() string {
	if k == NavTab {
		return "TAB"
	}
	return "ROUTE"
}

type Navigation struct {
	Kind   NavKind
	Target string
}

func (n Navigation) String() string { return n.Kind.String() + " " + n.Target }

func route(path string) *Navigation {
	return &Navigation{Kind: NavRoute, Target: path}
}

func tab(role Role, name string) *Navigation {
	base := "/dashboard"
	if role == RoleHost {
		base = "/host-dashboard"
	}
	return &Navigation{Kind: NavTab, Target: base + "/" + name}
}

// Outcome is what an action wants said and shown.
type Outcome struct {
	Spoken string
	Nav    *Navigation
}

type action struct {
	// refusal is spoken to non-hosts; set only for host actions.
	refusal string
	// apology replaces the outcome when a collaborator call fails.
	apology string
	run     func(ctx context.Context, role Role, svc Services, value string) (Outcome, error)
}

func say(spoken string, nav *Navigation) func(context.Context, Role, Services, string) (Outcome, error) {
	return func(context.Context, Role, Services, string) (Outcome, error) {
		return Outcome{Spoken: spoken, Nav: nav}, nil
	}
}

func sayTab(spoken, name string) func(context.Context, Role, Services, string) (Outcome, error) {
	return func(_ context.Context, role Role, _ Services, _ string) (Outcome, error) {
		return Outcome{Spoken: spoken, Nav: tab(role, name)}, nil
	}
}

var actions = map[string]action{
	"FIND_CHARGERS": {run: say("Opening the charger map for you! Let me find available chargers nearby.", route("/chargers"))},
	"PROFILE":       {run: say("Opening your profile.", route("/profile"))},
	"DASHBOARD":     {run: sayTab("Taking you to your dashboard.", "overview")},
	"VIEW_BOOKINGS": {run: sayTab("Here are your bookings.", "bookings")},
	"MY_BOOKINGS": {run: func(_ context.Context, role Role, _ Services, _ string) (Outcome, error) {
		if role == RoleHost {
			return Outcome{Spoken: "Here are your personal bookings as a driver.", Nav: tab(role, "my-bookings")}, nil
		}
		return Outcome{Spoken: "Here are your bookings.", Nav: tab(role, "bookings")}, nil
	}},
	"PLAN_TRIP":      {run: planTrip},
	"BOOK_CHARGER":   {apology: "Sorry, I couldn't look up chargers right now. Please pick one from the map.", run: bookCharger},
	"CANCEL_BOOKING": {apology: "I couldn't cancel the booking. Please try from the bookings page.", run: cancelBooking},
	"EMERGENCY":      {run: sayTab("Emergency mode activated! I'm finding rescue help near you right now. Stay safe!", "emergency-rescue")},
	"URGENT_BOOKING": {run: sayTab("Opening urgent booking! I'll find you the fastest available charger.", "urgent")},
	"CARBON_CREDITS": {run: sayTab("Opening carbon credits trading. You can sell your eco miles here!", "carbon-trading")},
	"ADD_DISTANCE":   {apology: "I couldn't log that distance right now. Please try again later.", run: addDistance},
	"REWARDS":        {run: sayTab("Opening your rewards exchange!", "rewards")},
	"ANALYTICS":      {run: sayTab("Here's your charging analytics and usage data.", "analytics")},
	"SUPPORT":        {run: sayTab("Opening support. How can I help you?", "support")},
	"REQUEST_CHARGER": {
		run: sayTab("Opening the charger request form. You can request a charger installation in your area!", "request-charger"),
	},
	"ADD_CHARGER": {
		refusal: "Only hosts can add chargers. Would you like to switch to a host account?",
		run:     sayTab("Opening the add charger form. Fill in your charger details!", "chargers"),
	},
	"MANAGE_CHARGERS": {
		refusal: "Only hosts can manage chargers.",
		run:     sayTab("Here are your listed chargers.", "chargers"),
	},
	"RESCUE_REQUESTS": {
		refusal: "Rescue requests are for hosts. As a driver, you can request emergency rescue instead.",
		run:     sayTab("Here are the incoming rescue requests from nearby drivers.", "rescue-requests"),
	},
	"HOST_BOOKINGS": {
		refusal: "That's for hosts. Your own bookings are under view bookings.",
		run:     sayTab("Here are the bookings on your chargers.", "bookings"),
	},
	"TOGGLE_CHARGER": {
		refusal: "Only hosts can toggle charger availability.",
		apology: "I couldn't toggle that charger. Please try from the dashboard.",
		run:     toggleCharger,
	},
	"LIST_CHARGERS":  {apology: "I'm having trouble fetching chargers right now.", run: listChargers},
	"CHARGER_STATUS": {apology: "I couldn't fetch charger status right now.", run: chargerStatus},
	"BOOKING_STATUS": {apology: "I couldn't fetch your bookings right now.", run: bookingStatus},
}

// Execute runs cmd for role. ok is false for unknown actions, which have no
// side effects. Collaborator failures come back wrapped in ErrActionFailed
// together with a spoken apology and no navigation.
func Execute(ctx context.Context, svc Services, role Role, cmd Command) (out Outcome, ok bool, err error) {
	a, ok := actions[cmd.Action]
	if !ok {
		return Outcome{}, false, nil
	}

	if a.refusal != "" && role != RoleHost {
		return Outcome{Spoken: a.refusal}, true, nil
	}

	out, err = a.run(ctx, role, svc, cmd.Value)
	if err != nil {
		apology := a.apology
		if apology == "" {
			apology = fallbackReply
		}
		return Outcome{Spoken: apology}, true, fmt.Errorf("%w: %s: %v", ErrActionFailed, cmd.Action, err)
	}

	return out, true, nil
}

func planTrip(_ context.Context, role Role, _ Services, value string) (Outcome, error) {
	from, to, found := strings.Cut(value, "|")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !found || from == "" || to == "" {
		return Outcome{Spoken: "Opening the trip planner. Tell me your start and destination!", Nav: tab(role, "trip-planner")}, nil
	}

	return Outcome{
		Spoken: fmt.Sprintf("Planning your trip from %s to %s. Let me find charging stations along the route!", from, to),
		Nav:    route("/chargers?trip=1&startType=custom&start=" + url.QueryEscape(from) + "&dest=" + url.QueryEscape(to)),
	}, nil
}

func bookCharger(ctx context.Context, _ Role, svc Services, value string) (Outcome, error) {
	if value == "" {
		return Outcome{Spoken: "Opening the charger map. Tell me which charger you'd like to book!", Nav: route("/chargers")}, nil
	}

	chargers, err := svc.Chargers(ctx)
	if err != nil {
		return Outcome{}, err
	}

	c, found := MatchCharger(chargers, value)
	if !found {
		return Outcome{
			Spoken: fmt.Sprintf("I couldn't find a charger matching %q. Let me show all chargers so you can pick one.", value),
			Nav:    route("/chargers"),
		}, nil
	}

	availability := "Currently busy."
	if c.Available {
		availability = "Available now!"
	}

	return Outcome{
		Spoken: fmt.Sprintf("Found %q at %s. It's %gkW, %g rupees per unit. %s Taking you to book it.", c.Name, c.Location, c.Power, c.Price, availability),
		Nav:    route("/booking/" + url.PathEscape(c.ID)),
	}, nil
}

// MatchCharger looks for query by exact name, then name substring, then
// location substring, then every word of query somewhere in name and
// location. Matching is case-insensitive.
func MatchCharger(chargers []backend.Charger, query string) (backend.Charger, bool) {
	q := strings.ToLower(strings.TrimSpace(query))

	rules := []func(name, location string) bool{
		func(name, _ string) bool { return name == q },
		func(name, _ string) bool { return strings.Contains(name, q) },
		func(_, location string) bool { return strings.Contains(location, q) },
		func(name, location string) bool {
			combined := name + " " + location
			for _, w := range strings.Fields(q) {
				if !strings.Contains(combined, w) {
					return false
				}
			}
			return true
		},
	}

	for _, rule := range rules {
		for _, c := range chargers {
			if rule(strings.ToLower(c.Name), strings.ToLower(c.Location)) {
				return c, true
			}
		}
	}

	return backend.Charger{}, false
}

func activeBookings(all []backend.Booking) []backend.Booking {
	var out []backend.Booking
	for _, b := range all {
		if b.Active() {
			out = append(out, b)
		}
	}
	return out
}

func cancelBooking(ctx context.Context, role Role, svc Services, value string) (Outcome, error) {
	bookings, err := svc.DriverBookings(ctx)
	if err != nil {
		return Outcome{}, err
	}

	active := activeBookings(bookings)
	if len(active) == 0 {
		return Outcome{Spoken: "You don't have any active bookings to cancel."}, nil
	}

	target := active[0]
	for _, b := range active {
		if value != "" && b.ID == value {
			target = b
			break
		}
	}

	if err := svc.CancelBooking(ctx, target.ID); err != nil {
		return Outcome{}, err
	}

	spoken := "Booking cancelled successfully!"
	if n := len(active) - 1; n > 0 {
		spoken += fmt.Sprintf(" You still have %d other active %s.", n, plural(n, "booking"))
	}

	return Outcome{Spoken: spoken, Nav: tab(role, "bookings")}, nil
}

func addDistance(ctx context.Context, role Role, svc Services, value string) (Outcome, error) {
	km := leadingInt(value)
	if km <= 0 {
		return Outcome{Spoken: "How many kilometers did you drive? Just tell me the number."}, nil
	}

	if err := svc.LogDistance(ctx, km); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Spoken: fmt.Sprintf("Great! %d kilometers added. That's about %.1f kg of CO2 saved, earning you carbon credits!", km, CarbonSaved(km)),
		Nav:    tab(role, "carbon-trading"),
	}, nil
}

// CarbonSaved is the CO2 in kilograms credited per kilometre driven.
func CarbonSaved(km int) float64 {
	return float64(km) * 0.12
}

// leadingInt parses the digits at the start of s, ignoring what follows.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func listChargers(ctx context.Context, _ Role, svc Services, _ string) (Outcome, error) {
	chargers, err := svc.Chargers(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var available []backend.Charger
	for _, c := range chargers {
		if c.Available {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return Outcome{Spoken: "No chargers are currently available. Check back soon!"}, nil
	}

	top := available[:min(3, len(available))]
	items := make([]string, len(top))
	for i, c := range top {
		items[i] = fmt.Sprintf("%d. %s at %s, %gkW, %g rupees per unit, rated %g stars", i+1, c.Name, c.Location, c.Power, c.Price, c.Rating)
	}

	return Outcome{
		Spoken: fmt.Sprintf("I found %d available %s. Here are the top ones: %s. Want me to book any of these?",
			len(available), plural(len(available), "charger"), strings.Join(items, ". ")),
	}, nil
}

func chargerStatus(ctx context.Context, _ Role, svc Services, _ string) (Outcome, error) {
	chargers, err := svc.Chargers(ctx)
	if err != nil {
		return Outcome{}, err
	}

	available := 0
	for _, c := range chargers {
		if c.Available {
			available++
		}
	}

	return Outcome{
		Spoken: fmt.Sprintf("There are %d chargers in the network. %d are available right now and %d are busy.",
			len(chargers), available, len(chargers)-available),
	}, nil
}

func bookingStatus(ctx context.Context, role Role, svc Services, _ string) (Outcome, error) {
	fetch := svc.DriverBookings
	if role == RoleHost {
		fetch = svc.HostPersonalBookings
	}

	bookings, err := fetch(ctx)
	if err != nil {
		return Outcome{}, err
	}

	active := activeBookings(bookings)
	if len(active) == 0 {
		return Outcome{Spoken: "You don't have any active bookings right now."}, nil
	}

	latest := active[0]
	hours := latest.Duration
	if hours <= 0 {
		hours = 1
	}

	return Outcome{
		Spoken: fmt.Sprintf("You have %d active %s. Your latest is %s for %g %s, costing %g rupees.",
			len(active), plural(len(active), "booking"), latest.Status, hours, plural(int(hours), "hour"), latest.Amount),
	}, nil
}

func toggleCharger(ctx context.Context, role Role, svc Services, value string) (Outcome, error) {
	chargers, err := svc.HostChargers(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if len(chargers) == 0 {
		return Outcome{Spoken: "You don't have any chargers listed yet.", Nav: tab(role, "chargers")}, nil
	}

	named := value != "" && !strings.EqualFold(value, "all")

	var match *backend.Charger
	if named {
		q := strings.ToLower(value)
		for i, c := range chargers {
			if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Location), q) {
				match = &chargers[i]
				break
			}
		}
	}
	if match == nil && len(chargers) == 1 {
		match = &chargers[0]
	}

	switch {
	case match != nil:
		if err := svc.ToggleCharger(ctx, match.ID); err != nil {
			return Outcome{}, err
		}
		status := "online"
		if match.Available {
			status = "offline"
		}
		return Outcome{Spoken: fmt.Sprintf("Done! %q is now %s.", match.Name, status), Nav: tab(role, "chargers")}, nil

	case named:
		return Outcome{
			Spoken: fmt.Sprintf("I couldn't find a charger matching %q. Let me show your chargers.", value),
			Nav:    tab(role, "chargers"),
		}, nil

	default:
		names := make([]string, len(chargers))
		for i, c := range chargers {
			names[i] = c.Name
		}
		return Outcome{
			Spoken: fmt.Sprintf("You have %d chargers: %s. Which one should I toggle?", len(chargers), strings.Join(names, ", ")),
			Nav:    tab(role, "chargers"),
		}, nil
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
