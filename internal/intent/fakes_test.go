package intent

import (
	"context"
	"sync"

	"gennie/internal/backend"
)

type fakeServices struct {
	mu sync.Mutex

	chargers     []backend.Charger
	hostChargers []backend.Charger
	driver       []backend.Booking
	personal     []backend.Booking
	err          error

	cancelled []string
	toggled   []string
	distances []int
}

func (f *fakeServices) Chargers(context.Context) ([]backend.Charger, error) {
	return f.chargers, f.err
}

func (f *fakeServices) HostChargers(context.Context) ([]backend.Charger, error) {
	return f.hostChargers, f.err
}

func (f *fakeServices) DriverBookings(context.Context) ([]backend.Booking, error) {
	return f.driver, f.err
}

func (f *fakeServices) HostPersonalBookings(context.Context) ([]backend.Booking, error) {
	return f.personal, f.err
}

func (f *fakeServices) CancelBooking(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeServices) ToggleCharger(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, id)
	return nil
}

func (f *fakeServices) LogDistance(_ context.Context, km int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distances = append(f.distances, km)
	return f.err
}

// mutations counts side effects.
func (f *fakeServices) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled) + len(f.toggled) + len(f.distances)
}

var network = []backend.Charger{
	{ID: "c1", Name: "Green Park Hub", Location: "Delhi", Power: 22, Price: 15, Rating: 4.1, Available: false},
	{ID: "c2", Name: "Phoenix Mall", Location: "Whitefield, Bangalore", Power: 50, Price: 18, Rating: 4.6, Available: true},
	{ID: "c3", Name: "Metro Station", Location: "Phoenix Road", Power: 7.4, Price: 12, Rating: 3.9, Available: true},
	{ID: "c4", Name: "Tech Park", Location: "Electronic City", Power: 60, Price: 20, Rating: 4.8, Available: true},
	{ID: "c5", Name: "Airport", Location: "Devanahalli", Power: 120, Price: 25, Rating: 4.4, Available: true},
}
