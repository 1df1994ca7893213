package audio

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	percentRe = regexp.MustCompile(`(\d+)\s*%`)
)

const maxSinkVolume = 150

type sinkInput struct {
	ID      int
	Volume  int
	AppName string
}

type fade struct {
	id   int
	from int
	to   int
}

// Ducker lowers every PulseAudio sink input except our own while the
// assistant talks, and restores them afterwards.
type Ducker struct {
	mu       sync.Mutex
	active   bool
	keep     []string    // application.name values left untouched
	restore  map[int]int // sink input id -> volume before ducking
	minLevel int
}

func NewDucker(keep []string, minLevel int) *Ducker {
	return &Ducker{
		keep:     slices.Clone(keep),
		restore:  make(map[int]int),
		minLevel: clampVolume(minLevel),
	}
}

// DuckOthers fades foreign streams to factor of their volume, never below
// the configured floor.
func (d *Ducker) DuckOthers(ctx context.Context, factor float64, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return nil
	}

	inputs, err := listSinkInputs(ctx)
	if err != nil {
		return err
	}

	d.restore = make(map[int]int)

	var fades []fade
	for _, in := range inputs {
		if slices.Contains(d.keep, in.AppName) {
			continue
		}

		to := int(math.Round(float64(in.Volume) * factor))
		to = max(to, d.minLevel)

		d.restore[in.ID] = in.Volume
		fades = append(fades, fade{id: in.ID, from: in.Volume, to: clampVolume(to)})
	}

	if err := runFades(ctx, fades, duration); err != nil {
		return err
	}

	d.active = true

	return nil
}

// UnduckOthers fades ducked streams back. Streams that appeared after
// ducking are left alone.
func (d *Ducker) UnduckOthers(ctx context.Context, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return nil
	}

	inputs, err := listSinkInputs(ctx)
	if err != nil {
		return err
	}

	var fades []fade
	for _, in := range inputs {
		orig, ok := d.restore[in.ID]
		if !ok || slices.Contains(d.keep, in.AppName) {
			continue
		}
		fades = append(fades, fade{id: in.ID, from: in.Volume, to: orig})
	}

	if err := runFades(ctx, fades, duration); err != nil {
		return err
	}

	d.restore = make(map[int]int)
	d.active = false

	return nil
}

func runFades(ctx context.Context, fades []fade, duration time.Duration) error {
	if len(fades) == 0 {
		return nil
	}

	const minStep = 10 * time.Millisecond

	steps := max(int(duration/minStep), 1)
	if duration <= 0 {
		steps = 0
	}

	for i := 0; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		frac := 1.0
		if steps > 0 {
			frac = float64(i) / float64(steps)
		}

		for _, f := range fades {
			v := int(math.Round(float64(f.from) + float64(f.to-f.from)*frac))
			if err := setSinkInputVolume(ctx, f.id, v); err != nil {
				return fmt.Errorf("set volume id=%d: %w", f.id, err)
			}
		}

		if i < steps {
			time.Sleep(duration / time.Duration(steps))
		}
	}

	return nil
}

func listSinkInputs(ctx context.Context) ([]sinkInput, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "sink-inputs").Output()
	if err != nil {
		return nil, fmt.Errorf("pactl list sink-inputs: %w", err)
	}

	return parseSinkInputs(string(out)), nil
}

func parseSinkInputs(text string) []sinkInput {
	blocks := strings.Split(text, "Sink Input #")
	if len(blocks) <= 1 {
		return nil
	}

	var res []sinkInput

	for _, block := range blocks[1:] {
		header, body, ok := strings.Cut(block, "\n")
		if !ok {
			continue
		}

		id, err := strconv.Atoi(strings.TrimSpace(header))
		if err != nil {
			continue
		}

		in := sinkInput{ID: id}

		for line := range strings.SplitSeq(body, "\n") {
			line = strings.TrimSpace(line)

			switch {
			case strings.HasPrefix(line, "Volume:") && in.Volume == 0:
				if m := percentRe.FindStringSubmatch(line); len(m) == 2 {
					in.Volume, _ = strconv.Atoi(m[1])
				}
			case strings.HasPrefix(line, "application.name =") && in.AppName == "":
				// application.name = "Firefox"
				_, rest, _ := strings.Cut(line, `"`)
				in.AppName, _, _ = strings.Cut(rest, `"`)
			}
		}

		if in.Volume == 0 && in.AppName == "" {
			continue
		}

		res = append(res, in)
	}

	return res
}

func setSinkInputVolume(ctx context.Context, id int, percent int) error {
	arg := fmt.Sprintf("%d%%", clampVolume(percent))
	return exec.CommandContext(ctx, "pactl", "set-sink-input-volume", strconv.Itoa(id), arg).Run()
}

func clampVolume(v int) int {
	return min(max(v, 0), maxSinkVolume)
}
