package playback

import (
	"context"
	"fmt"
	log "log/slog"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var percentRe = regexp.MustCompile(`(\d+)\s*%`)

type sinkInput struct {
	ID      int
	Volume  int
	AppName string
}

// PulseDucker fades other applications' PulseAudio streams down while agent
// speech plays and restores them afterwards. Streams whose application.name
// matches selfNames are left alone.
type PulseDucker struct {
	mu          sync.Mutex
	active      bool
	selfNames   []string
	originalVol map[int]int
	factor      float64
	minVolume   int
	fade        time.Duration
}

func NewPulseDucker(selfNames []string) *PulseDucker {
	return &PulseDucker{
		selfNames:   append([]string(nil), selfNames...),
		originalVol: make(map[int]int),
		factor:      0.35,
		minVolume:   15,
		fade:        150 * time.Millisecond,
	}
}

// Available reports whether pactl is installed. Without it the player just
// runs without ducking.
func (d *PulseDucker) Available() bool {
	_, err := exec.LookPath("pactl")
	return err == nil
}

func (d *PulseDucker) Duck() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.duckOthers(ctx); err != nil {
		log.Debug("duck failed", "err", err)
	}
}

func (d *PulseDucker) Unduck() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.unduckOthers(ctx); err != nil {
		log.Debug("unduck failed", "err", err)
	}
}

func (d *PulseDucker) duckOthers(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return nil
	}

	streams, err := listSinkInputs(ctx)
	if err != nil {
		return fmt.Errorf("list sink inputs: %w", err)
	}

	d.originalVol = make(map[int]int)
	for _, s := range streams {
		if d.isSelf(s) {
			continue
		}
		target := int(math.Round(float64(s.Volume) * d.factor))
		if target < d.minVolume {
			target = d.minVolume
		}
		d.originalVol[s.ID] = s.Volume
		if err := fadeSinkInput(ctx, s.ID, s.Volume, target, d.fade); err != nil {
			return err
		}
	}

	d.active = true
	return nil
}

func (d *PulseDucker) unduckOthers(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return nil
	}

	streams, err := listSinkInputs(ctx)
	if err != nil {
		return fmt.Errorf("list sink inputs: %w", err)
	}

	for _, s := range streams {
		orig, ok := d.originalVol[s.ID]
		if !ok {
			// Appeared after the duck, leave it be.
			continue
		}
		if err := fadeSinkInput(ctx, s.ID, s.Volume, orig, d.fade); err != nil {
			return err
		}
	}

	d.originalVol = make(map[int]int)
	d.active = false
	return nil
}

func (d *PulseDucker) isSelf(s sinkInput) bool {
	for _, name := range d.selfNames {
		if s.AppName == name {
			return true
		}
	}
	return false
}

func fadeSinkInput(ctx context.Context, id, from, to int, duration time.Duration) error {
	const stepDur = 10 * time.Millisecond

	steps := int(duration / stepDur)
	if steps < 1 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v := from + (to-from)*i/steps
		if err := setSinkInputVolume(ctx, id, v); err != nil {
			return fmt.Errorf("set volume id=%d: %w", id, err)
		}
		if i < steps {
			time.Sleep(stepDur)
		}
	}
	return nil
}

func listSinkInputs(ctx context.Context) ([]sinkInput, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "sink-inputs").Output()
	if err != nil {
		return nil, fmt.Errorf("pactl list sink-inputs: %w", err)
	}

	parts := strings.Split(string(out), "Sink Input #")
	var res []sinkInput
	for i := 1; i < len(parts); i++ {
		block := parts[i]
		newline := strings.IndexByte(block, '\n')
		if newline <= 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(block[:newline]))
		if err != nil {
			continue
		}

		s := sinkInput{ID: id}
		for _, line := range strings.Split(block[newline+1:], "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "Volume:") && s.Volume == 0 {
				if m := percentRe.FindStringSubmatch(line); len(m) >= 2 {
					s.Volume, _ = strconv.Atoi(m[1])
				}
			}
			if strings.HasPrefix(line, "application.name =") && s.AppName == "" {
				if idx := strings.IndexByte(line, '"'); idx >= 0 {
					rest := line[idx+1:]
					if end := strings.IndexByte(rest, '"'); end >= 0 {
						s.AppName = rest[:end]
					}
				}
			}
		}
		if s.Volume == 0 && s.AppName == "" {
			continue
		}
		res = append(res, s)
	}
	return res, nil
}

func setSinkInputVolume(ctx context.Context, id, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 150 {
		percent = 150
	}
	arg := fmt.Sprintf("%d%%", percent)
	return exec.CommandContext(ctx, "pactl", "set-sink-input-volume", strconv.Itoa(id), arg).Run()
}
