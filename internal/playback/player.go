// Package playback renders agent speech: at most one active track, live
// progress for the UI, a blocked state when the audio device refuses to
// open, and a synthesized fallback when a track has no usable audio.
package playback

import (
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"bloom/pkg/audioconv"
)

// playbackRate is the rate every decoded track is resampled to, so the
// output device is configured once.
const playbackRate = 24000

type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrBlocked means the audio device refused to open. The track is retained
// and can be retried with an explicit user gesture.
var ErrBlocked = errors.New("playback: output device unavailable")

var ErrNothingToRetry = errors.New("playback: nothing to retry")

// Track is one agent utterance to render. FallbackText is synthesized
// locally when Data is absent or undecodable.
type Track struct {
	ID           string
	Data         []byte
	Ext          string
	FallbackText string
}

// Output renders mono PCM. Implementations call progress as samples are
// consumed and done exactly once when rendering runs to completion; a
// stopped rendering fires neither.
type Output interface {
	Start(pcm []float32, rate int, progress func(played int), done func()) error
	Stop()
}

// Synthesizer produces speech PCM for fallback text.
type Synthesizer interface {
	Synthesize(text string) (pcm []float32, rate int, err error)
}

// Ducker lowers other applications' volume for the duration of a playback.
type Ducker interface {
	Duck()
	Unduck()
}

type Player struct {
	mu     sync.Mutex
	out    Output
	synth  Synthesizer
	ducker Ducker

	status  Status
	blocked *Track // retained for Retry

	// gen invalidates callbacks from superseded renderings. Every Play,
	// Stop or Retry bumps it; a stale progress or done call is discarded,
	// so "ended" is delivered at most once per track.
	gen     int
	current *rendering

	onEnded func(trackID string)
}

type rendering struct {
	track  Track
	played int
	total  int
	rate   int
	ended  bool
}

type Option func(*Player)

func WithSynthesizer(s Synthesizer) Option { return func(p *Player) { p.synth = s } }
func WithDucker(d Ducker) Option           { return func(p *Player) { p.ducker = d } }

// WithEnded registers the completion callback, invoked exactly once per
// track that runs to its natural end. Called without the player lock held.
func WithEnded(fn func(trackID string)) Option { return func(p *Player) { p.onEnded = fn } }

func NewPlayer(out Output, opts ...Option) *Player {
	p := &Player{out: out, status: StatusIdle}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play renders the track, replacing whatever is currently playing. When the
// track has no decodable audio, its FallbackText is synthesized instead.
// A device failure leaves the player Blocked with the track retained.
func (p *Player) Play(track Track) error {
	pcm, rate, err := p.prepare(track)
	if err != nil {
		return err
	}
	return p.start(track, pcm, rate)
}

// Retry re-attempts the retained track after a Blocked playback. It must be
// driven by an explicit user gesture; the player never retries on its own.
func (p *Player) Retry() error {
	p.mu.Lock()
	if p.status != StatusBlocked || p.blocked == nil {
		p.mu.Unlock()
		return ErrNothingToRetry
	}
	track := *p.blocked
	p.mu.Unlock()
	return p.Play(track)
}

// Stop interrupts the current playback. No ended callback fires for an
// interrupted track.
func (p *Player) Stop() {
	p.mu.Lock()
	p.gen++
	hadCurrent := p.current != nil
	p.current = nil
	if p.status == StatusPlaying {
		p.status = StatusIdle
	}
	p.mu.Unlock()

	if hadCurrent {
		p.out.Stop()
		p.unduck()
	}
}

func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Player) Playing() bool { return p.Status() == StatusPlaying }

// Progress returns the current position and total duration.
func (p *Player) Progress() (pos, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.rate == 0 {
		return 0, 0
	}
	r := p.current
	pos = time.Duration(r.played) * time.Second / time.Duration(r.rate)
	dur = time.Duration(r.total) * time.Second / time.Duration(r.rate)
	return pos, dur
}

func (p *Player) prepare(track Track) ([]float32, int, error) {
	if len(track.Data) > 0 {
		pcm, err := audioconv.Decode(track.Data, track.Ext, audioconv.Options{TargetRate: playbackRate})
		if err == nil {
			return pcm, playbackRate, nil
		}
		log.Warn("track undecodable, falling back to synthesis", "track", track.ID, "err", err)
	}

	if track.FallbackText != "" && p.synth != nil {
		pcm, rate, err := p.synth.Synthesize(track.FallbackText)
		if err != nil {
			return nil, 0, fmt.Errorf("playback: synthesize fallback: %w", err)
		}
		return pcm, rate, nil
	}
	return nil, 0, errors.New("playback: track has no audio and no fallback text")
}

func (p *Player) start(track Track, pcm []float32, rate int) error {
	// Supersede whatever is playing before touching the device.
	p.Stop()

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.current = &rendering{track: track, total: len(pcm), rate: rate}
	p.mu.Unlock()

	p.duck()

	err := p.out.Start(pcm, rate,
		func(played int) { p.onProgress(gen, played) },
		func() { p.onDone(gen) },
	)
	if err != nil {
		p.unduck()
		p.mu.Lock()
		if p.gen == gen {
			p.current = nil
			p.status = StatusBlocked
			p.blocked = &track
		}
		p.mu.Unlock()
		log.Warn("playback blocked", "track", track.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	p.mu.Lock()
	// The done callback may already have fired for a very short track.
	if p.gen == gen && p.current != nil {
		p.status = StatusPlaying
	}
	if p.gen == gen {
		p.blocked = nil
	}
	p.mu.Unlock()

	log.Debug("playback started", "track", track.ID, "samples", len(pcm))
	return nil
}

func (p *Player) onProgress(gen, played int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.current == nil {
		return
	}
	p.current.played = played
}

func (p *Player) onDone(gen int) {
	p.mu.Lock()
	if p.gen != gen || p.current == nil || p.current.ended {
		p.mu.Unlock()
		return
	}
	p.current.ended = true
	trackID := p.current.track.ID
	p.current = nil
	p.status = StatusIdle
	fn := p.onEnded
	p.mu.Unlock()

	p.unduck()
	log.Debug("playback ended", "track", trackID)
	if fn != nil {
		fn(trackID)
	}
}

func (p *Player) duck() {
	if p.ducker != nil {
		p.ducker.Duck()
	}
}

func (p *Player) unduck() {
	if p.ducker != nil {
		p.ducker.Unduck()
	}
}
