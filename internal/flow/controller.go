// Package flow wires one conversation screen together: the session state
// machine, microphone capture, agent speech playback and the degraded text
// path used when the backend is unreachable.
package flow

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"bloom/internal/capture"
	"bloom/internal/playback"
	"bloom/internal/session"
	"bloom/pkg/api"
)

// Backend is everything a flow needs from the API client. *api.Client
// satisfies it.
type Backend interface {
	session.Transport
	FetchAudio(ctx context.Context, resource string) ([]byte, string, error)
	CreateChild(ctx context.Context, record map[string]any) (*api.Child, error)
}

// ResultParser derives agent replies and, eventually, a structured result
// from user text when the backend cannot. Used only in degraded mode.
type ResultParser interface {
	Parse(text string) (reply string, result map[string]any, done bool)
}

var (
	ErrNoResult = errors.New("flow: conversation has no result to confirm")
	ErrDegraded = errors.New("flow: backend unreachable")
	ErrSpeaking = errors.New("flow: agent is speaking")
)

type Config struct {
	Backend  Backend
	Recorder *capture.Recorder
	Player   *playback.Player
	Subject  session.Subject
	Parser   ResultParser // optional, enables the degraded text path
	Cue      func() error // optional, played when the microphone goes live
}

// Controller drives one conversation screen.
type Controller struct {
	backend  Backend
	recorder *capture.Recorder
	player   *playback.Player
	sess     *session.Session
	parser   ResultParser
	cue      func() error
	subject  session.Subject

	// lifetime is cancelled by Abandon so in-flight audio fetches are
	// discarded instead of starting playback on a torn-down screen.
	lifetime context.Context
	teardown context.CancelFunc
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		backend:  cfg.Backend,
		recorder: cfg.Recorder,
		player:   cfg.Player,
		parser:   cfg.Parser,
		cue:      cfg.Cue,
		subject:  cfg.Subject,
	}
	c.lifetime, c.teardown = context.WithCancel(context.Background())
	c.sess = session.New(cfg.Backend, cfg.Subject, session.WithAgentAudio(c.playTurn))
	return c
}

// Start opens the conversation. A transport failure is not fatal: the
// session falls back to a local opening and, with a parser configured, the
// text path keeps working offline.
func (c *Controller) Start(ctx context.Context) error {
	err := c.sess.Start(ctx)
	if err != nil && c.degraded() && c.parser != nil {
		log.Warn("running degraded", "type", c.subject.Type, "err", err)
		return nil
	}
	return err
}

// SendText routes one user text turn, through the backend or through the
// local parser when degraded. Refused while the agent is speaking; the
// caller interrupts with StopSpeech first.
func (c *Controller) SendText(ctx context.Context, text string) error {
	if c.player.Playing() {
		return ErrSpeaking
	}
	if c.degraded() {
		return c.sendDegraded(text)
	}
	return c.sess.SendText(ctx, text)
}

func (c *Controller) sendDegraded(text string) error {
	if c.parser == nil {
		return ErrDegraded
	}
	if err := c.sess.AppendLocal(session.SpeakerUser, text); err != nil {
		return err
	}
	reply, result, done := c.parser.Parse(text)
	if err := c.sess.AppendLocal(session.SpeakerAgent, reply); err != nil {
		return err
	}
	if done {
		return c.sess.CompleteLocally(result)
	}
	return nil
}

// BeginVoiceTurn opens the microphone. Refused while the agent is speaking,
// a turn is in flight or the conversation is not active.
func (c *Controller) BeginVoiceTurn() error {
	if c.degraded() {
		return ErrDegraded
	}
	if c.player.Playing() {
		return ErrSpeaking
	}
	if c.sess.Status() != session.StatusActive {
		return session.ErrNotActive
	}
	if c.cue != nil {
		if err := c.cue(); err != nil {
			log.Debug("record cue failed", "err", err)
		}
	}
	return c.recorder.Start()
}

// EndVoiceTurn closes the microphone and sends the clip. A clip with no
// usable speech is dropped with capture.ErrNoContent; the session is left
// untouched.
func (c *Controller) EndVoiceTurn(ctx context.Context) error {
	clip, err := c.recorder.Stop()
	if err != nil {
		return err
	}
	return c.sess.SendAudio(ctx, clip.Data, clip.Ext)
}

// CancelVoiceTurn discards the recording without sending anything.
func (c *Controller) CancelVoiceTurn() error {
	return c.recorder.Cancel()
}

// Confirm finalizes the conversation and, for flows that collect a child
// record, creates it from the structured result verbatim.
func (c *Controller) Confirm(ctx context.Context) (*api.Child, error) {
	result, _ := c.sess.Result()
	if result == nil {
		return nil, ErrNoResult
	}
	if err := c.sess.Complete(ctx); err != nil {
		return nil, err
	}

	if !c.createsChild() {
		return nil, nil
	}
	child, err := c.backend.CreateChild(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("flow: create child record: %w", err)
	}
	log.Info("child record created", "id", child.ID, "name", child.Name)
	return child, nil
}

func (c *Controller) createsChild() bool {
	switch c.subject.Type {
	case api.ConversationAddChild, api.ConversationOnboarding, api.ConversationBirth:
		return true
	default:
		return false
	}
}

// RetryPlayback re-attempts blocked agent speech. Must be called from an
// explicit user gesture.
func (c *Controller) RetryPlayback() error { return c.player.Retry() }

// StopSpeech interrupts the agent mid-utterance.
func (c *Controller) StopSpeech() { c.player.Stop() }

// Abandon tears the screen down. Late backend replies and in-flight audio
// fetches are discarded, and any live recording or playback is released.
func (c *Controller) Abandon() {
	c.teardown()
	c.sess.Abandon()
	if c.recorder.Recording() {
		c.recorder.Cancel()
	}
	c.player.Stop()
}

func (c *Controller) Turns() []session.Turn { return c.sess.Turns() }

func (c *Controller) Status() session.Status { return c.sess.Status() }

func (c *Controller) Result() (map[string]any, bool) { return c.sess.Result() }

func (c *Controller) Recording() bool { return c.recorder.Recording() }

func (c *Controller) Amplitude() float64 { return c.recorder.Amplitude() }

func (c *Controller) Elapsed() time.Duration { return c.recorder.Elapsed() }

func (c *Controller) degraded() bool {
	return c.sess.ID() == "" && c.sess.Status() == session.StatusFailed
}

// playTurn fetches and renders an agent turn's audio off the calling
// goroutine. Fetch failures still speak the turn through the synthesized
// fallback; an abandoned screen discards the turn entirely.
func (c *Controller) playTurn(turn session.Turn) {
	go func() {
		ctx, cancel := context.WithTimeout(c.lifetime, 30*time.Second)
		defer cancel()

		track := playback.Track{ID: turn.ID, FallbackText: turn.Text}
		data, ext, err := c.backend.FetchAudio(ctx, turn.AudioURL)
		if c.lifetime.Err() != nil {
			log.Debug("discarding agent audio after teardown", "track", turn.ID)
			return
		}
		if err != nil {
			log.Warn("audio fetch failed, will synthesize", "track", turn.ID, "err", err)
		} else {
			track.Data = data
			track.Ext = ext
		}

		if err := c.player.Play(track); err != nil {
			// Blocked tracks stay retained in the player for a gesture retry.
			log.Warn("agent speech not played", "track", turn.ID, "err", err)
		}
	}()
}

// QuickPrompts returns canned starter questions for the subject.
func (c *Controller) QuickPrompts() []string {
	switch c.subject.Type {
	case api.ConversationChat:
		return []string{
			"Is my baby's sleep pattern normal?",
			"What should I expect this week?",
			"When is the next checkup due?",
			"Any tips for feeding?",
		}
	case api.ConversationOnboarding, api.ConversationAddChild:
		return []string{
			"I'm pregnant",
			"My baby was already born",
		}
	default:
		return nil
	}
}
