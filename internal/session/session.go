// Package session owns one AI conversation: its identifier, turn history,
// and the state machine that serializes transport calls.
package session

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bloom/pkg/api"
)

// Status is the session's single tagged state. Illegal combinations of the
// old scattered flags (loading/processing/complete) are unrepresentable.
type Status int

const (
	StatusUninitialized Status = iota
	StatusStarting
	StatusActive
	StatusSending
	StatusCompleting
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusSending:
		return "sending"
	case StatusCompleting:
		return "completing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one authored message within the session. CreatedAt is local and
// used for display ordering only.
type Turn struct {
	ID        string
	Speaker   Speaker
	Text      string
	AudioURL  string
	CreatedAt time.Time
}

// Subject binds a session to a conversation type and, for chat/birth, a child.
type Subject struct {
	Type    api.ConversationType
	ChildID string
}

// Transport is the backend collaborator. *api.Client satisfies it.
type Transport interface {
	StartConversation(ctx context.Context, typ api.ConversationType, childID string) (*api.StartResult, error)
	SendText(ctx context.Context, conversationID, text string) (*api.SendResult, error)
	SendAudio(ctx context.Context, conversationID string, audio []byte, ext string) (*api.SendResult, error)
	CompleteConversation(ctx context.Context, conversationID string) error
}

var (
	ErrAlreadyStarted = errors.New("session: start already issued")
	ErrNotActive      = errors.New("session: a turn is already in flight or the session is not active")
	ErrNotFinal       = errors.New("session: no final result to complete")
	ErrAbandoned      = errors.New("session: abandoned")
	ErrHasResult      = errors.New("session: a transport result is already present")
	ErrLiveSession    = errors.New("session: local turns are only allowed without a conversation id")
)

type Session struct {
	mu        sync.Mutex
	transport Transport
	subject   Subject

	id          string
	turns       []Turn
	status      Status
	result      map[string]any
	resultLocal bool
	lastError   string

	// startIssued is the one-shot latch guarding the transport start call.
	// It is independent of status so a re-issued Start during Starting (the
	// re-mounted-effect race) can never invoke the transport twice.
	startIssued    bool
	completeIssued bool
	abandoned      bool

	onAgentAudio func(Turn)
}

type Option func(*Session)

// WithAgentAudio registers the handoff invoked for every agent turn that
// carries an audio resource. Called without the session lock held.
func WithAgentAudio(fn func(Turn)) Option {
	return func(s *Session) { s.onAgentAudio = fn }
}

func New(t Transport, subject Subject, opts ...Option) *Session {
	s := &Session{transport: t, subject: subject, status: StatusUninitialized}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the conversation. The transport start operation runs at most
// once per session instance; any later call returns ErrAlreadyStarted.
// On transport failure the session moves to Failed but still renders a
// locally-authored opening line so the screen stays usable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.startIssued {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.startIssued = true
	s.status = StatusStarting
	subject := s.subject
	s.mu.Unlock()

	res, err := s.transport.StartConversation(ctx, subject.Type, subject.ChildID)

	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if err != nil {
		s.status = StatusFailed
		s.lastError = err.Error()
		s.appendLocked(SpeakerAgent, fallbackOpening(subject.Type), "")
		s.mu.Unlock()
		log.Warn("conversation start failed, using local opening", "type", subject.Type, "err", err)
		return fmt.Errorf("start conversation: %w", err)
	}

	s.id = res.ConversationID
	s.status = StatusActive
	turn := s.appendLocked(SpeakerAgent, res.Message, res.AudioURL)
	s.mu.Unlock()

	log.Info("conversation started", "id", res.ConversationID, "type", subject.Type)
	s.handoffAudio(turn)
	return nil
}

// SendText sends one user text turn. The user turn is appended before the
// network round trip and retained on failure; most failures are transient
// and rewriting history is more confusing than a retry notice.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.status != StatusActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.appendLocked(SpeakerUser, text, "")
	s.status = StatusSending
	id := s.id
	s.mu.Unlock()

	res, err := s.transport.SendText(ctx, id, text)
	return s.applyReply(res, err, false)
}

// SendAudio sends one recorded user turn. The transcribed user text arrives
// with the reply, so nothing is appended optimistically.
func (s *Session) SendAudio(ctx context.Context, audio []byte, ext string) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.status != StatusActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.status = StatusSending
	id := s.id
	s.mu.Unlock()

	res, err := s.transport.SendAudio(ctx, id, audio, ext)
	return s.applyReply(res, err, true)
}

func (s *Session) applyReply(res *api.SendResult, err error, appendUser bool) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if err != nil {
		s.status = StatusActive
		s.lastError = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("send message: %w", err)
	}

	if appendUser {
		text := res.UserMessage.Content
		if text == "" {
			text = "[voice message]"
		}
		s.appendLocked(SpeakerUser, text, "")
	}
	agent := s.appendLocked(SpeakerAgent, res.AssistantMessage.Content, res.AssistantMessage.AudioURL)

	if res.IsComplete && res.ParsedData != nil {
		s.result = res.ParsedData
		s.resultLocal = false
		s.status = StatusCompleting
	} else {
		s.status = StatusActive
	}
	s.mu.Unlock()

	s.handoffAudio(agent)
	return nil
}

// Complete finalizes the conversation. Allowed only once the session holds a
// final structured result. Completion of the conversation is independent of
// whatever record is later built from the result. A locally-completed
// session (no conversation id) skips the transport call.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.status != StatusCompleting {
		s.mu.Unlock()
		return ErrNotFinal
	}
	if s.completeIssued {
		s.mu.Unlock()
		return ErrNotFinal
	}
	s.completeIssued = true
	id := s.id
	s.mu.Unlock()

	if id != "" {
		if err := s.transport.CompleteConversation(ctx, id); err != nil {
			s.mu.Lock()
			s.completeIssued = false
			s.lastError = err.Error()
			s.mu.Unlock()
			return fmt.Errorf("complete conversation: %w", err)
		}
	}

	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	s.status = StatusCompleted
	s.mu.Unlock()
	log.Info("conversation completed", "id", id)
	return nil
}

// AppendLocal records a locally-authored turn. Only legal in degraded mode,
// before any conversation id was assigned.
func (s *Session) AppendLocal(speaker Speaker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return ErrLiveSession
	}
	s.appendLocked(speaker, text, "")
	return nil
}

// CompleteLocally installs a result produced by a client-side parser. It
// must never override a structured result that came from the transport.
func (s *Session) CompleteLocally(result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return ErrLiveSession
	}
	if s.result != nil && !s.resultLocal {
		return ErrHasResult
	}
	s.result = result
	s.resultLocal = true
	s.status = StatusCompleting
	return nil
}

// Abandon marks the session as torn down. Late transport replies arriving
// afterwards are discarded, never applied.
func (s *Session) Abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Turns returns a snapshot of the history in chronological order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Result returns the structured payload, verbatim as the transport (or the
// local parser) produced it, and whether it is locally authored.
func (s *Session) Result() (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.resultLocal
}

func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Session) appendLocked(speaker Speaker, text, audioURL string) Turn {
	turn := Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		AudioURL:  audioURL,
		CreatedAt: time.Now(),
	}
	s.turns = append(s.turns, turn)
	return turn
}

func (s *Session) handoffAudio(turn Turn) {
	if s.onAgentAudio != nil && turn.AudioURL != "" {
		s.onAgentAudio(turn)
	}
}

// fallbackOpening keeps the screen usable when the backend could not be
// reached. The session stays inert (no id), but the user still gets an
// opening line and the degraded text path.
func fallbackOpening(typ api.ConversationType) string {
	switch typ {
	case api.ConversationAddChild:
		return "Hi! Are you adding a pregnancy or a baby that's already been born? Just let me know and I'll help you set everything up."
	case api.ConversationOnboarding:
		return "Hi! I'm Bloom, your pregnancy companion. Let's get to know each other. How are you feeling today?"
	case api.ConversationBirth:
		return "Congratulations! Tell me about the birth and I'll update everything for you."
	default:
		return "Hi! I'm Bloom. Ask me anything about your pregnancy or your baby."
	}
}
