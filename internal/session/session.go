// Package session holds the per-browser chat state: credential, generation
// settings and transcript, and orchestrates one user turn at a time.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"claude-chat/internal/adapter"
	"claude-chat/internal/anthropic"
	"claude-chat/internal/catalog"
	"claude-chat/internal/models"
	"claude-chat/internal/params"
)

const (
	// DefaultMaxHistory bounds the transcript length before trimming.
	DefaultMaxHistory = 10
	// historyKeep is how many turns under the maximum survive a trim.
	historyKeep = 2
)

var (
	ErrNotAuthorized = errors.New("API key has not been verified")
	ErrBusy          = errors.New("a request is already in progress")
	ErrEmptyMessage  = errors.New("message must not be empty")
	ErrNothingToSave = errors.New("there are no messages to save")
	ErrNoSavedChats  = errors.New("no chat has been saved yet")
)

// Options configures new sessions.
type Options struct {
	Catalog     *catalog.Catalog
	Anthropic   anthropic.Config
	HTTPClient  *http.Client
	VerifyModel string
	Defaults    params.Settings
	MaxHistory  int
	Now         func() time.Time
}

// Session is one user's chat. Methods are safe for concurrent use, but only
// one request may be in flight at a time. A closed session rejects new
// requests.
type Session struct {
	id        string
	createdAt time.Time
	catalog   *catalog.Catalog
	now       func() time.Time

	mu         sync.Mutex
	busy       bool
	closed     bool
	lastSeen   time.Time
	adapter    *adapter.Adapter
	verified   bool
	settings   params.Settings
	transition params.Transition
	transcript []models.Turn
	saved      []SavedChat
	maxHistory int
}

// New creates a session with a fresh uuid and default settings.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= historyKeep {
		maxHistory = DefaultMaxHistory
	}
	settings := opts.Defaults
	if settings.Model == "" {
		settings = params.Defaults(catalog.DefaultModel)
	}

	created := now()
	return &Session{
		id:         uuid.NewString(),
		createdAt:  created,
		catalog:    opts.Catalog,
		now:        now,
		lastSeen:   created,
		adapter:    adapter.New(opts.Catalog, opts.Anthropic, opts.HTTPClient, opts.VerifyModel),
		settings:   settings,
		transition: params.Transition{PrevThinking: settings.ThinkingEnabled},
		maxHistory: maxHistory,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) touch() {
	s.lastSeen = s.now()
}

// LastSeen reports the last time the session was used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetCredential configures the adapter with key and verifies it against the
// API. Chat stays blocked until verification succeeds.
func (s *Session) SetCredential(ctx context.Context, key string) (adapter.VerifyResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.VerifyResult{}, ErrNotFound
	}
	if s.busy {
		s.mu.Unlock()
		return adapter.VerifyResult{}, ErrBusy
	}
	s.touch()
	s.verified = false
	s.busy = true
	ad := s.adapter
	s.mu.Unlock()

	defer s.release()

	if err := ad.Configure(key); err != nil {
		return adapter.VerifyResult{Kind: adapter.KindOf(err), Message: err.Error()}, err
	}

	result := ad.Verify(ctx)
	if !result.OK {
		return result, &adapter.Error{Kind: result.Kind, Message: result.Message}
	}

	s.mu.Lock()
	closed := s.closed
	s.verified = !closed
	s.mu.Unlock()
	if closed {
		return adapter.VerifyResult{}, ErrNotFound
	}
	slog.Info("session credential verified", "session", s.id)
	return result, nil
}

// ClearCredential forgets the key and blocks further chat.
func (s *Session) ClearCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.touch()
	s.adapter.Clear()
	s.verified = false
	return nil
}

// Verified reports whether chat is allowed.
func (s *Session) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// Settings returns the current generation settings.
func (s *Session) Settings() params.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SettingsPatch carries the fields a settings update changes; nil fields are left alone.
type SettingsPatch struct {
	Model            *string  `json:"model,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	ThinkingEnabled  *bool    `json:"thinking_enabled,omitempty"`
	BudgetTokens     *int     `json:"budget_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	SystemPrompt     *string  `json:"system_prompt,omitempty"`
	StreamingEnabled *bool    `json:"streaming_enabled,omitempty"`
}

func (p SettingsPatch) apply(s params.Settings) params.Settings {
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.ThinkingEnabled != nil {
		s.ThinkingEnabled = *p.ThinkingEnabled
	}
	if p.BudgetTokens != nil {
		s.BudgetTokens = *p.BudgetTokens
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.SystemPrompt != nil {
		s.SystemPrompt = *p.SystemPrompt
	}
	if p.StreamingEnabled != nil {
		s.StreamingEnabled = *p.StreamingEnabled
	}
	return s
}

// UpdateSettings applies patch the way the settings panel does: values are
// clamped to range, thinking is dropped for models without it, toggling
// thinking saves or restores the temperature and the budget is kept below
// max_tokens.
func (s *Session) UpdateSettings(patch SettingsPatch) (params.Settings, []params.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	next := patch.apply(s.settings)
	desc, err := s.catalog.Lookup(next.Model)
	if err != nil {
		return s.settings, nil, err
	}
	next.Model = desc.ID

	next, notices := params.Normalize(next)
	next, gated := params.Gate(next, desc.SupportsThinking)
	notices = append(notices, gated...)

	var tr params.Transition
	tr, next = s.transition.Apply(next)

	next, adjusted := params.AdjustBudget(next)
	notices = append(notices, adjusted...)

	s.settings = next
	s.transition = tr
	return next, notices, nil
}

// Exchange is the outcome of one submitted message.
type Exchange struct {
	Turn       models.Turn     `json:"turn"`
	Notices    []params.Notice `json:"notices,omitempty"`
	Usage      models.Usage    `json:"usage"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// begin trims the transcript, records the user turn and marks the session busy.
func (s *Session) begin(text string) (*adapter.Adapter, params.Settings, []models.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, params.Settings{}, nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, params.Settings{}, nil, ErrNotFound
	}
	if !s.verified || !s.adapter.Ready() {
		return nil, params.Settings{}, nil, ErrNotAuthorized
	}
	if s.busy {
		return nil, params.Settings{}, nil, ErrBusy
	}
	s.touch()

	if len(s.transcript) >= s.maxHistory {
		keep := s.maxHistory - historyKeep
		s.transcript = append([]models.Turn(nil), s.transcript[len(s.transcript)-keep:]...)
	}
	s.transcript = append(s.transcript, models.Turn{Role: models.RoleUser, Content: text, CreatedAt: s.now()})
	s.busy = true

	return s.adapter, s.settings, append([]models.Turn(nil), s.transcript...), nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.touch()
	if s.closed {
		s.adapter.Clear()
	}
}

// close blocks further requests and forgets the credential, immediately when
// idle or once the running request releases the session.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.verified = false
	if !s.busy {
		s.adapter.Clear()
	}
}

// finish records the assistant turn and writes back the corrected numeric
// settings, unless the user changed settings while the request ran.
func (s *Session) finish(sent, effective params.Settings, text string) models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == sent {
		s.settings.MaxTokens = effective.MaxTokens
		s.settings.BudgetTokens = effective.BudgetTokens
		s.settings.Temperature = effective.Temperature
	}

	turn := models.Turn{Role: models.RoleAssistant, Content: text, CreatedAt: s.now()}
	if strings.TrimSpace(text) != "" {
		s.transcript = append(s.transcript, turn)
	}
	return turn
}

// Submit sends text with a blocking request. A failed request records no
// assistant turn; the error is returned instead.
func (s *Session) Submit(ctx context.Context, text string) (Exchange, error) {
	ad, settings, transcript, err := s.begin(text)
	if err != nil {
		return Exchange{}, err
	}
	defer s.release()

	reply, err := ad.Complete(ctx, settings, transcript)
	if err != nil {
		return Exchange{Notices: reply.Notices}, err
	}

	turn := s.finish(settings, reply.Settings, reply.Text)
	return Exchange{
		Turn:       turn,
		Notices:    reply.Notices,
		Usage:      reply.Usage,
		StopReason: reply.StopReason,
	}, nil
}

// SubmitStream sends text with a streaming request and passes each fragment
// to emit as it arrives. Text received before a mid-stream failure is kept
// and recorded as the assistant turn. An emit error stops the stream.
func (s *Session) SubmitStream(ctx context.Context, text string, emit func(adapter.Fragment) error) (Exchange, error) {
	ad, settings, transcript, err := s.begin(text)
	if err != nil {
		return Exchange{}, err
	}
	defer s.release()

	stream := ad.Stream(ctx, settings, transcript)

	var (
		out       strings.Builder
		streamErr error
	)
	for frag := range stream.Fragments() {
		if frag.Kind == adapter.FragmentError {
			streamErr = frag.Err
			break
		}
		out.WriteString(frag.Text)
		if err := emit(frag); err != nil {
			streamErr = err
			break
		}
	}

	turn := s.finish(settings, stream.Settings, out.String())
	return Exchange{
		Turn:       turn,
		Notices:    stream.Notices,
		Usage:      stream.Usage(),
		StopReason: stream.StopReason(),
	}, streamErr
}

// Transcript returns a copy of the conversation.
func (s *Session) Transcript() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.transcript...)
}

// Clear empties the transcript.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.touch()
	s.transcript = nil
	return nil
}

// Stats counts transcript turns.
type Stats struct {
	Total     int `json:"total"`
	User      int `json:"user"`
	Assistant int `json:"assistant"`
}

// Stats returns message counts for the current transcript.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countTurns(s.transcript)
}

func countTurns(turns []models.Turn) Stats {
	st := Stats{Total: len(turns)}
	for _, t := range turns {
		switch t.Role {
		case models.RoleUser:
			st.User++
		case models.RoleAssistant:
			st.Assistant++
		}
	}
	return st
}

// Snapshot is the read-only view the page renders.
type Snapshot struct {
	ID            string            `json:"id"`
	Verified      bool              `json:"verified"`
	Settings      params.Settings   `json:"settings"`
	ModelLabel    string            `json:"model_label"`
	Thinking      params.Transition `json:"thinking_state"`
	Transcript    []models.Turn     `json:"transcript"`
	Stats         Stats             `json:"stats"`
	SavedChats    int               `json:"saved_chats"`
	Busy          bool              `json:"busy"`
	MaxHistory    int               `json:"max_history"`
	TokenEstimate int               `json:"estimated_tokens"`
}

// Snapshot captures the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	estimate := 0
	for _, t := range s.transcript {
		estimate += params.EstimateTokens(t.Content)
	}

	return Snapshot{
		ID:            s.id,
		Verified:      s.verified,
		Settings:      s.settings,
		ModelLabel:    s.catalog.Label(s.settings.Model),
		Thinking:      s.transition,
		Transcript:    append([]models.Turn{}, s.transcript...),
		Stats:         countTurns(s.transcript),
		SavedChats:    len(s.saved),
		Busy:          s.busy,
		MaxHistory:    s.maxHistory,
		TokenEstimate: estimate,
	}
}
