package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claude-chat/internal/adapter"
	"claude-chat/internal/anthropic"
	"claude-chat/internal/catalog"
	"claude-chat/internal/models"
	"claude-chat/internal/params"
)

const (
	testKey       = "sk-ant-REDACTED"
	thinkingModel = "claude-sonnet-4-20250514"
	plainModel    = "claude-3-5-haiku-20241022"
)

func textResponse(text string) string {
	return fmt.Sprintf(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":%q}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":7}}`, text)
}

type fakeAPI struct {
	t *testing.T

	mu           sync.Mutex
	verifyStatus int
	chatStatus   int
	reply        string
	events       []string
	chats        []map[string]any

	entered chan struct{}
	hold    chan struct{}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
	}

	f.mu.Lock()
	verifyStatus, chatStatus, reply, events := f.verifyStatus, f.chatStatus, f.reply, f.events
	if maxTokens, _ := req["max_tokens"].(float64); maxTokens != 10 {
		f.chats = append(f.chats, req)
	} else {
		f.mu.Unlock()
		if verifyStatus >= 400 {
			w.WriteHeader(verifyStatus)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(textResponse("Hi")))
		return
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.hold != nil {
		<-f.hold
	}

	if chatStatus >= 400 {
		w.WriteHeader(chatStatus)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
		return
	}
	if stream, _ := req["stream"].(bool); stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(ev), &head)
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, ev)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(textResponse(reply)))
}

func (f *fakeAPI) chatRequests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.chats...)
}

func newOptions(t *testing.T, api *fakeAPI) Options {
	t.Helper()
	api.t = t
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	return Options{
		Catalog:    catalog.New(),
		Anthropic:  anthropic.Config{BaseURL: ts.URL},
		HTTPClient: ts.Client(),
		Defaults:   params.Defaults(thinkingModel),
		MaxHistory: 10,
		Now:        func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) },
	}
}

func verifiedSession(t *testing.T, api *fakeAPI, opts ...func(*Options)) *Session {
	t.Helper()
	o := newOptions(t, api)
	for _, fn := range opts {
		fn(&o)
	}
	sess := New(o)
	_, err := sess.SetCredential(context.Background(), testKey)
	require.NoError(t, err)
	return sess
}

func TestSubmitRequiresVerifiedCredential(t *testing.T) {
	sess := New(newOptions(t, &fakeAPI{reply: "hello"}))

	_, err := sess.Submit(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.Empty(t, sess.Transcript())

	_, err = sess.SubmitStream(context.Background(), "hi", func(adapter.Fragment) error { return nil })
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSetCredential(t *testing.T) {
	api := &fakeAPI{reply: "hello"}
	sess := New(newOptions(t, api))

	res, err := sess.SetCredential(context.Background(), "bogus")
	require.Error(t, err)
	require.Equal(t, adapter.KindCredentialFormat, res.Kind)
	require.False(t, sess.Verified())

	api.mu.Lock()
	api.verifyStatus = http.StatusUnauthorized
	api.mu.Unlock()
	res, err = sess.SetCredential(context.Background(), testKey)
	require.Error(t, err)
	require.Equal(t, adapter.KindUnauthorized, adapter.KindOf(err))
	require.False(t, res.OK)
	require.False(t, sess.Verified())

	api.mu.Lock()
	api.verifyStatus = 0
	api.mu.Unlock()
	res, err = sess.SetCredential(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, sess.Verified())

	require.NoError(t, sess.ClearCredential())
	require.False(t, sess.Verified())
	_, err = sess.Submit(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSubmitBlocking(t *testing.T) {
	api := &fakeAPI{reply: "Hello there"}
	sess := verifiedSession(t, api)

	_, err := sess.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	ex, err := sess.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, models.RoleAssistant, ex.Turn.Role)
	require.Equal(t, "Hello there", ex.Turn.Content)
	require.Equal(t, 12, ex.Usage.Total())
	require.Equal(t, "end_turn", ex.StopReason)

	turns := sess.Transcript()
	require.Len(t, turns, 2)
	require.Equal(t, "hello", turns[0].Content)
	require.Equal(t, Stats{Total: 2, User: 1, Assistant: 1}, sess.Stats())
}

func TestSubmitErrorRecordsNoAssistantTurn(t *testing.T) {
	api := &fakeAPI{chatStatus: http.StatusInternalServerError}
	sess := verifiedSession(t, api)

	_, err := sess.Submit(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, adapter.KindAPI, adapter.KindOf(err))

	turns := sess.Transcript()
	require.Len(t, turns, 1)
	require.Equal(t, models.RoleUser, turns[0].Role)
}

func TestTranscriptTrimming(t *testing.T) {
	api := &fakeAPI{reply: "ok"}
	sess := verifiedSession(t, api, func(o *Options) { o.MaxHistory = 4 })

	for _, msg := range []string{"first", "second", "third"} {
		_, err := sess.Submit(context.Background(), msg)
		require.NoError(t, err)
	}

	turns := sess.Transcript()
	require.Len(t, turns, 4)
	require.Equal(t, "second", turns[0].Content)
	require.Equal(t, "ok", turns[1].Content)
	require.Equal(t, "third", turns[2].Content)

	chats := api.chatRequests()
	last := chats[len(chats)-1]["messages"].([]any)
	require.Len(t, last, 3)
}

func TestSubmitSyncsCorrectedSettings(t *testing.T) {
	api := &fakeAPI{reply: "ok"}
	sess := verifiedSession(t, api, func(o *Options) {
		o.Defaults.ThinkingEnabled = true
		o.Defaults.MaxTokens = 1500
		o.Defaults.BudgetTokens = 500
		o.Defaults.Temperature = 0.3
	})

	ex, err := sess.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, ex.Notices, 2)

	s := sess.Settings()
	require.Equal(t, 1500, s.MaxTokens)
	require.Equal(t, 1024, s.BudgetTokens)
	require.Equal(t, 1.0, s.Temperature)
}

var streamEvents = []string{
	`{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[],"usage":{"input_tokens":5,"output_tokens":1}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
	`{"type":"message_stop"}`,
}

func TestSubmitStream(t *testing.T) {
	api := &fakeAPI{events: streamEvents}
	sess := verifiedSession(t, api)

	var got strings.Builder
	ex, err := sess.SubmitStream(context.Background(), "hello", func(f adapter.Fragment) error {
		got.WriteString(f.Text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello world", got.String())
	require.Equal(t, "Hello world", ex.Turn.Content)
	require.Equal(t, 12, ex.Usage.Total())

	turns := sess.Transcript()
	require.Len(t, turns, 2)
	require.Equal(t, "Hello world", turns[1].Content)
}

func TestSubmitStreamKeepsPartialText(t *testing.T) {
	api := &fakeAPI{events: []string{
		streamEvents[0],
		streamEvents[1],
		streamEvents[2],
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	}}
	sess := verifiedSession(t, api)

	ex, err := sess.SubmitStream(context.Background(), "hello", func(adapter.Fragment) error { return nil })
	require.Error(t, err)
	require.Equal(t, adapter.KindAPI, adapter.KindOf(err))
	require.Equal(t, "Hello ", ex.Turn.Content)

	turns := sess.Transcript()
	require.Len(t, turns, 2)
	require.Equal(t, "Hello ", turns[1].Content)
}

func TestSubmitRejectsConcurrentRequest(t *testing.T) {
	api := &fakeAPI{reply: "slow", entered: make(chan struct{}, 1), hold: make(chan struct{})}
	sess := verifiedSession(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Submit(context.Background(), "first")
		done <- err
	}()

	<-api.entered
	_, err := sess.Submit(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, sess.Clear(), ErrBusy)
	require.True(t, sess.Snapshot().Busy)

	close(api.hold)
	require.NoError(t, <-done)
	require.False(t, sess.Snapshot().Busy)
	require.Len(t, sess.Transcript(), 2)
}

func TestUpdateSettingsThinkingToggle(t *testing.T) {
	sess := New(newOptions(t, &fakeAPI{}))

	on := true
	s, notices, err := sess.UpdateSettings(SettingsPatch{ThinkingEnabled: &on})
	require.NoError(t, err)
	require.True(t, s.ThinkingEnabled)
	require.Equal(t, 1.0, s.Temperature)
	require.Equal(t, 1024, s.BudgetTokens)
	require.Len(t, notices, 1)
	require.Equal(t, params.CodeBudgetLowered, notices[0].Code)

	off := false
	s, _, err = sess.UpdateSettings(SettingsPatch{ThinkingEnabled: &off})
	require.NoError(t, err)
	require.False(t, s.ThinkingEnabled)
	require.Equal(t, 0.7, s.Temperature)
}

func TestUpdateSettingsGatesUnsupportedModel(t *testing.T) {
	sess := New(newOptions(t, &fakeAPI{}))

	model, on := plainModel, true
	s, notices, err := sess.UpdateSettings(SettingsPatch{Model: &model, ThinkingEnabled: &on})
	require.NoError(t, err)
	require.False(t, s.ThinkingEnabled)
	require.Equal(t, 0.7, s.Temperature)
	require.Len(t, notices, 1)
	require.Equal(t, params.CodeThinkingUnsupported, notices[0].Code)

	unknown := "gpt-4"
	_, _, err = sess.UpdateSettings(SettingsPatch{Model: &unknown})
	require.ErrorIs(t, err, catalog.ErrUnknownModel)
	require.Equal(t, plainModel, sess.Settings().Model)
}

func TestUpdateSettingsResolvesAlias(t *testing.T) {
	opts := newOptions(t, &fakeAPI{})
	require.NoError(t, opts.Catalog.RegisterAliases(map[string]string{"sonnet": thinkingModel}))
	sess := New(opts)

	alias, temp, maxTokens := "sonnet", 3.0, 0
	s, notices, err := sess.UpdateSettings(SettingsPatch{Model: &alias, Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	require.Equal(t, thinkingModel, s.Model)
	require.Equal(t, 1.0, s.Temperature)
	require.Equal(t, 1, s.MaxTokens)
	require.Len(t, notices, 2)
}

func TestSaveAndExport(t *testing.T) {
	api := &fakeAPI{reply: "Hello there"}
	sess := verifiedSession(t, api)

	_, err := sess.Save()
	require.ErrorIs(t, err, ErrNothingToSave)
	_, err = sess.LatestSaved()
	require.ErrorIs(t, err, ErrNoSavedChats)

	_, err = sess.Submit(context.Background(), "hello")
	require.NoError(t, err)

	chat, err := sess.Save()
	require.NoError(t, err)
	require.Equal(t, "20261019_120000", chat.Timestamp)
	require.Len(t, chat.Messages, 2)
	require.Equal(t, "chat_history_20261019_120000.json", chat.Filename(FormatJSON))
	require.Len(t, sess.SavedChats(), 1)

	latest, err := sess.LatestSaved()
	require.NoError(t, err)
	require.Equal(t, chat.Timestamp, latest.Timestamp)

	data, err := chat.Encode(FormatJSON)
	require.NoError(t, err)
	var decoded SavedChat
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, thinkingModel, decoded.Settings.Model)
	require.Contains(t, string(data), `"model_settings"`)

	data, err = chat.Encode(FormatYAML)
	require.NoError(t, err)
	require.Contains(t, string(data), "20261019_120000")
	require.Contains(t, string(data), "content: Hello there")

	f, err := ParseFormat("yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	sess := verifiedSession(t, &fakeAPI{reply: "four token reply"})
	_, err := sess.Submit(context.Background(), "12345678")
	require.NoError(t, err)

	snap := sess.Snapshot()
	require.Equal(t, sess.ID(), snap.ID)
	require.True(t, snap.Verified)
	require.Equal(t, 2, snap.Stats.Total)
	require.Equal(t, 6, snap.TokenEstimate)
	require.Contains(t, snap.ModelLabel, "Claude Sonnet 4")
}
