package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

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

const thinkingResponse = `{
	"id":"msg_1","type":"message","role":"assistant",
	"content":[{"type":"thinking","thinking":"Two plus two.","signature":"s"},{"type":"text","text":"It is 4."}],
	"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":20}
}`

var thinkingEvents = []string{
	`{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Two plus "}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"two."}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"s"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"It is "}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"4."}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":20}}`,
	`{"type":"message_stop"}`,
}

type fakeAPI struct {
	t        *testing.T
	requests []map[string]any
	status   int
	body     string
	events   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
	}
	f.requests = append(f.requests, req)

	if f.status >= 400 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.body))
		return
	}
	if stream, _ := req["stream"].(bool); stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range f.events {
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(ev), &head)
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, ev)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeAPI) last() map[string]any {
	return f.requests[len(f.requests)-1]
}

func newAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	api.t = t
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	a := New(catalog.New(), anthropic.Config{BaseURL: ts.URL}, ts.Client(), "")
	require.NoError(t, a.Configure(testKey))
	return a
}

func transcript(text string) []models.Turn {
	return []models.Turn{{Role: models.RoleUser, Content: text}}
}

func thinkingSettings() params.Settings {
	s := params.Defaults(thinkingModel)
	s.ThinkingEnabled = true
	return s
}

func TestConfigureRejectsMalformedCredential(t *testing.T) {
	a := newAdapter(t, &fakeAPI{body: thinkingResponse})
	require.True(t, a.Ready())

	err := a.Configure("not-a-key")
	require.Equal(t, KindCredentialFormat, KindOf(err))
	require.False(t, a.Ready())

	require.Equal(t, KindCredentialFormat, KindOf(a.Configure("sk-ant-short")))
	require.Equal(t, KindCredentialFormat, KindOf(a.Configure("")))
}

func TestCredentialRedacted(t *testing.T) {
	c := Credential(testKey)
	require.Equal(t, "[REDACTED]", c.String())
	require.Equal(t, "[REDACTED]", fmt.Sprint(c))
	require.Equal(t, slog.KindString, c.LogValue().Kind())
	require.NotContains(t, c.LogValue().String(), "sk-ant")
	require.Equal(t, testKey, c.Reveal())
	require.Equal(t, "", Credential("").String())
}

func TestVerify(t *testing.T) {
	a := New(catalog.New(), anthropic.Config{}, nil, "")
	res := a.Verify(context.Background())
	require.False(t, res.OK)
	require.Equal(t, KindNotConfigured, res.Kind)

	api := &fakeAPI{body: `{"content":[{"type":"text","text":"Hello"}]}`}
	a = newAdapter(t, api)
	res = a.Verify(context.Background())
	require.True(t, res.OK)
	req := api.last()
	require.Equal(t, catalog.VerifyModel, req["model"])
	require.EqualValues(t, 10, req["max_tokens"])

	api.status = http.StatusUnauthorized
	api.body = `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`
	res = a.Verify(context.Background())
	require.False(t, res.OK)
	require.Equal(t, KindUnauthorized, res.Kind)

	api.status = http.StatusInternalServerError
	api.body = `{"type":"error","error":{"type":"api_error","message":"boom"}}`
	res = a.Verify(context.Background())
	require.Equal(t, KindAPI, res.Kind)
	require.Contains(t, res.Message, "boom")
}

func TestCompleteWithThinking(t *testing.T) {
	api := &fakeAPI{body: thinkingResponse}
	a := newAdapter(t, api)

	reply, err := a.Complete(context.Background(), thinkingSettings(), transcript("What is 2+2?"))
	require.NoError(t, err)

	req := api.last()
	require.Equal(t, thinkingModel, req["model"])
	require.EqualValues(t, 11000, req["max_tokens"])
	require.EqualValues(t, 1, req["temperature"])
	require.Equal(t, params.DefaultSystemPrompt, req["system"])
	thinking := req["thinking"].(map[string]any)
	require.EqualValues(t, 10000, thinking["budget_tokens"])

	require.Equal(t, ReasoningHeader+"Two plus two."+AnswerSeparator+"It is 4.", reply.Text)
	require.Equal(t, "Two plus two.", reply.Reasoning)
	require.Equal(t, "It is 4.", reply.Answer)
	require.Equal(t, 32, reply.Usage.Total())
	require.Len(t, reply.Notices, 2)
	require.Equal(t, 11000, reply.Settings.MaxTokens)
}

func TestCompleteDropsThinkingForUnsupportedModel(t *testing.T) {
	api := &fakeAPI{body: `{"content":[{"type":"text","text":"ok"}]}`}
	a := newAdapter(t, api)

	s := params.Settings{Model: plainModel, MaxTokens: 2000, BudgetTokens: 10000, Temperature: 0.7, ThinkingEnabled: true, SystemPrompt: "  "}
	reply, err := a.Complete(context.Background(), s, transcript("hi"))
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Text)

	req := api.last()
	require.NotContains(t, req, "thinking")
	require.NotContains(t, req, "system")
	require.EqualValues(t, 2000, req["max_tokens"])
	require.EqualValues(t, 0.7, req["temperature"])
	require.False(t, reply.Settings.ThinkingEnabled)
	require.Len(t, reply.Notices, 1)
	require.Equal(t, params.CodeThinkingUnsupported, reply.Notices[0].Code)
}

func TestCompleteErrors(t *testing.T) {
	unconfigured := New(catalog.New(), anthropic.Config{}, nil, "")
	_, err := unconfigured.Complete(context.Background(), params.Defaults(plainModel), transcript("hi"))
	require.Equal(t, KindNotConfigured, KindOf(err))

	api := &fakeAPI{status: http.StatusUnauthorized, body: `{"error":{"type":"authentication_error","message":"nope"}}`}
	a := newAdapter(t, api)
	_, err = a.Complete(context.Background(), params.Defaults(plainModel), transcript("hi"))
	require.Equal(t, KindUnauthorized, KindOf(err))

	api.status = http.StatusTooManyRequests
	api.body = `{"error":{"type":"rate_limit_error","message":"slow down"}}`
	_, err = a.Complete(context.Background(), params.Defaults(plainModel), transcript("hi"))
	require.Equal(t, KindAPI, KindOf(err))
	require.Contains(t, err.Error(), "slow down")

	_, err = a.Complete(context.Background(), params.Defaults(plainModel), nil)
	require.Equal(t, KindInvalidRequest, KindOf(err))
}

func collect(st *Stream) (string, []Fragment) {
	var b strings.Builder
	var frags []Fragment
	for f := range st.Fragments() {
		frags = append(frags, f)
		if f.Kind != FragmentError {
			b.WriteString(f.Text)
		}
	}
	return b.String(), frags
}

func TestStreamMatchesComplete(t *testing.T) {
	api := &fakeAPI{body: thinkingResponse, events: thinkingEvents}
	a := newAdapter(t, api)

	reply, err := a.Complete(context.Background(), thinkingSettings(), transcript("What is 2+2?"))
	require.NoError(t, err)

	st := a.Stream(context.Background(), thinkingSettings(), transcript("What is 2+2?"))
	text, frags := collect(st)
	require.Equal(t, reply.Text, text)
	require.Equal(t, FragmentMarker, frags[0].Kind)
	require.Equal(t, FragmentReasoning, frags[1].Kind)
	require.Equal(t, FragmentText, frags[len(frags)-1].Kind)
	require.Equal(t, 32, st.Usage().Total())
	require.Equal(t, "end_turn", st.StopReason())
	require.Equal(t, true, api.last()["stream"])
}

func TestStreamIsSingleUse(t *testing.T) {
	a := newAdapter(t, &fakeAPI{events: thinkingEvents})
	st := a.Stream(context.Background(), thinkingSettings(), transcript("q"))
	_, _ = collect(st)

	_, frags := collect(st)
	require.Len(t, frags, 1)
	require.Equal(t, FragmentError, frags[0].Kind)
	require.Equal(t, KindInvalidRequest, KindOf(frags[0].Err))
}

func TestStreamMidStreamFailureKeepsPartialOutput(t *testing.T) {
	events := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"never"}}`,
	}
	a := newAdapter(t, &fakeAPI{events: events})

	text, frags := collect(a.Stream(context.Background(), params.Defaults(plainModel), transcript("q")))
	require.Equal(t, "partial", text)
	require.Len(t, frags, 2)
	require.Equal(t, FragmentError, frags[1].Kind)
	require.Equal(t, KindAPI, KindOf(frags[1].Err))
	require.Contains(t, frags[1].Text, "Overloaded")
}

func TestStreamEarlyBreak(t *testing.T) {
	a := newAdapter(t, &fakeAPI{events: thinkingEvents})
	st := a.Stream(context.Background(), thinkingSettings(), transcript("q"))

	var n int
	for range st.Fragments() {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func TestStreamNotConfigured(t *testing.T) {
	a := New(catalog.New(), anthropic.Config{}, nil, "")
	_, frags := collect(a.Stream(context.Background(), params.Defaults(plainModel), transcript("q")))
	require.Len(t, frags, 1)
	require.Equal(t, KindNotConfigured, KindOf(frags[0].Err))
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages([]models.Turn{
		{Role: models.RoleAssistant, Content: "leading"},
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleUser, Content: "two"},
		{Role: models.RoleAssistant, Content: "   "},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: "three"},
	})
	require.Len(t, msgs, 3)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "one\n\ntwo", msgs[0].Content[0].Text)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "three", msgs[2].Content[0].Text)
}
