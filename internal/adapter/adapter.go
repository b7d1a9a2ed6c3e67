// Package adapter turns session settings and transcripts into Messages API
// calls and renders the results as text.
package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"claude-chat/internal/anthropic"
	"claude-chat/internal/catalog"
	"claude-chat/internal/models"
	"claude-chat/internal/params"
)

const (
	verifyMaxTokens = 10
	verifyPrompt    = "Hi"
)

type messenger interface {
	CreateMessage(ctx context.Context, req anthropic.Request) (*anthropic.Response, error)
	StreamMessage(ctx context.Context, req anthropic.Request, fn func(anthropic.Event) error) error
}

// Adapter owns one credential and the client built from it. The credential
// may be replaced or cleared while a request is running; that request keeps
// the client it started with.
type Adapter struct {
	catalog     *catalog.Catalog
	cfg         anthropic.Config
	httpClient  *http.Client
	verifyModel string

	mu         sync.RWMutex
	credential Credential
	client     messenger
}

// New constructs an adapter without a credential.
func New(cat *catalog.Catalog, cfg anthropic.Config, httpClient *http.Client, verifyModel string) *Adapter {
	if verifyModel == "" {
		verifyModel = catalog.VerifyModel
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		catalog:     cat,
		cfg:         cfg,
		httpClient:  httpClient,
		verifyModel: verifyModel,
	}
}

// Configure checks the credential's format and builds a client for it. Any
// previously configured client is dropped first, so a failure leaves the
// adapter unconfigured. Authorization is not checked; see Verify.
func (a *Adapter) Configure(credential string) error {
	a.Clear()

	credential = strings.TrimSpace(credential)
	if err := CheckCredentialFormat(credential); err != nil {
		return err
	}

	client, err := anthropic.New(credential, a.cfg, a.httpClient)
	if err != nil {
		return &Error{Kind: KindCredentialFormat, Message: "could not initialise client with this API key", Err: err}
	}

	a.mu.Lock()
	a.credential = Credential(credential)
	a.client = client
	a.mu.Unlock()
	slog.Info("anthropic client configured", "credential", Credential(credential))
	return nil
}

// Clear forgets the credential and client.
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credential = ""
	a.client = nil
}

// Ready reports whether a client is configured.
func (a *Adapter) Ready() bool {
	return a.current() != nil
}

func (a *Adapter) current() messenger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK      bool   `json:"ok"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Verify sends the cheapest possible request to prove the credential is authorized.
func (a *Adapter) Verify(ctx context.Context) VerifyResult {
	client := a.current()
	if client == nil {
		return VerifyResult{Kind: KindNotConfigured, Message: "client not initialised or API key not set"}
	}

	_, err := client.CreateMessage(ctx, anthropic.Request{
		Model:     a.verifyModel,
		MaxTokens: verifyMaxTokens,
		Messages:  []anthropic.Message{textMessage(models.RoleUser, verifyPrompt)},
	})
	if err != nil {
		classified := classify(err)
		slog.Warn("api key verification failed", "kind", KindOf(classified), "err", err)
		if KindOf(classified) == KindUnauthorized {
			return VerifyResult{Kind: KindUnauthorized, Message: "API key is not valid"}
		}
		return VerifyResult{Kind: KindAPI, Message: classified.Error()}
	}
	return VerifyResult{OK: true, Message: "API key is valid"}
}

// Reply is a completed assistant response.
type Reply struct {
	Text       string
	Reasoning  string
	Answer     string
	StopReason string
	Usage      models.Usage
	Settings   params.Settings
	Notices    []params.Notice
}

// Complete issues a blocking request. Reasoning blocks, when present, are
// rendered ahead of the answer with the same markers Stream emits.
func (a *Adapter) Complete(ctx context.Context, s params.Settings, transcript []models.Turn) (Reply, error) {
	client, req, effective, notices, err := a.prepare(s, transcript)
	reply := Reply{Settings: effective, Notices: notices}
	if err != nil {
		return reply, err
	}

	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		slog.Error("anthropic request failed", "model", req.Model, "err", err)
		return reply, classify(err)
	}

	var (
		r         renderer
		text      strings.Builder
		reasoning strings.Builder
		answer    strings.Builder
	)
	for _, block := range resp.Content {
		text.WriteString(r.blockStart(block.Type))
		switch block.Type {
		case anthropic.BlockThinking:
			text.WriteString(block.Thinking)
			reasoning.WriteString(block.Thinking)
		case anthropic.BlockText:
			text.WriteString(block.Text)
			answer.WriteString(block.Text)
		}
	}

	reply.Text = text.String()
	reply.Reasoning = reasoning.String()
	reply.Answer = answer.String()
	reply.StopReason = resp.StopReason
	reply.Usage = resp.Usage.ToModel()
	return reply, nil
}

// prepare snapshots the configured client and builds the request for it.
func (a *Adapter) prepare(s params.Settings, transcript []models.Turn) (messenger, anthropic.Request, params.Settings, []params.Notice, error) {
	client := a.current()
	if client == nil {
		return nil, anthropic.Request{}, s, nil, errNotConfigured
	}

	supported := a.catalog != nil && a.catalog.SupportsThinking(s.Model)
	effective, notices := params.Prepare(s, supported)
	for _, n := range notices {
		slog.Warn("generation settings adjusted", "code", n.Code, "notice", n.Message)
	}

	messages := buildMessages(transcript)
	if len(messages) == 0 {
		return nil, anthropic.Request{}, effective, notices, errEmptyTranscript
	}

	temperature := effective.Temperature
	req := anthropic.Request{
		Model:       effective.Model,
		Messages:    messages,
		MaxTokens:   effective.MaxTokens,
		Temperature: &temperature,
	}
	if strings.TrimSpace(effective.SystemPrompt) != "" {
		req.System = effective.SystemPrompt
	}
	if effective.ThinkingEnabled {
		req.Thinking = &anthropic.Thinking{Type: "enabled", BudgetTokens: effective.BudgetTokens}
		slog.Debug("extended thinking enabled", "model", effective.Model, "budget_tokens", effective.BudgetTokens)
	}

	return client, req, effective, notices, nil
}

// buildMessages converts the transcript into API messages. Blank turns are
// skipped, consecutive turns of the same role are merged and leading
// assistant turns are dropped, since the API requires a user turn first and
// alternating roles.
func buildMessages(transcript []models.Turn) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(transcript))
	for _, turn := range transcript {
		text := strings.TrimSpace(turn.Content)
		if text == "" {
			continue
		}
		role := string(turn.Role)
		if len(out) == 0 && turn.Role != models.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			last := &out[n-1].Content[0]
			last.Text += "\n\n" + text
			continue
		}
		out = append(out, textMessage(turn.Role, text))
	}
	return out
}

func textMessage(role models.Role, text string) anthropic.Message {
	return anthropic.Message{
		Role:    string(role),
		Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: text}},
	}
}
