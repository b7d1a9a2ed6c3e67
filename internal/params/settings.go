// Package params holds per-session generation settings and the rules that
// reconcile them with the Messages API constraints on extended thinking.
package params

import (
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	DefaultMaxTokens    = 2000
	DefaultBudgetTokens = 10000
	DefaultTemperature  = 0.7
	DefaultSystemPrompt = "You are a helpful assistant."

	// MinBudgetTokens is the smallest thinking budget the API accepts.
	MinBudgetTokens = 1024
	// MaxBudgetTokens bounds the thinking budget accepted from callers.
	MaxBudgetTokens = 100000
	// BudgetMargin is added on top of the budget when max_tokens must grow.
	BudgetMargin = 1000
	// ThinkingTemperature is the only temperature allowed with thinking enabled.
	ThinkingTemperature = 1.0

	MinMaxTokens   = 1
	MaxTokensLimit = 128000

	budgetWarnRatio = 0.8
)

// Settings is the mutable generation configuration of one session.
type Settings struct {
	Model            string  `json:"model" yaml:"model"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	ThinkingEnabled  bool    `json:"thinking_enabled" yaml:"thinking_enabled"`
	BudgetTokens     int     `json:"budget_tokens" yaml:"budget_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	SystemPrompt     string  `json:"system_prompt" yaml:"system_prompt"`
	StreamingEnabled bool    `json:"streaming_enabled" yaml:"streaming_enabled"`
}

// Defaults returns the settings a new session starts with.
func Defaults(model string) Settings {
	return Settings{
		Model:            model,
		MaxTokens:        DefaultMaxTokens,
		BudgetTokens:     DefaultBudgetTokens,
		Temperature:      DefaultTemperature,
		SystemPrompt:     DefaultSystemPrompt,
		StreamingEnabled: true,
	}
}

// Code classifies a Notice.
type Code string

const (
	CodeBudgetRaised        Code = "budget_raised"
	CodeBudgetLowered       Code = "budget_lowered"
	CodeMaxTokensRaised     Code = "max_tokens_raised"
	CodeTemperaturePinned   Code = "temperature_pinned"
	CodeThinkingUnsupported Code = "thinking_unsupported"
	CodeBudgetNearLimit     Code = "budget_near_limit"
	CodeClamped             Code = "clamped"
)

// Notice describes an adjustment made to the caller's settings.
type Notice struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (n Notice) String() string {
	return n.Message
}

func notice(code Code, format string, args ...any) Notice {
	return Notice{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validate repairs settings that would be rejected by the API when extended
// thinking is enabled. Rules run in order:
//
//  1. the budget is raised to MinBudgetTokens (and capped at MaxBudgetTokens);
//  2. max_tokens is raised to budget+BudgetMargin when it does not exceed the budget;
//  3. the temperature is pinned to 1.0.
//
// With thinking disabled the settings are returned unchanged. Validate never
// fails and is idempotent.
func Validate(s Settings) (Settings, []Notice) {
	if !s.ThinkingEnabled {
		return s, nil
	}

	var notices []Notice

	if s.BudgetTokens < MinBudgetTokens {
		s.BudgetTokens = MinBudgetTokens
		notices = append(notices, notice(CodeBudgetRaised, "Budget tokens raised to %d (minimum required)", MinBudgetTokens))
	} else if s.BudgetTokens > MaxBudgetTokens {
		s.BudgetTokens = MaxBudgetTokens
		notices = append(notices, notice(CodeBudgetLowered, "Budget tokens lowered to %d (maximum allowed)", MaxBudgetTokens))
	}

	if s.MaxTokens <= s.BudgetTokens {
		s.MaxTokens = s.BudgetTokens + BudgetMargin
		notices = append(notices, notice(CodeMaxTokensRaised, "Max tokens raised to %d to exceed budget tokens", s.MaxTokens))
	}

	if s.Temperature != ThinkingTemperature {
		s.Temperature = ThinkingTemperature
		notices = append(notices, notice(CodeTemperaturePinned, "Temperature set to 1.0 (required when thinking is enabled)"))
	}

	return s, notices
}

// Gate clears a thinking request the selected model cannot honour.
func Gate(s Settings, supportsThinking bool) (Settings, []Notice) {
	if !s.ThinkingEnabled || supportsThinking {
		return s, nil
	}
	s.ThinkingEnabled = false
	return s, []Notice{notice(CodeThinkingUnsupported, "Model %s does not support extended thinking; thinking disabled", s.Model)}
}

// Prepare gates and then validates settings ahead of an outbound request.
// Gating runs first so unsupported models never see thinking coercions.
func Prepare(s Settings, supportsThinking bool) (Settings, []Notice) {
	s, gated := Gate(s, supportsThinking)
	s, fixed := Validate(s)
	return s, append(gated, fixed...)
}

// Normalize clamps fields into the ranges the UI offers.
func Normalize(s Settings) (Settings, []Notice) {
	var notices []Notice

	switch {
	case s.MaxTokens < MinMaxTokens:
		s.MaxTokens = MinMaxTokens
		notices = append(notices, notice(CodeClamped, "Max tokens raised to %d", MinMaxTokens))
	case s.MaxTokens > MaxTokensLimit:
		s.MaxTokens = MaxTokensLimit
		notices = append(notices, notice(CodeClamped, "Max tokens lowered to %d", MaxTokensLimit))
	}

	switch {
	case math.IsNaN(s.Temperature):
		s.Temperature = DefaultTemperature
		notices = append(notices, notice(CodeClamped, "Temperature reset to %.1f", DefaultTemperature))
	case s.Temperature < 0:
		s.Temperature = 0
		notices = append(notices, notice(CodeClamped, "Temperature raised to 0.0"))
	case s.Temperature > 1:
		s.Temperature = 1
		notices = append(notices, notice(CodeClamped, "Temperature lowered to 1.0"))
	}

	return s, notices
}

// AdjustBudget keeps the thinking budget below max_tokens the way the
// settings panel does: an oversized budget is pulled down to max_tokens-1000
// (never under the minimum), and a budget above 80% of max_tokens is flagged.
func AdjustBudget(s Settings) (Settings, []Notice) {
	if !s.ThinkingEnabled {
		return s, nil
	}

	var notices []Notice
	if s.BudgetTokens < MinBudgetTokens {
		s.BudgetTokens = MinBudgetTokens
		notices = append(notices, notice(CodeBudgetRaised, "Budget tokens raised to %d (minimum required)", MinBudgetTokens))
	}

	if s.BudgetTokens >= s.MaxTokens {
		adjusted := max(MinBudgetTokens, s.MaxTokens-BudgetMargin)
		notices = append(notices, notice(CodeBudgetLowered,
			"Budget tokens (%d) must be lower than max tokens (%d); adjusted to %d", s.BudgetTokens, s.MaxTokens, adjusted))
		s.BudgetTokens = adjusted
	} else if float64(s.BudgetTokens) >= float64(s.MaxTokens)*budgetWarnRatio {
		notices = append(notices, notice(CodeBudgetNearLimit, "Budget tokens are close to max tokens; answers may be cut short"))
	}

	return s, notices
}

// Transition tracks the thinking toggle so the temperature chosen before
// enabling thinking can be restored when it is switched off again.
type Transition struct {
	PrevThinking     bool     `json:"prev_thinking"`
	SavedTemperature *float64 `json:"saved_temperature,omitempty"`
}

// Apply reconciles the temperature with the thinking flag of s and returns
// the next transition state.
func (t Transition) Apply(s Settings) (Transition, Settings) {
	switch {
	case s.ThinkingEnabled && !t.PrevThinking:
		saved := s.Temperature
		t.SavedTemperature = &saved
		s.Temperature = ThinkingTemperature
	case s.ThinkingEnabled:
		s.Temperature = ThinkingTemperature
	case t.PrevThinking && t.SavedTemperature != nil:
		s.Temperature = *t.SavedTemperature
		t.SavedTemperature = nil
	}
	t.PrevThinking = s.ThinkingEnabled
	return t, s
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}
