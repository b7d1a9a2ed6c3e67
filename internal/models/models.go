package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a session transcript.
type Turn struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Usage records token accounting information reported by the vendor.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Pricing holds human-readable price strings for a model.
type Pricing struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// ModelDescriptor describes a model's capabilities and display metadata.
type ModelDescriptor struct {
	ID               string  `json:"id" yaml:"id"`
	DisplayName      string  `json:"display_name" yaml:"display_name"`
	Description      string  `json:"description" yaml:"description"`
	SupportsThinking bool    `json:"supports_thinking" yaml:"supports_thinking"`
	CanReason        bool    `json:"can_reason" yaml:"can_reason"`
	MaxOutputTokens  int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	ContextWindow    string  `json:"context_window" yaml:"context_window"`
	Pricing          Pricing `json:"pricing" yaml:"pricing"`
}

// Label renders the descriptor as "<display name> - <description>".
func (d ModelDescriptor) Label() string {
	if d.DisplayName == "" {
		return d.ID
	}
	if d.Description == "" {
		return d.DisplayName
	}
	return d.DisplayName + " - " + d.Description
}
