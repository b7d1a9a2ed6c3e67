package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"claude-chat/internal/models"
	"claude-chat/internal/params"
)

const timestampLayout = "20060102_150405"

// SavedChat is a snapshot of the conversation and the settings that produced it.
type SavedChat struct {
	Timestamp string          `json:"timestamp" yaml:"timestamp"`
	Settings  params.Settings `json:"model_settings" yaml:"model_settings"`
	Messages  []models.Turn   `json:"messages" yaml:"messages"`
}

// Filename returns the download name for format.
func (c SavedChat) Filename(format Format) string {
	return fmt.Sprintf("chat_history_%s.%s", c.Timestamp, format)
}

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml; an empty value selects JSON.
func ParseFormat(v string) (Format, error) {
	switch v {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", v)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Encode serialises the saved chat.
func (c SavedChat) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// Save appends a snapshot of the current conversation to the session's saved chats.
func (s *Session) Save() (SavedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.transcript) == 0 {
		return SavedChat{}, ErrNothingToSave
	}
	s.touch()

	chat := SavedChat{
		Timestamp: s.now().Format(timestampLayout),
		Settings:  s.settings,
		Messages:  append([]models.Turn(nil), s.transcript...),
	}
	s.saved = append(s.saved, chat)
	return chat, nil
}

// SavedChats returns every snapshot saved in this session, oldest first.
func (s *Session) SavedChats() []SavedChat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SavedChat(nil), s.saved...)
}

// LatestSaved returns the most recent snapshot.
func (s *Session) LatestSaved() (SavedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return SavedChat{}, ErrNoSavedChats
	}
	return s.saved[len(s.saved)-1], nil
}
