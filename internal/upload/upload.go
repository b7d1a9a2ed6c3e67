// Package upload extracts plain text from files attached in the chat page.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"claude-chat/internal/params"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrNoText          = errors.New("file contains no extractable text")
	ErrInvalidEncoding = errors.New("text file is not valid UTF-8")
)

// Kind names the extractor used for a file.
type Kind string

const (
	KindText Kind = "text"
	KindPDF  Kind = "pdf"
)

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".log":  true,
}

// Document is the text extracted from one file.
type Document struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Text   string `json:"text"`
	Bytes  int    `json:"bytes"`
	Tokens int    `json:"estimated_tokens"`
}

// Extract detects the file type from its name, declared content type and
// leading bytes and returns its text.
func Extract(name, contentType string, data []byte) (Document, error) {
	kind, err := detect(name, contentType, data)
	if err != nil {
		return Document{}, err
	}

	var text string
	switch kind {
	case KindPDF:
		text, err = extractPDF(data)
	default:
		text, err = extractText(data)
	}
	if err != nil {
		return Document{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, ErrNoText
	}
	return Document{
		Name:   filepath.Base(name),
		Kind:   kind,
		Text:   text,
		Bytes:  len(data),
		Tokens: params.EstimateTokens(text),
	}, nil
}

func detect(name, contentType string, data []byte) (Kind, error) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF, nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".pdf" {
		return KindPDF, nil
	}
	if textExtensions[ext] {
		return KindText, nil
	}

	declared, _, _ := mime.ParseMediaType(contentType)
	if declared == "" || declared == "application/octet-stream" {
		declared, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	switch {
	case declared == "application/pdf":
		return KindPDF, nil
	case strings.HasPrefix(declared, "text/"), declared == "application/json":
		return KindText, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, declared)
}

func extractText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", ErrInvalidEncoding
	}
	return string(data), nil
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	return string(out), nil
}

// Prompt formats a document for inclusion in a chat message.
func (d Document) Prompt(question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content of %s:\n\n%s", d.Name, d.Text)
	if q := strings.TrimSpace(question); q != "" {
		b.WriteString("\n\n")
		b.WriteString(q)
	}
	return b.String()
}
