package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Stream event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types carried by content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// ErrStreamTruncated is returned when the event stream ends without message_stop.
var ErrStreamTruncated = errors.New("stream ended before message_stop")

// Event is one decoded server-sent event.
type Event struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *Response     `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *errorDetail  `json:"error,omitempty"`
}

// Delta is the incremental payload of content_block_delta and message_delta.
type Delta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	Signature  string `json:"signature,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// StreamMessage issues a streaming request and calls fn for every event in
// arrival order. It returns when message_stop is seen, fn returns an error,
// the API sends an error event, or the connection fails.
func (c *Client) StreamMessage(ctx context.Context, req Request, fn func(Event) error) error {
	req.Stream = true

	httpReq, err := c.newRequest(ctx, req, contentTypeSSE)
	if err != nil {
		return err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("messages stream request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return parseAPIError(httpResp)
	}
	if ctype := httpResp.Header.Get("Content-Type"); !strings.Contains(ctype, contentTypeSSE) {
		return fmt.Errorf("unexpected stream content type %q", ctype)
	}

	return consumeEvents(httpResp, fn)
}

var errStopReading = errors.New("stop reading")

func consumeEvents(resp *http.Response, fn func(Event) error) error {
	stopped := false
	err := readSSE(resp.Body, func(name string, data []byte) error {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode %s event: %w", name, err)
		}
		if ev.Type == "" {
			ev.Type = name
		}

		switch ev.Type {
		case EventPing:
			return nil
		case EventError:
			apiErr := &APIError{StatusCode: resp.StatusCode}
			if ev.Error != nil {
				apiErr.Type = ev.Error.Type
				apiErr.Message = ev.Error.Message
			}
			return apiErr
		}

		if err := fn(ev); err != nil {
			return err
		}
		if ev.Type == EventMessageStop {
			stopped = true
			return errStopReading
		}
		return nil
	})
	if errors.Is(err, errStopReading) {
		return nil
	}
	if err != nil {
		return err
	}
	if !stopped {
		return ErrStreamTruncated
	}
	return nil
}

// readSSE splits r into server-sent event frames and hands each frame's
// event name and joined data lines to onFrame.
func readSSE(r io.Reader, onFrame func(event string, data []byte) error) error {
	reader := bufio.NewReader(r)
	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		err := onFrame(eventName, []byte(payload))
		eventName = ""
		dataLines = nil
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if fErr := flush(); fErr != nil {
				return fErr
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}

		if err == io.EOF {
			return flush()
		}
	}
}
