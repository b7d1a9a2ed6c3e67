package adapter

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"claude-chat/internal/anthropic"
	"claude-chat/internal/models"
	"claude-chat/internal/params"
)

const (
	// ReasoningHeader precedes a reasoning segment.
	ReasoningHeader = "**Thinking:**\n"
	// AnswerSeparator divides a reasoning segment from the answer that follows it.
	AnswerSeparator = "\n\n---\n\n"
)

// FragmentKind tags stream output.
type FragmentKind string

const (
	FragmentMarker    FragmentKind = "marker"
	FragmentReasoning FragmentKind = "reasoning"
	FragmentText      FragmentKind = "text"
	FragmentError     FragmentKind = "error"
)

// Fragment is one piece of streamed output. Error fragments carry Err and
// are always the last fragment of a stream.
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	Text string       `json:"text"`
	Err  error        `json:"-"`
}

func errorFragment(err error) Fragment {
	err = classify(err)
	return Fragment{Kind: FragmentError, Text: err.Error(), Err: err}
}

// renderer decides which marker precedes a content block so that blocking
// and streamed replies concatenate to the same text.
type renderer struct {
	inReasoning bool
}

func (r *renderer) blockStart(blockType string) string {
	switch blockType {
	case anthropic.BlockThinking, anthropic.BlockRedactedThinking:
		r.inReasoning = true
		return ReasoningHeader
	case anthropic.BlockText:
		if r.inReasoning {
			r.inReasoning = false
			return AnswerSeparator
		}
	}
	return ""
}

// Stream is a single-use sequence of fragments for one request.
type Stream struct {
	Settings params.Settings
	Notices  []params.Notice

	run      func(yield func(Fragment) bool)
	consumed bool
	usage    models.Usage
	stop     string
}

// Usage returns token accounting seen so far.
func (s *Stream) Usage() models.Usage {
	return s.usage
}

// StopReason returns the reported stop reason once the stream has finished.
func (s *Stream) StopReason() string {
	return s.stop
}

// Fragments yields the stream's fragments. Iterating a second time yields a
// single error fragment.
func (s *Stream) Fragments() iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		if s.consumed {
			yield(errorFragment(errStreamConsumed))
			return
		}
		s.consumed = true
		s.run(yield)
	}
}

var errConsumerStopped = errors.New("consumer stopped")

// Stream prepares a streaming request. Nothing is sent until the fragments
// are iterated. A connection failure mid-stream yields one error fragment;
// fragments already yielded stay valid.
func (a *Adapter) Stream(ctx context.Context, s params.Settings, transcript []models.Turn) *Stream {
	client, req, effective, notices, err := a.prepare(s, transcript)
	st := &Stream{Settings: effective, Notices: notices}

	st.run = func(yield func(Fragment) bool) {
		if err != nil {
			yield(errorFragment(err))
			return
		}

		var r renderer
		streamErr := client.StreamMessage(ctx, req, func(ev anthropic.Event) error {
			frag, ok := st.fragmentFor(&r, ev)
			if !ok {
				return nil
			}
			if !yield(frag) {
				return errConsumerStopped
			}
			return nil
		})
		if streamErr == nil || errors.Is(streamErr, errConsumerStopped) {
			return
		}
		slog.Error("anthropic stream failed", "model", req.Model, "err", streamErr)
		yield(errorFragment(streamErr))
	}
	return st
}

func (s *Stream) fragmentFor(r *renderer, ev anthropic.Event) (Fragment, bool) {
	switch ev.Type {
	case anthropic.EventMessageStart:
		if ev.Message != nil {
			s.usage.InputTokens = ev.Message.Usage.InputTokens
		}
	case anthropic.EventMessageDelta:
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.stop = ev.Delta.StopReason
		}
	case anthropic.EventContentBlockStart:
		if ev.ContentBlock == nil {
			return Fragment{}, false
		}
		if marker := r.blockStart(ev.ContentBlock.Type); marker != "" {
			return Fragment{Kind: FragmentMarker, Text: marker}, true
		}
	case anthropic.EventContentBlockDelta:
		if ev.Delta == nil {
			return Fragment{}, false
		}
		switch ev.Delta.Type {
		case anthropic.DeltaThinking:
			if ev.Delta.Thinking != "" {
				return Fragment{Kind: FragmentReasoning, Text: ev.Delta.Thinking}, true
			}
		case anthropic.DeltaText:
			if ev.Delta.Text != "" {
				return Fragment{Kind: FragmentText, Text: ev.Delta.Text}, true
			}
		}
	}
	return Fragment{}, false
}
