package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
)

// State is the orchestrator's progress through a segment sequence.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transcript is the text assembled so far. LastCompleted is -1 when no
// segment succeeded.
type Transcript struct {
	Text          string
	State         State
	Current       int
	LastCompleted int
	Total         int
}

// Partial reports whether some, but not all, segments were transcribed.
func (t Transcript) Partial() bool {
	return t.State == StateFailed && t.LastCompleted >= 0
}

// HasText reports whether at least one segment was transcribed.
func (t Transcript) HasText() bool {
	return t.Total > 0 && t.LastCompleted >= 0
}

// SegmentHook observes each segment outcome. err is nil on success.
type SegmentHook func(seg Segment, text string, err error)

// Orchestrator sends segments to a transcriber strictly in index order and
// stops at the first failure.
type Orchestrator struct {
	transcriber transcribe.Transcriber
	model       string
	format      string
	hook        SegmentHook
}

func NewOrchestrator(t transcribe.Transcriber, model, format string, hook SegmentHook) *Orchestrator {
	if format == "" {
		format = "mp3"
	}
	return &Orchestrator{transcriber: t, model: model, format: format, hook: hook}
}

// Label is the marker written before each segment's text.
func Label(index int) string {
	return fmt.Sprintf("--- Segment %d ---\n", index+1)
}

// Run transcribes segments in order. On failure it returns the partial
// transcript together with a *TranscriptionFailure; later segments are not sent.
func (o *Orchestrator) Run(ctx context.Context, segments []Segment) (Transcript, error) {
	tr := Transcript{State: StatePending, Current: -1, LastCompleted: -1, Total: len(segments)}
	var b strings.Builder
	for _, seg := range segments {
		tr.State = StateInProgress
		tr.Current = seg.Index

		format := seg.Blob.Format
		if format == "" {
			format = o.format
		}
		text, err := o.transcriber.Transcribe(ctx, transcribe.Request{
			Audio:    seg.Blob.Data,
			Filename: fmt.Sprintf("segment_%d.%s", seg.Index, format),
			Model:    o.model,
		})
		if o.hook != nil {
			o.hook(seg, text, err)
		}
		if err != nil {
			tr.State = StateFailed
			tr.Text = b.String()
			return tr, failure(seg.Index, err)
		}
		b.WriteString(Label(seg.Index))
		b.WriteString(text)
		b.WriteString("\n")
		tr.LastCompleted = seg.Index
		tr.Text = b.String()
	}
	tr.State = StateCompleted
	return tr, nil
}

func failure(index int, err error) *TranscriptionFailure {
	f := &TranscriptionFailure{SegmentIndex: index, Category: "unknown", Message: err.Error(), Err: err}
	var te *transcribe.Error
	if errors.As(err, &te) {
		f.Status = te.Status
		f.Category = te.Category
		f.Message = te.Message
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		f.Category = "cancelled"
	}
	return f
}
