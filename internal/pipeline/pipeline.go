package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnsupportedFormat is returned for uploads outside the accepted extensions.
var ErrUnsupportedFormat = errors.New("unsupported audio format (accepted: .mp3, .wav, .m4a)")

var supportedExtensions = map[string]bool{".mp3": true, ".wav": true, ".m4a": true}

// Upload is the raw file handed to the pipeline.
type Upload struct {
	Filename string
	Data     []byte
}

// Events receives progress for each job.
type Events interface {
	Emit(ctx context.Context, subject string, evt protocol.JobEvent) error
}

// Result summarises one pipeline run. Err mirrors the error returned by Run.
type Result struct {
	JobID       string
	Filename    string
	SizeBytes   int64
	Duration    time.Duration
	Compressed  bool
	BitrateKbps int
	Attempts    []Attempt
	Segments    int
	Transcript  Transcript
	Err         error
}

// Completed reports whether every segment was transcribed.
func (r Result) Completed() bool {
	return r.Err == nil && r.Transcript.State == StateCompleted
}

// Pipeline runs compress -> segment -> transcribe for one upload at a time.
type Pipeline struct {
	plan        Plan
	segmenter   *Segmenter
	codec       audio.Codec
	transcriber transcribe.Transcriber
	model       string
	format      string
	events      Events
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instruments
}

func New(cfg config.Config, codec audio.Codec, transcriber transcribe.Transcriber, events Events, logger *slog.Logger) (*Pipeline, error) {
	if transcriber == nil {
		return nil, errors.New("pipeline: transcriber is required")
	}
	plan := Plan{
		MaxSizeBytes: cfg.Budget.MaxSizeBytes,
		InitialKbps:  cfg.Budget.InitialBitrateKbps,
		MinKbps:      cfg.Budget.MinBitrateKbps,
		StepKbps:     cfg.Budget.BitrateStepKbps,
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	segmenter, err := NewSegmenter(codec, time.Duration(cfg.Segment.WindowMS)*time.Millisecond, cfg.Segment.BitrateKbps)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = NopEvents{}
	}
	log := logger.With(slog.String("component", "pipeline"))
	m, err := newInstruments(otel.Meter("github.com/loqalabs/loqa-transcribe/pipeline"))
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
	}
	return &Pipeline{
		plan:        plan,
		segmenter:   segmenter,
		codec:       codec,
		transcriber: transcriber,
		model:       cfg.Transcription.Model,
		format:      cfg.Audio.Format,
		events:      events,
		logger:      log,
		tracer:      otel.Tracer("github.com/loqalabs/loqa-transcribe/pipeline"),
		metrics:     m,
	}, nil
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Run processes one upload. A *TranscriptionFailure still comes with the
// partial transcript in Result.Transcript.
func (p *Pipeline) Run(ctx context.Context, up Upload) (Result, error) {
	res := Result{
		JobID:      NewJobID(),
		Filename:   up.Filename,
		SizeBytes:  int64(len(up.Data)),
		Transcript: Transcript{Current: -1, LastCompleted: -1},
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", res.JobID),
		attribute.Int64("upload.size_bytes", res.SizeBytes),
	))
	defer span.End()

	log := p.logger.With(slog.String("job_id", res.JobID), slog.String("filename", up.Filename))
	p.emit(ctx, protocol.SubjectJobStarted, protocol.JobEvent{JobID: res.JobID, Filename: up.Filename, SizeBytes: res.SizeBytes})

	fail := func(err error) (Result, error) {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		evt := protocol.JobEvent{JobID: res.JobID, Filename: up.Filename, Text: res.Transcript.Text, Error: err.Error(), SegmentCount: res.Segments, SegmentIndex: -1}
		var tf *TranscriptionFailure
		if errors.As(err, &tf) {
			evt.SegmentIndex = tf.SegmentIndex
			evt.Status = tf.Status
		}
		p.emit(ctx, protocol.SubjectJobFailed, evt)
		p.metrics.failure(ctx, stageOf(err))
		log.Error("transcription job failed", slogError(err))
		return res, err
	}

	ext := strings.ToLower(filepath.Ext(up.Filename))
	if !supportedExtensions[ext] {
		return fail(fmt.Errorf("%w: %q", ErrUnsupportedFormat, up.Filename))
	}
	if len(up.Data) == 0 {
		return fail(fmt.Errorf("%w: empty upload", ErrSegmentationDegenerate))
	}

	blob := audio.Blob{Data: up.Data, Format: strings.TrimPrefix(ext, ".")}
	if p.plan.NeedsCompression(blob) {
		log.Warn("upload exceeds size budget, compressing",
			slog.Int64("size_bytes", blob.Size()), slog.Int64("max_size_bytes", p.plan.MaxSizeBytes))
		compressed, err := p.compress(ctx, blob)
		res.Attempts = compressed.Attempts
		if err != nil {
			return fail(err)
		}
		res.Compressed = true
		res.BitrateKbps = compressed.BitrateKbps
		blob = compressed.Blob
		p.emit(ctx, protocol.SubjectJobCompressed, protocol.JobEvent{JobID: res.JobID, BitrateKbps: compressed.BitrateKbps, SizeBytes: blob.Size()})
		log.Info("compressed upload", slog.Int("bitrate_kbps", compressed.BitrateKbps), slog.Int64("size_bytes", blob.Size()))
	}

	segments, err := p.segment(ctx, blob)
	if err != nil {
		return fail(err)
	}
	res.Segments = len(segments)
	for _, s := range segments {
		res.Duration += s.Length
	}
	p.emit(ctx, protocol.SubjectJobSegmented, protocol.JobEvent{JobID: res.JobID, SegmentCount: len(segments), DurationMS: res.Duration.Milliseconds()})
	log.Info("split audio into segments", slog.Int("segments", len(segments)), slog.Duration("duration", res.Duration))

	orch := NewOrchestrator(p.transcriber, p.model, p.format, p.segmentHook(ctx, log, res.JobID, len(segments)))
	transcript, err := orch.Run(ctx, segments)
	res.Transcript = transcript
	if err != nil {
		return fail(err)
	}

	p.emit(ctx, protocol.SubjectJobCompleted, protocol.JobEvent{JobID: res.JobID, Filename: up.Filename, SegmentCount: len(segments), Text: transcript.Text, SegmentIndex: transcript.LastCompleted})
	log.Info("transcription job completed", slog.Int("segments", len(segments)))
	return res, nil
}

func (p *Pipeline) compress(ctx context.Context, blob audio.Blob) (Compressed, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.compress")
	defer span.End()
	compressed, err := Compress(ctx, p.codec, blob, p.plan)
	p.metrics.compression(ctx, len(compressed.Attempts))
	span.SetAttributes(attribute.Int("compression.attempts", len(compressed.Attempts)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return compressed, err
}

func (p *Pipeline) segment(ctx context.Context, blob audio.Blob) ([]Segment, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.segment")
	defer span.End()
	segments, err := p.segmenter.Segment(ctx, blob)
	span.SetAttributes(attribute.Int("segments", len(segments)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return segments, err
}

func (p *Pipeline) segmentHook(ctx context.Context, log *slog.Logger, jobID string, total int) SegmentHook {
	started := time.Now()
	return func(seg Segment, text string, err error) {
		p.metrics.segment(ctx, time.Since(started), err == nil)
		started = time.Now()
		evt := protocol.JobEvent{JobID: jobID, SegmentIndex: seg.Index, SegmentCount: total, SizeBytes: seg.Blob.Size()}
		if err != nil {
			evt.Error = err.Error()
			var te *transcribe.Error
			if errors.As(err, &te) {
				evt.Status = te.Status
			}
			p.emit(ctx, protocol.SubjectSegmentFailed, evt)
			return
		}
		evt.Text = text
		p.emit(ctx, protocol.SubjectSegmentCompleted, evt)
		log.Info("transcribed segment", slog.Int("segment", seg.Index+1), slog.Int("of", total))
	}
}

func (p *Pipeline) emit(ctx context.Context, subject string, evt protocol.JobEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Type = subject
	// Job history must record the outcome even after the caller goes away.
	if err := p.events.Emit(context.WithoutCancel(ctx), subject, evt); err != nil {
		p.logger.Warn("failed to emit job event", slog.String("subject", subject), slogError(err))
	}
}

func stageOf(err error) string {
	var tf *TranscriptionFailure
	switch {
	case errors.Is(err, ErrCompressionBudgetExceeded):
		return "compress"
	case errors.Is(err, ErrSegmentationDegenerate):
		return "segment"
	case errors.Is(err, ErrUnsupportedFormat):
		return "upload"
	case errors.As(err, &tf):
		return "transcribe"
	default:
		return "internal"
	}
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) Emit(context.Context, string, protocol.JobEvent) error { return nil }

// MultiEvents fans an event out to every sink and joins their errors.
type MultiEvents []Events

func (m MultiEvents) Emit(ctx context.Context, subject string, evt protocol.JobEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, subject, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrument names, shared with the telemetry views.
const (
	MetricCompressionAttempts = "loqa.transcribe.compression.attempts"
	MetricSegments            = "loqa.transcribe.segments"
	MetricFailures            = "loqa.transcribe.failures"
	MetricSegmentDuration     = "loqa.transcribe.segment.duration"
)

type instruments struct {
	attempts metric.Int64Counter
	segments metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	attempts, err := meter.Int64Counter(MetricCompressionAttempts, metric.WithDescription("Re-encodes tried by the size budget compressor"))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64Counter(MetricSegments, metric.WithDescription("Segments sent for transcription"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(MetricFailures, metric.WithDescription("Failed transcription jobs by stage"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(MetricSegmentDuration, metric.WithDescription("Per-segment transcription latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &instruments{attempts: attempts, segments: segments, failures: failures, latency: latency}, nil
}

func (m *instruments) compression(ctx context.Context, attempts int) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, int64(attempts))
}

func (m *instruments) segment(ctx context.Context, took time.Duration, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", ok))
	m.segments.Add(ctx, 1, attrs)
	m.latency.Record(ctx, took.Seconds(), attrs)
}

func (m *instruments) failure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
