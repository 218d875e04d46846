package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/output"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

const maxMultipartMemory = 32 << 20

// jobView is the API shape of a job, whether it comes from a fresh run, the
// cache or the event store.
type jobView struct {
	JobID                 string `json:"job_id"`
	Filename              string `json:"filename,omitempty"`
	State                 string `json:"state"`
	Text                  string `json:"text"`
	SegmentsTotal         int    `json:"segments_total"`
	SegmentsCompleted     int    `json:"segments_completed"`
	CompressedBitrateKbps int    `json:"compressed_bitrate_kbps,omitempty"`
	FailedSegment         *int   `json:"failed_segment,omitempty"`
	Error                 string `json:"error,omitempty"`
}

func viewFromResult(res pipeline.Result) jobView {
	v := jobView{
		JobID:                 res.JobID,
		Filename:              res.Filename,
		Text:                  res.Transcript.Text,
		SegmentsTotal:         res.Segments,
		SegmentsCompleted:     res.Transcript.LastCompleted + 1,
		CompressedBitrateKbps: res.BitrateKbps,
	}
	switch {
	case res.Completed():
		v.State = eventstore.StatusCompleted
	case res.Transcript.Partial():
		v.State = "partial"
	default:
		v.State = eventstore.StatusFailed
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
		var tf *pipeline.TranscriptionFailure
		if errors.As(res.Err, &tf) {
			idx := tf.SegmentIndex
			v.FailedSegment = &idx
		}
	}
	return v
}

func viewFromJob(job eventstore.Job) jobView {
	v := jobView{
		JobID:                 job.ID,
		Filename:              job.Filename,
		State:                 job.Status,
		Text:                  job.Transcript,
		SegmentsTotal:         job.SegmentsTotal,
		SegmentsCompleted:     job.SegmentsCompleted,
		CompressedBitrateKbps: job.BitrateKbps,
		Error:                 job.Error,
	}
	if job.Status == eventstore.StatusFailed && job.FailedSegment >= 0 {
		idx := job.FailedSegment
		v.FailedSegment = &idx
		if job.SegmentsCompleted > 0 {
			v.State = "partial"
		}
	}
	return v
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Terminal  bool            `json:"terminal"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	mux.HandleFunc("POST /v1/transcriptions", r.handleTranscribe)
	mux.HandleFunc("GET /v1/transcriptions", r.handleListJobs)
	mux.HandleFunc("GET /v1/transcriptions/{id}", r.handleJob)
	mux.HandleFunc("GET /v1/transcriptions/{id}/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/transcriptions/{id}/events", r.handleJobEvents)
	return mux
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.HTTP.MaxUploadBytes)
	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds http.max_upload_bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer req.MultipartForm.RemoveAll()

	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	res, runErr := r.runner.Run(req.Context(), pipeline.Upload{Filename: header.Filename, Data: data})
	view := viewFromResult(res)
	if res.JobID != "" {
		r.cache.Add(res.JobID, view)
	}
	writeJSON(w, statusFor(runErr), view)
}

func statusFor(err error) int {
	var tf *pipeline.TranscriptionFailure
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCompressionBudgetExceeded), errors.Is(err, pipeline.ErrSegmentationDegenerate):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tf):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Runtime) lookup(req *http.Request) (jobView, bool, error) {
	id := req.PathValue("id")
	if v, ok := r.cache.Get(id); ok {
		return v, true, nil
	}
	job, err := r.store.GetJob(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return jobView{}, false, nil
	}
	if err != nil {
		return jobView{}, false, err
	}
	return viewFromJob(job), true, nil
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	v, ok, err := r.lookup(req)
	if err != nil {
		r.logger.Error("job lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleListJobs returns stored jobs, most recently updated first.
func (r *Runtime) handleListJobs(w http.ResponseWriter, req *http.Request) {
	limit, ok := limitParam(w, req)
	if !ok {
		return
	}
	jobs, err := r.store.ListJobs(req.Context(), limit)
	if err != nil {
		r.logger.Error("list jobs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewFromJob(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (r *Runtime) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	limit, ok := limitParam(w, req)
	if !ok {
		return
	}
	id := req.PathValue("id")
	if _, err := r.store.GetJob(req.Context(), id); errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	} else if err != nil {
		r.logger.Error("job lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	events, err := r.store.ListJobEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("list job events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list job events failed")
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:        e.ID,
			Type:      e.Type,
			Terminal:  protocol.Terminal(e.Type),
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": views})
}

// limitParam parses ?limit=; zero means the store default.
func limitParam(w http.ResponseWriter, req *http.Request) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	v, ok, err := r.lookup(req)
	if err != nil {
		r.logger.Error("job lookup failed", slog.String("error", err.Error()))
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok || v.State == eventstore.StatusRunning {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+output.DefaultFilename+`"`)
	w.Header().Set("X-Transcript-State", v.State)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, v.Text)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) && (r.intake == nil || r.intake.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
