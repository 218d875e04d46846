package protocol

import "time"

// JobEvent reports pipeline progress for one upload.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Type         string    `json:"type"`
	Filename     string    `json:"filename,omitempty"`
	SegmentIndex int       `json:"segment_index"`
	SegmentCount int       `json:"segment_count,omitempty"`
	BitrateKbps  int       `json:"bitrate_kbps,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Text         string    `json:"text,omitempty"`
	Error        string    `json:"error,omitempty"`
	Status       int       `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectPrefix           = "transcribe"
	SubjectJobStarted       = "transcribe.job.started"
	SubjectJobCompressed    = "transcribe.job.compressed"
	SubjectJobSegmented     = "transcribe.job.segmented"
	SubjectSegmentCompleted = "transcribe.segment.completed"
	SubjectSegmentFailed    = "transcribe.segment.failed"
	SubjectJobCompleted     = "transcribe.job.completed"
	SubjectJobFailed        = "transcribe.job.failed"
)

// Terminal reports whether subject ends a job.
func Terminal(subject string) bool {
	return subject == SubjectJobCompleted || subject == SubjectJobFailed
}

// SubjectJobRequest carries JobRequest messages. It sits outside the event
// prefix so the job stream does not answer requests with publish acks.
const SubjectJobRequest = "ctrl.transcribe.request"

// JobRequest asks a node to transcribe a file it can read locally.
type JobRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Path      string `json:"path"`
}

// JobReply answers a JobRequest once the job has finished.
type JobReply struct {
	RequestID         string `json:"request_id,omitempty"`
	JobID             string `json:"job_id,omitempty"`
	State             string `json:"state"`
	TranscriptPath    string `json:"transcript_path,omitempty"`
	SegmentsTotal     int    `json:"segments_total"`
	SegmentsCompleted int    `json:"segments_completed"`
	Error             string `json:"error,omitempty"`
}
