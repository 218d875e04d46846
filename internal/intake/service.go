// Package intake accepts transcription requests over the bus and runs them
// one at a time through the pipeline.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/output"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Runner executes one upload.
type Runner interface {
	Run(ctx context.Context, up pipeline.Upload) (pipeline.Result, error)
}

var errOutsideRoot = errors.New("path is outside the intake root")

type Service struct {
	cfg    config.IntakeConfig
	out    config.OutputConfig
	bus    *bus.Client
	runner Runner
	log    *slog.Logger
	queue  chan *nats.Msg
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(parent context.Context, cfg config.IntakeConfig, out config.OutputConfig, busClient *bus.Client, runner Runner, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Service{
		cfg:    cfg,
		out:    out,
		bus:    busClient,
		runner: runner,
		log:    log.With(slog.String("component", "intake")),
		queue:  make(chan *nats.Msg, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectJobRequest, s.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe job requests: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.work()
	s.ready.Store(true)
	s.log.Info("accepting bus transcription requests", slog.String("subject", protocol.SubjectJobRequest), slog.String("root", s.cfg.Root))
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
	s.ready.Store(false)
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// enqueue runs on the subscription goroutine and must not block.
func (s *Service) enqueue(msg *nats.Msg) {
	select {
	case s.queue <- msg:
	default:
		s.reply(msg, protocol.JobReply{State: "rejected", Error: "intake queue is full"})
	}
}

func (s *Service) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

func (s *Service) handle(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode job request", slogError(err))
		s.reply(msg, protocol.JobReply{State: "rejected", Error: "malformed request"})
		return
	}

	path, err := s.resolve(req.Path)
	if err != nil {
		s.reply(msg, protocol.JobReply{RequestID: req.RequestID, State: "rejected", Error: err.Error()})
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.reply(msg, protocol.JobReply{RequestID: req.RequestID, State: "rejected", Error: fmt.Sprintf("read %s: %v", req.Path, err)})
		return
	}

	res, runErr := s.runner.Run(s.ctx, pipeline.Upload{Filename: filepath.Base(path), Data: data})
	reply := protocol.JobReply{
		RequestID:         req.RequestID,
		JobID:             res.JobID,
		SegmentsTotal:     res.Segments,
		SegmentsCompleted: res.Transcript.LastCompleted + 1,
		State:             stateOf(res),
	}
	if runErr != nil {
		reply.Error = runErr.Error()
	}
	if res.Transcript.HasText() {
		written, err := output.WriteTranscript(filepath.Join(s.out.Directory, res.JobID), s.out.Filename, res.Transcript.Text)
		if err != nil {
			s.log.Error("failed to write transcript", slog.String("job_id", res.JobID), slogError(err))
			reply.Error = strings.TrimPrefix(reply.Error+"; "+err.Error(), "; ")
		} else {
			reply.TranscriptPath = written
		}
	}
	s.reply(msg, reply)
}

// resolve maps a requested path onto the intake root and refuses escapes.
func (s *Service) resolve(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", errors.New("path is required")
	}
	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return "", err
	}
	path := requested
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return path, nil
}

func (s *Service) reply(msg *nats.Msg, reply protocol.JobReply) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(msg.Reply, reply); err != nil {
		s.log.Warn("failed to publish job reply", slogError(err))
	}
}

func stateOf(res pipeline.Result) string {
	switch {
	case res.Completed():
		return "completed"
	case res.Transcript.Partial():
		return "partial"
	default:
		return "failed"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
