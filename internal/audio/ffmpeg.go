package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// FFmpegCodec shells out to ffmpeg/ffprobe. Blobs are staged through temp
// files because container formats such as m4a need a seekable input.
type FFmpegCodec struct {
	ffmpeg  []string
	ffprobe []string
	format  string
	tmpDir  string
}

func NewFFmpegCodec(cfg config.AudioConfig) (*FFmpegCodec, error) {
	parser := shellwords.NewParser()
	ffmpeg, err := parser.Parse(cfg.FFmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(ffmpeg) == 0 {
		return nil, fmt.Errorf("ffmpeg command is empty")
	}
	ffprobe, err := parser.Parse(cfg.FFprobeCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffprobe command: %w", err)
	}
	if len(ffprobe) == 0 {
		return nil, fmt.Errorf("ffprobe command is empty")
	}
	format := cfg.Format
	if format == "" {
		format = "mp3"
	}
	return &FFmpegCodec{ffmpeg: ffmpeg, ffprobe: ffprobe, format: format, tmpDir: cfg.TempDir}, nil
}

func (c *FFmpegCodec) Probe(ctx context.Context, blob Blob) (time.Duration, error) {
	in, cleanup, err := c.stage(blob)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	args := append(append([]string{}, c.ffprobe[1:]...), probeArgs(in)...)
	out, err := c.run(ctx, c.ffprobe[0], args)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return parseProbeDuration(out)
}

func (c *FFmpegCodec) Encode(ctx context.Context, blob Blob, bitrateKbps int) (Blob, error) {
	return c.transcode(ctx, blob, func(in, out string) []string {
		return encodeArgs(in, out, c.format, bitrateKbps, 0, 0)
	})
}

func (c *FFmpegCodec) Slice(ctx context.Context, blob Blob, start, length time.Duration, bitrateKbps int) (Blob, error) {
	if length <= 0 {
		return Blob{}, fmt.Errorf("slice length must be positive, got %s", length)
	}
	result, err := c.transcode(ctx, blob, func(in, out string) []string {
		return encodeArgs(in, out, c.format, bitrateKbps, start, length)
	})
	if err != nil {
		return Blob{}, err
	}
	result.Duration = length
	return result, nil
}

func (c *FFmpegCodec) transcode(ctx context.Context, blob Blob, build func(in, out string) []string) (Blob, error) {
	in, cleanup, err := c.stage(blob)
	if err != nil {
		return Blob{}, err
	}
	defer cleanup()

	outFile, err := os.CreateTemp(c.tmpDir, "loqa_transcribe_out_*."+c.format)
	if err != nil {
		return Blob{}, fmt.Errorf("temp file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := append(append([]string{}, c.ffmpeg[1:]...), build(in, outPath)...)
	if _, err := c.run(ctx, c.ffmpeg[0], args); err != nil {
		return Blob{}, err
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return Blob{}, fmt.Errorf("read ffmpeg output: %w", err)
	}
	return Blob{Data: data, Format: c.format}, nil
}

func (c *FFmpegCodec) stage(blob Blob) (string, func(), error) {
	suffix := ".bin"
	if blob.Format != "" {
		suffix = "." + blob.Format
	}
	f, err := os.CreateTemp(c.tmpDir, "loqa_transcribe_in_*"+suffix)
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(blob.Data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("stage audio: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("stage audio: %w", err)
	}
	return f.Name(), cleanup, nil
}

func (c *FFmpegCodec) run(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func probeArgs(in string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", in}
}

// encodeArgs builds an ffmpeg invocation. A zero length re-encodes the whole input.
func encodeArgs(in, out, format string, bitrateKbps int, start, length time.Duration) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if length > 0 {
		args = append(args, "-ss", formatSeconds(start), "-t", formatSeconds(length))
	}
	args = append(args, "-i", in, "-vn", "-b:a", strconv.Itoa(bitrateKbps)+"k", "-f", format, out)
	return args
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func parseProbeDuration(out []byte) (time.Duration, error) {
	value := strings.TrimSpace(string(out))
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("%w: ffprobe reported no duration", ErrUnreadable)
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse duration %q: %v", ErrUnreadable, value, err)
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Millisecond), nil
}
