package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// ExecRecognizer runs an external transcriber once per call. The audio is
// handed over as a WAV file via --audio and the command answers with
// {"text": ..., "confidence": ...} on stdout.
type ExecRecognizer struct {
	argv []string
	cfg  config.STTConfig
	mu   sync.Mutex
}

type execReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (*ExecRecognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &ExecRecognizer{argv: argv, cfg: cfg}, nil
}

// Args returns the command line for a call, minus the audio file.
func (r *ExecRecognizer) Args(final bool) []string {
	args := append([]string(nil), r.argv[1:]...)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, final bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WritePCM16WAV(file, pcm, sampleRate, channels); err != nil {
		return Result{}, err
	}

	args := append(r.Args(final), "--audio", file.Name())
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var reply execReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{Text: reply.Text, Confidence: reply.Confidence}, nil
}
