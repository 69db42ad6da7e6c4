package stt

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus/bustest"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

type recordingRecognizer struct {
	mu    sync.Mutex
	calls []int
	text  string
}

func (r *recordingRecognizer) Transcribe(_ context.Context, pcm []byte, _, _ int, final bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, len(pcm))
	if final {
		return Result{Text: r.text, Confidence: 0.9}, nil
	}
	return Result{Text: "partial"}, nil
}

func pcm(n int) []byte {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(i)))
	}
	return out
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	client := bustest.Connect(t)
	finals := bustest.Collect[protocol.Transcript](t, client, protocol.SubjectTranscriptFinal)

	rec := &recordingRecognizer{text: "hello avatar"}
	svc := NewService(context.Background(), config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 1}, client, rec, bustest.Logger())
	require.NoError(t, svc.Start())
	defer svc.Close()
	require.True(t, svc.Healthy())

	subject := protocol.SubjectAudioFramePrefix + ".mic"
	bustest.Publish(t, client, subject, protocol.AudioFrame{SessionID: "s1", Sequence: 0, PCM: pcm(160)})
	bustest.Publish(t, client, subject, protocol.AudioFrame{SessionID: "s1", Sequence: 1, PCM: pcm(160), Final: true})

	got := bustest.Receive(t, finals, 2*time.Second)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "hello avatar", got.Text)
	assert.False(t, got.Partial)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 1)
	assert.Equal(t, 640, rec.calls[0])
}

func TestServicePublishesInterimTranscripts(t *testing.T) {
	client := bustest.Connect(t)
	partials := bustest.Collect[protocol.Transcript](t, client, protocol.SubjectTranscriptPartial)

	cfg := config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 1, PublishInterim: true, PartialEveryMS: 1}
	svc := NewService(context.Background(), cfg, client, &recordingRecognizer{text: "done"}, bustest.Logger())
	require.NoError(t, svc.Start())
	defer svc.Close()

	bustest.Publish(t, client, protocol.SubjectAudioFramePrefix+".mic", protocol.AudioFrame{SessionID: "s2", PCM: pcm(80)})
	got := bustest.Receive(t, partials, 2*time.Second)
	assert.True(t, got.Partial)
	assert.Equal(t, "s2", got.SessionID)
}

func TestDisabledServiceIsHealthyWithoutSubscribing(t *testing.T) {
	svc := NewService(context.Background(), config.STTConfig{}, nil, MockRecognizer{}, bustest.Logger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}

func TestNewRecognizer(t *testing.T) {
	r, err := NewRecognizer(config.STTConfig{Mode: "mock"})
	require.NoError(t, err)
	res, err := r.Transcribe(context.Background(), pcm(16000), 16000, 1, true)
	require.NoError(t, err)
	assert.Equal(t, "[final transcript 1000ms]", res.Text)

	_, err = NewRecognizer(config.STTConfig{Mode: "cloud"})
	assert.Error(t, err)
	_, err = NewRecognizer(config.STTConfig{Mode: "exec"})
	assert.Error(t, err)
}

func TestExecRecognizerArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: `whisper-cli --threads 2 --prompt "hi there"`, ModelPath: "/m/base.bin", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--threads", "2", "--prompt", "hi there", "--model", "/m/base.bin", "--language", "en"}, r.Args(true))
	assert.Equal(t, "--partial", r.Args(false)[len(r.Args(false))-1])
}
