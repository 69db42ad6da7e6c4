package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus/bustest"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func TestHistoryKeepsMostRecentTurns(t *testing.T) {
	h := NewHistory(2)
	for i := 1; i <= 3; i++ {
		h.Record("s", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	msgs := h.Conversation("s", "be brief", "q4")
	require.Len(t, msgs, 6)
	assert.Equal(t, Message{Role: RoleSystem, Content: "be brief"}, msgs[0])
	assert.Equal(t, Message{Role: RoleUser, Content: "q2"}, msgs[1])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "a3"}, msgs[4])
	assert.Equal(t, Message{Role: RoleUser, Content: "q4"}, msgs[5])

	assert.Equal(t, 0, h.Len("other"))
	h.Reset("s")
	assert.Equal(t, 0, h.Len("s"))
}

func TestHistoryDisabled(t *testing.T) {
	h := NewHistory(0)
	h.Record("s", "q", "a")
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, h.Conversation("s", "", "hi"))
}

func TestOllamaGeneratorStreamsChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		for _, line := range []string{
			`{"model":"gemma3:4b","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"gemma3:4b","message":{"role":"assistant","content":"lo!"},"done":false}`,
			`{"model":"gemma3:4b","message":{"role":"assistant","content":""},"done":true,"eval_count":2,"prompt_eval_count":7}`,
		} {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "gemma3:4b", srv.Client())
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{
		SessionID: "s",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens: 32,
	}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "gemma3:4b", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 32, got.Options.NumPredict)
	require.Len(t, chunks, 3)
	assert.True(t, chunks[0].Partial)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.False(t, chunks[2].Partial)
	assert.Equal(t, "Hello!", chunks[2].Content)
	assert.Equal(t, 7, chunks[2].PromptTokens)
	assert.Equal(t, 2, chunks[2].CompletionTokens)
}

func TestOllamaGeneratorReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "", nil).Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	assert.ErrorContains(t, err, "model not found")
}

func TestNewGenerator(t *testing.T) {
	gen, err := NewGenerator(config.LLMConfig{Mode: "ollama", Endpoint: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaGenerator{}, gen)

	_, err = NewGenerator(config.LLMConfig{Mode: "exec", Command: `"unterminated`})
	assert.Error(t, err)
	_, err = NewGenerator(config.LLMConfig{Mode: "gpt"})
	assert.Error(t, err)
}

func TestServiceRepliesAndRemembers(t *testing.T) {
	client := bustest.Connect(t)
	finals := bustest.Collect[protocol.LLMResponse](t, client, protocol.SubjectLLMResponseFinal)

	cfg := config.LLMConfig{Enabled: true, HistoryTurns: 4, TimeoutMS: 2000}
	svc := NewService(context.Background(), cfg, client, MockGenerator{}, bustest.Logger())
	require.NoError(t, svc.Start())
	defer svc.Close()

	bustest.Publish(t, client, protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "conv", Prompt: " what is a ring buffer? "})
	got := bustest.Receive(t, finals, 2*time.Second)
	assert.Equal(t, "conv", got.SessionID)
	assert.Equal(t, "You said: what is a ring buffer?", got.Content)
	assert.False(t, got.Partial)

	require.Eventually(t, func() bool { return svc.History().Len("conv") == 2 }, time.Second, 10*time.Millisecond)
}
