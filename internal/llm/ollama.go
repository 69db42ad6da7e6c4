package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// OllamaGenerator streams replies from an Ollama server's /api/chat.
type OllamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaGenerator talks to endpoint (e.g. http://localhost:11434). A nil
// client means http.DefaultClient.
func NewOllamaGenerator(endpoint, model string, client *http.Client) *OllamaGenerator {
	if model == "" {
		model = defaultOllamaModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaGenerator{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: client}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatLine struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.model,
		Messages: req.Messages,
		Stream:   true,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var reply strings.Builder
	var promptTokens, completionTokens int
	model := g.model
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg ollamaChatLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("ollama: %s", msg.Error)
		}
		if msg.Model != "" {
			model = msg.Model
		}
		if msg.EvalCount > 0 {
			completionTokens = msg.EvalCount
		}
		if msg.PromptEvalCount > 0 {
			promptTokens = msg.PromptEvalCount
		}
		reply.WriteString(msg.Message.Content)

		chunk := Chunk{
			SessionID:        req.SessionID,
			Content:          msg.Message.Content,
			Partial:          !msg.Done,
			Model:            model,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}
		if msg.Done {
			chunk.Content = reply.String()
		} else if chunk.Content == "" {
			continue
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("ollama stream ended before done")
}
