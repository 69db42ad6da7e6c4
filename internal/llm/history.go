package llm

import "sync"

// History keeps the most recent turns of each conversation. A turn is one
// user message and the reply to it.
type History struct {
	mu    sync.Mutex
	turns int
	byID  map[string][]Message
}

// NewHistory keeps up to turns exchanges per session. Zero disables memory.
func NewHistory(turns int) *History {
	return &History{turns: turns, byID: make(map[string][]Message)}
}

// Conversation returns system (when set), the remembered turns and prompt as
// a user message.
func (h *History) Conversation(sessionID, system, prompt string) []Message {
	h.mu.Lock()
	past := h.byID[sessionID]
	msgs := make([]Message, 0, len(past)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, past...)
	h.mu.Unlock()
	return append(msgs, Message{Role: RoleUser, Content: prompt})
}

// Record appends an exchange, dropping the oldest turns past the limit.
func (h *History) Record(sessionID, prompt, reply string) {
	if h.turns <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.byID[sessionID],
		Message{Role: RoleUser, Content: prompt},
		Message{Role: RoleAssistant, Content: reply})
	if over := len(msgs) - 2*h.turns; over > 0 {
		msgs = append([]Message(nil), msgs[over:]...)
	}
	h.byID[sessionID] = msgs
}

// Reset forgets a session.
func (h *History) Reset(sessionID string) {
	h.mu.Lock()
	delete(h.byID, sessionID)
	h.mu.Unlock()
}

// Len reports the number of remembered messages for a session.
func (h *History) Len(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byID[sessionID])
}
