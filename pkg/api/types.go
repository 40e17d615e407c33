package api

import (
	"encoding/json"
	"fmt"
)

// ConversationType selects the backend prompt/flow for a conversation.
type ConversationType string

const (
	ConversationOnboarding ConversationType = "onboarding"
	ConversationAddChild   ConversationType = "add_child"
	ConversationChat       ConversationType = "chat"
	ConversationBirth      ConversationType = "birth"
)

// Error is a failed API call: a non-2xx status or success=false envelope.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("api: %s", e.Message)
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// StartResult is the payload of POST ai/conversation/start/.
type StartResult struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	AudioURL       string `json:"audio_url"`
}

// MessagePayload is one stored message as the backend returns it.
type MessagePayload struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	AudioURL    string `json:"audio_url"`
	Transcribed bool   `json:"transcribed"`
}

// SendResult is the payload of POST ai/conversation/message/.
type SendResult struct {
	UserMessage      MessagePayload `json:"user_message"`
	AssistantMessage MessagePayload `json:"assistant_message"`
	IsComplete       bool           `json:"is_complete"`
	ParsedData       map[string]any `json:"parsed_data"`
}

// Child is the record created from a conversation's parsed data.
type Child struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
