package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the closed set of content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one typed segment of a message. The Type field selects
// which of the remaining fields are meaningful; storage backends serialize
// the struct as-is and never interpret it.
type ContentBlock struct {
	Type BlockType `json:"type" bson:"type"`

	// BlockText and BlockThinking
	Text string `json:"text,omitempty" bson:"text,omitempty"`

	// BlockToolUse
	ToolName  string `json:"tool_name,omitempty" bson:"toolName,omitempty"`
	ToolInput string `json:"tool_input,omitempty" bson:"toolInput,omitempty"` // serialized argument payload (JSON)

	// BlockToolUse and BlockToolResult (correlates a result to its call)
	ToolUseID string `json:"tool_use_id,omitempty" bson:"toolUseId,omitempty"`

	// BlockToolResult
	ToolOutput string `json:"tool_output,omitempty" bson:"toolOutput,omitempty"`
	IsError    bool   `json:"is_error,omitempty" bson:"isError,omitempty"`
}

// Validate rejects blocks outside the closed variant set.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockText, BlockToolUse, BlockToolResult, BlockThinking:
		return nil
	default:
		return fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// Message is one turn's contribution to a session's conversation history.
type Message struct {
	ID        string         `json:"id" bson:"id"`
	Role      Role           `json:"role" bson:"role"`
	Content   []ContentBlock `json:"content" bson:"content"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
}

// NewTextMessage builds a single-block text message stamped with now.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the role and every content block.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	for i, b := range m.Content {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("content block %d: %w", i, err)
		}
	}
	return nil
}

// Text concatenates the text of all plain text blocks. Tool and thinking
// blocks are skipped.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]ContentBlock, len(m.Content))
	copy(out.Content, m.Content)
	return out
}
