package llm

import (
	"errors"
	"fmt"
)

// ErrUnknownRole is returned when a message carries a role outside the closed
// set of chat roles.
var ErrUnknownRole = errors.New("llm: unknown message role")

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is one of the supported roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ParseRole converts s to a Role, rejecting anything outside the closed set.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Message is a single entry of a chat conversation.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation. Must be non-empty.
	Messages []Message

	// SystemPrompt is an optional instruction sent before Messages.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// TopP is the nucleus sampling cutoff. Zero means provider default.
	TopP float64

	// MaxTokens caps the number of generated tokens. Zero means provider default.
	MaxTokens int
}

// Validate checks that req can be sent to a provider.
func (req CompletionRequest) Validate() error {
	if len(req.Messages) == 0 {
		return errors.New("llm: request has no messages")
	}
	var errs []error
	for i, m := range req.Messages {
		if !m.Role.IsValid() {
			errs = append(errs, fmt.Errorf("messages[%d]: %w: %q", i, ErrUnknownRole, m.Role))
		}
	}
	if req.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm: max tokens %d must not be negative", req.MaxTokens))
	}
	return errors.Join(errs...)
}
