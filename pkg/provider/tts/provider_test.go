package tts

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("engine: %w", &Error{Code: CodeVoiceUnavailable})
	if got := ErrorCode(wrapped); got != CodeVoiceUnavailable {
		t.Errorf("ErrorCode(wrapped) = %q", got)
	}
	if got := ErrorCode(errors.New("plain")); got != CodeSynthesisFailed {
		t.Errorf("ErrorCode(plain) = %q", got)
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	if got := (&Error{Code: CodeNetwork}).Error(); got != "tts: network" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&Error{Code: CodeNetwork, Message: "dial"}).Error(); got != "tts: network: dial" {
		t.Errorf("Error() = %q", got)
	}
	cause := errors.New("boom")
	if !errors.Is(&Error{Code: CodeNetwork, Err: cause}, cause) {
		t.Error("Error does not unwrap to its cause")
	}
}

func TestCodeForStatus(t *testing.T) {
	t.Parallel()

	tests := map[int]string{
		http.StatusBadRequest:            CodeInvalidArgument,
		http.StatusNotFound:              CodeVoiceUnavailable,
		http.StatusRequestEntityTooLarge: CodeTextTooLong,
		http.StatusUnauthorized:          CodeNotAllowed,
		http.StatusTooManyRequests:       CodeSynthesisUnavailable,
		http.StatusInternalServerError:   CodeSynthesisFailed,
	}
	for status, want := range tests {
		if got := CodeForStatus(status); got != want {
			t.Errorf("CodeForStatus(%d) = %q, want %q", status, got, want)
		}
	}
}
