package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrTranscription marks a failed transcription; the turn is dropped.
	ErrTranscription = errors.New("transcription failed")
	// ErrSynthesis marks a failed synthesis; only that utterance is skipped.
	ErrSynthesis = errors.New("synthesis failed")
)

// ConversationError reports a failure of the conversational back end.
type ConversationError struct {
	Status int
	Reason string
	Err    error
}

func (e *ConversationError) Error() string {
	msg := "conversation failed"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Reason == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversationError) Unwrap() error {
	return e.Err
}

// IsConversationError reports whether err carries a ConversationError.
func IsConversationError(err error) bool {
	var ce *ConversationError
	return errors.As(err, &ce)
}

// AsConversationError wraps err unless it already is a ConversationError.
func AsConversationError(err error) error {
	if err == nil || IsConversationError(err) {
		return err
	}
	return &ConversationError{Reason: err.Error(), Err: err}
}

func transcriptionFailure(err error) error {
	if errors.Is(err, ErrTranscription) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTranscription, err)
}

func synthesisFailure(err error) error {
	if errors.Is(err, ErrSynthesis) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSynthesis, err)
}
