package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match with errors.Is; the HTTP layer maps each
// to a status code.
var (
	// ErrValidation reports a missing or inconsistent field.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound reports an unknown conversation or handler.
	ErrNotFound = errors.New("not found")

	// ErrInvalidID reports a malformed conversation id. It wraps
	// ErrNotFound: a malformed id never names an existing conversation.
	ErrInvalidID = fmt.Errorf("%w: malformed conversation id", ErrNotFound)

	// ErrUnsupportedMedia reports a disallowed mime type or oversize file.
	ErrUnsupportedMedia = errors.New("unsupported media")

	// ErrStorageUpload reports an object storage failure. No message is
	// persisted when it is returned.
	ErrStorageUpload = errors.New("storage upload failed")

	// ErrBroadcast reports a failed event delivery. It is logged and
	// never returned from an ingestion or lifecycle operation.
	ErrBroadcast = errors.New("broadcast failed")

	// ErrOpenConversationExists is returned by CreateConversation when the
	// customer already has an open conversation.
	ErrOpenConversationExists = errors.New("customer already has an open conversation")

	// ErrConversationResolved is returned when a write requires an open
	// conversation. It wraps ErrValidation.
	ErrConversationResolved = fmt.Errorf("%w: conversation is resolved", ErrValidation)
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("chat: %w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("chat: %w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
