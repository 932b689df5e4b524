// Package limits provides centralized validation limits for outbound messages
// and media uploads. This ensures consistent pre-network validation across
// different components of the client.
package limits

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxTextMessage is the maximum length of an outbound text message in bytes.
	MaxTextMessage = 4096

	// DefaultChunkSize is the default upload chunk size (2 MiB). Files at or
	// below this size use the single-shot upload path.
	DefaultChunkSize = 2 * 1024 * 1024

	// MaxChunkSize is the maximum configurable chunk size (8 MiB). Larger
	// chunks make a resume checkpoint too coarse to be useful.
	MaxChunkSize = 8 * 1024 * 1024

	// MaxFileSize is the maximum accepted media file size (200 MiB).
	MaxFileSize = 200 * 1024 * 1024

	// MaxFileNameLength is the maximum accepted file name length in bytes.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255
)

var (
	// ErrMessageEmpty indicates an empty text message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a text message exceeds MaxTextMessage.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrFileEmpty indicates a zero-length file was provided for upload.
	ErrFileEmpty = errors.New("empty file")

	// ErrFileTooLarge indicates a file exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrFileNameTooLong indicates a file name exceeds MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrMediaTypeNotAllowed indicates a file's media type is not accepted
	// for upload.
	ErrMediaTypeNotAllowed = errors.New("media type not allowed")

	// ErrInvalidChunkSize indicates a chunk size outside (0, MaxChunkSize].
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// allowedMediaPrefixes lists the accepted media type families. Matching is by
// prefix so parameterized types ("image/png; ...") and subtypes pass.
var allowedMediaPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument",
	"text/plain",
}

// ValidateText validates an outbound text message against MaxTextMessage.
// Returns an error with context if the message is empty or exceeds the limit.
func ValidateText(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxTextMessage {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxTextMessage)
	}
	return nil
}

// ValidateFile validates a file's size and name before any network call.
// Returns an error with context identifying the violated limit.
func ValidateFile(name string, size int64) error {
	if size <= 0 {
		return ErrFileEmpty
	}
	if size > MaxFileSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, size, MaxFileSize)
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}

// ValidateMediaType validates a MIME type against the accepted media type
// families. An empty type is rejected.
func ValidateMediaType(mimeType string) error {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if mt == "" {
		return fmt.Errorf("%w: empty media type", ErrMediaTypeNotAllowed)
	}
	for _, prefix := range allowedMediaPrefixes {
		if strings.HasPrefix(mt, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMediaTypeNotAllowed, mimeType)
}

// ValidateChunkSize validates a configured chunk size against MaxChunkSize.
func ValidateChunkSize(chunkSize int64) error {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	return nil
}

// IsValidation reports whether err belongs to this package's validation
// taxonomy. Callers use this to distinguish pre-network rejections from
// transport and server failures.
func IsValidation(err error) bool {
	for _, sentinel := range []error{
		ErrMessageEmpty, ErrMessageTooLarge, ErrFileEmpty, ErrFileTooLarge,
		ErrFileNameTooLong, ErrMediaTypeNotAllowed, ErrInvalidChunkSize,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
