package upload

import (
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUploadCancelled indicates the upload was cancelled by the user.
var ErrUploadCancelled = errors.New("upload cancelled")

// ErrUploadNotFound indicates no active or paused upload matches the id.
var ErrUploadNotFound = errors.New("upload not found")

// ErrUploadActive indicates an upload with the same id is already running.
var ErrUploadActive = errors.New("upload already active")

// State represents the client-side state of an upload session.
type State uint8

const (
	// StatePending indicates the session is created but no chunk has been sent.
	StatePending State = iota
	// StateRunning indicates chunks are being transmitted.
	StateRunning
	// StatePaused indicates the session was interrupted and holds a resume checkpoint.
	StatePaused
	// StateCompleted indicates the server assembled the file.
	StateCompleted
	// StateCancelled indicates the upload was cancelled by the user.
	StateCancelled
	// StateError indicates the upload failed terminally.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// File describes the media to upload. Reader must support random access so
// an interrupted upload can resume from an arbitrary chunk boundary without
// retransmitting confirmed bytes.
type File struct {
	Reader   io.ReaderAt
	Size     int64
	Name     string
	MimeType string
}

// Session tracks one chunked-upload attempt. It is created at upload start
// and discarded on completion, cancellation, or abandonment; an abandoned
// session leaves behind a PausedUpload checkpoint.
type Session struct {
	UploadID       string
	ConversationID string
	ChunkSize      int64
	TotalChunks    int

	mu             sync.Mutex
	state          State
	uploadedChunks int
	lastProgress   int
	err            error

	progressCallback func(percent int)

	timeProvider  TimeProvider
	lastChunkTime time.Time
	transferSpeed float64 // bytes per second, exponential moving average
}

// NewSession creates a session for a file of the given size. TotalChunks is
// ceil(size / chunkSize).
func NewSession(uploadID, conversationID string, size, chunkSize int64) *Session {
	totalChunks := int((size + chunkSize - 1) / chunkSize)

	logrus.WithFields(logrus.Fields{
		"function":        "NewSession",
		"upload_id":       uploadID,
		"conversation_id": conversationID,
		"file_size":       size,
		"chunk_size":      chunkSize,
		"total_chunks":    totalChunks,
	}).Info("Creating upload session")

	tp := DefaultTimeProvider{}
	return &Session{
		UploadID:       uploadID,
		ConversationID: conversationID,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		state:          StatePending,
		timeProvider:   tp,
		lastChunkTime:  tp.Now(),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Session) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
	s.lastChunkTime = tp.Now()
}

// OnProgress sets the callback invoked with a 0-100 percentage after each
// confirmed chunk. The percentage never decreases during a single attempt.
func (s *Session) OnProgress(callback func(percent int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCallback = callback
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error recorded for a session in StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UploadedChunks returns the number of chunks confirmed so far in this
// attempt. After an abort, the server's status report supersedes this value.
func (s *Session) UploadedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedChunks
}

// Progress returns the last reported progress percentage.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProgress
}

// Speed returns the current transfer speed in bytes per second.
func (s *Session) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferSpeed
}

// setState transitions the session and records a terminal error if any.
func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
}

// start marks the session running, setting the resume point reported by the
// server.
func (s *Session) start(confirmed int) {
	s.mu.Lock()
	s.state = StateRunning
	s.uploadedChunks = confirmed
	s.lastChunkTime = s.timeProvider.Now()
	s.mu.Unlock()
}

// confirmChunk records a server-acknowledged chunk and reports progress.
func (s *Session) confirmChunk(index int, chunkBytes int) {
	s.mu.Lock()
	s.uploadedChunks = index + 1
	s.updateTransferSpeedLocked(chunkBytes)

	percent := int(math.Round(float64(index+1) / float64(s.TotalChunks) * 100))
	if percent < s.lastProgress {
		// Progress is monotonic within an attempt.
		percent = s.lastProgress
	}
	s.lastProgress = percent
	callback := s.progressCallback
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "confirmChunk",
		"upload_id":    s.UploadID,
		"chunk_index":  index,
		"total_chunks": s.TotalChunks,
		"percent":      percent,
	}).Debug("Chunk confirmed")

	if callback != nil {
		callback(percent)
	}
}

// updateTransferSpeedLocked maintains an exponential moving average of the
// transfer speed (alpha = 0.3).
func (s *Session) updateTransferSpeedLocked(chunkBytes int) {
	now := s.timeProvider.Now()
	duration := s.timeProvider.Since(s.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkBytes) / duration
		if s.transferSpeed == 0 {
			s.transferSpeed = instantSpeed
		} else {
			s.transferSpeed = 0.7*s.transferSpeed + 0.3*instantSpeed
		}
	}

	s.lastChunkTime = now
}

// EstimatedTimeRemaining returns the projected remaining duration based on
// the current speed, or zero when not running or speed is unknown.
func (s *Session) EstimatedTimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning || s.transferSpeed <= 0 {
		return 0
	}

	remainingChunks := s.TotalChunks - s.uploadedChunks
	bytesRemaining := float64(remainingChunks) * float64(s.ChunkSize)
	return time.Duration(bytesRemaining / s.transferSpeed * float64(time.Second))
}

// PausedUpload is the checkpoint retained when an upload aborts mid-flight.
// UploadedChunks is the server-confirmed count, so a resume retransmits
// nothing the server already holds.
type PausedUpload struct {
	File           File
	UploadID       string
	ConversationID string
	UploadedChunks int
	TotalChunks    int
}
