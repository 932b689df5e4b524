package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/opd-ai/chatsend/api"
	"github.com/opd-ai/chatsend/limits"
)

// checkpointQueryTimeout bounds the status re-query performed while
// capturing a pause checkpoint. It runs on a fresh context because the
// upload's own context may already be cancelled.
const checkpointQueryTimeout = 10 * time.Second

// Transport sends upload traffic over the wire. *api.Client satisfies it.
type Transport interface {
	UploadFile(ctx context.Context, r io.Reader, fileName, conversationID string) (*api.FileInfo, error)
	UploadChunk(ctx context.Context, chunk []byte, chunkIndex, totalChunks int, uploadID, conversationID string) error
	UploadStatus(ctx context.Context, uploadID string) (*api.StatusReport, error)
	CompleteUpload(ctx context.Context, uploadID, fileName, conversationID string) (*api.FileInfo, error)
}

// Metrics receives upload instrumentation. Implementations must be safe for
// concurrent use.
type Metrics interface {
	UploadStarted()
	UploadFinished(success bool)
	ChunkUploaded(bytes int)
}

// activeUpload pairs a running session with its context cancel function so
// Cancel aborts the in-flight transport call promptly.
type activeUpload struct {
	session *Session
	cancel  context.CancelFunc
}

// Coordinator drives resumable chunked uploads: it splits files, transmits
// chunks sequentially, persists pause checkpoints, resumes, cancels, and
// finalizes. One chunk is in flight at a time per upload.
type Coordinator struct {
	transport Transport

	mu               sync.Mutex
	chunkSize        int64
	limiter          *rate.Limiter
	metrics          Metrics
	deterministicIDs bool
	active           map[string]*activeUpload
	paused           map[string]*PausedUpload
}

// NewCoordinator creates an upload coordinator over the given transport.
func NewCoordinator(t Transport) *Coordinator {
	logrus.WithFields(logrus.Fields{
		"function":   "NewCoordinator",
		"chunk_size": limits.DefaultChunkSize,
	}).Info("Creating upload coordinator")

	return &Coordinator{
		transport: t,
		chunkSize: limits.DefaultChunkSize,
		active:    make(map[string]*activeUpload),
		paused:    make(map[string]*PausedUpload),
	}
}

// SetChunkSize overrides the chunk size for subsequent uploads.
func (c *Coordinator) SetChunkSize(chunkSize int64) error {
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkSize = chunkSize
	return nil
}

// SetRateLimit throttles outbound upload bandwidth to bytesPerSecond.
// A zero or negative value removes the limit.
func (c *Coordinator) SetRateLimit(bytesPerSecond int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytesPerSecond <= 0 {
		c.limiter = nil
		return
	}
	burst := bytesPerSecond
	if int64(burst) < c.chunkSize {
		// The limiter must admit a whole chunk in one reservation.
		burst = int(c.chunkSize)
	}
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// SetMetrics attaches a metrics recorder.
func (c *Coordinator) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// UseDeterministicIDs switches upload id generation from random UUIDs to a
// BLAKE2b digest of the file content and conversation id, so a reloaded
// client can rediscover an in-progress upload through UploadStatus.
func (c *Coordinator) UseDeterministicIDs(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deterministicIDs = enabled
}

// DeriveUploadID computes the deterministic upload id for a file and
// conversation: a BLAKE2b-256 digest truncated to 128 bits, hex encoded.
func DeriveUploadID(file File, conversationID string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(conversationID))
	if _, err := io.Copy(h, io.NewSectionReader(file.Reader, 0, file.Size)); err != nil {
		return "", fmt.Errorf("hashing file content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// NextUploadID issues the upload id a fresh attempt would use: a random
// UUID, or the deterministic derivation when enabled.
func (c *Coordinator) NextUploadID(file File, conversationID string) (string, error) {
	c.mu.Lock()
	deterministic := c.deterministicIDs
	c.mu.Unlock()

	if deterministic {
		return DeriveUploadID(file, conversationID)
	}
	return uuid.NewString(), nil
}

// Upload validates and transfers a file, returning the server-issued file
// metadata. Files at or below the chunk size use the single-shot path;
// larger files are chunked and resumable. onProgress may be nil.
func (c *Coordinator) Upload(ctx context.Context, file File, conversationID string, onProgress func(percent int)) (*api.FileInfo, error) {
	uploadID, err := c.NextUploadID(file, conversationID)
	if err != nil {
		return nil, err
	}
	return c.UploadWithID(ctx, uploadID, file, conversationID, onProgress)
}

// UploadWithID runs an upload under a caller-chosen id, so the caller can
// cancel or resume it later. Small files still take the single-shot path,
// which needs no id.
func (c *Coordinator) UploadWithID(ctx context.Context, uploadID string, file File, conversationID string, onProgress func(percent int)) (*api.FileInfo, error) {
	if err := c.validate(file); err != nil {
		return nil, err
	}

	c.mu.Lock()
	chunkSize := c.chunkSize
	metrics := c.metrics
	c.mu.Unlock()

	if metrics != nil {
		metrics.UploadStarted()
	}

	var info *api.FileInfo
	var err error
	if file.Size <= chunkSize {
		info, err = c.uploadSingleShot(ctx, file, conversationID, onProgress)
	} else {
		info, err = c.uploadChunked(ctx, file, uploadID, conversationID, 0, onProgress)
	}
	if metrics != nil {
		metrics.UploadFinished(err == nil)
	}
	return info, err
}

// Resume continues a paused upload from its server-confirmed checkpoint,
// reusing the original upload id. Resume is always user-initiated; the
// coordinator never retries chunks on its own.
func (c *Coordinator) Resume(ctx context.Context, uploadID string, onProgress func(percent int)) (*api.FileInfo, error) {
	c.mu.Lock()
	checkpoint, ok := c.paused[uploadID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUploadNotFound
	}
	delete(c.paused, uploadID)
	metrics := c.metrics
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Resume",
		"upload_id":       uploadID,
		"uploaded_chunks": checkpoint.UploadedChunks,
		"total_chunks":    checkpoint.TotalChunks,
	}).Info("Resuming paused upload")

	if metrics != nil {
		metrics.UploadStarted()
	}
	info, err := c.uploadChunked(ctx, checkpoint.File, uploadID, checkpoint.ConversationID, checkpoint.UploadedChunks, onProgress)
	if metrics != nil {
		metrics.UploadFinished(err == nil)
	}
	return info, err
}

// Cancel aborts an active upload. The upload's context is cancelled so the
// in-flight chunk request is interrupted rather than merely ignored; the
// resulting checkpoint still allows a later Resume.
func (c *Coordinator) Cancel(uploadID string) error {
	c.mu.Lock()
	au, ok := c.active[uploadID]
	c.mu.Unlock()
	if !ok {
		return ErrUploadNotFound
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Cancel",
		"upload_id": uploadID,
	}).Info("Cancelling upload")

	au.session.setState(StateCancelled, ErrUploadCancelled)
	au.cancel()
	return nil
}

// Close cancels every in-flight upload. The interrupted transfers settle as
// cancelled and leave their checkpoints behind, like individual Cancel
// calls. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	actives := make(map[string]*activeUpload, len(c.active))
	for id, au := range c.active {
		actives[id] = au
	}
	c.mu.Unlock()

	for id, au := range actives {
		logrus.WithFields(logrus.Fields{
			"function":  "Close",
			"upload_id": id,
		}).Info("Cancelling upload on coordinator shutdown")
		au.session.setState(StateCancelled, ErrUploadCancelled)
		au.cancel()
	}
}

// Paused returns the checkpoint for an interrupted upload, if one exists.
func (c *Coordinator) Paused(uploadID string) (*PausedUpload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkpoint, ok := c.paused[uploadID]
	return checkpoint, ok
}

// PausedUploads lists all checkpoints held for this page session.
func (c *Coordinator) PausedUploads() []*PausedUpload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PausedUpload, 0, len(c.paused))
	for _, checkpoint := range c.paused {
		out = append(out, checkpoint)
	}
	return out
}

// Discard drops the checkpoint for an abandoned upload.
func (c *Coordinator) Discard(uploadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paused, uploadID)
}

// activeIDs lists the ids of uploads currently in flight.
func (c *Coordinator) activeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	return out
}

// Session returns the live session for an active upload.
func (c *Coordinator) Session(uploadID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	au, ok := c.active[uploadID]
	if !ok {
		return nil, false
	}
	return au.session, true
}

// validate applies the pre-network checks; failures never reach the wire.
func (c *Coordinator) validate(file File) error {
	if file.Reader == nil {
		return limits.ErrFileEmpty
	}
	if err := limits.ValidateFile(file.Name, file.Size); err != nil {
		return err
	}
	return limits.ValidateMediaType(file.MimeType)
}

// uploadSingleShot transfers a small file in one request.
func (c *Coordinator) uploadSingleShot(ctx context.Context, file File, conversationID string, onProgress func(int)) (*api.FileInfo, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "uploadSingleShot",
		"file_name":       file.Name,
		"file_size":       file.Size,
		"conversation_id": conversationID,
	}).Info("Uploading file in a single request")

	r := io.NewSectionReader(file.Reader, 0, file.Size)
	info, err := c.transport.UploadFile(ctx, r, file.Name, conversationID)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return info, nil
}

// uploadChunked runs the sequential chunk loop, captures a checkpoint on
// abort, and finalizes on completion.
func (c *Coordinator) uploadChunked(ctx context.Context, file File, uploadID, conversationID string, knownConfirmed int, onProgress func(int)) (*api.FileInfo, error) {
	c.mu.Lock()
	chunkSize := c.chunkSize
	if _, exists := c.active[uploadID]; exists {
		c.mu.Unlock()
		return nil, ErrUploadActive
	}
	session := NewSession(uploadID, conversationID, file.Size, chunkSize)
	uploadCtx, cancel := context.WithCancel(ctx)
	c.active[uploadID] = &activeUpload{session: session, cancel: cancel}
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.active, uploadID)
		c.mu.Unlock()
	}()

	if onProgress != nil {
		session.OnProgress(onProgress)
	}

	startIndex := c.startIndex(uploadCtx, uploadID, knownConfirmed)
	session.start(startIndex)

	if err := c.runChunkLoop(uploadCtx, session, file, startIndex); err != nil {
		c.capturePause(session, file, err)
		return nil, err
	}

	info, err := c.transport.CompleteUpload(uploadCtx, uploadID, file.Name, conversationID)
	if err != nil {
		// All chunks are confirmed; assembly failure is terminal, not
		// something chunk retransmission can fix.
		session.setState(StateError, err)
		logrus.WithFields(logrus.Fields{
			"function":  "uploadChunked",
			"upload_id": uploadID,
			"error":     err.Error(),
		}).Error("Server-side assembly failed")
		return nil, err
	}

	session.setState(StateCompleted, nil)
	c.mu.Lock()
	delete(c.paused, uploadID)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "uploadChunked",
		"upload_id": uploadID,
		"file_url":  info.FileURL,
		"file_size": info.FileSize,
	}).Info("Upload completed")
	return info, nil
}

// startIndex asks the server where to begin. A fresh upload id reports
// not_found and starts at zero; a reused id (resume, or a deterministic id
// surviving a reload) starts at the server-confirmed count.
func (c *Coordinator) startIndex(ctx context.Context, uploadID string, knownConfirmed int) int {
	report, err := c.transport.UploadStatus(ctx, uploadID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "startIndex",
			"upload_id": uploadID,
			"fallback":  knownConfirmed,
			"error":     err.Error(),
		}).Warn("Status query failed, starting from last known checkpoint")
		return knownConfirmed
	}
	if report.Status == api.UploadStateNotFound {
		return 0
	}
	return report.UploadedChunks
}

// runChunkLoop transmits chunks in ascending index order, one in flight at
// a time. The first failure aborts the loop; there is no chunk-level retry.
func (c *Coordinator) runChunkLoop(ctx context.Context, session *Session, file File, startIndex int) error {
	c.mu.Lock()
	limiter := c.limiter
	metrics := c.metrics
	c.mu.Unlock()

	for i := startIndex; i < session.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return c.abortErr(session, err)
		}

		offset := int64(i) * session.ChunkSize
		end := offset + session.ChunkSize
		if end > file.Size {
			end = file.Size
		}
		chunk := make([]byte, end-offset)
		if n, err := file.Reader.ReadAt(chunk, offset); err != nil && !(errors.Is(err, io.EOF) && n == len(chunk)) {
			session.setState(StateError, err)
			return fmt.Errorf("reading chunk %d: %w", i, err)
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(chunk)); err != nil {
				return c.abortErr(session, err)
			}
		}

		if err := c.transport.UploadChunk(ctx, chunk, i, session.TotalChunks, session.UploadID, session.ConversationID); err != nil {
			return c.abortErr(session, err)
		}

		session.confirmChunk(i, len(chunk))
		if metrics != nil {
			metrics.ChunkUploaded(len(chunk))
		}
	}
	return nil
}

// abortErr classifies a loop abort as cancellation or transport failure.
func (c *Coordinator) abortErr(session *Session, err error) error {
	if session.State() == StateCancelled || errors.Is(err, context.Canceled) {
		session.setState(StateCancelled, ErrUploadCancelled)
		return ErrUploadCancelled
	}
	session.setState(StatePaused, err)
	return err
}

// capturePause stores a resume checkpoint after an abort. The server is
// re-queried for the authoritative confirmed count rather than trusting the
// local counter, since the two can diverge after a retried chunk. The query
// runs on a fresh context because the upload's context is already dead.
func (c *Coordinator) capturePause(session *Session, file File, cause error) {
	confirmed := session.UploadedChunks()

	ctx, cancel := context.WithTimeout(context.Background(), checkpointQueryTimeout)
	defer cancel()
	if report, err := c.transport.UploadStatus(ctx, session.UploadID); err == nil && report.Status != api.UploadStateNotFound {
		confirmed = report.UploadedChunks
	} else if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "capturePause",
			"upload_id": session.UploadID,
			"error":     err.Error(),
		}).Warn("Checkpoint status query failed, keeping local count")
	}

	checkpoint := &PausedUpload{
		File:           file,
		UploadID:       session.UploadID,
		ConversationID: session.ConversationID,
		UploadedChunks: confirmed,
		TotalChunks:    session.TotalChunks,
	}

	c.mu.Lock()
	c.paused[session.UploadID] = checkpoint
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "capturePause",
		"upload_id":       session.UploadID,
		"uploaded_chunks": confirmed,
		"total_chunks":    session.TotalChunks,
		"cause":           cause.Error(),
	}).Info("Pause checkpoint captured")
}
