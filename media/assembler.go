// Package media assembles outbound media messages: an immediately visible
// placeholder, the upload, and the swap to server-issued metadata.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsend/message"
	"github.com/opd-ai/chatsend/upload"
)

// PlaceholderName is the display name a media message carries while its
// upload is still in flight.
const PlaceholderName = "uploading"

// ErrNoUpload indicates the referenced message has no upload attached.
var ErrNoUpload = errors.New("no upload for message")

// SendRequest describes one media send.
type SendRequest struct {
	File           upload.File
	Caption        string
	ConversationID string
	Sender         message.Sender

	// PreviewURL is the local preview shown in the placeholder until the
	// server URL replaces it. PreviewRelease, when set, frees the preview
	// resource; the assembler guarantees it runs at most once.
	PreviewURL     string
	PreviewRelease func()

	// OnProgress receives 0-100 percentages during the transfer. May be nil.
	OnProgress func(percent int)
}

// pendingUpload links a tracked message to its upload attempt.
type pendingUpload struct {
	uploadID    string
	req         SendRequest
	releaseOnce sync.Once
}

func (p *pendingUpload) releasePreview() {
	p.releaseOnce.Do(func() {
		if p.req.PreviewRelease != nil {
			p.req.PreviewRelease()
		}
	})
}

// Assembler builds a placeholder media message for instant display, drives
// the upload, and swaps in the final server metadata on the same message.
// One user action yields exactly one message, whatever fails along the way.
type Assembler struct {
	factory     *message.Factory
	controller  *message.Controller
	coordinator *upload.Coordinator
	previews    *PreviewCache

	mu      sync.Mutex
	uploads map[string]*pendingUpload // keyed by message local id
}

// NewAssembler creates a media assembler over the given pipeline parts.
func NewAssembler(factory *message.Factory, controller *message.Controller, coordinator *upload.Coordinator) *Assembler {
	return &Assembler{
		factory:     factory,
		controller:  controller,
		coordinator: coordinator,
		uploads:     make(map[string]*pendingUpload),
	}
}

// SetPreviewCache attaches a preview cache. When set, the assembler records
// each placeholder's preview URL under the message's local id and drops the
// entry once the preview is released.
func (a *Assembler) SetPreviewCache(cache *PreviewCache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.previews = cache
}

// Send tracks a placeholder message for immediate rendering and starts the
// upload asynchronously. The returned snapshot is the placeholder; all later
// state flows through the controller's update callback.
func (a *Assembler) Send(ctx context.Context, req SendRequest) (message.Message, error) {
	placeholder := a.factory.NewMedia(req.ConversationID, req.Caption, message.MediaInfo{
		URL:       req.PreviewURL,
		Name:      PlaceholderName,
		MimeType:  req.File.MimeType,
		SizeBytes: 0,
	}, req.Sender)

	if err := a.controller.Track(placeholder); err != nil {
		return message.Message{}, err
	}
	localKey := placeholder.LocalID

	uploadID, err := a.coordinator.NextUploadID(req.File, req.ConversationID)
	if err != nil {
		a.controller.MarkFailed(localKey, err)
		return message.Message{}, err
	}

	entry := &pendingUpload{uploadID: uploadID, req: req}
	a.mu.Lock()
	a.uploads[localKey] = entry
	previews := a.previews
	a.mu.Unlock()

	if previews != nil && req.PreviewURL != "" {
		previews.Put(localKey, req.PreviewURL, nil)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Send",
		"local_id":        localKey,
		"upload_id":       uploadID,
		"conversation_id": req.ConversationID,
		"file_name":       req.File.Name,
		"file_size":       req.File.Size,
	}).Info("Media send started")

	go a.run(ctx, localKey, entry)

	snapshot, _ := a.controller.Get(localKey)
	return snapshot, nil
}

// run performs upload, swap, and save. Every failure ends as a state
// transition on the placeholder message; nothing escapes the goroutine.
func (a *Assembler) run(ctx context.Context, localKey string, entry *pendingUpload) {
	info, err := a.coordinator.UploadWithID(ctx, entry.uploadID, entry.req.File, entry.req.ConversationID, entry.req.OnProgress)
	if err != nil {
		a.failUpload(localKey, entry, err)
		return
	}

	if err := a.controller.AdoptMediaInfo(localKey, message.MediaInfo{
		URL:       info.FileURL,
		Name:      info.FileName,
		MimeType:  info.MimeType,
		SizeBytes: info.FileSize,
	}); err != nil {
		// The message was deleted while uploading; nothing left to save.
		a.releasePreview(localKey, entry)
		a.forget(localKey)
		return
	}
	a.releasePreview(localKey, entry)

	if err := a.controller.Send(localKey); err != nil {
		a.controller.MarkFailed(localKey, err)
	}
	a.forget(localKey)
}

// releasePreview frees the caller's preview resource and drops the cache
// entry. Both halves are idempotent.
func (a *Assembler) releasePreview(localKey string, entry *pendingUpload) {
	entry.releasePreview()
	a.mu.Lock()
	previews := a.previews
	a.mu.Unlock()
	if previews != nil {
		previews.Release(localKey)
	}
}

// failUpload marks the message failed and releases the preview unless the
// upload is resumable (a checkpoint exists), in which case the preview must
// survive for the retry rendering.
func (a *Assembler) failUpload(localKey string, entry *pendingUpload, cause error) {
	a.controller.MarkFailed(localKey, cause)

	if _, resumable := a.coordinator.Paused(entry.uploadID); resumable {
		logrus.WithFields(logrus.Fields{
			"function":  "failUpload",
			"local_id":  localKey,
			"upload_id": entry.uploadID,
		}).Info("Upload interrupted, checkpoint retained for resume")
		return
	}

	a.releasePreview(localKey, entry)
	a.forget(localKey)
}

// CancelUpload aborts the in-flight upload behind a media message. The
// message transitions to failed once the interrupted transfer settles; the
// checkpoint remains for ResumeUpload.
func (a *Assembler) CancelUpload(localKey string) error {
	a.mu.Lock()
	entry, ok := a.uploads[localKey]
	a.mu.Unlock()
	if !ok {
		return ErrNoUpload
	}
	return a.coordinator.Cancel(entry.uploadID)
}

// ResumeUpload continues an interrupted upload from its checkpoint, then
// finishes the swap-and-save sequence on the same message.
func (a *Assembler) ResumeUpload(ctx context.Context, localKey string) error {
	a.mu.Lock()
	entry, ok := a.uploads[localKey]
	a.mu.Unlock()
	if !ok {
		return ErrNoUpload
	}
	if _, resumable := a.coordinator.Paused(entry.uploadID); !resumable {
		return upload.ErrUploadNotFound
	}

	if err := a.controller.Reset(localKey); err != nil {
		return err
	}

	go func() {
		info, err := a.coordinator.Resume(ctx, entry.uploadID, entry.req.OnProgress)
		if err != nil {
			a.failUpload(localKey, entry, err)
			return
		}
		if err := a.controller.AdoptMediaInfo(localKey, message.MediaInfo{
			URL:       info.FileURL,
			Name:      info.FileName,
			MimeType:  info.MimeType,
			SizeBytes: info.FileSize,
		}); err != nil {
			a.releasePreview(localKey, entry)
			a.forget(localKey)
			return
		}
		a.releasePreview(localKey, entry)
		if err := a.controller.Send(localKey); err != nil {
			a.controller.MarkFailed(localKey, err)
		}
		a.forget(localKey)
	}()
	return nil
}

// ReleasePreview frees the preview behind a message, for callers that
// delete a failed media message without resuming its upload.
func (a *Assembler) ReleasePreview(localKey string) {
	a.mu.Lock()
	entry, ok := a.uploads[localKey]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.releasePreview(localKey, entry)
	a.coordinator.Discard(entry.uploadID)
	a.forget(localKey)
}

func (a *Assembler) forget(localKey string) {
	a.mu.Lock()
	delete(a.uploads, localKey)
	a.mu.Unlock()
}
