// Package chatsend implements the outbound message pipeline of a
// consultation chat client: optimistic text delivery with retry and recall,
// and resumable chunked media uploads with instant local previews.
//
// Messages appear in the conversation the moment the user acts and settle
// into sent or failed as the server responds. One user action always yields
// exactly one message, whatever happens on the wire.
//
// Example:
//
//	cfg, err := config.Load("chatsend.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := chatsend.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessageUpdate(func(msg message.Message) {
//	    render(msg)
//	})
//
//	msg, err := client.SendText(conversationID, "Hello!", sender)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("queued", msg.LocalID)
package chatsend

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsend/api"
	"github.com/opd-ai/chatsend/config"
	"github.com/opd-ai/chatsend/limits"
	"github.com/opd-ai/chatsend/media"
	"github.com/opd-ai/chatsend/message"
	"github.com/opd-ai/chatsend/upload"
)

// Telemetry instruments both the message pipeline and the upload
// coordinator. *metrics.Recorder satisfies it.
type Telemetry interface {
	message.Metrics
	upload.Metrics
}

// Client is the assembled chat pipeline. All methods are safe for
// concurrent use. Message lookups accept either a local id or, once the
// server has persisted the message, its server id.
type Client struct {
	cfg         *config.Config
	api         *api.Client
	factory     *message.Factory
	controller  *message.Controller
	coordinator *upload.Coordinator
	assembler   *media.Assembler
	previews    *media.PreviewCache

	closeOnce sync.Once
}

// New assembles a client from the given configuration. The configuration
// must already validate; Load returns only valid configurations.
func New(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logrus.SetLevel(cfg.Level())

	apiClient := api.NewClient(cfg.BaseURL, cfg.Token)

	controller := message.NewController(apiClient)
	controller.SetRecaller(apiClient)
	controller.SetRecallWindow(cfg.RecallWindow)

	coordinator := upload.NewCoordinator(apiClient)
	if err := coordinator.SetChunkSize(cfg.ChunkSizeBytes); err != nil {
		controller.Close()
		return nil, err
	}
	if cfg.RateLimitBytesPerSecond > 0 {
		coordinator.SetRateLimit(cfg.RateLimitBytesPerSecond)
	}
	coordinator.UseDeterministicIDs(cfg.DeterministicUploadIDs)

	factory := message.NewFactory()
	assembler := media.NewAssembler(factory, controller, coordinator)
	previews := media.NewPreviewCache()
	assembler.SetPreviewCache(previews)

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"base_url":   cfg.BaseURL,
		"chunk_size": cfg.ChunkSizeBytes,
	}).Info("Chat client assembled")

	return &Client{
		cfg:         cfg,
		api:         apiClient,
		factory:     factory,
		controller:  controller,
		coordinator: coordinator,
		assembler:   assembler,
		previews:    previews,
	}, nil
}

// SetMetrics attaches telemetry to both pipelines.
func (c *Client) SetMetrics(m Telemetry) {
	c.controller.SetMetrics(m)
	c.coordinator.SetMetrics(m)
}

// OnMessageUpdate registers the callback invoked with an immutable snapshot
// after every message state change. The UI re-renders from these snapshots.
func (c *Client) OnMessageUpdate(cb func(message.Message)) {
	c.controller.OnUpdate(cb)
}

// SendText validates, displays, and queues a text message. The returned
// snapshot is the pending message as first rendered.
func (c *Client) SendText(conversationID, text string, sender message.Sender) (message.Message, error) {
	if err := limits.ValidateText(text); err != nil {
		return message.Message{}, err
	}

	msg := c.factory.NewText(conversationID, text, sender)
	if err := c.controller.Track(msg); err != nil {
		return message.Message{}, err
	}
	if err := c.controller.Send(msg.LocalID); err != nil {
		return message.Message{}, err
	}

	snapshot, _ := c.controller.Get(msg.LocalID)
	return snapshot, nil
}

// SendMedia displays a placeholder message and uploads the file behind it.
// The placeholder swaps to the server's file metadata when the upload
// completes, keeping its position and key in the conversation.
func (c *Client) SendMedia(ctx context.Context, req media.SendRequest) (message.Message, error) {
	return c.assembler.Send(ctx, req)
}

// RetryMessage re-sends a failed text message.
func (c *Client) RetryMessage(key string) error {
	return c.controller.Retry(c.localKey(key))
}

// DeleteMessage removes a failed message and frees any preview behind it.
func (c *Client) DeleteMessage(key string) error {
	localKey := c.localKey(key)
	if err := c.controller.Delete(localKey); err != nil {
		return err
	}
	c.assembler.ReleasePreview(localKey)
	return nil
}

// RecallMessage recalls a sent message while the recall window is open.
func (c *Client) RecallMessage(ctx context.Context, key string) error {
	return c.controller.Recall(ctx, c.localKey(key))
}

// CancelUpload aborts the upload behind a media message, leaving a
// checkpoint for ResumeUpload.
func (c *Client) CancelUpload(key string) error {
	return c.assembler.CancelUpload(c.localKey(key))
}

// ResumeUpload continues an interrupted media upload from its checkpoint.
func (c *Client) ResumeUpload(ctx context.Context, key string) error {
	return c.assembler.ResumeUpload(ctx, c.localKey(key))
}

// PausedUploads lists the checkpoints available for resume.
func (c *Client) PausedUploads() []*upload.PausedUpload {
	return c.coordinator.PausedUploads()
}

// Message returns a snapshot of one message by local or server id.
func (c *Client) Message(key string) (message.Message, bool) {
	return c.controller.Get(c.localKey(key))
}

// Messages returns snapshots of every tracked message in a conversation,
// ordered by creation.
func (c *Client) Messages(conversationID string) []message.Message {
	return c.controller.Messages(conversationID)
}

// PreviewURL returns the local preview shown for an uploading media
// message, if one is still live.
func (c *Client) PreviewURL(key string) (string, bool) {
	return c.previews.Get(c.localKey(key))
}

// Store exposes the id reconciliation mapping, for UIs that keep their own
// message indexes.
func (c *Client) Store() *message.ReconciliationStore {
	return c.controller.Store()
}

// Close tears the pipeline down: in-flight uploads are cancelled, pending
// sends are abandoned, previews are released, and further operations fail.
// Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.coordinator.Close()
		c.controller.Close()
		c.previews.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
		}).Info("Chat client closed")
	})
}

// localKey maps a server id back to the message's original local key.
// Local ids pass through unchanged.
func (c *Client) localKey(key string) string {
	if localID, ok := c.controller.Store().LocalID(key); ok {
		return localID
	}
	return key
}
