package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsend/limits"
)

// DefaultRecallWindow is how long a sent message stays recallable.
const DefaultRecallWindow = 60 * time.Second

// sendQueueCapacity bounds each per-conversation outbound queue. A full
// queue fails the send immediately instead of blocking the caller.
const sendQueueCapacity = 64

var (
	// ErrMessageNotFound indicates the referenced message is not tracked.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotRetryable indicates Retry was called on a message without CanRetry.
	ErrNotRetryable = errors.New("message is not retryable")

	// ErrNotDeletable indicates Delete was called on a message without CanDelete.
	ErrNotDeletable = errors.New("message is not deletable")

	// ErrNotRecallable indicates Recall was called outside the recall window.
	ErrNotRecallable = errors.New("message is not recallable")

	// ErrControllerClosed indicates an operation on a closed controller.
	ErrControllerClosed = errors.New("controller is closed")

	// ErrSendQueueFull indicates the conversation's outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
)

// SaveResult is the server's answer to a successful message save.
type SaveResult struct {
	ID        string
	Timestamp time.Time
}

// Saver persists a fully-formed message. The endpoint deduplicates by the
// message's local identifier, so retrying a send is safe.
type Saver interface {
	SaveMessage(ctx context.Context, msg *Message) (SaveResult, error)
}

// Recaller withdraws a previously sent message server-side.
type Recaller interface {
	RecallMessage(ctx context.Context, serverID string) error
}

// UpdateCallback receives a copy of a message after every state transition,
// and a second time when its recall window closes. Callbacks run on the
// controller's goroutines; long work should be offloaded.
type UpdateCallback func(msg Message)

// Metrics receives delivery outcome counts. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageSent()
	MessageFailed()
}

// Controller owns the pending/sent/failed lifecycle of outbound messages.
//
// Saves for a single conversation flow through a per-conversation FIFO queue
// so rapid-fire sends persist in submission order. Every asynchronous failure
// ends in a state transition on the owning message; no error escapes a send
// goroutine.
type Controller struct {
	saver        Saver
	recaller     Recaller
	store        *ReconciliationStore
	timeProvider TimeProvider
	recallWindow time.Duration
	metrics      Metrics

	mu       sync.Mutex
	messages map[string]*Message // keyed by original local identifier
	order    []string
	updateCb UpdateCallback
	timers   map[string]*time.Timer // armed recall-expiry timers by local key

	qmu    sync.Mutex
	queues map[string]chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewController creates a lifecycle controller backed by the given saver.
func NewController(saver Saver) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		saver:        saver,
		store:        NewReconciliationStore(),
		timeProvider: DefaultTimeProvider{},
		recallWindow: DefaultRecallWindow,
		messages:     make(map[string]*Message),
		timers:       make(map[string]*time.Timer),
		queues:       make(map[string]chan string),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetRecaller sets the collaborator used by Recall.
func (c *Controller) SetRecaller(r Recaller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recaller = r
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (c *Controller) SetTimeProvider(tp TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeProvider = tp
}

// SetRecallWindow overrides the recall window duration.
func (c *Controller) SetRecallWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recallWindow = d
}

// SetMetrics attaches a metrics recorder.
func (c *Controller) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// OnUpdate registers the callback notified after each state transition.
func (c *Controller) OnUpdate(cb UpdateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCb = cb
}

// Store returns the reconciliation store that keeps UI list keys stable.
func (c *Controller) Store() *ReconciliationStore {
	return c.store
}

// Track registers a freshly created pending message for local display and
// immediately notifies the update callback so the UI can render it before
// any network round-trip.
func (c *Controller) Track(msg *Message) error {
	if msg == nil || msg.LocalID == "" {
		return errors.New("message has no local identifier")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if _, exists := c.messages[msg.LocalID]; exists {
		c.mu.Unlock()
		return errors.New("message already tracked")
	}
	c.messages[msg.LocalID] = msg
	c.order = append(c.order, msg.LocalID)
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Track",
		"local_id":        msg.LocalID,
		"conversation_id": msg.ConversationID,
		"type":            msg.Type,
	}).Info("Tracking pending message")

	if cb != nil {
		cb(snapshot)
	}
	return nil
}

// Send enqueues persistence of a tracked pending message on its
// conversation's FIFO queue and returns without waiting for the result.
func (c *Controller) Send(localKey string) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	conversationID := msg.ConversationID
	c.mu.Unlock()

	return c.enqueue(conversationID, localKey)
}

// Retry re-attempts persistence of a failed message. Valid only while
// CanRetry is set; it clears the error, re-enters pending, and re-enqueues.
func (c *Controller) Retry(localKey string) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if !msg.CanRetry {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	msg.Status = StatusPending
	msg.Error = ""
	msg.ErrorKind = ErrorKindNone
	msg.CanRetry = false
	msg.CanDelete = false
	conversationID := msg.ConversationID
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Retry",
		"local_id":        localKey,
		"conversation_id": conversationID,
	}).Info("Retrying failed message")

	if cb != nil {
		cb(snapshot)
	}
	return c.enqueue(conversationID, localKey)
}

// Delete removes a message from the local view. Valid only while CanDelete
// is set. Irreversible locally.
func (c *Controller) Delete(localKey string) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if !msg.CanDelete {
		c.mu.Unlock()
		return ErrNotDeletable
	}
	c.removeLocked(localKey)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Delete",
		"local_id": localKey,
	}).Info("Message deleted from local view")
	return nil
}

// Recall withdraws a sent message. Valid only while the recall window is
// open. The server-side recall is the collaborator's responsibility; locally
// the message is removed from view. Irreversible.
func (c *Controller) Recall(ctx context.Context, localKey string) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if !c.recallableLocked(msg) {
		c.mu.Unlock()
		return ErrNotRecallable
	}
	recaller := c.recaller
	serverID := msg.ID
	c.mu.Unlock()

	if recaller != nil {
		if err := recaller.RecallMessage(ctx, serverID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Recall",
				"local_id":  localKey,
				"server_id": serverID,
				"error":     err.Error(),
			}).Warn("Server recall failed")
			return err
		}
	}

	c.mu.Lock()
	c.removeLocked(localKey)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Recall",
		"local_id":  localKey,
		"server_id": serverID,
	}).Info("Message recalled")
	return nil
}

// MarkSent transitions a pending message to sent: the server identifier is
// adopted, the local identifier cleared (the reconciliation store keeps the
// mapping), and the recall window opens.
func (c *Controller) MarkSent(localKey string, res SaveResult) {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return
	}
	if res.ID != "" {
		c.store.Adopt(localKey, res.ID)
		msg.ID = res.ID
	}
	msg.LocalID = ""
	msg.Status = StatusSent
	msg.Error = ""
	msg.CanRetry = false
	msg.CanDelete = false
	msg.CanRecall = true
	msg.sentAt = c.timeProvider.Now()
	if !res.Timestamp.IsZero() {
		msg.Timestamp = res.Timestamp
	}
	serverID := msg.ID
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	c.scheduleRecallExpiryLocked(localKey)
	metrics := c.metrics
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "MarkSent",
		"local_id":  localKey,
		"server_id": serverID,
	}).Info("Message sent")

	if metrics != nil {
		metrics.MessageSent()
	}
	if cb != nil {
		cb(snapshot)
	}
}

// MarkFailed transitions a pending message to failed, carrying the failure
// class onto the snapshot. Retryability follows the message's kind, except
// for authentication failures: retrying with a rejected credential can never
// succeed, so those always report CanRetry false.
func (c *Controller) MarkFailed(localKey string, cause error) {
	kind := classifyFailure(cause)

	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return
	}
	msg.Status = StatusFailed
	msg.Error = cause.Error()
	msg.ErrorKind = kind
	msg.CanRetry = msg.retryable && kind != ErrorKindAuth
	msg.CanDelete = true
	msg.CanRecall = false
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	metrics := c.metrics
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "MarkFailed",
		"local_id":   localKey,
		"error":      cause.Error(),
		"error_kind": kind,
	}).Warn("Message failed")

	if metrics != nil {
		metrics.MessageFailed()
	}
	if cb != nil {
		cb(snapshot)
	}
}

// classifyFailure maps an error to its ErrorKind. API errors self-report
// through their Kind method; limits sentinels classify as validation.
// Anything unrecognized is treated as transient so user retry stays open.
func classifyFailure(err error) ErrorKind {
	if limits.IsValidation(err) {
		return ErrorKindValidation
	}
	var kinder interface{ Kind() string }
	if errors.As(err, &kinder) {
		switch kinder.Kind() {
		case "auth":
			return ErrorKindAuth
		case "server":
			return ErrorKindServer
		case "transport":
			return ErrorKindTransport
		}
	}
	return ErrorKindTransport
}

// AdoptMediaInfo replaces a media message's placeholder content with the
// server-issued file metadata, keeping the same local identifier. From this
// point the message is retryable: the upload is done and only the save step
// can fail.
func (c *Controller) AdoptMediaInfo(localKey string, info MediaInfo) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.Type != TypeMedia {
		c.mu.Unlock()
		return errors.New("not a media message")
	}
	msg.Content.MediaInfo = &info
	msg.retryable = true
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "AdoptMediaInfo",
		"local_id":   localKey,
		"file_url":   info.URL,
		"size_bytes": info.SizeBytes,
	}).Info("Placeholder content replaced with server metadata")

	if cb != nil {
		cb(snapshot)
	}
	return nil
}

// Reset returns a failed message to pending and clears its error, without
// the CanRetry guard. Used when an interrupted media upload is resumed, a
// path that is user-initiated but not a plain save retry.
func (c *Controller) Reset(localKey string) error {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.Status != StatusFailed {
		c.mu.Unlock()
		return fmt.Errorf("cannot reset message in status %s", msg.Status)
	}
	msg.Status = StatusPending
	msg.Error = ""
	msg.ErrorKind = ErrorKindNone
	msg.CanRetry = false
	msg.CanDelete = false
	snapshot := c.snapshotLocked(msg)
	cb := c.updateCb
	c.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	return nil
}

// Get returns a copy of a tracked message by its stable local key.
func (c *Controller) Get(localKey string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[localKey]
	if !ok {
		return Message{}, false
	}
	return c.snapshotLocked(msg), true
}

// Messages returns copies of the tracked messages for a conversation in
// insertion order.
func (c *Controller) Messages(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, 0, len(c.order))
	for _, key := range c.order {
		msg, ok := c.messages[key]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		out = append(out, c.snapshotLocked(msg))
	}
	return out
}

// Close cancels in-flight sends and waits for the queue workers to exit.
// Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// enqueue places a send job on the conversation's FIFO queue, starting the
// queue worker on first use.
func (c *Controller) enqueue(conversationID, localKey string) error {
	c.qmu.Lock()
	if c.ctx.Err() != nil {
		c.qmu.Unlock()
		return ErrControllerClosed
	}
	q, ok := c.queues[conversationID]
	if !ok {
		q = make(chan string, sendQueueCapacity)
		c.queues[conversationID] = q
		c.wg.Add(1)
		go c.sendWorker(conversationID, q)
	}
	c.qmu.Unlock()

	select {
	case q <- localKey:
		return nil
	default:
		c.MarkFailed(localKey, ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// sendWorker drains one conversation's outbound queue in FIFO order.
func (c *Controller) sendWorker(conversationID string, q chan string) {
	defer c.wg.Done()

	logrus.WithFields(logrus.Fields{
		"function":        "sendWorker",
		"conversation_id": conversationID,
	}).Debug("Send worker started")

	for {
		select {
		case <-c.ctx.Done():
			return
		case localKey := <-q:
			c.processSend(localKey)
		}
	}
}

// processSend performs one persistence attempt. Failures become state
// transitions on the owning message, never escaped errors.
func (c *Controller) processSend(localKey string) {
	c.mu.Lock()
	msg, ok := c.messages[localKey]
	if !ok || msg.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	snapshot := *msg
	c.mu.Unlock()

	res, err := c.saver.SaveMessage(c.ctx, &snapshot)
	if err != nil {
		c.MarkFailed(localKey, err)
		return
	}
	c.MarkSent(localKey, res)
}

// recallableLocked recomputes the recall flag from the clock so expiry does
// not depend on timer delivery.
func (c *Controller) recallableLocked(msg *Message) bool {
	return msg.Status == StatusSent &&
		!msg.sentAt.IsZero() &&
		c.timeProvider.Since(msg.sentAt) < c.recallWindow
}

// snapshotLocked returns a copy of msg with CanRecall derived from the clock.
func (c *Controller) snapshotLocked(msg *Message) Message {
	out := *msg
	out.CanRecall = c.recallableLocked(msg)
	if out.Content.MediaInfo != nil {
		info := *msg.Content.MediaInfo
		out.Content.MediaInfo = &info
	}
	return out
}

// scheduleRecallExpiryLocked arms a timer that renotifies the UI when the
// recall window closes. The flag itself is clock-derived; the timer only
// exists so the UI repaints without polling.
func (c *Controller) scheduleRecallExpiryLocked(localKey string) {
	if c.closed {
		return
	}
	if prior, ok := c.timers[localKey]; ok {
		prior.Stop()
	}
	c.timers[localKey] = time.AfterFunc(c.recallWindow, func() {
		c.mu.Lock()
		delete(c.timers, localKey)
		msg, ok := c.messages[localKey]
		if !ok {
			c.mu.Unlock()
			return
		}
		msg.CanRecall = false
		snapshot := c.snapshotLocked(msg)
		cb := c.updateCb
		c.mu.Unlock()

		if cb != nil {
			cb(snapshot)
		}
	})
}

// removeLocked drops a message from the map and the ordered view, stopping
// any recall-expiry timer still armed for it.
func (c *Controller) removeLocked(localKey string) {
	if t, ok := c.timers[localKey]; ok {
		t.Stop()
		delete(c.timers, localKey)
	}
	delete(c.messages, localKey)
	for i, key := range c.order {
		if key == localKey {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
