package chatsend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsend/config"
	"github.com/opd-ai/chatsend/limits"
	"github.com/opd-ai/chatsend/media"
	"github.com/opd-ai/chatsend/message"
	"github.com/opd-ai/chatsend/upload"
)

const (
	testToken        = "test-token"
	testConversation = "conv-42"
)

var testSender = message.Sender{ID: "user-7", Type: "customer", Name: "Mia"}

// platformStub emulates the chat platform's message and file endpoints.
type platformStub struct {
	mu        sync.Mutex
	chunks    map[string]map[int][]byte
	saved     []message.Message
	recalled  []string
	nextID    int
	failSaves bool
	failAuth  bool
}

func newPlatformStub() *platformStub {
	return &platformStub{chunks: make(map[string]map[int][]byte), nextID: 1}
}

func (s *platformStub) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/messages", s.handleSave).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/recall", s.handleRecall).Methods(http.MethodPost)
	r.HandleFunc("/files/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/files/upload-chunk", s.handleChunk).Methods(http.MethodPost)
	r.HandleFunc("/files/upload-status/{uploadId}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/files/complete-upload", s.handleComplete).Methods(http.MethodPost)
	return r
}

func (s *platformStub) handleSave(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	failing := s.failSaves
	expired := s.failAuth
	s.mu.Unlock()
	if expired {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("message store unavailable"))
		return
	}

	var msg message.Message
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.saved = append(s.saved, msg)
	id := "srv-" + strconv.Itoa(s.nextID)
	s.nextID++
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "timestamp": time.Now().UTC()})
}

func (s *platformStub) handleRecall(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	s.recalled = append(s.recalled, mux.Vars(req)["id"])
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *platformStub) handleUpload(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	buf := &bytes.Buffer{}
	buf.ReadFrom(file)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"file_info": map[string]interface{}{
			"file_url":  "https://files.example.com/" + header.Filename,
			"file_name": header.Filename,
			"mime_type": "image/png",
			"file_size": buf.Len(),
		},
	})
}

func (s *platformStub) handleChunk(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	uploadID := req.FormValue("uploadId")
	index, _ := strconv.Atoi(req.FormValue("chunkIndex"))
	file, _, err := req.FormFile("chunk")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	buf := &bytes.Buffer{}
	buf.ReadFrom(file)

	s.mu.Lock()
	if s.chunks[uploadID] == nil {
		s.chunks[uploadID] = make(map[int][]byte)
	}
	s.chunks[uploadID][index] = buf.Bytes()
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *platformStub) handleStatus(w http.ResponseWriter, req *http.Request) {
	uploadID := mux.Vars(req)["uploadId"]
	s.mu.Lock()
	count := len(s.chunks[uploadID])
	s.mu.Unlock()

	status := "not_found"
	if count > 0 {
		status = "uploading"
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "uploadedChunks": count})
}

func (s *platformStub) handleComplete(w http.ResponseWriter, req *http.Request) {
	var in struct {
		UploadID string `json:"upload_id"`
		FileName string `json:"file_name"`
	}
	json.NewDecoder(req.Body).Decode(&in)

	s.mu.Lock()
	var total int64
	for _, chunk := range s.chunks[in.UploadID] {
		total += int64(len(chunk))
	}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"file_info": map[string]interface{}{
			"file_url":  "https://files.example.com/" + in.FileName,
			"file_name": in.FileName,
			"mime_type": "video/mp4",
			"file_size": total,
		},
	})
}

func (s *platformStub) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *platformStub) recalledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recalled...)
}

func newTestPipeline(t *testing.T) (*Client, *platformStub) {
	t.Helper()
	stub := newPlatformStub()
	srv := httptest.NewServer(stub.router())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.Token = testToken
	cfg.ChunkSizeBytes = 1024

	client, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, stub
}

func waitForStatus(t *testing.T, client *Client, key string, want message.Status) message.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := client.Message(key); ok && msg.Status == want {
			return msg
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg, _ := client.Message(key)
	t.Fatalf("message %s never reached %s, status=%s error=%q", key, want, msg.Status, msg.Error)
	return message.Message{}
}

func TestSendTextEndToEnd(t *testing.T) {
	client, stub := newTestPipeline(t)

	msg, err := client.SendText(testConversation, "Hello!", testSender)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, msg.Status)
	assert.Equal(t, msg.ID, msg.LocalID)

	sent := waitForStatus(t, client, msg.LocalID, message.StatusSent)
	assert.Equal(t, "srv-1", sent.ID)
	assert.Empty(t, sent.LocalID)
	assert.Equal(t, 1, stub.savedCount())

	// Server id resolves to the same message.
	byServerID, ok := client.Message("srv-1")
	require.True(t, ok)
	assert.Equal(t, sent.ID, byServerID.ID)
}

func TestSendTextValidation(t *testing.T) {
	client, stub := newTestPipeline(t)

	_, err := client.SendText(testConversation, "", testSender)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)
	assert.Zero(t, stub.savedCount())
}

func TestSendTextFailureRetryDelete(t *testing.T) {
	client, stub := newTestPipeline(t)
	stub.mu.Lock()
	stub.failSaves = true
	stub.mu.Unlock()

	msg, err := client.SendText(testConversation, "are you there?", testSender)
	require.NoError(t, err)

	failed := waitForStatus(t, client, msg.LocalID, message.StatusFailed)
	assert.True(t, failed.CanRetry)
	assert.True(t, failed.CanDelete)
	assert.Contains(t, failed.Error, "message store unavailable")

	stub.mu.Lock()
	stub.failSaves = false
	stub.mu.Unlock()

	require.NoError(t, client.RetryMessage(msg.LocalID))
	waitForStatus(t, client, msg.LocalID, message.StatusSent)

	// A sent message cannot be deleted.
	assert.Error(t, client.DeleteMessage(msg.LocalID))
}

func TestExpiredCredentialNotOfferedForRetry(t *testing.T) {
	client, stub := newTestPipeline(t)
	stub.mu.Lock()
	stub.failAuth = true
	stub.mu.Unlock()

	msg, err := client.SendText(testConversation, "hello", testSender)
	require.NoError(t, err)

	failed := waitForStatus(t, client, msg.LocalID, message.StatusFailed)
	assert.Equal(t, message.ErrorKindAuth, failed.ErrorKind)
	assert.False(t, failed.CanRetry, "an expired credential cannot be retried into success")
	assert.True(t, failed.CanDelete)

	assert.ErrorIs(t, client.RetryMessage(msg.LocalID), message.ErrNotRetryable)

	// A transient server failure on the same pipeline still offers retry.
	stub.mu.Lock()
	stub.failAuth = false
	stub.failSaves = true
	stub.mu.Unlock()

	other, err := client.SendText(testConversation, "again", testSender)
	require.NoError(t, err)
	otherFailed := waitForStatus(t, client, other.LocalID, message.StatusFailed)
	assert.Equal(t, message.ErrorKindServer, otherFailed.ErrorKind)
	assert.True(t, otherFailed.CanRetry)
}

func TestRecallByServerID(t *testing.T) {
	client, stub := newTestPipeline(t)

	msg, err := client.SendText(testConversation, "wrong chat, sorry", testSender)
	require.NoError(t, err)
	sent := waitForStatus(t, client, msg.LocalID, message.StatusSent)

	require.NoError(t, client.RecallMessage(context.Background(), sent.ID))
	assert.Equal(t, []string{sent.ID}, stub.recalledIDs())

	_, ok := client.Message(sent.ID)
	assert.False(t, ok, "recalled messages leave the conversation")
}

func TestSendMediaEndToEnd(t *testing.T) {
	client, stub := newTestPipeline(t)

	data := make([]byte, 4096) // four chunks at the test chunk size
	placeholder, err := client.SendMedia(context.Background(), media.SendRequest{
		File: upload.File{
			Reader:   bytes.NewReader(data),
			Size:     int64(len(data)),
			Name:     "consult.mp4",
			MimeType: "video/mp4",
		},
		ConversationID: testConversation,
		Sender:         testSender,
		PreviewURL:     "blob:local-frame",
	})
	require.NoError(t, err)
	require.NotNil(t, placeholder.Content.MediaInfo)
	assert.Equal(t, media.PlaceholderName, placeholder.Content.MediaInfo.Name)

	sent := waitForStatus(t, client, placeholder.LocalID, message.StatusSent)
	require.NotNil(t, sent.Content.MediaInfo)
	assert.Equal(t, "https://files.example.com/consult.mp4", sent.Content.MediaInfo.URL)
	assert.Equal(t, int64(4096), sent.Content.MediaInfo.SizeBytes)
	assert.Equal(t, 1, stub.savedCount())

	// The preview entry is gone once the server URL took over.
	_, ok := client.PreviewURL(placeholder.LocalID)
	assert.False(t, ok)
	assert.Empty(t, client.PausedUploads())
}

func TestMessagesOrdered(t *testing.T) {
	client, _ := newTestPipeline(t)

	first, err := client.SendText(testConversation, "first", testSender)
	require.NoError(t, err)
	second, err := client.SendText(testConversation, "second", testSender)
	require.NoError(t, err)

	waitForStatus(t, client, first.LocalID, message.StatusSent)
	waitForStatus(t, client, second.LocalID, message.StatusSent)

	msgs := client.Messages(testConversation)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content.Text)
	assert.Equal(t, "second", msgs[1].Content.Text)
}

func TestCloseIdempotent(t *testing.T) {
	client, _ := newTestPipeline(t)
	client.Close()
	client.Close()

	_, err := client.SendText(testConversation, "after close", testSender)
	assert.Error(t, err)
}
