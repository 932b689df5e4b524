package media

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/chatsend/api"
	"github.com/opd-ai/chatsend/message"
	"github.com/opd-ai/chatsend/upload"
)

const testConversationID = "conv-1"

var testSender = message.Sender{ID: "user-1", Type: "customer", Name: "Ada"}

// mockSaver implements message.Saver.
type mockSaver struct {
	mu     sync.Mutex
	saved  []message.Message
	err    error
	nextID int
}

func newMockSaver() *mockSaver {
	return &mockSaver{nextID: 1}
}

func (s *mockSaver) SaveMessage(ctx context.Context, msg *message.Message) (message.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return message.SaveResult{}, s.err
	}
	s.saved = append(s.saved, *msg)
	id := s.nextID
	s.nextID++
	return message.SaveResult{ID: "srv-" + string(rune('0'+id)), Timestamp: time.Now()}, nil
}

func (s *mockSaver) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// mockTransport implements upload.Transport with scriptable chunk failures.
type mockTransport struct {
	mu          sync.Mutex
	confirmed   map[string]int
	bytes       map[string]int64
	failAtIndex int
	failErr     error
	chunkCalls  int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		confirmed:   make(map[string]int),
		bytes:       make(map[string]int64),
		failAtIndex: -1,
	}
}

func (m *mockTransport) UploadFile(ctx context.Context, r io.Reader, fileName, conversationID string) (*api.FileInfo, error) {
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return &api.FileInfo{
		FileURL:  "https://files.example.com/" + fileName,
		FileName: fileName,
		MimeType: "image/png",
		FileSize: int64(buf.Len()),
	}, nil
}

func (m *mockTransport) UploadChunk(ctx context.Context, chunk []byte, chunkIndex, totalChunks int, uploadID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkCalls++
	if m.failAtIndex >= 0 && chunkIndex == m.failAtIndex {
		return m.failErr
	}
	if chunkIndex == m.confirmed[uploadID] {
		m.confirmed[uploadID]++
		m.bytes[uploadID] += int64(len(chunk))
	}
	return nil
}

func (m *mockTransport) UploadStatus(ctx context.Context, uploadID string) (*api.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.confirmed[uploadID]
	if count == 0 {
		return &api.StatusReport{Status: api.UploadStateNotFound}, nil
	}
	return &api.StatusReport{Status: api.UploadStateUploading, UploadedChunks: count}, nil
}

func (m *mockTransport) CompleteUpload(ctx context.Context, uploadID, fileName, conversationID string) (*api.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &api.FileInfo{
		FileURL:  "https://files.example.com/" + fileName,
		FileName: fileName,
		MimeType: "video/mp4",
		FileSize: m.bytes[uploadID],
	}, nil
}

func (m *mockTransport) disarmFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAtIndex = -1
}

// releaseCounter counts preview release invocations.
type releaseCounter struct {
	mu    sync.Mutex
	count int
}

func (r *releaseCounter) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *releaseCounter) released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// testFile builds an in-memory upload.File.
func testFile(size int64, name, mimeType string) upload.File {
	data := make([]byte, size)
	return upload.File{
		Reader:   bytes.NewReader(data),
		Size:     size,
		Name:     name,
		MimeType: mimeType,
	}
}

// waitForStatus polls until the message reaches the wanted status.
func waitForStatus(c *message.Controller, localKey string, want message.Status, timeout time.Duration) (message.Message, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok := c.Get(localKey); ok && msg.Status == want {
			return msg, true
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg, _ := c.Get(localKey)
	return msg, false
}
