package upload

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/chatsend/api"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

type chunkCall struct {
	uploadID string
	index    int
	total    int
	size     int
}

// mockTransport implements Transport with scriptable failures and a
// server-side view of confirmed chunks.
type mockTransport struct {
	mu              sync.Mutex
	chunkCalls      []chunkCall
	confirmed       map[string]int
	confirmedBytes  map[string]int64
	failAtIndex     int
	failErr         error
	completeErr     error
	statusErr       error
	uploadFileCalls int
	completeCalls   []string

	// blockChunks makes UploadChunk wait until release() or context
	// cancellation, for cancel-mid-flight tests.
	blockChunks bool
	blockCh     chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		confirmed:      make(map[string]int),
		confirmedBytes: make(map[string]int64),
		failAtIndex:    -1,
		blockCh:        make(chan struct{}),
	}
}

func (m *mockTransport) release() {
	close(m.blockCh)
}

func (m *mockTransport) UploadFile(ctx context.Context, r io.Reader, fileName, conversationID string) (*api.FileInfo, error) {
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.uploadFileCalls++
	m.mu.Unlock()
	return &api.FileInfo{
		FileURL:  "https://files.example.com/" + fileName,
		FileName: fileName,
		MimeType: "application/octet-stream",
		FileSize: int64(buf.Len()),
	}, nil
}

func (m *mockTransport) UploadChunk(ctx context.Context, chunk []byte, chunkIndex, totalChunks int, uploadID, conversationID string) error {
	m.mu.Lock()
	blocked := m.blockChunks
	blockCh := m.blockCh
	m.mu.Unlock()

	if blocked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-blockCh:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkCalls = append(m.chunkCalls, chunkCall{uploadID: uploadID, index: chunkIndex, total: totalChunks, size: len(chunk)})
	if m.failAtIndex >= 0 && chunkIndex == m.failAtIndex {
		return m.failErr
	}
	if chunkIndex == m.confirmed[uploadID] {
		m.confirmed[uploadID]++
		m.confirmedBytes[uploadID] += int64(len(chunk))
	}
	return nil
}

func (m *mockTransport) UploadStatus(ctx context.Context, uploadID string) (*api.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	count := m.confirmed[uploadID]
	if count == 0 {
		return &api.StatusReport{Status: api.UploadStateNotFound}, nil
	}
	return &api.StatusReport{Status: api.UploadStateUploading, UploadedChunks: count}, nil
}

func (m *mockTransport) CompleteUpload(ctx context.Context, uploadID, fileName, conversationID string) (*api.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls = append(m.completeCalls, uploadID)
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &api.FileInfo{
		FileURL:  "https://files.example.com/" + fileName,
		FileName: fileName,
		MimeType: "application/octet-stream",
		FileSize: m.confirmedBytes[uploadID],
	}, nil
}

func (m *mockTransport) chunkIndexes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.chunkCalls))
	for _, call := range m.chunkCalls {
		out = append(out, call.index)
	}
	return out
}

func (m *mockTransport) chunkCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunkCalls)
}

func (m *mockTransport) clearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkCalls = nil
	m.completeCalls = nil
}

// testFile builds a File backed by an in-memory buffer of the given size.
func testFile(size int64, name, mimeType string) File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return File{
		Reader:   bytes.NewReader(data),
		Size:     size,
		Name:     name,
		MimeType: mimeType,
	}
}
