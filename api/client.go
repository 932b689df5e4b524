// Package api implements the HTTP client for the consultation platform's
// message and file collaborator endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsend/message"
)

// DefaultRequestTimeout bounds a single HTTP request. Chunked uploads issue
// one request per chunk, so the timeout applies per chunk, not per file.
const DefaultRequestTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is read for the
// ServerError message.
const maxErrorBody = 4096

// Client talks to the collaborator REST endpoints. All methods classify
// failures into the TransportError / ServerError / AuthError taxonomy.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a client for the given base URL. The bearer token is
// attached to every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// SetHTTPClient replaces the underlying HTTP client, for custom transports
// or timeouts.
func (c *Client) SetHTTPClient(h *http.Client) {
	if h != nil {
		c.httpc = h
	}
}

// UploadFile performs the single-shot upload path for files at or below the
// chunk threshold.
func (c *Client) UploadFile(ctx context.Context, r io.Reader, fileName, conversationID string) (*FileInfo, error) {
	const op = "upload file"

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if err := w.WriteField("conversation_id", conversationID); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	resp, err := c.post(ctx, op, "/files/upload", w.FormDataContentType(), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeFileResponse(op, resp)
}

// UploadChunk transmits one chunk of a chunked upload. The server treats a
// re-upload of an already-confirmed (uploadId, chunkIndex) pair as a no-op.
func (c *Client) UploadChunk(ctx context.Context, chunk []byte, chunkIndex, totalChunks int, uploadID, conversationID string) error {
	const op = "upload chunk"

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", chunkIndex))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if _, err := part.Write(chunk); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	fields := map[string]string{
		"chunkIndex":      strconv.Itoa(chunkIndex),
		"totalChunks":     strconv.Itoa(totalChunks),
		"uploadId":        uploadID,
		"conversation_id": conversationID,
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "UploadChunk",
		"upload_id":    uploadID,
		"chunk_index":  chunkIndex,
		"total_chunks": totalChunks,
		"chunk_bytes":  len(chunk),
	}).Debug("Transmitting chunk")

	resp, err := c.post(ctx, op, "/files/upload-chunk", w.FormDataContentType(), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// UploadStatus queries the authoritative server-side state of an upload.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*StatusReport, error) {
	const op = "upload status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/upload-status/"+uploadID, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	resp, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: "malformed status response: " + err.Error()}
	}
	return &report, nil
}

// CompleteUpload asks the server to assemble the uploaded chunks and
// returns the final file metadata.
func (c *Client) CompleteUpload(ctx context.Context, uploadID, fileName, conversationID string) (*FileInfo, error) {
	const op = "complete upload"

	payload, err := json.Marshal(map[string]string{
		"upload_id":       uploadID,
		"file_name":       fileName,
		"conversation_id": conversationID,
	})
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	resp, err := c.post(ctx, op, "/files/complete-upload", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeFileResponse(op, resp)
}

// SaveMessage persists a fully-formed message. The server deduplicates by
// the message's local_id, so a retried save cannot double-post.
func (c *Client) SaveMessage(ctx context.Context, msg *message.Message) (message.SaveResult, error) {
	const op = "save message"

	payload, err := json.Marshal(msg)
	if err != nil {
		return message.SaveResult{}, &TransportError{Op: op, Err: err}
	}

	resp, err := c.post(ctx, op, "/messages", "application/json", bytes.NewReader(payload))
	if err != nil {
		return message.SaveResult{}, err
	}
	defer resp.Body.Close()

	var saved struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return message.SaveResult{}, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: "malformed save response: " + err.Error()}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "SaveMessage",
		"local_id":        msg.LocalID,
		"server_id":       saved.ID,
		"conversation_id": msg.ConversationID,
	}).Debug("Message persisted")

	return message.SaveResult{ID: saved.ID, Timestamp: saved.Timestamp}, nil
}

// RecallMessage withdraws a sent message server-side.
func (c *Client) RecallMessage(ctx context.Context, serverID string) error {
	const op = "recall message"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/"+serverID+"/recall", nil)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// post builds and executes a POST with the shared auth and classification.
func (c *Client) post(ctx context.Context, op, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(op, req)
}

// do executes a request and maps the outcome onto the error taxonomy.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"op":       op,
			"url":      req.URL.String(),
			"error":    err.Error(),
		}).Warn("Request failed at transport level")
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &AuthError{Op: op, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// decodeFileResponse parses the {success, file_info} envelope shared by the
// upload and complete endpoints.
func (c *Client) decodeFileResponse(op string, resp *http.Response) (*FileInfo, error) {
	var out fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if !out.Success || out.FileInfo == nil {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: out.Error}
	}
	return out.FileInfo, nil
}
