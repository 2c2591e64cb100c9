package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/protocol"
)

// Transport errors surfaced by HTTPAdapter. Callers can match against these
// with errors.Contains; uploadtask's retry loop retries any UploadChunk error
// without distinguishing them.
var (
	ErrServer    = errors.New("server rejected the request")
	ErrTransport = errors.New("request could not be sent")
)

// HTTPAdapter is the reference RequestAdapter, speaking the upload wire
// protocol over net/http: JSON bodies for createFile/verifyHash/
// mergeFile, multipart/form-data for uploadChunk.
type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPAdapter returns an HTTPAdapter targeting baseURL (no trailing
// slash), using client, or http.DefaultClient if client is nil.
func NewHTTPAdapter(baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{BaseURL: baseURL, Client: client}
}

func (a *HTTPAdapter) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Extend(err, ErrTransport)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Extend(err, ErrTransport)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(req)
	if err != nil {
		return errors.Extend(err, ErrTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Extend(fmt.Errorf("status %d", resp.StatusCode), ErrServer)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateFile implements RequestAdapter.
func (a *HTTPAdapter) CreateFile(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
	var resp protocol.CreateFileResponse
	err := a.postJSON(ctx, "/upload/create", req, &resp)
	return resp, err
}

// VerifyHash implements RequestAdapter.
func (a *HTTPAdapter) VerifyHash(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
	var resp protocol.VerifyHashResponse
	err := a.postJSON(ctx, "/upload/verify", req, &resp)
	return resp, err
}

// MergeFile implements RequestAdapter.
func (a *HTTPAdapter) MergeFile(ctx context.Context, req protocol.MergeFileRequest) (protocol.MergeFileResponse, error) {
	var resp protocol.MergeFileResponse
	err := a.postJSON(ctx, "/upload/merge", req, &resp)
	return resp, err
}

// UploadChunk implements RequestAdapter, sending chunkBytes as a
// multipart/form-data part named "chunk" alongside the uploadToken,
// chunkIndex, and chunkHash fields.
func (a *HTTPAdapter) UploadChunk(ctx context.Context, req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("uploadToken", req.UploadToken); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	if err := mw.WriteField("chunkIndex", strconv.Itoa(req.ChunkIndex)); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	if err := mw.WriteField("chunkHash", req.ChunkHash); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	part, err := mw.CreateFormFile("chunk", "chunk.bin")
	if err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	if _, err := io.Copy(part, bytes.NewReader(req.ChunkBytes)); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	if err := mw.Close(); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/upload/chunk", &buf)
	if err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.UploadChunkResponse{}, errors.Extend(fmt.Errorf("status %d", resp.StatusCode), ErrServer)
	}
	var out protocol.UploadChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrTransport)
	}
	return out, nil
}
