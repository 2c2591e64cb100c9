package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/digest"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/server/service"
	"github.com/SajanLamichhane/chunkflow/server/storage"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	dir := build.TempDir("api", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	blobs, err := storage.NewFSBlobStore(dir + "/blobs")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewBoltMetadataStore(dir + "/metadata.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	return New(service.New(blobs, meta, service.Config{}))
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func uploadChunkMultipart(t *testing.T, srv *httptest.Server, token string, index int, hash string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("uploadToken", token)
	mw.WriteField("chunkIndex", strconv.Itoa(index))
	mw.WriteField("chunkHash", hash)
	part, err := mw.CreateFormFile("chunk", "chunk.bin")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload/chunk", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestFullWireFlowEndsInSuccessfulFileFetch(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.Handler)
	defer srv.Close()

	data := []byte("hello chunked world, this is test content")
	var createResp protocol.CreateFileResponse
	postJSON(t, srv, "/upload/create", protocol.CreateFileRequest{FileName: "f.txt", FileSize: int64(len(data))}, &createResp)
	if createResp.UploadToken == "" {
		t.Fatal("expected a non-empty upload token")
	}

	hash := digest.Bytes(data)
	resp := uploadChunkMultipart(t, srv, createResp.UploadToken, 0, hash, data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from upload/chunk, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	var mergeResp protocol.MergeFileResponse
	postJSON(t, srv, "/upload/merge", protocol.MergeFileRequest{UploadToken: createResp.UploadToken, FileHash: digest.Bytes(data), ChunkHashes: []string{hash}}, &mergeResp)
	if !mergeResp.Success || mergeResp.FileID == "" {
		t.Fatalf("expected merge to succeed, got %+v", mergeResp)
	}

	getResp, err := http.Get(srv.URL + "/files/" + mergeResp.FileID)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	got, err := io.ReadAll(getResp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestRangedGetReturnsPartialContent(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.Handler)
	defer srv.Close()

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	var createResp protocol.CreateFileResponse
	postJSON(t, srv, "/upload/create", protocol.CreateFileRequest{FileName: "f.bin", FileSize: int64(len(data)), PreferredChunkSize: 4096}, &createResp)

	sizes := []int{4096, 4096, 1808}
	var hashes []string
	offset := 0
	for i, size := range sizes {
		chunk := data[offset : offset+size]
		offset += size
		hash := digest.Bytes(chunk)
		hashes = append(hashes, hash)
		resp := uploadChunkMultipart(t, srv, createResp.UploadToken, i, hash, chunk)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d: expected 200, got %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	var mergeResp protocol.MergeFileResponse
	postJSON(t, srv, "/upload/merge", protocol.MergeFileRequest{UploadToken: createResp.UploadToken, FileHash: digest.Bytes(data), ChunkHashes: hashes}, &mergeResp)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/files/"+mergeResp.FileID, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=4000-5000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if want := "bytes 4000-5000/10000"; resp.Header.Get("Content-Range") != want {
		t.Fatalf("got Content-Range %q, want %q", resp.Header.Get("Content-Range"), want)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1001 {
		t.Fatalf("expected 1001 bytes, got %d", len(got))
	}
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
}

func TestUploadChunkHashMismatchReturnsUnprocessableEntity(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.Handler)
	defer srv.Close()

	var createResp protocol.CreateFileResponse
	postJSON(t, srv, "/upload/create", protocol.CreateFileRequest{FileName: "f.bin", FileSize: 5}, &createResp)

	resp := uploadChunkMultipart(t, srv, createResp.UploadToken, 0, "wronghash", []byte("hello"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
