package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SajanLamichhane/chunkflow/protocol"
)

func TestCreateFileRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/create" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var req protocol.CreateFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.FileName != "movie.mp4" {
			t.Fatalf("unexpected fileName %q", req.FileName)
		}
		json.NewEncoder(w).Encode(protocol.CreateFileResponse{UploadToken: "tok", NegotiatedChunkSize: 1 << 20})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	resp, err := a.CreateFile(context.Background(), protocol.CreateFileRequest{FileName: "movie.mp4", FileSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if resp.UploadToken != "tok" || resp.NegotiatedChunkSize != 1<<20 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUploadChunkSendsMultipartFields(t *testing.T) {
	var gotToken, gotHash string
	var gotIndex string
	var gotBytes []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		gotToken = r.FormValue("uploadToken")
		gotIndex = r.FormValue("chunkIndex")
		gotHash = r.FormValue("chunkHash")
		f, _, err := r.FormFile("chunk")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		gotBytes, _ = io.ReadAll(f)
		json.NewEncoder(w).Encode(protocol.UploadChunkResponse{Success: true, ChunkHash: gotHash})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	resp, err := a.UploadChunk(context.Background(), protocol.UploadChunkRequest{
		UploadToken: "tok", ChunkIndex: 3, ChunkHash: "abc", ChunkBytes: []byte("hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || gotToken != "tok" || gotIndex != "3" || gotHash != "abc" || string(gotBytes) != "hello" {
		t.Fatalf("unexpected server observations: token=%q index=%q hash=%q bytes=%q", gotToken, gotIndex, gotHash, gotBytes)
	}
}

func TestNonOKStatusReturnsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	_, err := a.CreateFile(context.Background(), protocol.CreateFileRequest{})
	if err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
