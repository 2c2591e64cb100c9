// Package adapter defines the capability an UploadTask needs from its
// transport: the four upload RPCs, abstracted behind an interface so
// uploadtask can run identically against a real HTTP server or a fake
// for tests.
package adapter

import (
	"context"

	"github.com/SajanLamichhane/chunkflow/protocol"
)

// RequestAdapter is everything an UploadTask needs to move a file to a
// server. Implementations are responsible for timeouts, retries at the
// transport level, and rate limiting; uploadtask only retries at the
// chunk-semantics level.
type RequestAdapter interface {
	CreateFile(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error)
	VerifyHash(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error)
	UploadChunk(ctx context.Context, req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error)
	MergeFile(ctx context.Context, req protocol.MergeFileRequest) (protocol.MergeFileResponse, error)
}
