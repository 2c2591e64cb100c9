package adapter

import (
	"context"

	"github.com/SajanLamichhane/chunkflow/protocol"
)

// Fake is an in-memory RequestAdapter for exercising uploadtask/uploadmanager
// without a network round trip. Hooks are invoked if set, otherwise a
// zero-value response is returned with a nil error.
type Fake struct {
	CreateFileFunc  func(context.Context, protocol.CreateFileRequest) (protocol.CreateFileResponse, error)
	VerifyHashFunc  func(context.Context, protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error)
	UploadChunkFunc func(context.Context, protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error)
	MergeFileFunc   func(context.Context, protocol.MergeFileRequest) (protocol.MergeFileResponse, error)
}

var _ RequestAdapter = (*Fake)(nil)

func (f *Fake) CreateFile(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
	if f.CreateFileFunc != nil {
		return f.CreateFileFunc(ctx, req)
	}
	return protocol.CreateFileResponse{}, nil
}

func (f *Fake) VerifyHash(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
	if f.VerifyHashFunc != nil {
		return f.VerifyHashFunc(ctx, req)
	}
	return protocol.VerifyHashResponse{}, nil
}

func (f *Fake) UploadChunk(ctx context.Context, req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error) {
	if f.UploadChunkFunc != nil {
		return f.UploadChunkFunc(ctx, req)
	}
	return protocol.UploadChunkResponse{}, nil
}

func (f *Fake) MergeFile(ctx context.Context, req protocol.MergeFileRequest) (protocol.MergeFileResponse, error) {
	if f.MergeFileFunc != nil {
		return f.MergeFileFunc(ctx, req)
	}
	return protocol.MergeFileResponse{}, nil
}
