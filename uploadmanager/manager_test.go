package uploadmanager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/adapter"
	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/progressstore"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

func testStore(t *testing.T) *progressstore.Store {
	t.Helper()
	dir := build.TempDir("uploadmanager", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	s, err := progressstore.Init(dir + "/progress.db")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func instantAdapter() *adapter.Fake {
	return &adapter.Fake{
		CreateFileFunc: func(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
			return protocol.CreateFileResponse{UploadToken: "tok", NegotiatedChunkSize: 1 << 20}, nil
		},
		VerifyHashFunc: func(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
			return protocol.VerifyHashResponse{FileExists: true, FileURL: "/files/x"}, nil
		},
	}
}

func waitForTerminal(t *testing.T, task *uploadtask.Task) {
	t.Helper()
	err := build.Retry(200, 10*time.Millisecond, func() error {
		if task.GetStatus().Terminal() {
			return nil
		}
		return fmt.Errorf("status %s not terminal yet", task.GetStatus())
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateTaskRegistersAndTracks(t *testing.T) {
	m := New(instantAdapter(), nil)
	data := []byte("hello world")
	task, err := m.CreateTask(protocol.FileInfo{Name: "f.txt", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.GetTask(task.ID())
	if !ok || got != task {
		t.Fatal("created task should be retrievable by id")
	}
	all := m.GetAllTasks()
	if len(all) != 1 || all[0] != task {
		t.Fatalf("expected exactly the created task in GetAllTasks, got %v", all)
	}
}

func TestPluginsReceiveLifecycleHooksInOrder(t *testing.T) {
	m := New(instantAdapter(), nil)

	var mu sync.Mutex
	var calls []string
	plugin := func(label string) Plugin {
		return Plugin{
			Name:          label,
			OnTaskCreated: func(*uploadtask.Task) { mu.Lock(); calls = append(calls, label+":created"); mu.Unlock() },
			OnTaskStart:   func(*uploadtask.Task) { mu.Lock(); calls = append(calls, label+":start"); mu.Unlock() },
			OnTaskSuccess: func(*uploadtask.Task, string) { mu.Lock(); calls = append(calls, label+":success"); mu.Unlock() },
		}
	}
	m.Use(plugin("a"))
	m.Use(plugin("b"))

	data := []byte("hello world")
	task, err := m.CreateTask(protocol.FileInfo{Name: "f.txt", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, task)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:created", "b:created", "a:start", "b:start", "a:success", "b:success"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Fatalf("call %d: got %q, want %q (full: %v)", i, calls[i], w, calls)
		}
	}
}

func TestPluginPanicIsIsolated(t *testing.T) {
	m := New(instantAdapter(), nil)
	secondRan := false
	m.Use(Plugin{OnTaskCreated: func(*uploadtask.Task) { panic("boom") }})
	m.Use(Plugin{OnTaskCreated: func(*uploadtask.Task) { secondRan = true }})

	data := []byte("x")
	if _, err := m.CreateTask(protocol.FileInfo{Name: "f.txt", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{}); err != nil {
		t.Fatal(err)
	}
	if !secondRan {
		t.Fatal("second plugin should still run after the first panics")
	}
}

func TestResumeTaskValidatesFileIdentity(t *testing.T) {
	store := testStore(t)
	defer store.Close()
	m := New(instantAdapter(), store)

	rec := progressstore.UploadRecord{
		TaskID:         "tid-1",
		File:           protocol.FileInfo{Name: "orig.bin", Size: 100, MIMEType: "application/octet-stream"},
		UploadedChunks: []int{0},
		UploadToken:    "old-tok",
	}
	if err := store.SaveRecord(rec); err != nil {
		t.Fatal(err)
	}

	_, err := m.ResumeTask("tid-1", protocol.FileInfo{Name: "orig.bin", Size: 999, MIMEType: "application/octet-stream"}, bytes.NewReader(make([]byte, 999)), uploadtask.Options{})
	if !errors.Contains(err, ErrFileSizeMismatch) {
		t.Fatalf("expected ErrFileSizeMismatch, got %v", err)
	}

	task, err := m.ResumeTask("tid-1", protocol.FileInfo{Name: "orig.bin", Size: 100, MIMEType: "application/octet-stream"}, bytes.NewReader(make([]byte, 100)), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID() != "tid-1" {
		t.Fatal("resumed task must keep its original id")
	}
	if _, err := store.GetRecord("tid-1"); err != progressstore.ErrNotFound {
		t.Fatal("prior record should be deleted once resume succeeds")
	}
}

func TestDeleteTaskCancelsActiveTask(t *testing.T) {
	block := make(chan struct{})
	a := &adapter.Fake{
		CreateFileFunc: func(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
			return protocol.CreateFileResponse{UploadToken: "tok", NegotiatedChunkSize: 1 << 20}, nil
		},
		VerifyHashFunc: func(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
			<-block
			return protocol.VerifyHashResponse{}, nil
		},
	}
	m := New(a, nil)
	data := []byte("hello")
	task, err := m.CreateTask(protocol.FileInfo{Name: "f.txt", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteTask(task.ID()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetTask(task.ID()); ok {
		t.Fatal("deleted task should no longer be retrievable")
	}
	waitForTerminal(t, task)
	if task.GetStatus() != protocol.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.GetStatus())
	}
	close(block)
}

func TestAdaptiveChunkSizeSeedsNextTask(t *testing.T) {
	var mu sync.Mutex
	var preferred []int64
	a := &adapter.Fake{
		CreateFileFunc: func(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
			mu.Lock()
			preferred = append(preferred, req.PreferredChunkSize)
			mu.Unlock()
			return protocol.CreateFileResponse{UploadToken: "tok", NegotiatedChunkSize: 1 << 20}, nil
		},
		VerifyHashFunc: func(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
			return protocol.VerifyHashResponse{}, nil
		},
		UploadChunkFunc: func(ctx context.Context, req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error) {
			return protocol.UploadChunkResponse{Success: true, ChunkHash: req.ChunkHash}, nil
		},
		MergeFileFunc: func(ctx context.Context, req protocol.MergeFileRequest) (protocol.MergeFileResponse, error) {
			return protocol.MergeFileResponse{Success: true, FileURL: "/files/a", FileID: "a"}, nil
		},
	}
	m := New(a, nil)

	// Chunks complete near-instantly, so the adaptive controller doubles
	// the size on every success; the next task should inherit the result.
	data := make([]byte, 2*1024*1024+512*1024)
	task1, err := m.CreateTask(protocol.FileInfo{Name: "a.bin", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := task1.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, task1)
	if task1.NextChunkSize() <= 1<<20 {
		t.Fatalf("expected the adapted size to grow past the negotiated 1 MiB, got %d", task1.NextChunkSize())
	}
	// The success event that records the adapted size fires just after the
	// status turns terminal; wait for the recording before the next task.
	err = build.Retry(200, 10*time.Millisecond, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.nextChunkSize == 0 {
			return fmt.Errorf("adapted chunk size not yet recorded")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	task2, err := m.CreateTask(protocol.FileInfo{Name: "b.bin", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := task2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, task2)

	mu.Lock()
	defer mu.Unlock()
	if len(preferred) != 2 {
		t.Fatalf("expected 2 createFile calls, got %d", len(preferred))
	}
	if preferred[0] != 0 {
		t.Fatalf("first task should express no chunk-size preference, got %d", preferred[0])
	}
	if preferred[1] != task1.NextChunkSize() {
		t.Fatalf("second task should be seeded with the first task's adapted size %d, got %d", task1.NextChunkSize(), preferred[1])
	}
}

func TestGetStatisticsTallies(t *testing.T) {
	m := New(instantAdapter(), nil)
	for i := 0; i < 3; i++ {
		data := []byte("x")
		task, err := m.CreateTask(protocol.FileInfo{Name: "f.txt", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if err := task.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			waitForTerminal(t, task)
		}
	}
	stats := m.GetStatistics()
	if stats.Total != 3 || stats.Success != 2 || stats.Idle != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}
