package plugins

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/SajanLamichhane/chunkflow/adapter"
	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/persist"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadmanager"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

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

func failingAdapter() *adapter.Fake {
	return &adapter.Fake{
		CreateFileFunc: func(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
			return protocol.CreateFileResponse{}, fmt.Errorf("boom")
		},
	}
}

func waitForTerminal(t *testing.T, task *uploadtask.Task) {
	t.Helper()
	err := build.Retry(200, 10*time.Millisecond, func() error {
		if task.GetStatus().Terminal() {
			return nil
		}
		return fmt.Errorf("not terminal yet: %s", task.GetStatus())
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStatisticsTracksSuccessAndErrorSeparately(t *testing.T) {
	stats := NewStatistics()

	good := uploadmanager.New(instantAdapter(), nil)
	good.Use(stats.Plugin())
	data := []byte("hello")
	task1, err := good.CreateTask(protocol.FileInfo{Name: "a.bin", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	task1.Start(context.Background())
	waitForTerminal(t, task1)

	bad := uploadmanager.New(failingAdapter(), nil)
	bad.Use(stats.Plugin())
	task2, err := bad.CreateTask(protocol.FileInfo{Name: "b.bin", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	task2.Start(context.Background())
	waitForTerminal(t, task2)

	snap := stats.Snapshot()
	if snap.Total != 2 {
		t.Fatalf("expected 2 tasks observed, got %d", snap.Total)
	}
	if snap.Successes != 1 || snap.Errors != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SuccessRate != 0.5 {
		t.Fatalf("expected 50%% success rate, got %v", snap.SuccessRate)
	}
}

func TestStatisticsToleratesProgressBeforeStart(t *testing.T) {
	stats := NewStatistics()
	plugin := stats.Plugin()
	// Deliver progress before any created/start hook fires; must not panic.
	plugin.OnTaskProgress(nil, protocol.ProgressPayload{})
	snap := stats.Snapshot()
	if snap.Total != 0 {
		t.Fatalf("progress alone should not register a task without an id call, got %+v", snap)
	}
}

func TestLoggerWritesOneLinePerEvent(t *testing.T) {
	dir := build.TempDir("plugins", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	logPath := dir + "/events.log"
	l, err := persist.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	m := uploadmanager.New(instantAdapter(), nil)
	m.Use(NewLogger(l, LoggerConfig{}))

	data := []byte("hello")
	task, err := m.CreateTask(protocol.FileInfo{Name: "a.bin", Size: int64(len(data))}, bytes.NewReader(data), uploadtask.Options{})
	if err != nil {
		t.Fatal(err)
	}
	task.Start(context.Background())
	waitForTerminal(t, task)
	l.Close()

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"created", "start", "success"} {
		if !strings.Contains(string(contents), want) {
			t.Fatalf("expected log to mention %q:\n%s", want, contents)
		}
	}
}
