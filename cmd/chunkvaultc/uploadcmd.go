package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SajanLamichhane/chunkflow/adapter"
	"github.com/SajanLamichhane/chunkflow/persist"
	"github.com/SajanLamichhane/chunkflow/plugins"
	"github.com/SajanLamichhane/chunkflow/progressstore"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadmanager"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

var (
	uploadCmd = &cobra.Command{
		Use:   "upload [path]",
		Short: "Upload a file to the daemon",
		Long:  "Upload a file to the daemon, chunked and deduplicated, printing progress until the upload reaches a terminal state.",
		Run:   wrap(uploadcmd),
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [taskID] [path]",
		Short: "Resume an interrupted upload",
		Long: "Resume an interrupted upload from its persisted progress record. The supplied path must point at the same file " +
			"(matching name, size, and type) that the original task was uploading.",
		Run: wrap(resumecmd),
	}

	tasksCmd = &cobra.Command{
		Use:   "tasks",
		Short: "List unfinished uploads",
		Long:  "List the persisted progress records of uploads that have not completed, with the chunk counts already transferred.",
		Run:   wrap(taskscmd),
	}
)

// openManager builds the client-side upload stack: progress database under
// the client dir, an HTTP adapter pointed at the daemon, and a manager with
// the file logger plugin installed. Callers must Close the manager.
func openManager() (*uploadmanager.Manager, *persist.Logger) {
	if err := os.MkdirAll(clientDir, 0700); err != nil {
		die("Could not create client directory:", err)
	}
	store, err := progressstore.Init(filepath.Join(clientDir, "progress.db"))
	if err != nil {
		// The manager degrades to in-memory operation; resume across
		// restarts just won't work this session.
		fmt.Fprintln(os.Stderr, "Warning: progress database unavailable:", err)
		store = nil
	}

	logger, err := persist.NewLogger(filepath.Join(clientDir, "chunkvaultc.log"))
	if err != nil {
		die("Could not open log file:", err)
	}

	m := uploadmanager.New(adapter.NewHTTPAdapter("http://"+addr, nil), store)
	m.Use(plugins.NewLogger(logger, plugins.LoggerConfig{SkipProgress: true}))
	return m, logger
}

// fileInfoFor stats path and fills in the metadata the daemon needs to
// negotiate an upload session.
func fileInfoFor(path string) (protocol.FileInfo, *os.File) {
	f, err := os.Open(path)
	if err != nil {
		die("Could not open file:", err)
	}
	stat, err := f.Stat()
	if err != nil {
		die("Could not stat file:", err)
	}
	return protocol.FileInfo{
		Name:         filepath.Base(path),
		Size:         stat.Size(),
		MIMEType:     mime.TypeByExtension(filepath.Ext(path)),
		LastModified: stat.ModTime().UnixNano() / int64(time.Millisecond),
	}, f
}

// awaitTask subscribes to the task's terminal events, starts it, and blocks
// until it succeeds, fails, or is cancelled, printing progress as it goes.
func awaitTask(task *uploadtask.Task) {
	done := make(chan error, 1)
	task.On(protocol.EventSuccess, func(payload interface{}) {
		if p, ok := payload.(protocol.SuccessPayload); ok && p.FileURL != "" {
			fmt.Println("\nUploaded:", p.FileURL)
		}
		done <- nil
	})
	task.On(protocol.EventError, func(payload interface{}) {
		if p, ok := payload.(protocol.ErrorPayload); ok {
			done <- p.Error
		} else {
			done <- fmt.Errorf("upload failed")
		}
	})
	task.On(protocol.EventCancel, func(interface{}) {
		done <- fmt.Errorf("upload cancelled")
	})
	task.On(protocol.EventProgress, func(payload interface{}) {
		p, ok := payload.(protocol.ProgressPayload)
		if !ok {
			return
		}
		fmt.Printf("\r%6.2f%%  %d/%d chunks  %.0f B/s", p.Percentage, p.UploadedChunks, p.TotalChunks, p.Speed)
	})

	if err := task.Start(context.Background()); err != nil {
		die("Could not start upload:", err)
	}
	if err := <-done; err != nil {
		fmt.Println()
		die("Upload failed:", err)
	}
}

func uploadcmd(path string) {
	info, f := fileInfoFor(path)
	defer f.Close()

	m, logger := openManager()
	defer logger.Close()
	defer m.Close()

	task, err := m.CreateTask(info, f, uploadtask.Options{})
	if err != nil {
		die("Could not create upload task:", err)
	}
	awaitTask(task)
}

func resumecmd(taskID, path string) {
	info, f := fileInfoFor(path)
	defer f.Close()

	m, logger := openManager()
	defer logger.Close()
	defer m.Close()

	task, err := m.ResumeTask(taskID, info, f, uploadtask.Options{})
	if err != nil {
		die("Could not resume task:", err)
	}
	awaitTask(task)
}

func taskscmd() {
	m, logger := openManager()
	defer logger.Close()
	defer m.Close()

	records, err := m.GetUnfinishedTasksInfo()
	if err != nil {
		die("Could not read progress records:", err)
	}
	if len(records) == 0 {
		fmt.Println("No unfinished uploads.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Task ID\tFile\tSize\tChunks done")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.TaskID, r.File.Name, r.File.Size, len(r.UploadedChunks))
	}
	w.Flush()
}
