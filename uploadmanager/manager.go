// Package uploadmanager implements the multi-task registry: it creates and
// tracks UploadTasks, fans lifecycle events out to plugins, and
// orchestrates resume-after-restart. CreateTask and ResumeTask guard against
// post-shutdown calls with a threadgroup: Add at entry, Done on return,
// Stop blocks Close until every in-flight call of theirs has drained.
package uploadmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/threadgroup"

	"github.com/SajanLamichhane/chunkflow/eventbus"
	"github.com/SajanLamichhane/chunkflow/progressstore"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

// Resume validation errors.
var (
	ErrFileNameMismatch = errors.New("File name mismatch")
	ErrFileSizeMismatch = errors.New("File size mismatch")
	ErrFileTypeMismatch = errors.New("File type mismatch")
	ErrTaskNotFound     = errors.New("no task with that id")
	ErrRecordNotFound   = errors.New("no persisted record for that task id")
)

// Statistics is the snapshot returned by GetStatistics.
type Statistics struct {
	Total     int
	Idle      int
	Uploading int
	Paused    int
	Success   int
	Error     int
	Cancelled int
}

// Manager is a registry of upload tasks, keyed by taskId and iterated in
// insertion order. The zero value is not usable; construct with New.
type Manager struct {
	adapter adapterCapability
	store   *progressstore.Store

	tg threadgroup.ThreadGroup

	mu      sync.Mutex
	order   []string
	tasks   map[string]*uploadtask.Task
	plugins []Plugin

	// nextChunkSize is the chunk size the most recently finished task's
	// adaptive controller settled on; new tasks that express no preference
	// of their own are seeded with it.
	nextChunkSize int64
}

// adapterCapability mirrors adapter.RequestAdapter without importing the
// adapter package directly, keeping uploadmanager decoupled from any one
// transport implementation (callers pass whichever RequestAdapter they
// constructed).
type adapterCapability = interface {
	CreateFile(ctx context.Context, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error)
	VerifyHash(ctx context.Context, req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error)
	UploadChunk(ctx context.Context, req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error)
	MergeFile(ctx context.Context, req protocol.MergeFileRequest) (protocol.MergeFileResponse, error)
}

// New constructs a Manager. store may be nil to run with in-memory-only
// progress tracking.
func New(a adapterCapability, store *progressstore.Store) *Manager {
	return &Manager{
		adapter: a,
		store:   store,
		tasks:   make(map[string]*uploadtask.Task),
	}
}

// Use registers a plugin. Plugins are invoked in registration order;
// duplicate names are permitted. Install, if set, runs immediately.
func (m *Manager) Use(p Plugin) {
	m.mu.Lock()
	m.plugins = append(m.plugins, p)
	m.mu.Unlock()
	if p.Install != nil {
		safeCall(func() { p.Install(m) })
	}
}

// CreateTask constructs and registers a new task for file, wiring its event
// bus to the manager's plugins.
func (m *Manager) CreateTask(file protocol.FileInfo, source uploadtask.Source, opts uploadtask.Options) (*uploadtask.Task, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()

	opts = m.seedChunkSize(opts)
	bus := eventbus.New()
	task, err := uploadtask.New(file, source, m.adapter, m.store, bus, opts)
	if err != nil {
		return nil, err
	}
	m.register(task)
	m.wirePlugins(task, bus)
	m.notifyPlugins(func(p Plugin) {
		if p.OnTaskCreated != nil {
			p.OnTaskCreated(task)
		}
	})
	return task, nil
}

// seedChunkSize fills an absent chunk-size preference with the size the
// last finished task's adaptive controller arrived at, so consecutive
// uploads on the same link start from the observed sweet spot instead of
// the protocol default.
func (m *Manager) seedChunkSize(opts uploadtask.Options) uploadtask.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.PreferredChunkSize == 0 && opts.InitialChunkSize == 0 && m.nextChunkSize > 0 {
		opts.PreferredChunkSize = m.nextChunkSize
		opts.InitialChunkSize = m.nextChunkSize
	}
	return opts
}

// recordNextChunkSize captures a finished task's adapted chunk size for
// seedChunkSize to hand to the next task.
func (m *Manager) recordNextChunkSize(task *uploadtask.Task) {
	if size := task.NextChunkSize(); size > 0 {
		m.mu.Lock()
		m.nextChunkSize = size
		m.mu.Unlock()
	}
}

func (m *Manager) register(task *uploadtask.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID()] = task
	m.order = append(m.order, task.ID())
}

// wirePlugins subscribes a wildcard handler that translates the task's raw
// topic events into the named plugin hooks.
func (m *Manager) wirePlugins(task *uploadtask.Task, bus *eventbus.Bus) {
	bus.OnAny(func(topic string, payload interface{}) {
		switch topic {
		case protocol.EventStart:
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskStart != nil {
					p.OnTaskStart(task)
				}
			})
		case protocol.EventProgress:
			prog, _ := payload.(protocol.ProgressPayload)
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskProgress != nil {
					p.OnTaskProgress(task, prog)
				}
			})
		case protocol.EventSuccess:
			m.recordNextChunkSize(task)
			s, _ := payload.(protocol.SuccessPayload)
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskSuccess != nil {
					p.OnTaskSuccess(task, s.FileURL)
				}
			})
		case protocol.EventError:
			m.recordNextChunkSize(task)
			e, _ := payload.(protocol.ErrorPayload)
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskError != nil {
					p.OnTaskError(task, e.Error)
				}
			})
		case protocol.EventPause:
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskPause != nil {
					p.OnTaskPause(task)
				}
			})
		case protocol.EventResume:
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskResume != nil {
					p.OnTaskResume(task)
				}
			})
		case protocol.EventCancel:
			m.notifyPlugins(func(p Plugin) {
				if p.OnTaskCancel != nil {
					p.OnTaskCancel(task)
				}
			})
		}
	})
}

// notifyPlugins calls fn for every registered plugin, in registration
// order, isolating panics so one misbehaving plugin cannot take down the
// manager or the plugins after it.
func (m *Manager) notifyPlugins(fn func(Plugin)) {
	m.mu.Lock()
	plugins := append([]Plugin(nil), m.plugins...)
	m.mu.Unlock()
	for _, p := range plugins {
		p := p
		safeCall(func() { fn(p) })
	}
}

func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}

// GetTask returns the task registered under id, if any.
func (m *Manager) GetTask(id string) (*uploadtask.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// GetAllTasks returns every registered task, in insertion order.
func (m *Manager) GetAllTasks() []*uploadtask.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*uploadtask.Task, 0, len(m.order))
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// DeleteTask cancels task (if not already terminal) and removes it from the
// registry. Deleting an unknown id is a no-op.
func (m *Manager) DeleteTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
		m.order = removeID(m.order, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if !task.GetStatus().Terminal() {
		task.Cancel()
	} else if m.store != nil {
		// A task that failed keeps its record to allow manual resume;
		// explicit deletion is the point of no return.
		m.store.DeleteRecord(id)
	}
	return nil
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// PauseAll pauses every task currently uploading. Tasks for which Pause is
// not a valid transition are skipped.
func (m *Manager) PauseAll() {
	for _, t := range m.GetAllTasks() {
		t.Pause()
	}
}

// ResumeAll resumes every paused task.
func (m *Manager) ResumeAll() {
	for _, t := range m.GetAllTasks() {
		t.Resume()
	}
}

// CancelAll cancels every non-terminal task.
func (m *Manager) CancelAll() {
	for _, t := range m.GetAllTasks() {
		if !t.GetStatus().Terminal() {
			t.Cancel()
		}
	}
}

// ClearCompletedTasks removes every task in a terminal state from the
// registry, best-effort deleting any progress record still on disk
// (success and cancel delete their own records; error keeps its record
// until cleared, to allow manual resume).
func (m *Manager) ClearCompletedTasks() {
	for _, t := range m.GetAllTasks() {
		if t.GetStatus().Terminal() {
			m.mu.Lock()
			delete(m.tasks, t.ID())
			m.order = removeID(m.order, t.ID())
			m.mu.Unlock()
			if m.store != nil {
				m.store.DeleteRecord(t.ID())
			}
		}
	}
}

// GetStatistics tallies the registry by status.
func (m *Manager) GetStatistics() Statistics {
	var s Statistics
	for _, t := range m.GetAllTasks() {
		s.Total++
		switch t.GetStatus() {
		case protocol.StatusIdle:
			s.Idle++
		case protocol.StatusUploading:
			s.Uploading++
		case protocol.StatusPaused:
			s.Paused++
		case protocol.StatusSuccess:
			s.Success++
		case protocol.StatusError:
			s.Error++
		case protocol.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// GetUnfinishedTasksInfo returns every persisted upload record, for a UI to
// offer resumption after a restart. Returns an empty slice if the manager
// has no progress store.
func (m *Manager) GetUnfinishedTasksInfo() ([]progressstore.UploadRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.GetAllRecords()
}

// ResumeTask reconstructs a task from its persisted record, validating that
// file matches the record's name, size, and MIME type (lastModified is
// informational only). On success the prior record is
// deleted; a new one is written when the resumed task starts.
func (m *Manager) ResumeTask(taskID string, file protocol.FileInfo, source uploadtask.Source, opts uploadtask.Options) (*uploadtask.Task, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()

	if m.store == nil {
		return nil, ErrRecordNotFound
	}
	rec, err := m.store.GetRecord(taskID)
	if err != nil {
		return nil, errors.Extend(err, ErrRecordNotFound)
	}
	if file.Name != rec.File.Name {
		return nil, errors.Extend(fmt.Errorf("File name mismatch: expected %s, got %s", rec.File.Name, file.Name), ErrFileNameMismatch)
	}
	if file.Size != rec.File.Size {
		return nil, errors.Extend(fmt.Errorf("File size mismatch: expected %d, got %d", rec.File.Size, file.Size), ErrFileSizeMismatch)
	}
	if rec.File.MIMEType != "" && file.MIMEType != rec.File.MIMEType {
		return nil, errors.Extend(fmt.Errorf("File type mismatch: expected %s, got %s", rec.File.MIMEType, file.MIMEType), ErrFileTypeMismatch)
	}

	opts = m.seedChunkSize(opts)
	opts.ResumeTaskID = taskID
	opts.ResumeUploadToken = rec.UploadToken
	opts.ResumeUploadedChunks = append([]int(nil), rec.UploadedChunks...)

	bus := eventbus.New()
	task, err := uploadtask.New(file, source, m.adapter, m.store, bus, opts)
	if err != nil {
		return nil, err
	}
	m.store.DeleteRecord(taskID)
	m.register(task)
	m.wirePlugins(task, bus)
	return task, nil
}

// Close cancels every task, waits for in-flight manager calls to drain,
// closes the progress store, and clears the registry.
func (m *Manager) Close() error {
	m.CancelAll()
	if err := m.tg.Stop(); err != nil {
		return err
	}
	var closeErr error
	if m.store != nil {
		closeErr = m.store.Close()
	}
	m.mu.Lock()
	m.tasks = make(map[string]*uploadtask.Task)
	m.order = nil
	m.mu.Unlock()
	return closeErr
}
