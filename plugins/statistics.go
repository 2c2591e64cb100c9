package plugins

import (
	"sync"
	"time"

	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadmanager"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

// Snapshot is a point-in-time read of the statistics plugin's counters.
type Snapshot struct {
	Total        int
	Successes    int
	Errors       int
	Cancels      int
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes/sec, 0 if TotalTime is 0
	SuccessRate  float64 // successes / (successes+errors+cancels), 0 if denominator is 0
}

// Statistics aggregates counts, bytes, and elapsed time across every task a
// Manager reports lifecycle events for. It tolerates events in any order:
// a progress event for a task it has not seen "start" for is counted the
// same as any other.
type Statistics struct {
	mu         sync.Mutex
	total      map[string]struct{}
	successes  int
	errors     int
	cancels    int
	totalBytes int64
	totalTime  time.Duration
	startedAt  map[string]time.Time
}

// NewStatistics constructs an empty Statistics aggregator.
func NewStatistics() *Statistics {
	return &Statistics{
		total:     make(map[string]struct{}),
		startedAt: make(map[string]time.Time),
	}
}

// Plugin returns the uploadmanager.Plugin wiring this aggregator to task
// lifecycle events.
func (s *Statistics) Plugin() uploadmanager.Plugin {
	return uploadmanager.Plugin{
		Name: "statistics",
		OnTaskCreated: func(task *uploadtask.Task) {
			if task != nil {
				s.seen(task.ID())
			}
		},
		OnTaskStart: func(task *uploadtask.Task) {
			if task == nil {
				return
			}
			s.mu.Lock()
			s.startedAt[task.ID()] = time.Now()
			s.mu.Unlock()
			s.seen(task.ID())
		},
		OnTaskProgress: func(task *uploadtask.Task, p protocol.ProgressPayload) {
			if task != nil {
				s.seen(task.ID())
			}
		},
		OnTaskSuccess: func(task *uploadtask.Task, fileURL string) {
			if task == nil {
				return
			}
			s.seen(task.ID())
			s.finish(task, true)
		},
		OnTaskError: func(task *uploadtask.Task, cause error) {
			if task == nil {
				return
			}
			s.seen(task.ID())
			s.finish(task, false)
		},
		OnTaskCancel: func(task *uploadtask.Task) {
			if task == nil {
				return
			}
			s.seen(task.ID())
			s.mu.Lock()
			s.cancels++
			delete(s.startedAt, task.ID())
			s.mu.Unlock()
		},
	}
}

func (s *Statistics) seen(taskID string) {
	s.mu.Lock()
	s.total[taskID] = struct{}{}
	s.mu.Unlock()
}

func (s *Statistics) finish(task *uploadtask.Task, success bool) {
	progress := task.GetProgress()
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.successes++
	} else {
		s.errors++
	}
	s.totalBytes += progress.UploadedBytes
	if start, ok := s.startedAt[task.ID()]; ok {
		s.totalTime += time.Since(start)
		delete(s.startedAt, task.ID())
	}
}

// Snapshot returns the current aggregate counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Total:      len(s.total),
		Successes:  s.successes,
		Errors:     s.errors,
		Cancels:    s.cancels,
		TotalBytes: s.totalBytes,
		TotalTime:  s.totalTime,
	}
	if snap.TotalTime > 0 {
		snap.AverageSpeed = float64(snap.TotalBytes) / snap.TotalTime.Seconds()
	}
	if denom := snap.Successes + snap.Errors + snap.Cancels; denom > 0 {
		snap.SuccessRate = float64(snap.Successes) / float64(denom)
	}
	return snap
}
