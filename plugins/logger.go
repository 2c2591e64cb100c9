// Package plugins provides the two reference uploadmanager plugins: a
// logger that writes one line per lifecycle event, and a statistics
// aggregator. Both tolerate events
// arriving out of order (e.g. a progress event before start), since a
// plugin is a passive observer of whatever the task's event bus emits.
package plugins

import (
	"github.com/SajanLamichhane/chunkflow/persist"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadmanager"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

// LoggerConfig selects which event kinds the logger plugin reports.
// Unset (false) fields default to logging that event kind.
type LoggerConfig struct {
	SkipCreated  bool
	SkipStart    bool
	SkipProgress bool
	SkipSuccess  bool
	SkipError    bool
	SkipPause    bool
	SkipResume   bool
	SkipCancel   bool
}

// NewLogger returns a plugin that writes one line per enabled lifecycle
// event to l, in the same bracketed-session style persist.Logger uses
// elsewhere in this module.
func NewLogger(l *persist.Logger, cfg LoggerConfig) uploadmanager.Plugin {
	return uploadmanager.Plugin{
		Name: "logger",
		OnTaskCreated: skipIf(cfg.SkipCreated, func(task *uploadtask.Task) {
			l.Printf("task %s created", task.ID())
		}),
		OnTaskStart: skipIf(cfg.SkipStart, func(task *uploadtask.Task) {
			l.Printf("task %s start", task.ID())
		}),
		OnTaskProgress: func(task *uploadtask.Task, p protocol.ProgressPayload) {
			if cfg.SkipProgress || task == nil {
				return
			}
			l.Printf("task %s progress %.1f%% (%d/%d chunks)", task.ID(), p.Percentage, p.UploadedChunks, p.TotalChunks)
		},
		OnTaskSuccess: func(task *uploadtask.Task, fileURL string) {
			if cfg.SkipSuccess || task == nil {
				return
			}
			l.Printf("task %s success %s", task.ID(), fileURL)
		},
		OnTaskError: func(task *uploadtask.Task, cause error) {
			if cfg.SkipError || task == nil {
				return
			}
			l.Printf("task %s error %v", task.ID(), cause)
		},
		OnTaskPause: skipIf(cfg.SkipPause, func(task *uploadtask.Task) {
			l.Printf("task %s pause", task.ID())
		}),
		OnTaskResume: skipIf(cfg.SkipResume, func(task *uploadtask.Task) {
			l.Printf("task %s resume", task.ID())
		}),
		OnTaskCancel: skipIf(cfg.SkipCancel, func(task *uploadtask.Task) {
			l.Printf("task %s cancel", task.ID())
		}),
	}
}

func skipIf(skip bool, fn func(task *uploadtask.Task)) func(task *uploadtask.Task) {
	if skip {
		return nil
	}
	return func(task *uploadtask.Task) {
		if task == nil {
			return
		}
		fn(task)
	}
}
