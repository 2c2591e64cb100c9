package uploadmanager

import (
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/uploadtask"
)

// Plugin is a bundle of optional lifecycle hooks. A plugin
// implements only the hooks it cares about; nil fields are skipped. Hook
// panics are caught and swallowed by the manager, the same isolation the
// event bus gives individual handlers.
type Plugin struct {
	Name string

	Install        func(*Manager) error
	OnTaskCreated  func(task *uploadtask.Task)
	OnTaskStart    func(task *uploadtask.Task)
	OnTaskProgress func(task *uploadtask.Task, progress protocol.ProgressPayload)
	OnTaskSuccess  func(task *uploadtask.Task, fileURL string)
	OnTaskError    func(task *uploadtask.Task, cause error)
	OnTaskPause    func(task *uploadtask.Task)
	OnTaskResume   func(task *uploadtask.Task)
	OnTaskCancel   func(task *uploadtask.Task)
}
