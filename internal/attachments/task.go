package attachments

import (
	"context"
	"strings"
	"sync"

	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
)

type TaskState string

const (
	StatePending   TaskState = "pending"
	StateUploading TaskState = "uploading"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCanceled  TaskState = "canceled"
)

func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task tracks one file upload. Progress values are strictly increasing
// within 0..100 and the channel closes when the task settles.
type Task struct {
	ID      string
	File    Source
	Preview *messaging.Preview

	mu         sync.Mutex
	state      TaskState
	progress   int
	err        error
	result     *messaging.File
	progressCh chan int
	done       chan struct{}
	cancel     context.CancelFunc
	pipeline   *Pipeline
	ref        messaging.ConversationRef
}

func (t *Task) Progress() <-chan int {
	return t.progressCh
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Result() *messaging.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return nil
	}
	f := *t.result
	return &f
}

// Cancel stops the upload. Once it returns true the task emits no further
// progress and its file never reaches the store. It returns false when the
// task had already settled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = StateCanceled
	t.err = errCanceled
	t.pipeline.publish(t, events.Upload{TaskID: t.ID, FileName: t.File.Name, Progress: t.progress, Canceled: true})
	t.pipeline.metrics.UploadFinished("canceled", 0)
	t.closeLocked()
	t.mu.Unlock()

	t.cancel()
	return true
}

func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateUploading
	t.emitLocked(0)
	return true
}

func (t *Task) report(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateUploading || pct <= t.progress {
		return
	}
	t.emitLocked(pct)
}

// finish settles the task with the backend result. It returns false when
// the task was canceled in the meantime.
func (t *Task) finish(obj *storage.Object, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateUploading {
		return false
	}
	if err != nil {
		t.state = StateFailed
		t.err = err
		t.pipeline.publish(t, events.Upload{TaskID: t.ID, FileName: t.File.Name, Progress: t.progress, Done: true, Err: err.Error()})
		t.pipeline.metrics.UploadFinished("failed", 0)
		t.closeLocked()
		t.cancel()
		return true
	}

	t.state = StateCompleted
	t.result = fileFromObject(t.File, obj, t.Preview)
	t.emitLocked(100)
	t.pipeline.publish(t, events.Upload{TaskID: t.ID, FileName: t.File.Name, Progress: 100, Done: true})
	t.pipeline.metrics.UploadFinished("completed", obj.Size)
	t.closeLocked()
	t.cancel()
	return true
}

func (t *Task) emitLocked(pct int) {
	if pct > 0 && pct <= t.progress {
		return
	}
	t.progress = pct
	select {
	case t.progressCh <- pct:
	default:
	}
	if pct < 100 {
		t.pipeline.publish(t, events.Upload{TaskID: t.ID, FileName: t.File.Name, Progress: pct})
	}
}

// closeLocked unregisters the task before signaling completion.
func (t *Task) closeLocked() {
	t.pipeline.release(t)
	close(t.progressCh)
	close(t.done)
}

func fileFromObject(src Source, obj *storage.Object, preview *messaging.Preview) *messaging.File {
	f := &messaging.File{
		Name:      src.Name,
		URL:       obj.URL,
		MimeType:  normalizeMIME(src.MimeType),
		SizeBytes: obj.Size,
	}
	if preview != nil {
		p := *preview
		if p.Kind == messaging.PreviewImage {
			p.URL = obj.URL
		}
		f.Preview = &p
	}
	if f.Name == "" {
		f.Name = obj.Name
	}
	if f.MimeType == "" {
		f.MimeType = strings.ToLower(obj.ContentType)
	}
	return f
}
