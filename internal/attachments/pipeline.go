package attachments

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is a file picked for upload. Data may be nil for metadata-only
// validation; seekable data enables image previews.
type Source struct {
	Name     string
	MimeType string
	Size     int64
	Data     io.Reader
}

type Pipeline struct {
	validator *Validator
	objects   *ObjectURLs
	backend   storage.Backend
	store     *store.Store
	hub       *events.Hub
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

type Option func(*Pipeline)

func WithHub(hub *events.Hub) Option {
	return func(p *Pipeline) { p.hub = hub }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(logger) }
}

func NewPipeline(v *Validator, backend storage.Backend, st *store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator: v,
		objects:   NewObjectURLs(),
		backend:   backend,
		store:     st,
		logger:    zap.NewNop(),
		tasks:     make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Validate(f Source) error {
	return p.validator.Validate(f)
}

func (p *Pipeline) Preview(f Source) *messaging.Preview {
	return p.objects.Preview(f)
}

func (p *Pipeline) Revoke(url string) {
	p.objects.Revoke(url)
}

func (p *Pipeline) ObjectURLs() *ObjectURLs {
	return p.objects
}

// Tasks returns the uploads still in flight.
func (p *Pipeline) Tasks() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

func (p *Pipeline) Task(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// Upload validates every file, starts an independent upload for each valid
// one and, once all of them settle, appends one file message carrying the
// completed files. Rejected files never start uploading and do not block
// their siblings.
func (p *Pipeline) Upload(ctx context.Context, ref messaging.ConversationRef, senderID string, files ...Source) *Batch {
	b := &Batch{done: make(chan struct{})}

	for _, f := range files {
		if err := p.validator.Validate(f); err != nil {
			b.Rejected = append(b.Rejected, Rejection{File: f, Err: err})
			p.metrics.UploadFinished("rejected", 0)
			p.logger.Info("attachment rejected",
				zap.String("file", f.Name),
				zap.String("mime_type", f.MimeType),
				zap.Int64("size", f.Size),
				zap.Error(err),
			)
			continue
		}

		taskCtx, cancel := context.WithCancel(ctx)
		t := &Task{
			ID:         uuid.New().String(),
			File:       f,
			Preview:    p.objects.Preview(f),
			state:      StatePending,
			progressCh: make(chan int, 101),
			done:       make(chan struct{}),
			cancel:     cancel,
			pipeline:   p,
			ref:        ref,
		}
		p.mu.Lock()
		p.tasks[t.ID] = t
		p.mu.Unlock()

		b.Tasks = append(b.Tasks, t)
		go p.run(taskCtx, t)
	}

	go p.settle(ref, senderID, b)
	return b
}

func (p *Pipeline) run(ctx context.Context, t *Task) {
	if !t.begin() {
		return
	}

	var r io.Reader = strings.NewReader("")
	if t.File.Data != nil {
		r = t.File.Data
	}
	obj, err := p.backend.Put(ctx, &progressReader{r: r, task: t}, t.File.Name, normalizeMIME(t.File.MimeType))

	if ctx.Err() != nil && err != nil {
		t.Cancel()
	}

	if !t.finish(obj, err) {
		if obj != nil {
			if delErr := p.backend.Delete(context.Background(), obj.Key); delErr != nil {
				p.logger.Warn("failed to delete canceled upload", zap.String("key", obj.Key), zap.Error(delErr))
			}
		}
		return
	}

	if err != nil {
		p.logger.Warn("attachment upload failed", zap.String("file", t.File.Name), zap.Error(err))
	}
}

func (p *Pipeline) settle(ref messaging.ConversationRef, senderID string, b *Batch) {
	defer close(b.done)

	var files []messaging.File
	for _, t := range b.Tasks {
		<-t.Done()
		if f := t.Result(); f != nil {
			files = append(files, *f)
		}
	}
	if len(files) == 0 {
		return
	}

	msg, err := p.store.Append(ref, messaging.Message{
		SenderID: senderID,
		Type:     messaging.TypeFile,
		Files:    files,
		Delivery: messaging.DeliveryStatus{Sent: true},
	})
	b.mu.Lock()
	b.message, b.err = msg, err
	b.mu.Unlock()

	if err != nil {
		p.logger.Warn("failed to append file message", zap.String("conversation", ref.Key()), zap.Error(err))
	}
}

func (p *Pipeline) release(t *Task) {
	p.mu.Lock()
	delete(p.tasks, t.ID)
	p.mu.Unlock()

	if t.Preview != nil && t.Preview.URL != "" {
		p.objects.Revoke(t.Preview.URL)
	}
}

func (p *Pipeline) publish(t *Task, u events.Upload) {
	p.hub.Publish(events.Event{
		Type:         events.UploadProgress,
		Conversation: t.ref,
		Upload:       &u,
	})
}

type Rejection struct {
	File Source
	Err  error
}

type Batch struct {
	Tasks    []*Task
	Rejected []Rejection

	mu      sync.Mutex
	done    chan struct{}
	message *messaging.Message
	err     error
}

func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every task settled. The message is nil when no file
// completed.
func (b *Batch) Wait(ctx context.Context) (*messaging.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message, b.err
}

func (b *Batch) Cancel() {
	for _, t := range b.Tasks {
		t.Cancel()
	}
}

type progressReader struct {
	r    io.Reader
	task *Task
	read int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)
	if size := pr.task.File.Size; size > 0 {
		pct := int(pr.read * 100 / size)
		pr.task.report(min(pct, 99))
	}
	return n, err
}

var errCanceled = errors.Canceled("upload canceled")
