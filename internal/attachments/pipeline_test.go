package attachments

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var general = messaging.ChannelRef("general")

// gatedBackend blocks every Put until release is closed.
type gatedBackend struct {
	started     chan struct{}
	release     chan struct{}
	ignoreCtx   bool
	mu          sync.Mutex
	deleted     []string
	startedOnce sync.Once
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *gatedBackend) Put(ctx context.Context, r io.Reader, name, contentType string) (*storage.Object, error) {
	b.startedOnce.Do(func() { close(b.started) })
	if b.ignoreCtx {
		<-b.release
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.release:
		}
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	return &storage.Object{Key: "k/" + name, Name: name, ContentType: contentType, Size: n, URL: "https://files.test/" + name}, nil
}

func (b *gatedBackend) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return nil, "", errors.NotFound("object not found")
}

func (b *gatedBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, key)
	return nil
}

func (b *gatedBackend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

type failingBackend struct{ gatedBackend }

func (b *failingBackend) Put(ctx context.Context, r io.Reader, name, contentType string) (*storage.Object, error) {
	return nil, errors.Unavailable("storage offline", io.ErrUnexpectedEOF)
}

func newPipeline(t *testing.T, backend storage.Backend, opts ...Option) (*Pipeline, *store.Store) {
	t.Helper()
	v, err := NewValidator(DefaultMaxFileSize, config.DefaultAllowedTypes)
	require.NoError(t, err)
	st := store.New(nil, nil, nil)
	return NewPipeline(v, backend, st, opts...), st
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUploadToLocalStorage(t *testing.T) {
	dir := t.TempDir()
	local, err := storage.NewLocal(dir, "http://localhost/files", nil)
	require.NoError(t, err)
	p, st := newPipeline(t, local)

	img := pngBytes(t, 640, 480)
	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "cat.png", MimeType: "image/png", Size: int64(len(img)), Data: bytes.NewReader(img)},
		Source{Name: "notes.txt", MimeType: "text/plain", Size: 5, Data: strings.NewReader("hello")},
	)
	require.Len(t, batch.Tasks, 2)
	assert.Empty(t, batch.Rejected)

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, messaging.TypeFile, msg.Type)
	assert.Equal(t, "alice", msg.SenderID)
	assert.True(t, msg.Delivery.Sent)
	require.Len(t, msg.Files, 2)

	photo := msg.Files[0]
	assert.Equal(t, "cat.png", photo.Name)
	assert.Equal(t, int64(len(img)), photo.SizeBytes)
	assert.True(t, strings.HasPrefix(photo.URL, "http://localhost/files/"))
	require.NotNil(t, photo.Preview)
	assert.Equal(t, photo.URL, photo.Preview.URL)
	assert.Equal(t, 640, photo.Preview.Width)
	assert.Equal(t, 480, photo.Preview.Height)

	assert.Equal(t, "notes.txt", msg.Files[1].Name)
	assert.Nil(t, msg.Files[1].Preview)

	stored := st.List(general)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.LocalID, stored[0].LocalID)

	for _, task := range batch.Tasks {
		assert.Equal(t, StateCompleted, task.State())
		assert.Equal(t, 100, task.Percent())
	}
	assert.Zero(t, p.ObjectURLs().Len())
	assert.Empty(t, p.Tasks())
}

func TestUploadRejectsInvalidFilesIndividually(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir(), "http://localhost/files", nil)
	require.NoError(t, err)
	p, st := newPipeline(t, local)

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "huge.zip", MimeType: "application/zip", Size: 60 * 1024 * 1024},
		Source{Name: "table.csv", MimeType: "text/csv", Size: 10, Data: strings.NewReader("a,b")},
		Source{Name: "doc.pdf", MimeType: "application/pdf", Size: 4, Data: strings.NewReader("%PDF")},
	)

	require.Len(t, batch.Rejected, 2)
	assert.ErrorIs(t, batch.Rejected[0].Err, errors.ErrFileTooLarge)
	assert.ErrorIs(t, batch.Rejected[1].Err, errors.ErrUnsupportedType)
	require.Len(t, batch.Tasks, 1)

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, msg.Files, 1)
	require.NotNil(t, msg.Files[0].Preview)
	assert.Equal(t, messaging.PreviewPlaceholder, msg.Files[0].Preview.Kind)
	assert.Equal(t, PDFIcon, msg.Files[0].Preview.Icon)
	assert.Len(t, st.List(general), 1)
}

func TestUploadWithOnlyRejectedFiles(t *testing.T) {
	p, st := newPipeline(t, newGatedBackend())

	batch := p.Upload(context.Background(), general, "alice", Source{Name: "x.csv", MimeType: "text/csv", Size: 1})
	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, st.List(general))
}

func TestCancelBeforeStorageFinishes(t *testing.T) {
	backend := newGatedBackend()
	p, st := newPipeline(t, backend)

	img := pngBytes(t, 64, 64)
	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "cat.png", MimeType: "image/png", Size: int64(len(img)), Data: bytes.NewReader(img)})
	require.Len(t, batch.Tasks, 1)
	task := batch.Tasks[0]

	<-backend.started
	assert.Equal(t, 1, p.ObjectURLs().Len())
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, msg)

	assert.Equal(t, StateCanceled, task.State())
	assert.ErrorIs(t, task.Err(), errors.ErrCanceled)
	assert.Nil(t, task.Result())
	assert.Empty(t, st.List(general))
	assert.Zero(t, p.ObjectURLs().Len())
	assert.Empty(t, p.Tasks())
}

func TestCanceledUploadIsDeletedWhenStorageCompletesLate(t *testing.T) {
	backend := newGatedBackend()
	backend.ignoreCtx = true
	p, st := newPipeline(t, backend)

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "doc.pdf", MimeType: "application/pdf", Size: 4, Data: strings.NewReader("%PDF")})
	task := batch.Tasks[0]

	<-backend.started
	require.True(t, task.Cancel())
	close(backend.release)

	assert.Eventually(t, func() bool {
		return len(backend.Deleted()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"k/doc.pdf"}, backend.Deleted())
	assert.Equal(t, StateCanceled, task.State())
	assert.Empty(t, st.List(general))
}

func TestCancelOneOfMany(t *testing.T) {
	backend := newGatedBackend()
	p, st := newPipeline(t, backend)

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "a.pdf", MimeType: "application/pdf", Size: 1, Data: strings.NewReader("a")},
		Source{Name: "b.pdf", MimeType: "application/pdf", Size: 1, Data: strings.NewReader("b")},
	)
	require.Len(t, batch.Tasks, 2)

	<-backend.started
	require.True(t, batch.Tasks[0].Cancel())
	close(backend.release)

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, "b.pdf", msg.Files[0].Name)
	assert.Len(t, st.List(general), 1)
}

func TestBatchCancel(t *testing.T) {
	backend := newGatedBackend()
	p, st := newPipeline(t, backend)

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "a.pdf", MimeType: "application/pdf", Size: 1, Data: strings.NewReader("a")},
		Source{Name: "b.pdf", MimeType: "application/pdf", Size: 1, Data: strings.NewReader("b")},
	)
	batch.Cancel()

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, st.List(general))
	for _, task := range batch.Tasks {
		assert.Equal(t, StateCanceled, task.State())
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir(), "http://localhost/files", nil)
	require.NoError(t, err)
	p, _ := newPipeline(t, local)

	payload := bytes.Repeat([]byte("x"), 256*1024)
	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "big.txt", MimeType: "text/plain", Size: int64(len(payload)), Data: bytes.NewReader(payload)})
	task := batch.Tasks[0]

	var seen []int
	for pct := range task.Progress() {
		seen = append(seen, pct)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}

	_, err = batch.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestFailedUploadIsReported(t *testing.T) {
	p, st := newPipeline(t, &failingBackend{})

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "a.pdf", MimeType: "application/pdf", Size: 1, Data: strings.NewReader("a")})

	msg, err := batch.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, StateFailed, batch.Tasks[0].State())
	assert.Error(t, batch.Tasks[0].Err())
	assert.Empty(t, st.List(general))
}

func TestUploadPublishesProgressEvents(t *testing.T) {
	hub := events.NewHub(nil)
	sub := hub.AddSubscriber("view")
	require.True(t, hub.Subscribe("view", general.Key()))

	local, err := storage.NewLocal(t.TempDir(), "http://localhost/files", nil)
	require.NoError(t, err)
	p, _ := newPipeline(t, local, WithHub(hub))

	batch := p.Upload(context.Background(), general, "alice",
		Source{Name: "a.txt", MimeType: "text/plain", Size: 3, Data: strings.NewReader("abc")})
	_, err = batch.Wait(waitCtx(t))
	require.NoError(t, err)

	var last *events.Upload
	for len(sub.Events()) > 0 {
		ev := <-sub.Events()
		assert.Equal(t, events.UploadProgress, ev.Type)
		last = ev.Upload
	}
	require.NotNil(t, last)
	assert.True(t, last.Done)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, batch.Tasks[0].ID, last.TaskID)
}
