package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]domain.StreamMessage
	seq       int
	failRead  error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streams: map[string][]domain.StreamMessage{}}
}

func (b *fakeBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: fmt.Sprintf("%d-0", b.seq), Payload: p})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRead != nil {
		return nil, b.failRead
	}
	var last int
	fmt.Sscanf(lastID, "%d", &last)
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		var id int
		fmt.Sscanf(m.ID, "%d", &id)
		if id > last && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired++
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type forwarded struct {
	subject domain.Owner
	op      domain.Operation
}

type fakeForwarder struct{ calls []forwarded }

func (f *fakeForwarder) Forward(_ context.Context, subject domain.Owner, op domain.Operation) error {
	f.calls = append(f.calls, forwarded{subject, op})
	return nil
}

type fakeNotifier struct{ events []string }

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

type fakeBlobs struct {
	objects   map[string][]byte
	mod       map[string]time.Time
	now       func() time.Time
	multipart []string
}

func newFakeBlobs(now func() time.Time) *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, mod: map[string]time.Time{}, now: now}
}

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[path] = b
	f.mod[path] = f.now()
	return nil
}

func (f *fakeBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	f.multipart = append(f.multipart, path)
	return f.Put(ctx, path, data, "")
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range f.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b)), LastModified: f.mod[p]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

func (f *fakeBlobs) Delete(_ context.Context, path string) error {
	delete(f.objects, path)
	delete(f.mod, path)
	return nil
}
