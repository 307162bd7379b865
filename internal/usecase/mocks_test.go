package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixtools/pixtools/internal/domain"
)

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]domain.Job
	created []string

	createErr error
	setErr    error
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]domain.Job{}} }

func (f *fakeJobs) Create(_ context.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[j.ID] = j
	f.created = append(f.created, j.ID)
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) MarkProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if ok && j.Status == domain.JobPending {
		j.Status = domain.JobProcessing
		f.jobs[id] = j
	}
	return nil
}

func (f *fakeJobs) UpdateStatus(_ context.Context, id string, status domain.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.ID = id
	j.Status = status
	j.Error = errMsg
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) SetResults(_ context.Context, id string, status domain.JobStatus, keys map[domain.OperationTag]string, metadata map[string]any, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	j := f.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.ID = id
	j.Status = status
	j.ResultKeys = keys
	j.Metadata = metadata
	j.Error = errMsg
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) SetArchiveKey(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.ArchiveKey = key
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) PruneBefore(_ context.Context, _ time.Time) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) get(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr  error
	signErr error
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) PutRaw(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) PutProcessed(ctx context.Context, key string, data []byte, ct string) error {
	return f.PutRaw(ctx, key, data, ct)
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("op=store.get: %w", domain.ErrNotFound)
	}
	return b, nil
}

func (f *fakeStore) Sign(_ context.Context, key string, _ time.Duration, name string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://store.local/" + key + "?dl=" + name, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

type fakeIdem struct {
	mu       sync.Mutex
	values   map[string]string
	checkErr error
	setErr   error
}

func newFakeIdem() *fakeIdem { return &fakeIdem{values: map[string]string{}} }

func (f *fakeIdem) Check(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return "", f.checkErr
	}
	return f.values[key], nil
}

func (f *fakeIdem) Set(_ context.Context, key, jobID string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return "", f.setErr
	}
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	f.values[key] = jobID
	return jobID, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	plans    []domain.Plan
	archives []string

	dispatchErr error
	archiveErr  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, p domain.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.plans = append(f.plans, p)
	return nil
}

func (f *fakeDispatcher) EnqueueArchive(_ context.Context, jobID string, _ map[domain.OperationTag]string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archives = append(f.archives, jobID)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	result   domain.WebhookResult
	payloads []domain.WebhookPayload
	urls     []string
}

func (f *fakeNotifier) Deliver(_ context.Context, url string, payload domain.WebhookPayload) domain.WebhookResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.payloads = append(f.payloads, payload)
	return f.result
}
