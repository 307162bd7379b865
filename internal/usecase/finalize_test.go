package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/domain"
)

func finalizeFixture(job domain.Job) (FinalizeService, *fakeJobs, *fakeDispatcher, *fakeNotifier) {
	jobs := newFakeJobs()
	jobs.jobs[job.ID] = job
	store := newFakeStore()
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{result: domain.WebhookOK}
	svc := NewFinalizeService(jobs, store, disp, notif, 15*time.Minute)
	return svc, jobs, disp, notif
}

func TestFinalize_AllSucceededCompletes(t *testing.T) {
	t.Parallel()
	svc, jobs, disp, notif := finalizeFixture(domain.Job{
		ID: "j1", Status: domain.JobProcessing, OriginalFilename: "a.png",
	})

	outcomes := []domain.Outcome{
		{Operation: domain.OpWebP, Key: "processed/j1/webp.webp"},
		{Operation: domain.OpJPG, Key: "processed/j1/jpg.jpg"},
	}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Len(t, j.ResultKeys, 2)
	assert.Equal(t, []string{"j1"}, disp.archives)
	assert.Empty(t, notif.payloads, "no webhook configured")
}

func TestFinalize_PartialFailureStillCompletes(t *testing.T) {
	t.Parallel()
	svc, jobs, disp, _ := finalizeFixture(domain.Job{ID: "j1", Status: domain.JobProcessing})

	outcomes := []domain.Outcome{
		{Operation: domain.OpWebP, Key: "processed/j1/webp.webp"},
		{Operation: domain.OpAVIF, Err: "encode failed"},
	}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Len(t, j.ResultKeys, 1)
	assert.Contains(t, j.Error, "avif")
	assert.Len(t, disp.archives, 1)
}

func TestFinalize_AllImageFailuresFailWithoutWebhook(t *testing.T) {
	t.Parallel()
	svc, jobs, disp, notif := finalizeFixture(domain.Job{
		ID: "j1", Status: domain.JobProcessing, WebhookURL: "https://client.example/hook",
	})

	outcomes := []domain.Outcome{
		{Operation: domain.OpWebP, Err: "decode failed"},
		{Operation: domain.OpJPG, Err: "decode failed"},
	}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Empty(t, disp.archives, "no archive for failed job")
	assert.Empty(t, notif.payloads, "failed jobs never notify")
}

func TestFinalize_MetadataOnlyJobCompletes(t *testing.T) {
	t.Parallel()
	svc, jobs, disp, _ := finalizeFixture(domain.Job{ID: "j1", Status: domain.JobProcessing})

	outcomes := []domain.Outcome{
		{Operation: domain.OpMetadata, Metadata: map[string]any{"camera_make": "Canon"}},
	}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Empty(t, j.ResultKeys)
	assert.Equal(t, "Canon", j.Metadata["camera_make"])
	assert.Empty(t, disp.archives, "no images, no archive")
}

func TestFinalize_WebhookFailureFlipsStatus(t *testing.T) {
	t.Parallel()
	svc, jobs, _, notif := finalizeFixture(domain.Job{
		ID: "j1", Status: domain.JobProcessing, WebhookURL: "https://client.example/hook",
	})
	notif.result = domain.WebhookFailed

	outcomes := []domain.Outcome{{Operation: domain.OpWebP, Key: "processed/j1/webp.webp"}}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobCompletedWebhookFailed, j.Status)
	require.Len(t, notif.payloads, 1)
	assert.Equal(t, domain.JobCompleted, notif.payloads[0].Status, "payload carries the completion")
	assert.Contains(t, notif.payloads[0].ResultURLs, "webp")
}

func TestFinalize_BreakerSkipFlipsStatus(t *testing.T) {
	t.Parallel()
	svc, jobs, _, notif := finalizeFixture(domain.Job{
		ID: "j1", Status: domain.JobProcessing, WebhookURL: "https://client.example/hook",
	})
	notif.result = domain.WebhookSkipped

	outcomes := []domain.Outcome{{Operation: domain.OpWebP, Key: "processed/j1/webp.webp"}}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))
	assert.Equal(t, domain.JobCompletedWebhookFailed, jobs.get("j1").Status)
}

func TestFinalize_TerminalJobIsUntouched(t *testing.T) {
	t.Parallel()
	svc, jobs, disp, notif := finalizeFixture(domain.Job{
		ID: "j1", Status: domain.JobCompleted, WebhookURL: "https://client.example/hook",
		ResultKeys: map[domain.OperationTag]string{domain.OpWebP: "processed/j1/webp.webp"},
	})

	outcomes := []domain.Outcome{{Operation: domain.OpWebP, Err: "late redelivery"}}
	require.NoError(t, svc.Finalize(context.Background(), "j1", outcomes, time.Now()))

	j := jobs.get("j1")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Len(t, j.ResultKeys, 1)
	assert.Empty(t, disp.archives)
	assert.Empty(t, notif.payloads)
}

func TestFinalize_UnknownJobErrors(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := finalizeFixture(domain.Job{ID: "other"})
	err := svc.Finalize(context.Background(), "missing", nil, time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
