package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentBrokerLatestValue(t *testing.T) {
	b := NewAttachmentStateBroker()
	ch, cancel := b.Subscribe("m1")
	other, cancelOther := b.Subscribe("m2")
	defer cancelOther()
	require.Equal(t, 1, b.Subscribers("m1"))

	b.Publish("m1", []Attachment{{Name: "a"}})
	b.Publish("m1", []Attachment{{Name: "b"}})
	got := <-ch
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Name)

	select {
	case <-other:
		t.Fatal("subscriber of another message was notified")
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers("m1"))
	b.Publish("m1", []Attachment{{Name: "c"}})
}

func TestAttachmentBrokerPublishCopies(t *testing.T) {
	b := NewAttachmentStateBroker()
	ch, cancel := b.Subscribe("m1")
	defer cancel()

	atts := []Attachment{{Name: "a"}}
	b.Publish("m1", atts)
	atts[0].Name = "mutated"
	assert.Equal(t, "a", (<-ch)[0].Name)
}

func newWorkerFixture(t *testing.T, uploader AttachmentUploader) (*UploadWorker, *MemoryRepository, *AttachmentStateBroker, *Metrics) {
	t.Helper()
	clock := newFakeClock()
	cfg := testConfig(clock, newFakeScheduler(clock))
	cfg.Metrics = NewMetrics(nil)
	repo := NewMemoryRepository()
	broker := NewAttachmentStateBroker()
	w := NewUploadWorker(repo, uploader, broker, NewStateRegistry(repo, "alice", nil), cfg)
	return w, repo, broker, cfg.Metrics
}

func pendingMessage(t *testing.T, repo Repository, names ...string) Message {
	t.Helper()
	msg := testMessage("m1", "messaging:general", "alice", 0)
	msg.SyncStatus = SyncStatusInProgress
	for i, name := range names {
		att := fileAttachment(name)
		att.UploadID = "u" + string(rune('1'+i))
		att.UploadState = UploadState{Kind: UploadIdle}
		msg.Attachments = append(msg.Attachments, att)
	}
	require.NoError(t, repo.InsertMessage(context.Background(), msg))
	return msg
}

func TestUploadWorkerRunUploadsAll(t *testing.T) {
	ctx := context.Background()
	w, repo, broker, metrics := newWorkerFixture(t, &fakeUploader{})
	pendingMessage(t, repo, "a.pdf", "b.pdf")
	updates, cancel := broker.Subscribe("m1")
	defer cancel()

	require.NoError(t, w.Run(ctx, "messaging", "general", "m1"))

	stored, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 2)
	for _, a := range stored.Attachments {
		assert.Equal(t, UploadSuccess, a.UploadState.Kind)
		assert.Equal(t, "https://cdn.example.com/general/"+a.Name, a.AssetURL)
		assert.NotEmpty(t, a.UploadID)
	}
	last := <-updates
	assert.Equal(t, UploadSuccess, last[1].UploadState.Kind)
	assert.Equal(t, 2.0, counterValue(metrics.UploadOutcomes.WithLabelValues("success")))
}

func TestUploadWorkerStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	uploader := &fakeUploader{fail: map[string]error{"a.pdf": errors.New("too large")}}
	w, repo, _, metrics := newWorkerFixture(t, uploader)
	pendingMessage(t, repo, "a.pdf", "b.pdf")

	err := w.Run(ctx, "messaging", "general", "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	stored, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, stored.Attachments[0].UploadState.Kind)
	assert.Equal(t, "too large", stored.Attachments[0].UploadState.Error)
	assert.Equal(t, UploadIdle, stored.Attachments[1].UploadState.Kind)
	assert.Empty(t, uploader.Uploaded())
	assert.Equal(t, 1.0, counterValue(metrics.UploadOutcomes.WithLabelValues("failed")))
}

func TestUploadWorkerMissingMessage(t *testing.T) {
	w, _, _, _ := newWorkerFixture(t, &fakeUploader{})
	err := w.Run(context.Background(), "messaging", "general", "nope")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestUploadWorkerEnqueueJob(t *testing.T) {
	ctx := context.Background()
	w, repo, _, _ := newWorkerFixture(t, &fakeUploader{})
	pendingMessage(t, repo, "a.pdf")

	require.NoError(t, w.EnqueueJob(ctx, "messaging", "general", "m1"))
	w.Wait()
	stored, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, UploadSuccess, stored.Attachments[0].UploadState.Kind)

	bare, _, _, _ := newWorkerFixture(t, nil)
	assert.Error(t, bare.EnqueueJob(ctx, "messaging", "general", "m1"))
}

func TestUploadWorkerCancelled(t *testing.T) {
	uploader := &fakeUploader{block: true}
	w, repo, _, _ := newWorkerFixture(t, uploader)
	pendingMessage(t, repo, "a.pdf")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Run(ctx, "messaging", "general", "m1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := repo.SelectMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, stored.Attachments[0].UploadState.Kind, "failure is persisted after cancellation")
}
