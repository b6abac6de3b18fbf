package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Attachment state broker
// ============================================================================

// AttachmentStateBroker publishes attachment lists per message. Subscribers
// only ever see the newest list.
type AttachmentStateBroker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan []Attachment
	next int
}

// NewAttachmentStateBroker returns an empty broker.
func NewAttachmentStateBroker() *AttachmentStateBroker {
	return &AttachmentStateBroker{subs: make(map[string]map[int]chan []Attachment)}
}

// Subscribe listens for attachment updates of one message.
func (b *AttachmentStateBroker) Subscribe(messageID string) (<-chan []Attachment, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan []Attachment, 1)
	if b.subs[messageID] == nil {
		b.subs[messageID] = make(map[int]chan []Attachment)
	}
	b.subs[messageID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[messageID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, messageID)
			}
		})
	}
}

// Publish delivers a copy of atts to the message's subscribers.
func (b *AttachmentStateBroker) Publish(messageID string, atts []Attachment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[messageID] {
		select {
		case <-ch:
		default:
		}
		ch <- append([]Attachment(nil), atts...)
	}
}

// Subscribers reports how many subscriptions a message has.
func (b *AttachmentStateBroker) Subscribers(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[messageID])
}

// ============================================================================
// Upload worker
// ============================================================================

// UploadWorker uploads the pending attachments of a message in the
// background, persisting and publishing every state change.
type UploadWorker struct {
	repo     Repository
	uploader AttachmentUploader
	broker   *AttachmentStateBroker
	registry *StateRegistry
	logger   *zap.Logger
	metrics  *Metrics

	wg sync.WaitGroup
}

var _ UploadJobQueue = (*UploadWorker)(nil)

// NewUploadWorker wires a worker. registry may be nil.
func NewUploadWorker(repo Repository, uploader AttachmentUploader, broker *AttachmentStateBroker, registry *StateRegistry, cfg Config) *UploadWorker {
	cfg.defaults()
	return &UploadWorker{
		repo:     repo,
		uploader: uploader,
		broker:   broker,
		registry: registry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// EnqueueJob starts uploading the message's pending attachments. The job
// stops when ctx is cancelled.
func (w *UploadWorker) EnqueueJob(ctx context.Context, channelType, channelID, messageID string) error {
	if w.uploader == nil {
		return fmt.Errorf("enqueue upload for %s: no uploader configured", messageID)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Run(ctx, channelType, channelID, messageID); err != nil {
			w.logger.Warn("upload_job_failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every started job has returned.
func (w *UploadWorker) Wait() { w.wg.Wait() }

// Run uploads the pending attachments of one message synchronously. It stops
// at the first failed attachment.
func (w *UploadWorker) Run(ctx context.Context, channelType, channelID, messageID string) error {
	stored, err := w.repo.SelectMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if stored == nil {
		return fmt.Errorf("upload for %s: %w", messageID, ErrMessageNotFound)
	}
	msg := *stored

	for i := range msg.Attachments {
		if msg.Attachments[i].UploadState.Kind == UploadSuccess {
			continue
		}
		att := msg.Attachments[i]
		att.UploadState = UploadState{Kind: UploadInProgress, TotalBytes: att.FileSize}
		msg.Attachments[i] = att
		if err := w.commit(ctx, msg); err != nil {
			return err
		}

		idx := i
		progress := func(uploaded, total int64) {
			cur := msg.Attachments[idx]
			cur.UploadState = UploadState{Kind: UploadInProgress, BytesUploaded: uploaded, TotalBytes: total}
			snapshot := append([]Attachment(nil), msg.Attachments...)
			snapshot[idx] = cur
			w.broker.Publish(messageID, snapshot)
		}

		uploaded, err := w.uploader.UploadAttachment(ctx, channelType, channelID, att, progress)
		if err != nil {
			att.UploadState = UploadState{Kind: UploadFailed, TotalBytes: att.FileSize, Error: err.Error()}
			msg.Attachments[i] = att
			w.metrics.UploadOutcomes.WithLabelValues("failed").Inc()
			if cerr := w.commit(context.WithoutCancel(ctx), msg); cerr != nil {
				return cerr
			}
			return fmt.Errorf("upload attachment %s: %w", att.UploadID, err)
		}

		uploaded.UploadID = att.UploadID
		uploaded.LocalPath = att.LocalPath
		uploaded.UploadState = UploadState{Kind: UploadSuccess, BytesUploaded: att.FileSize, TotalBytes: att.FileSize}
		msg.Attachments[i] = uploaded
		w.metrics.UploadOutcomes.WithLabelValues("success").Inc()
		if err := w.commit(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// commit persists the message, mirrors it into an existing channel state and
// then publishes its attachments.
func (w *UploadWorker) commit(ctx context.Context, msg Message) error {
	if err := w.repo.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist upload state of %s: %w", msg.ID, err)
	}
	if w.registry != nil {
		if cs, ok := w.registry.ExistingChannel(msg.CID); ok {
			cs.UpsertMessages(msg)
		}
	}
	w.broker.Publish(msg.ID, msg.Attachments)
	return nil
}
