package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendOutcome is how a wait for attachment uploads ended.
type SendOutcome int

const (
	OutcomeUploaded SendOutcome = iota + 1
	OutcomeFailed
	OutcomeCancelled
)

func (o SendOutcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

type uploadWait struct {
	cancel context.CancelFunc
}

// SendMessageOrchestrator owns the local lifecycle of outgoing messages:
// local write, attachment upload wait and remote send.
type SendMessageOrchestrator struct {
	repo     Repository
	registry *StateRegistry
	api      MessageAPI
	uploads  UploadJobQueue
	deferred *DeferredUploadQueue
	broker   *AttachmentStateBroker
	online   func() bool

	currentUser User
	clock       Clock
	logger      *zap.Logger
	metrics     *Metrics

	mu    sync.Mutex
	waits map[string]*uploadWait
}

// NewSendMessageOrchestrator wires the orchestrator. deferred may be nil, in
// which case offline uploads are handed to uploads directly.
func NewSendMessageOrchestrator(repo Repository, registry *StateRegistry, broker *AttachmentStateBroker, uploads UploadJobQueue, deferred *DeferredUploadQueue, online func() bool, cfg Config) *SendMessageOrchestrator {
	cfg.defaults()
	if online == nil {
		online = func() bool { return true }
	}
	return &SendMessageOrchestrator{
		repo:        repo,
		registry:    registry,
		api:         cfg.MessageAPI,
		uploads:     uploads,
		deferred:    deferred,
		broker:      broker,
		online:      online,
		currentUser: cfg.CurrentUser,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		waits:       make(map[string]*uploadWait),
	}
}

// PrepareMessage fills in the local fields of an outgoing message: ids, the
// acting user, attachment upload states, local creation time and the initial
// sync status.
func (o *SendMessageOrchestrator) PrepareMessage(channelType, channelID string, msg Message) Message {
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CID == "" {
		msg.CID = CID(channelType, channelID)
	}
	if msg.User.ID == "" {
		msg.User = cloneUser(o.currentUser)
	}
	if msg.Type == "" {
		msg.Type = MessageTypeRegular
	}
	for i, a := range msg.Attachments {
		if a.NeedsUpload() {
			if a.UploadID == "" {
				a.UploadID = uuid.NewString()
			}
			a.UploadState = UploadState{Kind: UploadIdle, TotalBytes: a.FileSize}
		} else {
			a.UploadState = UploadState{Kind: UploadSuccess}
		}
		msg.Attachments[i] = a
	}
	now := o.clock.Now()
	msg.CreatedLocallyAt = &now

	switch {
	case msg.HasPendingAttachments():
		msg.SyncStatus = SyncStatusAwaitingAttachments
	case o.online():
		msg.SyncStatus = SyncStatusInProgress
	default:
		msg.SyncStatus = SyncStatusSyncNeeded
	}
	return msg
}

// SendMessage writes the message locally and then delivers it. With pending
// attachments and a connection it waits for the uploads; offline it defers
// them and returns the local message. Without attachments offline it returns
// ErrOffline.
func (o *SendMessageOrchestrator) SendMessage(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	msg = o.PrepareMessage(channelType, channelID, msg)
	if err := o.writeLocal(ctx, msg); err != nil {
		return msg, err
	}
	return o.deliver(ctx, channelType, channelID, msg)
}

// ResumeSend delivers a message that is already stored locally, for example
// after connectivity returns. Failed attachments are retried.
func (o *SendMessageOrchestrator) ResumeSend(ctx context.Context, messageID string) (Message, error) {
	stored, err := o.repo.SelectMessage(ctx, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if stored == nil {
		return Message{}, fmt.Errorf("resume send %s: %w", messageID, ErrMessageNotFound)
	}
	msg := *stored
	if msg.SyncStatus == SyncStatusCompleted {
		return msg, nil
	}
	channelType, channelID, ok := SplitCID(msg.CID)
	if !ok {
		return msg, fmt.Errorf("resume send %s: invalid cid %q", messageID, msg.CID)
	}
	for i, a := range msg.Attachments {
		if a.UploadState.Kind == UploadFailed {
			a.UploadState = UploadState{Kind: UploadIdle, TotalBytes: a.FileSize}
			msg.Attachments[i] = a
		}
	}
	if msg.HasPendingAttachments() {
		msg.SyncStatus = SyncStatusAwaitingAttachments
	} else {
		msg.SyncStatus = SyncStatusInProgress
	}
	if err := o.writeLocal(ctx, msg); err != nil {
		return msg, err
	}
	return o.deliver(ctx, channelType, channelID, msg)
}

func (o *SendMessageOrchestrator) deliver(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	if msg.HasPendingAttachments() {
		if o.online() {
			return o.waitForUploads(ctx, channelType, channelID, msg)
		}
		if err := o.enqueueDeferred(ctx, channelType, channelID, msg.ID); err != nil {
			return msg, err
		}
		o.metrics.SendOutcomes.WithLabelValues("deferred").Inc()
		return msg, nil
	}
	if !o.online() {
		if msg.SyncStatus != SyncStatusSyncNeeded {
			msg.SyncStatus = SyncStatusSyncNeeded
			if err := o.writeLocal(ctx, msg); err != nil {
				return msg, err
			}
		}
		o.metrics.SendOutcomes.WithLabelValues("offline").Inc()
		return msg, ErrOffline
	}
	return o.sendRemote(ctx, channelType, channelID, msg)
}

func (o *SendMessageOrchestrator) enqueueDeferred(ctx context.Context, channelType, channelID, messageID string) error {
	if o.deferred != nil {
		return o.deferred.Enqueue(channelType, channelID, messageID)
	}
	if o.uploads == nil {
		return fmt.Errorf("defer upload of %s: no upload queue configured", messageID)
	}
	return o.uploads.EnqueueJob(ctx, channelType, channelID, messageID)
}

// waitForUploads subscribes to the message's attachment states, enqueues the
// upload job and blocks until the uploads settle.
func (o *SendMessageOrchestrator) waitForUploads(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	if o.uploads == nil {
		return msg, fmt.Errorf("send %s: no upload queue configured", msg.ID)
	}
	wctx, cancel := context.WithCancel(ctx)
	wait := &uploadWait{cancel: cancel}
	updates, unsubscribe := o.broker.Subscribe(msg.ID)

	o.mu.Lock()
	if prev, ok := o.waits[msg.ID]; ok {
		prev.cancel()
	}
	o.waits[msg.ID] = wait
	o.mu.Unlock()

	defer func() {
		unsubscribe()
		cancel()
		o.mu.Lock()
		if o.waits[msg.ID] == wait {
			delete(o.waits, msg.ID)
		}
		o.mu.Unlock()
	}()

	if err := o.uploads.EnqueueJob(wctx, channelType, channelID, msg.ID); err != nil {
		return msg, fmt.Errorf("enqueue upload of %s: %w", msg.ID, err)
	}

	outcome, atts := awaitUploads(wctx, updates)
	o.logger.Debug("attachment_wait_finished", zap.String("message_id", msg.ID), zap.Stringer("outcome", outcome))

	switch outcome {
	case OutcomeUploaded:
		msg.Attachments = atts
		if msg.Type == MessageTypeEphemeral {
			msg.Type = MessageTypeRegular
		}
		msg.SyncStatus = SyncStatusInProgress
		if err := o.writeLocal(ctx, msg); err != nil {
			return msg, err
		}
		return o.sendRemote(ctx, channelType, channelID, msg)

	case OutcomeFailed:
		msg.Attachments = atts
		msg.SyncStatus = SyncStatusFailed
		now := o.clock.Now()
		msg.UpdatedLocallyAt = &now
		if err := o.writeLocal(context.WithoutCancel(ctx), msg); err != nil {
			return msg, err
		}
		o.metrics.SendOutcomes.WithLabelValues("upload_failed").Inc()
		uerr := &UploadError{MessageID: msg.ID}
		for _, a := range atts {
			if a.UploadState.Kind == UploadFailed {
				uerr.Attachment = a.UploadID
				uerr.Reason = a.UploadState.Error
				break
			}
		}
		return msg, uerr

	default:
		o.metrics.SendOutcomes.WithLabelValues("cancelled").Inc()
		if err := ctx.Err(); err != nil {
			return msg, fmt.Errorf("%w: %w", ErrSendCancelled, err)
		}
		return msg, ErrSendCancelled
	}
}

// awaitUploads reads attachment lists until every attachment succeeded, one
// failed, or the wait is cancelled.
func awaitUploads(ctx context.Context, updates <-chan []Attachment) (SendOutcome, []Attachment) {
	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, nil
		case atts, ok := <-updates:
			if !ok || ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			allDone := true
			for _, a := range atts {
				switch a.UploadState.Kind {
				case UploadFailed:
					return OutcomeFailed, atts
				case UploadSuccess:
				default:
					allDone = false
				}
			}
			if allDone {
				return OutcomeUploaded, atts
			}
		}
	}
}

func (o *SendMessageOrchestrator) sendRemote(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	if o.api == nil {
		msg.SyncStatus = SyncStatusSyncNeeded
		if err := o.writeLocal(ctx, msg); err != nil {
			return msg, err
		}
		return msg, ErrOffline
	}

	sent, err := o.api.SendMessage(ctx, channelType, channelID, msg)
	if err != nil {
		if IsTemporary(err) {
			msg.SyncStatus = SyncStatusSyncNeeded
		} else {
			msg.SyncStatus = SyncStatusFailed
		}
		now := o.clock.Now()
		msg.UpdatedLocallyAt = &now
		if werr := o.writeLocal(context.WithoutCancel(ctx), msg); werr != nil {
			o.logger.Error("persist_failed_send", zap.String("message_id", msg.ID), zap.Error(werr))
		}
		o.metrics.SendOutcomes.WithLabelValues("send_failed").Inc()
		o.logger.Warn("send_message_failed", zap.String("message_id", msg.ID), zap.Error(err))
		return msg, fmt.Errorf("send message %s: %w", msg.ID, err)
	}

	sent = mergeSent(msg, sent)
	if err := o.writeLocal(ctx, sent); err != nil {
		return sent, err
	}
	o.metrics.SendOutcomes.WithLabelValues("completed").Inc()
	return sent, nil
}

// mergeSent takes the server's copy and keeps the local-only fields.
func mergeSent(local, sent Message) Message {
	if sent.ID == "" {
		sent.ID = local.ID
	}
	if sent.CID == "" {
		sent.CID = local.CID
	}
	if sent.User.ID == "" {
		sent.User = local.User
	}
	if sent.CreatedAt == nil {
		sent.CreatedAt = local.CreatedLocallyAt
	}
	sent.CreatedLocallyAt = local.CreatedLocallyAt
	if sent.Attachments == nil {
		sent.Attachments = local.Attachments
	}
	for i := range sent.Attachments {
		if i < len(local.Attachments) {
			sent.Attachments[i].UploadID = local.Attachments[i].UploadID
			sent.Attachments[i].LocalPath = local.Attachments[i].LocalPath
		}
		sent.Attachments[i].UploadState = UploadState{Kind: UploadSuccess}
	}
	sent.SyncStatus = SyncStatusCompleted
	return sent
}

// writeLocal stores the message and updates every reactive view of it.
func (o *SendMessageOrchestrator) writeLocal(ctx context.Context, msg Message) error {
	if cs, err := o.registry.ChannelByCID(msg.CID); err == nil {
		cs.UpsertMessages(msg)
	}
	if msg.ParentID != "" {
		if ts, ok := o.registry.ExistingThread(msg.ParentID); ok {
			ts.UpsertMessages(msg)
		}
	}
	if err := o.repo.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	for _, qs := range o.registry.QueryStates() {
		refreshQueryChannel(qs, o.registry, msg.CID)
	}
	return nil
}

// CancelJobs cancels every pending upload wait. Safe to call repeatedly.
func (o *SendMessageOrchestrator) CancelJobs() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, w := range o.waits {
		w.cancel()
		delete(o.waits, id)
	}
}

// PendingWaits reports how many sends are waiting on uploads.
func (o *SendMessageOrchestrator) PendingWaits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waits)
}
