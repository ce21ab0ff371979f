// Package outbox sends the local user's messages with an optimistic local
// entry and reconciles it with the server-confirmed copy.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/loop"
	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/realtime"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"go.uber.org/zap"
)

const (
	emitTimeout = 5 * time.Second
	// claimWindow bounds how far apart a push echo without correlation id and
	// a pending entry may be to be considered the same message.
	claimWindow = time.Minute
)

// ErrNotFailed is returned when retrying or discarding a message that is not
// a failed local entry.
var ErrNotFailed = errors.New("message is not a failed send")

// MessageSender is the REST call used to send a message.
type MessageSender interface {
	SendMessage(ctx context.Context, req portal.SendRequest) (store.Message, error)
}

// Emitter publishes envelopes on the push channel.
type Emitter interface {
	Send(ctx context.Context, env realtime.Envelope) error
}

// Options are the optional fields of a send.
type Options struct {
	Type     store.MessageType
	Priority store.Priority
	Metadata map[string]any
}

// SendResult is the payload of message.send_ack and message.send_failed events.
type SendResult struct {
	ConversationID string
	TempID         string
	MessageID      string
	Err            string
}

// Coordinator owns every transition of a local message into sent or failed.
// Store access goes through the sync loop.
type Coordinator struct {
	loop    *loop.Loop
	convs   *store.ConversationStore
	msgs    *store.MessageStore
	api     MessageSender
	channel Emitter
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	userID  string

	emits sync.WaitGroup
}

// NewCoordinator creates a coordinator sending as userID.
func NewCoordinator(l *loop.Loop, convs *store.ConversationStore, msgs *store.MessageStore, api MessageSender, ch Emitter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, userID string) *Coordinator {
	return &Coordinator{
		loop:    l,
		convs:   convs,
		msgs:    msgs,
		api:     api,
		channel: ch,
		bus:     b,
		metrics: m,
		logger:  logger,
		userID:  userID,
	}
}

// Send posts a message to conversationID. Blank content without attachments
// is a no-op and returns (nil, nil). On failure the local entry stays in the
// store as failed and is returned along with the error.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, attachments []store.Attachment, opts Options) (*store.Message, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, nil
	}
	if opts.Type == "" {
		opts.Type = store.TypeGeneral
	}
	if opts.Priority == "" {
		opts.Priority = store.PriorityNormal
	}

	var (
		pending   store.Message
		recipient string
	)
	err := c.loop.Do(ctx, func() error {
		conv, ok := c.convs.Get(conversationID)
		if !ok {
			return fmt.Errorf("send to %s: %w", conversationID, store.ErrConversationNotFound)
		}
		recipient = conv.ContactID
		pending = store.Message{
			ID:              store.TempIDPrefix + uuid.NewString(),
			ClientMessageID: uuid.NewString(),
			ConversationID:  conversationID,
			SenderID:        c.userID,
			RecipientID:     recipient,
			Content:         content,
			Attachments:     attachments,
			Type:            opts.Type,
			Priority:        opts.Priority,
			Status:          store.StatusSent,
			CreatedAt:       time.Now(),
			Metadata:        opts.Metadata,
		}
		c.msgs.Merge(conversationID, pending)
		return c.convs.SetLastMessage(conversationID, &pending)
	})
	if err != nil {
		return nil, err
	}

	confirmed, sendErr := c.api.SendMessage(ctx, portal.SendRequest{
		ConversationID:  conversationID,
		RecipientID:     recipient,
		Content:         content,
		Type:            opts.Type,
		Priority:        opts.Priority,
		Attachments:     attachments,
		ClientMessageID: pending.ClientMessageID,
		Metadata:        opts.Metadata,
	})

	// The caller may have given up; the outcome must still land in the store.
	finishCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		failed := c.fail(finishCtx, pending, sendErr)
		c.emit(failed)
		return &failed, sendErr
	}

	confirmed = c.confirm(finishCtx, pending, confirmed)
	c.emit(confirmed)
	return &confirmed, nil
}

// Retry re-sends a failed local entry under a new temporary id.
func (c *Coordinator) Retry(ctx context.Context, conversationID, tempID string) (*store.Message, error) {
	var failed store.Message
	err := c.loop.Do(ctx, func() error {
		m, err := c.takeFailed(conversationID, tempID)
		if err != nil {
			return err
		}
		failed = m
		c.msgs.Remove(conversationID, tempID)
		c.refreshLast(conversationID, tempID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, conversationID, failed.Content, failed.Attachments, Options{
		Type:     failed.Type,
		Priority: failed.Priority,
		Metadata: failed.Metadata,
	})
}

// Discard drops a failed local entry.
func (c *Coordinator) Discard(ctx context.Context, conversationID, tempID string) error {
	return c.loop.Do(ctx, func() error {
		if _, err := c.takeFailed(conversationID, tempID); err != nil {
			return err
		}
		c.msgs.Remove(conversationID, tempID)
		c.refreshLast(conversationID, tempID)
		return nil
	})
}

// Claim matches a push echo of one of our own messages against its pending
// local entry so the two never coexist. It must run on the sync loop and
// reports whether msg was claimed.
func (c *Coordinator) Claim(msg store.Message) bool {
	if msg.SenderID != c.userID || msg.IsTemporary() {
		return false
	}
	var (
		pending store.Message
		ok      bool
	)
	if msg.ClientMessageID != "" {
		pending, ok = c.msgs.FindByClientID(msg.ConversationID, msg.ClientMessageID)
		ok = ok && pending.IsTemporary()
	} else {
		// A known id is an update of a message already confirmed.
		if _, known := c.msgs.Get(msg.ConversationID, msg.ID); known {
			return false
		}
		pending, ok = c.msgs.FindPending(msg.ConversationID, c.userID, msg.Content, msg.CreatedAt)
		if ok {
			d := pending.CreatedAt.Sub(msg.CreatedAt)
			ok = d < claimWindow && d > -claimWindow
		}
	}
	if !ok {
		return false
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = pending.ClientMessageID
	}
	c.msgs.Reconcile(msg.ConversationID, pending.ID, msg)
	c.replaceLast(msg.ConversationID, pending.ID, msg)
	c.logger.Debug("claimed push echo", zap.String("temp_id", pending.ID), zap.String("msg_id", msg.ID))
	return true
}

// Wait blocks until every in-flight channel emit has finished.
func (c *Coordinator) Wait() {
	c.emits.Wait()
}

func (c *Coordinator) confirm(ctx context.Context, pending, confirmed store.Message) store.Message {
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = pending.ConversationID
	}
	if confirmed.ClientMessageID == "" {
		confirmed.ClientMessageID = pending.ClientMessageID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = c.userID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}

	err := c.loop.Do(ctx, func() error {
		c.msgs.Reconcile(pending.ConversationID, pending.ID, confirmed)
		c.replaceLast(pending.ConversationID, pending.ID, confirmed)
		return nil
	})
	if err != nil {
		c.logger.Warn("reconcile sent message", zap.String("temp_id", pending.ID), zap.Error(err))
	}

	c.metrics.SendResult(true)
	c.logger.Info("message sent",
		zap.String("conversation_id", pending.ConversationID),
		zap.String("temp_id", pending.ID),
		zap.String("msg_id", confirmed.ID))
	c.bus.Publish(bus.Event{Kind: bus.KindSendAck, Payload: SendResult{
		ConversationID: pending.ConversationID,
		TempID:         pending.ID,
		MessageID:      confirmed.ID,
	}})
	return confirmed
}

func (c *Coordinator) fail(ctx context.Context, pending store.Message, sendErr error) store.Message {
	failed := pending
	failed.Status = store.StatusFailed

	err := c.loop.Do(ctx, func() error {
		if err := c.msgs.UpdateStatus(pending.ConversationID, pending.ID, store.StatusFailed); err != nil {
			// A push echo already claimed the entry: the server has it.
			return err
		}
		c.replaceLast(pending.ConversationID, pending.ID, failed)
		return nil
	})
	if err != nil {
		c.logger.Warn("mark message failed", zap.String("temp_id", pending.ID), zap.Error(err))
	}

	c.metrics.SendResult(false)
	c.logger.Error("failed to send message",
		zap.String("conversation_id", pending.ConversationID),
		zap.String("temp_id", pending.ID),
		zap.Error(sendErr))
	c.bus.Publish(bus.Event{Kind: bus.KindSendFailed, Payload: SendResult{
		ConversationID: pending.ConversationID,
		TempID:         pending.ID,
		Err:            sendErr.Error(),
	}})
	return failed
}

// emit announces msg on the push channel without waiting for the write.
func (c *Coordinator) emit(msg store.Message) {
	env, err := realtime.NewEnvelope(realtime.EventNewMessage, msg.ConversationID, msg, time.Now())
	if err != nil {
		c.logger.Warn("build new_message envelope", zap.Error(err))
		return
	}
	c.emits.Add(1)
	go func() {
		defer c.emits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := c.channel.Send(ctx, env); err != nil {
			c.logger.Debug("emit new_message", zap.String("msg_id", msg.ID), zap.Error(err))
		}
	}()
}

func (c *Coordinator) takeFailed(conversationID, tempID string) (store.Message, error) {
	m, ok := c.msgs.Get(conversationID, tempID)
	if !ok {
		return store.Message{}, fmt.Errorf("%s/%s: %w", conversationID, tempID, store.ErrMessageNotFound)
	}
	if m.Status != store.StatusFailed || !m.IsTemporary() {
		return store.Message{}, fmt.Errorf("%s: %w", tempID, ErrNotFailed)
	}
	return m, nil
}

// replaceLast swaps the conversation preview if it still shows oldID.
func (c *Coordinator) replaceLast(conversationID, oldID string, msg store.Message) {
	conv, ok := c.convs.Get(conversationID)
	if !ok || conv.LastMessage == nil || conv.LastMessage.ID != oldID {
		return
	}
	_ = c.convs.SetLastMessage(conversationID, &msg)
}

// refreshLast points the preview at the newest remaining message after
// removedID left the store.
func (c *Coordinator) refreshLast(conversationID, removedID string) {
	conv, ok := c.convs.Get(conversationID)
	if !ok || conv.LastMessage == nil || conv.LastMessage.ID != removedID {
		return
	}
	if last, ok := c.msgs.Last(conversationID); ok {
		_ = c.convs.SetLastMessage(conversationID, &last)
		return
	}
	_ = c.convs.SetLastMessage(conversationID, nil)
}
