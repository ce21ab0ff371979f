package sync

import (
	"context"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/realtime"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"go.uber.org/zap"
)

// receive forwards inbound envelopes to the loop until the controller stops.
func (c *Controller) receive(sub *bus.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case evt := <-sub.C:
			env, ok := evt.Payload.(realtime.Envelope)
			if !ok {
				continue
			}
			c.loop.Post(func() { c.dispatch(env) })
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch routes one envelope to the store or tracker that owns its data.
// It runs on the loop and tolerates redelivery and out-of-order arrival.
func (c *Controller) dispatch(env realtime.Envelope) {
	var err error
	switch env.Type {
	case realtime.EventNewMessage, realtime.EventMessageUpdated:
		err = c.handleMessage(env)
	case realtime.EventMessageDeleted:
		err = c.handleDeleted(env)
	case realtime.EventTypingStart, realtime.EventTypingStop:
		err = c.handleTyping(env)
	case realtime.EventUserOnline, realtime.EventUserOffline:
		err = c.handlePresence(env)
	default:
		err = realtime.ErrUnknownType
	}
	if err != nil {
		c.metrics.EnvelopeRejected()
		c.logger.Debug("dropped envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	c.metrics.EnvelopeReceived(string(env.Type))
	c.updateGauges()
}

func (c *Controller) handleMessage(env realtime.Envelope) error {
	msg, err := env.Message()
	if err != nil {
		return err
	}
	// Temporary ids only exist locally; an echo of one is not server state.
	if msg.IsTemporary() {
		return nil
	}
	if !c.convs.Has(msg.ConversationID) {
		c.logger.Debug("message for untracked conversation", zap.String("conversation_id", msg.ConversationID))
		c.refreshSoon()
		return nil
	}

	if !c.outbox.Claim(msg) {
		c.msgs.Merge(msg.ConversationID, msg)
	}
	stored, ok := c.msgs.Get(msg.ConversationID, msg.ID)
	if !ok {
		stored = msg
	}
	if ack := c.convs.ApplyIncomingMessage(stored); ack {
		c.ackRead(stored)
	}
	return nil
}

// ackRead acknowledges a message that arrived in the selected conversation.
func (c *Controller) ackRead(msg store.Message) {
	if err := c.msgs.UpdateStatus(msg.ConversationID, msg.ID, store.StatusRead); err != nil {
		c.logger.Debug("mark message read locally", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	c.background("mark_message_read", func(ctx context.Context) error {
		return c.api.MarkMessageAsRead(ctx, msg.ID)
	})
}

func (c *Controller) handleDeleted(env realtime.Envelope) error {
	d, err := env.Deleted()
	if err != nil {
		return err
	}
	c.removeMessage(env.ConversationID, d.MessageID)
	return nil
}

// removeMessage drops msgID from the stores. Unknown ids are a no-op.
func (c *Controller) removeMessage(conversationID, msgID string) {
	if conversationID == "" {
		var ok bool
		if conversationID, ok = c.msgs.Locate(msgID); !ok {
			return
		}
	}
	c.msgs.Remove(conversationID, msgID)
	c.convs.ForgetMessage(conversationID, msgID)

	conv, ok := c.convs.Get(conversationID)
	if !ok || conv.LastMessage == nil || conv.LastMessage.ID != msgID {
		return
	}
	if last, ok := c.msgs.Last(conversationID); ok {
		_ = c.convs.SetLastMessage(conversationID, &last)
		return
	}
	_ = c.convs.SetLastMessage(conversationID, nil)
}

func (c *Controller) handleTyping(env realtime.Envelope) error {
	t, err := env.Typing()
	if err != nil {
		return err
	}
	if env.ConversationID == "" {
		return realtime.ErrMalformed
	}
	if t.UserID == c.cfg.UserID {
		return nil
	}
	if env.Type == realtime.EventTypingStart {
		c.typing.Start(env.ConversationID, t.UserID, t.UserName)
	} else {
		c.typing.Stop(env.ConversationID, t.UserID)
	}
	return nil
}

func (c *Controller) handlePresence(env realtime.Envelope) error {
	p, err := env.Presence()
	if err != nil {
		return err
	}
	if env.Type == realtime.EventUserOnline {
		c.presence.SetOnline(p.UserID)
	} else {
		c.presence.SetOffline(p.UserID)
	}
	return nil
}

// sweep expires typing entries. Runs on the loop.
func (c *Controller) sweep() {
	if n := c.typing.Sweep(); n > 0 {
		c.logger.Debug("expired typing indicators", zap.Int("count", n))
		c.updateGauges()
	}
}
