package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"go.uber.org/zap"
)

// refreshAttempts bounds how often Refresh refetches a list that went stale
// while it was in flight.
const refreshAttempts = 3

// Refresh reloads the conversation list from the server. If the selected
// conversation comes back with unread messages they are marked read. A list
// fetched while a pin or archive was settling is fetched again.
func (c *Controller) Refresh(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		var gen uint64
		if err := c.loop.Do(ctx, func() error {
			gen = c.listGen
			return nil
		}); err != nil {
			return err
		}

		resp, err := c.api.GetConversations(ctx, store.Filter{})
		if err != nil {
			return fmt.Errorf("get conversations: %w", err)
		}

		var stale bool
		err = c.loop.Do(ctx, func() error {
			if gen != c.listGen {
				stale = true
				return nil
			}
			c.applyConversations(resp.Conversations)
			return nil
		})
		if err != nil || !stale {
			return err
		}
		if attempt == refreshAttempts {
			c.logger.Debug("conversation list changed during every fetch, keeping local state")
			return nil
		}
		c.logger.Debug("conversation list changed during fetch, reloading", zap.Int("attempt", attempt))
	}
}

// applyConversations replaces the working set with convs. Runs on the loop.
func (c *Controller) applyConversations(convs []store.Conversation) {
	c.convs.Load(convs, store.Filter{})
	c.applyPending()
	if sel := c.convs.Selected(); sel != "" {
		if conv, ok := c.convs.Get(sel); !ok {
			_ = c.convs.Select("")
			c.resetDebouncer("")
		} else if conv.UnreadCount > 0 {
			c.markRead(sel)
		}
	}
	c.updateGauges()
	c.logger.Debug("conversations loaded",
		zap.Int("count", c.convs.Len()),
		zap.Int("unread", c.convs.TotalUnread()))
}

// refreshSoon schedules a background reload unless one is already running.
// Runs on the loop.
func (c *Controller) refreshSoon() {
	if c.refreshing {
		return
	}
	c.refreshing = true
	c.background("refresh_conversations", func(ctx context.Context) error {
		defer c.loop.Post(func() { c.refreshing = false })
		return c.Refresh(ctx)
	})
}

func (c *Controller) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
			if err := c.reconcileUnread(ctx); err != nil {
				c.backgroundError("poll_unread", err)
			}
			cancel()
		case <-c.ctx.Done():
			return
		}
	}
}

// reconcileUnread compares the server unread total with the local one and
// reloads the conversation list when they disagree.
func (c *Controller) reconcileUnread(ctx context.Context) error {
	remote, err := c.api.GetUnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("get unread count: %w", err)
	}
	var local int
	if err := c.loop.Do(ctx, func() error {
		local = c.convs.TotalUnread()
		return nil
	}); err != nil {
		return err
	}
	if remote.Count == local {
		return nil
	}
	c.logger.Info("unread count drifted, reloading conversations",
		zap.Int("server", remote.Count),
		zap.Int("local", local))
	return c.Refresh(ctx)
}
