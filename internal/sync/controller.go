// Package sync keeps the conversation and message stores consistent with the
// portal REST API and the push channel.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/loop"
	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/outbox"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/presence"
	"github.com/mariankugiel/patient-web-app-sub002/internal/realtime"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/mariankugiel/patient-web-app-sub002/internal/typing"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultRequestTimeout = 15 * time.Second

	envelopeBuffer = 256
)

// ErrNoSelection is returned by actions that need a selected conversation.
var ErrNoSelection = errors.New("no conversation selected")

// API is the subset of the portal REST client the controller uses.
type API interface {
	outbox.MessageSender
	GetConversations(ctx context.Context, f store.Filter) (*portal.ConversationsResponse, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID string) error
	MarkMessageAsRead(ctx context.Context, messageID string) error
	ArchiveConversation(ctx context.Context, conversationID string) error
	ToggleConversationPin(ctx context.Context, conversationID string, pinned bool) error
	DeleteMessage(ctx context.Context, messageID string) error
	SearchMessages(ctx context.Context, p store.SearchParams) ([]store.Message, error)
	GetUnreadCount(ctx context.Context) (portal.UnreadCount, error)
	GetMessageStats(ctx context.Context) (portal.Stats, error)
}

// Config tunes the controller. Zero durations take the package defaults.
type Config struct {
	UserID            string
	UserName          string
	PollInterval      time.Duration
	SweepInterval     time.Duration
	TypingTTL         time.Duration
	TypingMinInterval time.Duration
	TypingStopDelay   time.Duration
	RequestTimeout    time.Duration
}

// Deps are the collaborators injected into the controller. Index and Metrics
// may be nil.
type Deps struct {
	API     API
	Channel realtime.Channel
	Bus     *bus.Bus
	Index   *store.Index
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Controller routes REST results and push envelopes into the stores and
// exposes the user actions. Every store mutation runs on its loop.
type Controller struct {
	cfg     Config
	api     API
	channel realtime.Channel
	bus     *bus.Bus
	index   *store.Index
	metrics *metrics.Metrics
	logger  *zap.Logger

	loop     *loop.Loop
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	typing   *typing.Tracker
	presence *presence.Tracker
	outbox   *outbox.Coordinator

	// Owned by the loop.
	fetchSeq    uint64
	fetchCancel context.CancelFunc
	debouncer   *typing.Debouncer
	refreshing  bool
	listGen     uint64          // bumped by every local conversation flag change
	pendingPin  map[string]bool // optimistic flags awaiting the server
	pendingArch map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	sub      *bus.Subscription
	wg       stdsync.WaitGroup
	started  bool
	stopOnce stdsync.Once
}

// New builds a controller and its stores. Call Start before using it.
func New(cfg Config, deps Deps) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var idx store.Indexer
	if deps.Index != nil {
		idx = deps.Index
	}

	c := &Controller{
		cfg:      cfg,
		api:      deps.API,
		channel:  deps.Channel,
		bus:      deps.Bus,
		index:    deps.Index,
		metrics:  deps.Metrics,
		logger:   logger,
		loop:     loop.New(logger.Named("loop")),
		convs:    store.NewConversationStore(deps.Bus, cfg.UserID),
		msgs:     store.NewMessageStore(deps.Bus, idx, logger),
		typing:   typing.NewTracker(deps.Bus, cfg.TypingTTL),
		presence: presence.NewTracker(deps.Bus),

		pendingPin:  make(map[string]bool),
		pendingArch: make(map[string]bool),
	}
	c.outbox = outbox.NewCoordinator(c.loop, c.convs, c.msgs, deps.API, deps.Channel, deps.Bus, deps.Metrics, logger.Named("outbox"), cfg.UserID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start runs the loop, subscribes to the push channel, connects it and loads
// the conversation list. Connection and load failures are logged; the channel
// keeps reconnecting and the poll retries the load.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return nil
	}
	c.started = true

	c.loop.Start(c.ctx)
	c.sub = c.channel.Subscribe(envelopeBuffer)
	c.wg.Add(1)
	go c.receive(c.sub)

	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("realtime connect failed, retrying in background", zap.Error(err))
	}
	if err := c.Refresh(ctx); err != nil {
		c.backgroundError("load_conversations", err)
	}

	c.loop.Every(c.ctx, c.cfg.SweepInterval, c.sweep)
	c.wg.Add(1)
	go c.pollLoop()

	c.logger.Info("sync controller started",
		zap.String("user_id", c.cfg.UserID),
		zap.Duration("poll_interval", c.cfg.PollInterval))
	return nil
}

// Stop sends a final typing stop if needed, cancels background work and
// disconnects the channel.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if c.started {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			_ = c.loop.Do(ctx, func() error {
				if c.fetchCancel != nil {
					c.fetchCancel()
				}
				if c.debouncer != nil {
					c.debouncer.Close()
					c.debouncer = nil
				}
				return nil
			})
			cancel()
		}

		c.sub.Unsubscribe()
		c.cancel()
		c.loop.Stop()
		c.wg.Wait()
		c.outbox.Wait()

		if err := c.channel.Disconnect(); err != nil {
			c.logger.Warn("realtime disconnect", zap.Error(err))
		}
		c.logger.Info("sync controller stopped")
	})
}

// Select makes id the conversation on screen and loads its history. A later
// Select supersedes an in-flight one, whose result is discarded. An empty id
// clears the selection.
func (c *Controller) Select(ctx context.Context, id string) error {
	var (
		seq  uint64
		fctx context.Context
	)
	err := c.loop.Do(ctx, func() error {
		if err := c.convs.Select(id); err != nil {
			return err
		}
		if c.fetchCancel != nil {
			c.fetchCancel()
			c.fetchCancel = nil
		}
		c.resetDebouncer(id)
		c.fetchSeq++
		seq = c.fetchSeq
		if id != "" {
			fctx, c.fetchCancel = context.WithCancel(c.ctx)
		}
		return nil
	})
	if err != nil || id == "" {
		return err
	}

	stop := context.AfterFunc(ctx, func() { c.cancelFetch(seq) })
	defer stop()

	history, err := c.api.GetConversationMessages(fctx, id)
	if err != nil {
		if fctx.Err() != nil && ctx.Err() == nil {
			c.logger.Debug("history fetch superseded", zap.String("conversation_id", id))
			return nil
		}
		return fmt.Errorf("load history %s: %w", id, err)
	}

	return c.loop.Do(ctx, func() error {
		if seq != c.fetchSeq || c.convs.Selected() != id {
			c.logger.Debug("discarding stale history", zap.String("conversation_id", id))
			return nil
		}
		c.msgs.LoadHistory(id, history)
		if conv, ok := c.convs.Get(id); ok && conv.UnreadCount > 0 {
			c.markRead(id)
		}
		c.updateGauges()
		return nil
	})
}

// Send posts a message to conversationID.
func (c *Controller) Send(ctx context.Context, conversationID, content string, attachments []store.Attachment, opts outbox.Options) (*store.Message, error) {
	return c.outbox.Send(ctx, conversationID, content, attachments, opts)
}

// Retry re-sends a failed message.
func (c *Controller) Retry(ctx context.Context, conversationID, tempID string) (*store.Message, error) {
	return c.outbox.Retry(ctx, conversationID, tempID)
}

// Discard drops a failed message.
func (c *Controller) Discard(ctx context.Context, conversationID, tempID string) error {
	return c.outbox.Discard(ctx, conversationID, tempID)
}

// Keystroke reports local typing in the selected conversation.
func (c *Controller) Keystroke(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		if c.debouncer == nil {
			return ErrNoSelection
		}
		c.debouncer.Keystroke()
		return nil
	})
}

// TogglePin flips the pinned flag locally, then on the server. The local
// change is reverted if the server rejects it.
func (c *Controller) TogglePin(ctx context.Context, id string) (bool, error) {
	var pinned bool
	if err := c.loop.Do(ctx, func() error {
		var err error
		if pinned, err = c.convs.TogglePin(id); err != nil {
			return err
		}
		c.pendingPin[id] = pinned
		c.listGen++
		return nil
	}); err != nil {
		return false, err
	}

	err := c.api.ToggleConversationPin(ctx, id, pinned)
	c.settle(id, "toggle pin", func() error {
		if c.pendingPin[id] == pinned {
			delete(c.pendingPin, id)
		}
		if err == nil {
			return nil
		}
		_, rerr := c.convs.TogglePin(id)
		return rerr
	})
	if err != nil {
		return !pinned, fmt.Errorf("toggle pin %s: %w", id, err)
	}
	return pinned, nil
}

// Archive moves id out of the default view locally and on the server.
func (c *Controller) Archive(ctx context.Context, id string) error {
	var was bool
	if err := c.loop.Do(ctx, func() error {
		conv, ok := c.convs.Get(id)
		if !ok {
			return fmt.Errorf("archive %s: %w", id, store.ErrConversationNotFound)
		}
		was = conv.IsArchived
		if err := c.convs.Archive(id); err != nil {
			return err
		}
		c.pendingArch[id] = true
		c.listGen++
		return nil
	}); err != nil {
		return err
	}

	err := c.api.ArchiveConversation(ctx, id)
	c.settle(id, "archive", func() error {
		delete(c.pendingArch, id)
		if err == nil || was {
			return nil
		}
		return c.convs.Unarchive(id)
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	return nil
}

// DeleteMessage deletes a message on the server, then locally. A temporary
// entry never reached the server and is discarded instead. If conversationID
// is empty the message is looked up.
func (c *Controller) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if strings.HasPrefix(messageID, store.TempIDPrefix) {
		return c.outbox.Discard(ctx, conversationID, messageID)
	}
	if err := c.api.DeleteMessage(ctx, messageID); err != nil && !portal.IsNotFound(err) {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return c.loop.Do(ctx, func() error {
		c.removeMessage(conversationID, messageID)
		return nil
	})
}

// Search queries the server. When the server is unreachable it answers from
// the local index of messages seen this session and reports local=true.
func (c *Controller) Search(ctx context.Context, p store.SearchParams) (results []store.SearchResult, local bool, err error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, false, nil
	}
	msgs, err := c.api.SearchMessages(ctx, p)
	if err == nil {
		results = make([]store.SearchResult, 0, len(msgs))
		for _, m := range msgs {
			results = append(results, store.SearchResult{Message: m})
		}
		return results, false, nil
	}
	if !portal.IsTransport(err) || c.index == nil {
		return nil, false, fmt.Errorf("search: %w", err)
	}

	c.logger.Warn("search unavailable, using local index", zap.Error(err))
	results, lerr := c.index.Search(ctx, p)
	if lerr != nil {
		return nil, true, fmt.Errorf("local search: %w", lerr)
	}
	return results, true, nil
}

// Unread returns the server-side unread totals.
func (c *Controller) Unread(ctx context.Context) (portal.UnreadCount, error) {
	return c.api.GetUnreadCount(ctx)
}

// Stats returns the server-side message statistics.
func (c *Controller) Stats(ctx context.Context) (portal.Stats, error) {
	return c.api.GetMessageStats(ctx)
}

// Conversations returns the working set matching f.
func (c *Controller) Conversations(ctx context.Context, f store.Filter) ([]store.Conversation, error) {
	var out []store.Conversation
	err := c.loop.Do(ctx, func() error {
		out = c.convs.List(f)
		return nil
	})
	return out, err
}

// Conversation returns a single conversation.
func (c *Controller) Conversation(ctx context.Context, id string) (store.Conversation, error) {
	var out store.Conversation
	err := c.loop.Do(ctx, func() error {
		conv, ok := c.convs.Get(id)
		if !ok {
			return fmt.Errorf("%s: %w", id, store.ErrConversationNotFound)
		}
		out = conv
		return nil
	})
	return out, err
}

// Messages returns the loaded history of conversationID.
func (c *Controller) Messages(ctx context.Context, conversationID string) ([]store.Message, error) {
	var out []store.Message
	err := c.loop.Do(ctx, func() error {
		out = c.msgs.Messages(conversationID)
		return nil
	})
	return out, err
}

// Typing returns who is typing in conversationID.
func (c *Controller) Typing(ctx context.Context, conversationID string) ([]typing.Entry, error) {
	var out []typing.Entry
	err := c.loop.Do(ctx, func() error {
		out = c.typing.Active(conversationID)
		return nil
	})
	return out, err
}

// IsOnline reports whether userID is online.
func (c *Controller) IsOnline(ctx context.Context, userID string) (bool, error) {
	var out bool
	err := c.loop.Do(ctx, func() error {
		out = c.presence.IsOnline(userID)
		return nil
	})
	return out, err
}

// Online returns every online user id.
func (c *Controller) Online(ctx context.Context) ([]string, error) {
	var out []string
	err := c.loop.Do(ctx, func() error {
		out = c.presence.Online()
		return nil
	})
	return out, err
}

// Selected returns the selected conversation id, or "".
func (c *Controller) Selected(ctx context.Context) (string, error) {
	var out string
	err := c.loop.Do(ctx, func() error {
		out = c.convs.Selected()
		return nil
	})
	return out, err
}

// Status returns the push connection state.
func (c *Controller) Status() status.State {
	return c.channel.Status()
}

// UserID returns the id of the local user.
func (c *Controller) UserID() string {
	return c.cfg.UserID
}

// markRead zeroes the unread count of id, moves the loaded messages of the
// other party to read and tells the server. Runs on the loop.
func (c *Controller) markRead(id string) {
	if err := c.convs.MarkRead(id); err != nil {
		c.logger.Warn("mark read", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	for _, m := range c.msgs.Messages(id) {
		if m.SenderID == c.cfg.UserID || !m.Status.Unread() {
			continue
		}
		if err := c.msgs.UpdateStatus(id, m.ID, store.StatusRead); err != nil {
			c.logger.Debug("mark message read locally", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	c.background("mark_read", func(ctx context.Context) error {
		return c.api.MarkMessagesAsRead(ctx, id)
	})
}

// resetDebouncer replaces the typing debouncer for a new selection. Runs on
// the loop.
func (c *Controller) resetDebouncer(id string) {
	if c.debouncer != nil {
		c.debouncer.Close()
		c.debouncer = nil
	}
	if id == "" {
		return
	}
	c.debouncer = typing.NewDebouncer(c.cfg.TypingMinInterval, c.cfg.TypingStopDelay, func(on bool) {
		typ := realtime.EventTypingStop
		if on {
			typ = realtime.EventTypingStart
		}
		c.emit(typ, id, realtime.Typing{UserID: c.cfg.UserID, UserName: c.cfg.UserName})
	})
}

func (c *Controller) cancelFetch(seq uint64) {
	c.loop.Post(func() {
		if seq == c.fetchSeq && c.fetchCancel != nil {
			c.fetchCancel()
			c.fetchCancel = nil
		}
	})
}

// settle closes an optimistic change once the server answered. fn runs on
// the loop and reverts the change if the server rejected it. Conversation
// lists fetched before this point are reloaded.
func (c *Controller) settle(id, op string, fn func() error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.loop.Do(ctx, func() error {
		c.listGen++
		return fn()
	}); err != nil {
		c.logger.Warn("settle "+op, zap.String("conversation_id", id), zap.Error(err))
	}
}

// applyPending re-applies optimistic flags the server has not confirmed yet
// on top of a freshly loaded list. Runs on the loop.
func (c *Controller) applyPending() {
	for id, pinned := range c.pendingPin {
		if conv, ok := c.convs.Get(id); ok && conv.IsPinned != pinned {
			_, _ = c.convs.TogglePin(id)
		}
	}
	for id := range c.pendingArch {
		_ = c.convs.Archive(id)
	}
}

// emit sends an envelope on the push channel without blocking the caller.
func (c *Controller) emit(typ realtime.EventType, conversationID string, payload any) {
	env, err := realtime.NewEnvelope(typ, conversationID, payload, time.Now())
	if err != nil {
		c.logger.Warn("build envelope", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.channel.Send(ctx, env); err != nil {
			c.logger.Debug("emit envelope", zap.String("type", string(typ)), zap.Error(err))
		}
	}()
}

// background runs a REST call off the loop. Its error is logged and counted,
// never surfaced.
func (c *Controller) background(op string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.backgroundError(op, err)
		}
	}()
}

func (c *Controller) backgroundError(op string, err error) {
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		return
	}
	c.metrics.BackgroundError(op)
	if portal.IsTransport(err) {
		c.logger.Warn("background request failed", zap.String("op", op), zap.Error(err))
		return
	}
	c.logger.Error("background request failed", zap.String("op", op), zap.Error(err))
}

// updateGauges publishes store sizes. Runs on the loop.
func (c *Controller) updateGauges() {
	c.metrics.SetGauges(c.convs.Len(), c.convs.TotalUnread(), c.typing.Len(), c.presence.Len())
}
