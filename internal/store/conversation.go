package store

import (
	"fmt"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
)

// ConversationStore owns the working set of conversations. It is not safe for
// concurrent use; callers serialize access through the sync loop.
type ConversationStore struct {
	bus           *bus.Bus
	currentUserID string

	convs    map[string]*Conversation
	order    []string
	selected string

	// counted holds, per conversation, the message ids currently included in
	// UnreadCount. seen holds every inbound message id already applied, so a
	// redelivered envelope is never counted twice.
	counted map[string]map[string]struct{}
	seen    map[string]map[string]struct{}
}

// NewConversationStore creates an empty store. Messages sent by
// currentUserID never count as unread.
func NewConversationStore(b *bus.Bus, currentUserID string) *ConversationStore {
	return &ConversationStore{
		bus:           b,
		currentUserID: currentUserID,
		convs:         make(map[string]*Conversation),
		counted:       make(map[string]map[string]struct{}),
		seen:          make(map[string]map[string]struct{}),
	}
}

// Load replaces the working set with convs, keeping their order, and returns
// the view matching filter. Unread counts are taken from the server.
func (s *ConversationStore) Load(convs []Conversation, filter Filter) []Conversation {
	s.convs = make(map[string]*Conversation, len(convs))
	s.order = s.order[:0]
	s.counted = make(map[string]map[string]struct{})
	for _, c := range convs {
		if _, dup := s.convs[c.ID]; dup {
			continue
		}
		c = c.clone()
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if c.LastMessage != nil && c.LastMessageTime.IsZero() {
			c.LastMessageTime = c.LastMessage.CreatedAt
		}
		s.convs[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
	s.bus.Publish(bus.Event{Kind: bus.KindConversationsLoaded, Payload: len(s.order)})
	return s.List(filter)
}

// List returns the conversations matching filter in server order.
func (s *ConversationStore) List(filter Filter) []Conversation {
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		c := s.convs[id]
		if filter.Match(*c) {
			out = append(out, c.clone())
		}
	}
	return out
}

// Active returns the default view: every conversation that is not archived.
func (s *ConversationStore) Active() []Conversation {
	return s.List(Filter{})
}

// Get returns a copy of the conversation with the given id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Has reports whether id is part of the working set.
func (s *ConversationStore) Has(id string) bool {
	_, ok := s.convs[id]
	return ok
}

// Len returns the number of tracked conversations.
func (s *ConversationStore) Len() int {
	return len(s.order)
}

// TotalUnread sums the unread counts of every tracked conversation.
func (s *ConversationStore) TotalUnread() int {
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

// Select marks id as the conversation currently on screen. An empty id
// clears the selection.
func (s *ConversationStore) Select(id string) error {
	if id != "" && !s.Has(id) {
		return fmt.Errorf("select %s: %w", id, ErrConversationNotFound)
	}
	if s.selected == id {
		return nil
	}
	s.selected = id
	s.bus.Publish(bus.Event{Kind: bus.KindConversationSelect, Payload: bus.ConversationRef{ConversationID: id}})
	return nil
}

// Selected returns the id of the selected conversation, or "".
func (s *ConversationStore) Selected() string {
	return s.selected
}

// ApplyIncomingMessage folds msg into its conversation's preview and unread
// count. It reports ack=true when msg is a new message from the other party
// in the selected conversation, which stays at zero unread and should be
// acknowledged as read instead.
func (s *ConversationStore) ApplyIncomingMessage(msg Message) (ack bool) {
	c, ok := s.convs[msg.ConversationID]
	if !ok {
		return false
	}

	switch {
	case c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessageTime):
		m := msg
		c.LastMessage = &m
		c.LastMessageTime = msg.CreatedAt
	case c.LastMessage.ID == msg.ID:
		m := msg
		c.LastMessage = &m
	}

	if msg.SenderID != s.currentUserID {
		seen := s.seen[c.ID]
		if seen == nil {
			seen = make(map[string]struct{})
			s.seen[c.ID] = seen
		}
		_, already := seen[msg.ID]
		seen[msg.ID] = struct{}{}

		switch {
		case c.ID == s.selected:
			ack = !already && msg.Status.Unread()
			s.uncount(c, msg.ID)
		case msg.Status.Unread() && !already:
			s.count(c, msg.ID)
		case msg.Status == StatusRead:
			s.uncount(c, msg.ID)
		}
	}

	s.publishUpdated(c.ID)
	return ack
}

// MarkRead resets the unread count of id to zero. Messages applied after
// this call count again.
func (s *ConversationStore) MarkRead(id string) error {
	c, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("mark read %s: %w", id, ErrConversationNotFound)
	}
	delete(s.counted, id)
	if c.UnreadCount == 0 {
		return nil
	}
	c.UnreadCount = 0
	s.bus.Publish(bus.Event{Kind: bus.KindConversationRead, Payload: bus.ConversationRef{ConversationID: id}})
	return nil
}

// ForgetMessage removes a deleted message from the unread accounting.
func (s *ConversationStore) ForgetMessage(id, msgID string) {
	c, ok := s.convs[id]
	if !ok {
		return
	}
	if s.uncount(c, msgID) {
		s.publishUpdated(id)
	}
}

// SetLastMessage overwrites the preview of id. A nil msg clears it.
func (s *ConversationStore) SetLastMessage(id string, msg *Message) error {
	c, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("set last message %s: %w", id, ErrConversationNotFound)
	}
	if msg == nil {
		c.LastMessage = nil
	} else {
		m := *msg
		c.LastMessage = &m
		c.LastMessageTime = m.CreatedAt
	}
	s.publishUpdated(id)
	return nil
}

// TogglePin flips the pinned flag of id and returns the new value.
func (s *ConversationStore) TogglePin(id string) (bool, error) {
	c, ok := s.convs[id]
	if !ok {
		return false, fmt.Errorf("toggle pin %s: %w", id, ErrConversationNotFound)
	}
	c.IsPinned = !c.IsPinned
	s.publishUpdated(id)
	return c.IsPinned, nil
}

// Archive moves id out of the default view. History is kept.
func (s *ConversationStore) Archive(id string) error {
	return s.setArchived(id, true)
}

// Unarchive returns id to the default view.
func (s *ConversationStore) Unarchive(id string) error {
	return s.setArchived(id, false)
}

func (s *ConversationStore) setArchived(id string, archived bool) error {
	c, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("set archived %s: %w", id, ErrConversationNotFound)
	}
	if c.IsArchived == archived {
		return nil
	}
	c.IsArchived = archived
	s.publishUpdated(id)
	return nil
}

func (s *ConversationStore) count(c *Conversation, msgID string) {
	set := s.counted[c.ID]
	if set == nil {
		set = make(map[string]struct{})
		s.counted[c.ID] = set
	}
	if _, ok := set[msgID]; ok {
		return
	}
	set[msgID] = struct{}{}
	c.UnreadCount++
}

func (s *ConversationStore) uncount(c *Conversation, msgID string) bool {
	set := s.counted[c.ID]
	if _, ok := set[msgID]; !ok {
		return false
	}
	delete(set, msgID)
	if c.UnreadCount > 0 {
		c.UnreadCount--
	}
	return true
}

func (s *ConversationStore) publishUpdated(id string) {
	s.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Payload: bus.ConversationRef{ConversationID: id}})
}
