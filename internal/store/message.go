package store

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"go.uber.org/zap"
)

// Indexer receives every message the MessageStore holds so it can be searched
// locally. Index implements it.
type Indexer interface {
	Put(msg Message) error
	Delete(id string) error
}

// MergeResult describes what Merge did with an incoming message.
type MergeResult int

const (
	MergeInserted MergeResult = iota + 1
	MergeReplaced
)

// MessageStore owns the ordered message sequence of each conversation.
// Sequences are ascending by CreatedAt and unique by ID. It is not safe for
// concurrent use; callers serialize access through the sync loop.
type MessageStore struct {
	bus    *bus.Bus
	index  Indexer
	logger *zap.Logger
	seqs   map[string][]Message
}

// NewMessageStore creates an empty store. idx may be nil.
func NewMessageStore(b *bus.Bus, idx Indexer, logger *zap.Logger) *MessageStore {
	return &MessageStore{
		bus:    b,
		index:  idx,
		logger: logger,
		seqs:   make(map[string][]Message),
	}
}

// LoadHistory replaces the sequence of convID with msgs, sorted and
// de-duplicated. Local entries the snapshot does not contain are kept when
// they carry a temporary id the server does not know yet, or when they are
// newer than the newest snapshot entry.
func (s *MessageStore) LoadHistory(convID string, msgs []Message) []Message {
	old := s.seqs[convID]

	byID := make(map[string]int, len(msgs))
	clientIDs := make(map[string]struct{})
	seq := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.ConversationID = convID
		if m.ClientMessageID != "" {
			clientIDs[m.ClientMessageID] = struct{}{}
		}
		if i, ok := byID[m.ID]; ok {
			seq[i] = mergeFields(seq[i], m)
			continue
		}
		byID[m.ID] = len(seq)
		seq = append(seq, m)
	}
	sort.SliceStable(seq, func(i, j int) bool { return seq[i].CreatedAt.Before(seq[j].CreatedAt) })

	var newest time.Time
	if len(seq) > 0 {
		newest = seq[len(seq)-1].CreatedAt
	}
	for _, m := range old {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		if _, known := clientIDs[m.ClientMessageID]; known && m.ClientMessageID != "" {
			s.unindex(m.ID)
			continue
		}
		// Pushed after the snapshot was taken.
		if m.IsTemporary() || m.CreatedAt.After(newest) {
			seq = insertSorted(seq, m)
			continue
		}
		s.unindex(m.ID)
	}

	s.seqs[convID] = seq
	for _, m := range seq {
		s.reindex(m)
	}

	s.bus.Publish(bus.Event{Kind: bus.KindHistoryLoaded, Payload: bus.ConversationRef{ConversationID: convID}})
	return slices.Clone(seq)
}

// Merge inserts msg into the sequence of convID. A message with the same id
// is replaced; its status never moves backwards and it is repositioned if its
// CreatedAt changed. New messages are inserted after any entry with an equal
// CreatedAt.
func (s *MessageStore) Merge(convID string, msg Message) MergeResult {
	msg.ConversationID = convID
	seq := s.seqs[convID]

	result := MergeInserted
	if i := indexOf(seq, msg.ID); i >= 0 {
		existing := seq[i]
		msg = mergeFields(existing, msg)
		result = MergeReplaced
		if msg.CreatedAt.Equal(existing.CreatedAt) {
			seq[i] = msg
		} else {
			seq = insertSorted(slices.Delete(seq, i, i+1), msg)
		}
	} else {
		seq = insertSorted(seq, msg)
	}
	s.seqs[convID] = seq
	s.reindex(msg)

	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: bus.MessageRef{ConversationID: convID, MessageID: msg.ID}})
	return result
}

// Remove deletes msgID from convID. It reports whether anything was removed.
func (s *MessageStore) Remove(convID, msgID string) bool {
	seq := s.seqs[convID]
	i := indexOf(seq, msgID)
	if i < 0 {
		return false
	}
	s.seqs[convID] = slices.Delete(seq, i, i+1)
	s.unindex(msgID)

	s.bus.Publish(bus.Event{Kind: bus.KindMessageRemoved, Payload: bus.MessageRef{ConversationID: convID, MessageID: msgID}})
	return true
}

// UpdateStatus moves msgID to status. Statuses only move forward and failed
// is reachable from sent alone.
func (s *MessageStore) UpdateStatus(convID, msgID string, status Status) error {
	seq := s.seqs[convID]
	i := indexOf(seq, msgID)
	if i < 0 {
		return fmt.Errorf("update status %s/%s: %w", convID, msgID, ErrMessageNotFound)
	}
	from := seq[i].Status
	if from == status {
		return nil
	}
	if !CanTransition(from, status) {
		return fmt.Errorf("update status %s: %w: %s to %s", msgID, ErrInvalidTransition, from, status)
	}
	seq[i].Status = status
	s.reindex(seq[i])

	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: bus.MessageRef{ConversationID: convID, MessageID: msgID}})
	return nil
}

// Reconcile swaps the temporary entry tempID for the server-confirmed message.
// If confirmed already arrived through the push channel it is merged in place.
func (s *MessageStore) Reconcile(convID, tempID string, confirmed Message) MergeResult {
	if tempID != confirmed.ID {
		s.Remove(convID, tempID)
	}
	return s.Merge(convID, confirmed)
}

// FindPending returns the temporary message from senderID with the given
// content whose CreatedAt is closest to near.
func (s *MessageStore) FindPending(convID, senderID, content string, near time.Time) (Message, bool) {
	var (
		best  Message
		found bool
		gap   time.Duration
	)
	for _, m := range s.seqs[convID] {
		if !m.IsTemporary() || m.Status != StatusSent || m.SenderID != senderID || m.Content != content {
			continue
		}
		d := m.CreatedAt.Sub(near)
		if d < 0 {
			d = -d
		}
		if !found || d < gap {
			best, gap, found = m, d, true
		}
	}
	return best, found
}

// FindByClientID returns the message carrying the given correlation id.
func (s *MessageStore) FindByClientID(convID, clientID string) (Message, bool) {
	if clientID == "" {
		return Message{}, false
	}
	for _, m := range s.seqs[convID] {
		if m.ClientMessageID == clientID {
			return m, true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the sequence of convID.
func (s *MessageStore) Messages(convID string) []Message {
	return slices.Clone(s.seqs[convID])
}

// Get returns a single message.
func (s *MessageStore) Get(convID, msgID string) (Message, bool) {
	seq := s.seqs[convID]
	if i := indexOf(seq, msgID); i >= 0 {
		return seq[i], true
	}
	return Message{}, false
}

// Locate finds which conversation holds msgID.
func (s *MessageStore) Locate(msgID string) (string, bool) {
	for convID, seq := range s.seqs {
		if indexOf(seq, msgID) >= 0 {
			return convID, true
		}
	}
	return "", false
}

// Last returns the newest message of convID.
func (s *MessageStore) Last(convID string) (Message, bool) {
	seq := s.seqs[convID]
	if len(seq) == 0 {
		return Message{}, false
	}
	return seq[len(seq)-1], true
}

func (s *MessageStore) reindex(m Message) {
	if s.index == nil {
		return
	}
	if err := s.index.Put(m); err != nil {
		s.logger.Warn("index message", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

func (s *MessageStore) unindex(id string) {
	if s.index == nil {
		return
	}
	if err := s.index.Delete(id); err != nil {
		s.logger.Warn("unindex message", zap.String("msg_id", id), zap.Error(err))
	}
}

// mergeFields applies an update on top of an existing message without moving
// its status backwards or dropping fields the update omits.
func mergeFields(existing, update Message) Message {
	if !CanTransition(existing.Status, update.Status) {
		update.Status = existing.Status
	}
	if update.CreatedAt.IsZero() {
		update.CreatedAt = existing.CreatedAt
	}
	if update.ClientMessageID == "" {
		update.ClientMessageID = existing.ClientMessageID
	}
	if update.Content == "" && len(update.Attachments) == 0 {
		update.Content = existing.Content
		update.Attachments = existing.Attachments
	}
	if update.SenderID == "" {
		update.SenderID = existing.SenderID
	}
	if update.Type == "" {
		update.Type = existing.Type
	}
	if update.Priority == "" {
		update.Priority = existing.Priority
	}
	if update.Metadata == nil {
		update.Metadata = existing.Metadata
	}
	return update
}

func indexOf(seq []Message, id string) int {
	return slices.IndexFunc(seq, func(m Message) bool { return m.ID == id })
}

func insertSorted(seq []Message, m Message) []Message {
	i := sort.Search(len(seq), func(i int) bool { return seq[i].CreatedAt.After(m.CreatedAt) })
	return slices.Insert(seq, i, m)
}
