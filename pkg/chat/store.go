// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"fmt"
	"sync"
	"time"
)

// Store is the in-memory conversation registry.
//
// # Description
//
// Store owns the conversation map and the notion of the "active"
// conversation that sends append to. All access is guarded by one mutex;
// accessors return copies so callers can never mutate stored state
// through a returned value.
//
// # Limitations
//
//   - Memory only. Persistence belongs to a subscriber on the event bus,
//     not to the store.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*ConversationRecord
	activeID      string
}

// NewStore creates an empty store with no active conversation.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*ConversationRecord)}
}

// ActiveID returns the active conversation id, or "" when none is set.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// IsTemporary reports whether the active conversation is still the local
// temporary one awaiting a backend-assigned id.
func (s *Store) IsTemporary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID == TempConversationID
}

// ActiveMessages returns a copy of the active conversation's transcript.
// Returns nil when no conversation is active.
func (s *Store) ActiveMessages() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[s.activeID]
	if !ok {
		return nil
	}
	out := make([]MessageRecord, len(conv.Messages))
	copy(out, conv.Messages)
	return out
}

// ActiveLocked reports whether the active conversation exists and is
// locked against new sends.
func (s *Store) ActiveLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[s.activeID]
	return ok && conv.Locked
}

// SetActive switches the active conversation, creating an empty record
// for ids the store has not seen.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		s.conversations[id] = &ConversationRecord{Id: id, CreatedAt: time.Now()}
	}
	s.activeID = id
}

// Deactivate clears the active pointer so the next EnsureActive starts a
// fresh temporary conversation. An unpromoted temporary record is
// discarded; promoted conversations stay in the store.
func (s *Store) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, TempConversationID)
	s.activeID = ""
}

// SetLocked sets the lock flag on a conversation. Unknown ids are a no-op.
func (s *Store) SetLocked(id string, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.Locked = locked
	}
}

// EnsureActive guarantees an active conversation exists, creating a
// temporary one when none is set. Returns the active id and whether this
// call created it.
func (s *Store) EnsureActive() (id string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		return s.activeID, false
	}
	s.conversations[TempConversationID] = &ConversationRecord{
		Id:        TempConversationID,
		CreatedAt: time.Now(),
	}
	s.activeID = TempConversationID
	return TempConversationID, true
}

// Append adds a message to the named conversation.
func (s *Store) Append(conversationID string, msg MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("append to unknown conversation %q", conversationID)
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

// PromoteTemporary renames the temporary conversation to the
// backend-assigned id, carrying its transcript. The active id follows.
//
// Idempotent: promotion is a no-op when there is no temporary
// conversation (already promoted, or none was ever created) or when
// realID is empty or the sentinel itself. Returns whether a rename
// happened.
func (s *Store) PromoteTemporary(realID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if realID == "" || realID == TempConversationID {
		return false
	}
	conv, ok := s.conversations[TempConversationID]
	if !ok {
		return false
	}

	conv.Id = realID
	s.conversations[realID] = conv
	delete(s.conversations, TempConversationID)
	if s.activeID == TempConversationID {
		s.activeID = realID
	}
	return true
}

// Get returns a copy of the named conversation.
func (s *Store) Get(id string) (ConversationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ConversationRecord{}, false
	}
	out := *conv
	out.Messages = make([]MessageRecord, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out, true
}

// Reset clears all conversations and the active id.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*ConversationRecord)
	s.activeID = ""
}
