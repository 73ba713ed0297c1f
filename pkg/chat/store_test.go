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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Active Conversation Tests
// =============================================================================

func TestStore_EnsureActiveCreatesTemporary(t *testing.T) {
	s := NewStore()

	id, created := s.EnsureActive()

	assert.True(t, created)
	assert.Equal(t, TempConversationID, id)
	assert.True(t, s.IsTemporary())
}

func TestStore_EnsureActiveIsIdempotent(t *testing.T) {
	s := NewStore()

	first, created := s.EnsureActive()
	require.True(t, created)

	second, created := s.EnsureActive()
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestStore_SetActiveCreatesUnknownConversation(t *testing.T) {
	s := NewStore()

	s.SetActive("conv-42")

	assert.Equal(t, "conv-42", s.ActiveID())
	_, ok := s.Get("conv-42")
	assert.True(t, ok)
}

// =============================================================================
// Append Tests
// =============================================================================

func TestStore_AppendAndReadBack(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()

	err := s.Append(id, MessageRecord{Id: "m1", Role: RoleUser, Answer: "hi", Date: time.Now()})
	require.NoError(t, err)

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Answer)
}

func TestStore_AppendUnknownConversationFails(t *testing.T) {
	s := NewStore()

	err := s.Append("never-created", MessageRecord{Id: "m1"})
	assert.Error(t, err)
}

func TestStore_ActiveMessagesReturnsCopy(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()
	require.NoError(t, s.Append(id, MessageRecord{Id: "m1", Answer: "original"}))

	msgs := s.ActiveMessages()
	msgs[0].Answer = "mutated"

	assert.Equal(t, "original", s.ActiveMessages()[0].Answer)
}

// =============================================================================
// Promotion Tests
// =============================================================================

func TestStore_PromoteTemporaryCarriesTranscript(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()
	require.NoError(t, s.Append(id, MessageRecord{Id: "m1", Role: RoleUser, Answer: "hi"}))

	promoted := s.PromoteTemporary("conv-real")

	assert.True(t, promoted)
	assert.Equal(t, "conv-real", s.ActiveID())
	assert.False(t, s.IsTemporary())

	conv, ok := s.Get("conv-real")
	require.True(t, ok)
	assert.Equal(t, "conv-real", conv.Id)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hi", conv.Messages[0].Answer)

	_, stillThere := s.Get(TempConversationID)
	assert.False(t, stillThere, "sentinel record must be gone after promotion")
}

func TestStore_PromoteTemporaryIsIdempotent(t *testing.T) {
	s := NewStore()
	s.EnsureActive()

	assert.True(t, s.PromoteTemporary("conv-real"))
	assert.False(t, s.PromoteTemporary("conv-real"), "second promotion must be a no-op")
	assert.False(t, s.PromoteTemporary("conv-other"), "no temporary left to promote")
	assert.Equal(t, "conv-real", s.ActiveID())
}

func TestStore_PromoteTemporaryRejectsSentinelAndEmpty(t *testing.T) {
	s := NewStore()
	s.EnsureActive()

	assert.False(t, s.PromoteTemporary(""))
	assert.False(t, s.PromoteTemporary(TempConversationID))
	assert.True(t, s.IsTemporary())
}

// =============================================================================
// Lock and Reset Tests
// =============================================================================

func TestStore_Locking(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()

	assert.False(t, s.ActiveLocked())
	s.SetLocked(id, true)
	assert.True(t, s.ActiveLocked())
	s.SetLocked(id, false)
	assert.False(t, s.ActiveLocked())
}

func TestStore_DeactivateDiscardsTemporaryKeepsPromoted(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()
	require.NoError(t, s.Append(id, MessageRecord{Id: "m1"}))
	require.True(t, s.PromoteTemporary("conv-1"))

	s.Deactivate()
	assert.Empty(t, s.ActiveID())

	// Promoted conversation survives deactivation.
	conv, ok := s.Get("conv-1")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)

	// A pending temporary is discarded outright.
	tempID, _ := s.EnsureActive()
	require.NoError(t, s.Append(tempID, MessageRecord{Id: "m2"}))
	s.Deactivate()
	_, ok = s.Get(TempConversationID)
	assert.False(t, ok)
}

func TestStore_Reset(t *testing.T) {
	s := NewStore()
	id, _ := s.EnsureActive()
	require.NoError(t, s.Append(id, MessageRecord{Id: "m1"}))

	s.Reset()

	assert.Empty(t, s.ActiveID())
	assert.Nil(t, s.ActiveMessages())
}
