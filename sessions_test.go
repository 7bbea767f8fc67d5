// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestRotationPolicy_NeedsRotation(t *testing.T) {
	now := time.Now()
	fresh := RotationPolicy{RemainingMessages: 10, ValidUntil: now.Add(time.Hour)}
	assert.False(t, fresh.NeedsRotation(now))

	spent := RotationPolicy{RemainingMessages: 0, ValidUntil: now.Add(time.Hour)}
	assert.True(t, spent.NeedsRotation(now))

	expired := RotationPolicy{RemainingMessages: 10, ValidUntil: now.Add(-time.Minute)}
	assert.True(t, expired.NeedsRotation(now))

	forced := RotationPolicy{RemainingMessages: 10, ValidUntil: now.Add(time.Hour), ForcedRotation: true}
	assert.True(t, forced.NeedsRotation(now))
}

func TestOutboundGroupSession_RotationByCount(t *testing.T) {
	session, err := NewOutboundGroupSession("!room:example.com", &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   604800000,
		RotationPeriodMessages: 3,
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = session.Encrypt([]byte("message"))
		require.NoError(t, err)
	}
	_, err = session.Encrypt([]byte("one too many"))
	require.ErrorIs(t, err, ErrSessionNeedsRotation)
	assert.True(t, session.NeedsRotation())
}

func TestOutboundGroupSession_RotationByTime(t *testing.T) {
	session, err := NewOutboundGroupSession("!room:example.com", &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   604800000,
		RotationPeriodMessages: 100,
	})
	require.NoError(t, err)
	session.Policy.ValidUntil = time.Now().Add(-time.Second)
	_, err = session.Encrypt([]byte("too late"))
	require.ErrorIs(t, err, ErrSessionNeedsRotation)
}

func TestOutboundGroupSession_ZeroRotationPeriod(t *testing.T) {
	// An explicit period of zero is honored verbatim, the session expires
	// the moment it is created.
	session, err := NewOutboundGroupSession("!room:example.com", &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   0,
		RotationPeriodMessages: 100,
	})
	require.NoError(t, err)
	assert.True(t, session.NeedsRotation())
	_, err = session.Encrypt([]byte("never sent"))
	require.ErrorIs(t, err, ErrSessionNeedsRotation)
}

func TestOutboundGroupSession_ForcedRotationIsPermanent(t *testing.T) {
	session, err := NewOutboundGroupSession("!room:example.com", nil)
	require.NoError(t, err)
	assert.False(t, session.NeedsRotation())
	session.Invalidate()
	assert.True(t, session.NeedsRotation())
	// Plenty of budget left, the session is still unusable.
	session.Policy.RemainingMessages = 100
	session.Policy.ValidUntil = time.Now().Add(time.Hour)
	assert.True(t, session.NeedsRotation())
	_, err = session.Encrypt([]byte("no"))
	require.ErrorIs(t, err, ErrSessionNeedsRotation)
}

func TestGroupSession_RoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession("!room:example.com", nil)
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession("senderkey", "!room:example.com", outbound.Key(), nil)
	require.NoError(t, err)
	require.Equal(t, outbound.ID(), inbound.ID())

	ciphertext, err := outbound.Encrypt([]byte("first"))
	require.NoError(t, err)
	plaintext, index, err := inbound.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), plaintext)
	assert.EqualValues(t, 0, index)

	ciphertext2, err := outbound.Encrypt([]byte("second"))
	require.NoError(t, err)
	plaintext2, index2, err := inbound.Decrypt(ciphertext2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plaintext2)
	assert.EqualValues(t, 1, index2)
}

func TestInboundGroupSession_Replay(t *testing.T) {
	outbound, err := NewOutboundGroupSession("!room:example.com", nil)
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession("senderkey", "!room:example.com", outbound.Key(), nil)
	require.NoError(t, err)

	ciphertext, err := outbound.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, _, err = inbound.Decrypt(ciphertext)
	require.NoError(t, err)
	_, _, err = inbound.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrReplayAttack)
}

func TestInboundGroupSession_PickleRoundTrip(t *testing.T) {
	key := []byte("picklekey")
	outbound, err := NewOutboundGroupSession("!room:example.com", nil)
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession("senderkey", "!room:example.com", outbound.Key(), nil)
	require.NoError(t, err)
	ciphertext, err := outbound.Encrypt([]byte("persisted"))
	require.NoError(t, err)
	_, _, err = inbound.Decrypt(ciphertext)
	require.NoError(t, err)

	data, err := inbound.pickle(key)
	require.NoError(t, err)
	restored, err := inboundGroupSessionFromBlob(data, key)
	require.NoError(t, err)
	assert.Equal(t, inbound.ID(), restored.ID())
	assert.Equal(t, inbound.RoomID, restored.RoomID)
	assert.Equal(t, inbound.SenderKey, restored.SenderKey)

	// The seen index set survives, so replays are caught across restarts.
	_, _, err = restored.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrReplayAttack)
}

func TestOutboundGroupSession_PickleRoundTrip(t *testing.T) {
	key := []byte("picklekey")
	outbound, err := NewOutboundGroupSession("!room:example.com", &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   604800000,
		RotationPeriodMessages: 5,
	})
	require.NoError(t, err)
	_, err = outbound.Encrypt([]byte("one"))
	require.NoError(t, err)

	data, err := outbound.pickle(key)
	require.NoError(t, err)
	restored, err := outboundGroupSessionFromBlob(data, key)
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), restored.ID())
	assert.Equal(t, 4, restored.Policy.RemainingMessages)
	assert.Equal(t, outbound.RoomID, restored.RoomID)
}
