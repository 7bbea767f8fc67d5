// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Default rotation values for rooms that don't specify their own, same as the
// defaults in the m.room.encryption spec.
const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
)

// RotationPolicy tracks when a megolm session must stop being used. Forced
// rotation is one-way: once set, nothing unsets it.
type RotationPolicy struct {
	RemainingMessages int       `json:"remaining_messages"`
	ValidUntil        time.Time `json:"valid_until"`
	ForcedRotation    bool      `json:"forced_rotation"`
}

// NeedsRotation reports whether the session governed by this policy may not
// be used anymore at the given time.
func (rp RotationPolicy) NeedsRotation(now time.Time) bool {
	return rp.RemainingMessages <= 0 || now.After(rp.ValidUntil) || rp.ForcedRotation
}

// newRotationPolicy derives a rotation policy from a room's encryption
// config. The defaults only apply when no config is known at all: a stored
// config is used verbatim, so a rotation period of zero makes the session
// unusable immediately.
func newRotationPolicy(content *event.EncryptionEventContent) RotationPolicy {
	if content == nil {
		return RotationPolicy{
			RemainingMessages: DefaultRotationMessages,
			ValidUntil:        time.Now().Add(DefaultRotationPeriod),
		}
	}
	return RotationPolicy{
		RemainingMessages: content.RotationPeriodMessages,
		ValidUntil:        time.Now().Add(time.Duration(content.RotationPeriodMillis) * time.Millisecond),
	}
}

// OlmSession is a pairwise double ratchet session with one remote device.
type OlmSession struct {
	Internal olm.Session

	CreationTime time.Time
	LastUsedTime time.Time
}

func wrapSession(session olm.Session) *OlmSession {
	now := time.Now()
	return &OlmSession{
		Internal:     session,
		CreationTime: now,
		LastUsedTime: now,
	}
}

func (session *OlmSession) ID() id.SessionID {
	return session.Internal.ID()
}

func (session *OlmSession) Describe() string {
	return session.Internal.Describe()
}

// Encrypt encrypts the plaintext and advances the ratchet.
func (session *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	session.LastUsedTime = time.Now()
	return session.Internal.Encrypt(plaintext)
}

// Decrypt decrypts the ciphertext and advances the ratchet.
func (session *OlmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	plaintext, err := session.Internal.Decrypt(ciphertext, msgType)
	if err == nil {
		session.LastUsedTime = time.Now()
	}
	return plaintext, err
}

// OutboundGroupSession is a megolm ratchet used to encrypt this device's
// messages for one room. It refuses to encrypt once its rotation policy says
// the session is spent.
type OutboundGroupSession struct {
	Internal olm.OutboundGroupSession

	RoomID id.RoomID
	Policy RotationPolicy
}

// NewOutboundGroupSession creates a fresh megolm session for the room, with
// the rotation policy taken from the room's encryption config.
func NewOutboundGroupSession(roomID id.RoomID, content *event.EncryptionEventContent) (*OutboundGroupSession, error) {
	internal, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound group session: %w", err)
	}
	return &OutboundGroupSession{
		Internal: internal,
		RoomID:   roomID,
		Policy:   newRotationPolicy(content),
	}, nil
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

// Key exports the current ratchet state for sharing with other devices.
func (ogs *OutboundGroupSession) Key() string {
	return ogs.Internal.Key()
}

func (ogs *OutboundGroupSession) MessageIndex() uint {
	return ogs.Internal.MessageIndex()
}

// NeedsRotation reports whether this session must be replaced before the next
// message can be encrypted.
func (ogs *OutboundGroupSession) NeedsRotation() bool {
	return ogs.Policy.NeedsRotation(time.Now())
}

// Invalidate forces the session to be rotated before the next encryption.
// There is no way to undo this.
func (ogs *OutboundGroupSession) Invalidate() {
	ogs.Policy.ForcedRotation = true
}

// Encrypt encrypts the plaintext with the group ratchet and counts the
// message against the rotation policy. It refuses to encrypt with a session
// that needs rotation.
func (ogs *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	if ogs.NeedsRotation() {
		return nil, ErrSessionNeedsRotation
	}
	ciphertext, err := ogs.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	ogs.Policy.RemainingMessages--
	return ciphertext, nil
}

// ShareContent returns the m.room_key content that announces this session to
// other devices.
func (ogs *OutboundGroupSession) ShareContent() *event.RoomKeyEventContent {
	return &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     ogs.RoomID,
		SessionID:  ogs.ID(),
		SessionKey: ogs.Key(),
	}
}

// InboundGroupSession is the receiving side of a megolm ratchet, either
// received from another device's room key announcement or created locally as
// the mirror of an own outbound session.
type InboundGroupSession struct {
	Internal olm.InboundGroupSession

	RoomID    id.RoomID
	SenderKey id.SenderKey
	Policy    RotationPolicy

	// seenIndices records every ratchet index that was already decrypted, to
	// detect replayed ciphertexts.
	seenIndices map[uint]struct{}
}

// NewInboundGroupSession imports a session from an exported session key.
func NewInboundGroupSession(senderKey id.SenderKey, roomID id.RoomID, sessionKey string, content *event.EncryptionEventContent) (*InboundGroupSession, error) {
	internal, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to import inbound group session: %w", err)
	}
	return &InboundGroupSession{
		Internal:    internal,
		RoomID:      roomID,
		SenderKey:   senderKey,
		Policy:      newRotationPolicy(content),
		seenIndices: make(map[uint]struct{}),
	}, nil
}

func (igs *InboundGroupSession) ID() id.SessionID {
	return igs.Internal.ID()
}

// NeedsRotation reports whether the sender should have rotated this session
// already. Inbound sessions keep decrypting past this point, it's only used
// for pruning at load time and for diagnostics.
func (igs *InboundGroupSession) NeedsRotation(now time.Time) bool {
	return igs.Policy.NeedsRotation(now)
}

// Decrypt decrypts one megolm ciphertext and returns the plaintext and the
// ratchet index it was encrypted at. Decrypting the same index twice is
// reported as a replay attack.
func (igs *InboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	plaintext, index, err := igs.Internal.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, err
	}
	if _, seen := igs.seenIndices[index]; seen {
		return nil, index, fmt.Errorf("%w (index %d)", ErrReplayAttack, index)
	}
	igs.seenIndices[index] = struct{}{}
	igs.Policy.RemainingMessages--
	return plaintext, index, nil
}

// inboundSessionKey builds the arena and store key for an inbound session.
// The sender key is part of the key so that a malicious device can't shadow
// another device's session by announcing the same session ID.
func inboundSessionKey(roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) string {
	return string(roomID) + "|" + string(senderKey) + "|" + string(sessionID)
}

type olmSessionBlob struct {
	Pickled      []byte    `json:"pickled"`
	CreationTime time.Time `json:"creation_time"`
	LastUsedTime time.Time `json:"last_used_time"`
}

type inboundGroupSessionBlob struct {
	Pickled     []byte         `json:"pickled"`
	RoomID      id.RoomID      `json:"room_id"`
	SenderKey   id.SenderKey   `json:"sender_key"`
	Policy      RotationPolicy `json:"policy"`
	SeenIndices []uint         `json:"seen_indices"`
}

type outboundGroupSessionBlob struct {
	Pickled []byte         `json:"pickled"`
	RoomID  id.RoomID      `json:"room_id"`
	Policy  RotationPolicy `json:"policy"`
}

func (session *OlmSession) pickle(key []byte) ([]byte, error) {
	pickled, err := session.Internal.Pickle(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&olmSessionBlob{
		Pickled:      pickled,
		CreationTime: session.CreationTime,
		LastUsedTime: session.LastUsedTime,
	})
}

func olmSessionFromBlob(data, key []byte) (*OlmSession, error) {
	var blob olmSessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	internal, err := olm.SessionFromPickled(blob.Pickled, key)
	if err != nil {
		return nil, err
	}
	return &OlmSession{
		Internal:     internal,
		CreationTime: blob.CreationTime,
		LastUsedTime: blob.LastUsedTime,
	}, nil
}

func (igs *InboundGroupSession) pickle(key []byte) ([]byte, error) {
	pickled, err := igs.Internal.Pickle(key)
	if err != nil {
		return nil, err
	}
	indices := make([]uint, 0, len(igs.seenIndices))
	for index := range igs.seenIndices {
		indices = append(indices, index)
	}
	return json.Marshal(&inboundGroupSessionBlob{
		Pickled:     pickled,
		RoomID:      igs.RoomID,
		SenderKey:   igs.SenderKey,
		Policy:      igs.Policy,
		SeenIndices: indices,
	})
}

func inboundGroupSessionFromBlob(data, key []byte) (*InboundGroupSession, error) {
	var blob inboundGroupSessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	internal, err := olm.InboundGroupSessionFromPickled(blob.Pickled, key)
	if err != nil {
		return nil, err
	}
	igs := &InboundGroupSession{
		Internal:    internal,
		RoomID:      blob.RoomID,
		SenderKey:   blob.SenderKey,
		Policy:      blob.Policy,
		seenIndices: make(map[uint]struct{}, len(blob.SeenIndices)),
	}
	for _, index := range blob.SeenIndices {
		igs.seenIndices[index] = struct{}{}
	}
	return igs, nil
}

func (ogs *OutboundGroupSession) pickle(key []byte) ([]byte, error) {
	pickled, err := ogs.Internal.Pickle(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&outboundGroupSessionBlob{
		Pickled: pickled,
		RoomID:  ogs.RoomID,
		Policy:  ogs.Policy,
	})
}

func outboundGroupSessionFromBlob(data, key []byte) (*OutboundGroupSession, error) {
	var blob outboundGroupSessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	internal, err := olm.OutboundGroupSessionFromPickled(blob.Pickled, key)
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		Internal: internal,
		RoomID:   blob.RoomID,
		Policy:   blob.Policy,
	}, nil
}
