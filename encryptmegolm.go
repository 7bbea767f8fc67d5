// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// megolmEvent is the plaintext payload of a megolm-encrypted room event.
type megolmEvent struct {
	RoomID  id.RoomID     `json:"room_id"`
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// prepareEncrypt checks whether the room has a usable outbound group session.
// If it does, the event goes straight to encryption. Otherwise the event is
// parked at the front of the queue behind a session announcement flow, which
// claims keys, creates the session and distributes it before the event is
// looked at again.
func (e *Engine) prepareEncrypt(task Task) (State, Task) {
	session, exists := e.outboundGroupSessions.Load(task.RoomID)
	if exists && !session.NeedsRotation() {
		return StateNeedToEncrypt, task
	}
	e.queue.PushFront(task)
	return StateNeedToEncrypt, Task{Kind: TaskAnnounceSession, RoomID: task.RoomID}
}

// encryptMegolmEvent wraps the event in the megolm payload format, encrypts
// it with the room's outbound group session and hands the encrypted copy to
// the task's callback.
func (e *Engine) encryptMegolmEvent(task Task) (State, Task) {
	session, exists := e.outboundGroupSessions.Load(task.RoomID)
	if !exists {
		task.fail(ErrNoOutboundGroupSession)
		e.notifyError(ErrNoOutboundGroupSession)
		return StateReady, Task{Kind: TaskNone}
	}
	plaintext, err := json.Marshal(&megolmEvent{
		RoomID:  task.RoomID,
		Type:    task.Event.Type,
		Content: task.Event.Content,
	})
	if err != nil {
		task.fail(err)
		return StateReady, Task{Kind: TaskNone}
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		task.fail(err)
		e.notifyError(err)
		return StateReady, Task{Kind: TaskNone}
	}
	e.saveOutboundGroupSession(e.ctx, session)
	zerolog.Ctx(e.ctx).Trace().
		Stringer("room_id", task.RoomID).
		Stringer("session_id", session.ID()).
		Int("remaining_messages", session.Policy.RemainingMessages).
		Msg("Encrypted megolm event")
	task.deliver(&event.Event{
		Sender: e.UserID,
		Type:   event.EventEncrypted,
		RoomID: task.RoomID,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm:        id.AlgorithmMegolmV1,
			SenderKey:        e.account.Load().IdentityKey(),
			DeviceID:         e.DeviceID,
			SessionID:        session.ID(),
			MegolmCiphertext: ciphertext,
		}},
	}, nil)
	return StateReady, Task{Kind: TaskNone}
}

// createOutboundGroupSession makes a new megolm session for the room and
// immediately imports its mirror as an inbound session, so this device can
// decrypt its own messages the same way as everyone else's.
func (e *Engine) createOutboundGroupSession(task Task) (State, Task) {
	log := zerolog.Ctx(e.ctx)
	config, err := e.Store.GetEncryptionConfig(e.ctx, task.RoomID)
	if err == nil && config == nil {
		err = ErrRoomNotFound
	}
	if err != nil {
		e.notifyError(fmt.Errorf("failed to get encryption config for %s: %w", task.RoomID, err))
		return StateNeedToEncrypt, Task{Kind: TaskNone}
	}
	session, err := NewOutboundGroupSession(task.RoomID, config)
	if err != nil {
		e.notifyError(err)
		return StateNeedToEncrypt, Task{Kind: TaskNone}
	}
	identityKey := e.account.Load().IdentityKey()
	ownInbound, err := NewInboundGroupSession(identityKey, task.RoomID, session.Key(), config)
	if err != nil {
		e.notifyError(fmt.Errorf("failed to create own inbound copy of group session: %w", err))
		return StateNeedToEncrypt, Task{Kind: TaskNone}
	}
	e.outboundGroupSessions.Store(task.RoomID, session)
	e.saveOutboundGroupSession(e.ctx, session)
	sessionKey := inboundSessionKey(task.RoomID, identityKey, ownInbound.ID())
	e.inboundGroupSessions.Store(sessionKey, ownInbound)
	e.saveInboundGroupSession(e.ctx, sessionKey, ownInbound)
	log.Debug().
		Stringer("room_id", task.RoomID).
		Stringer("session_id", session.ID()).
		Msg("Created new outbound group session")
	return StateCreatedOutboundSession, Task{Kind: TaskRoomID, RoomID: task.RoomID}
}
