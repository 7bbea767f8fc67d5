// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// publishGroupSession distributes the room's outbound group session key to
// all non-blocked member devices over their olm sessions. Devices without an
// olm session are skipped: they either failed key claiming or joined after
// the claim, and will get the next session.
func (e *Engine) publishGroupSession(task Task) (State, Task) {
	log := zerolog.Ctx(e.ctx).With().Stringer("room_id", task.RoomID).Logger()
	session, exists := e.outboundGroupSessions.Load(task.RoomID)
	if !exists {
		e.notifyError(ErrNoOutboundGroupSession)
		return StateReady, Task{Kind: TaskNone}
	}
	devices, err := e.Store.GetNonBlockedDevices(e.ctx, task.RoomID)
	if err != nil {
		e.notifyError(fmt.Errorf("failed to get devices in %s: %w", task.RoomID, err))
		return StateReady, Task{Kind: TaskNone}
	}
	keyContent := session.ShareContent()
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	shared := 0
	for _, device := range devices {
		if device.UserID == e.UserID && device.DeviceID == e.DeviceID {
			continue
		}
		olmSession, exists := e.olmSessions.Load(device.IdentityKey)
		if !exists {
			log.Debug().
				Stringer("user_id", device.UserID).
				Stringer("device_id", device.DeviceID).
				Msg("Skipping device without olm session in key distribution")
			continue
		}
		encrypted, err := e.encryptOlmEvent(olmSession, device, event.ToDeviceRoomKey, keyContent)
		if err != nil {
			e.notifyError(fmt.Errorf("failed to encrypt room key for %s/%s: %w", device.UserID, device.DeviceID, err))
			continue
		}
		e.saveOlmSession(e.ctx, device.IdentityKey, olmSession)
		if _, exists = messages[device.UserID]; !exists {
			messages[device.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[device.UserID][device.DeviceID] = &event.Content{Parsed: encrypted}
		shared++
	}
	if len(messages) > 0 {
		_, err = e.Transport.SendToDevice(e.ctx, event.ToDeviceEncrypted, &mautrix.ReqSendToDevice{Messages: messages})
		if err != nil {
			e.notifyError(fmt.Errorf("failed to send room key to devices: %w", err))
			return StateReady, Task{Kind: TaskNone}
		}
	}
	log.Debug().
		Stringer("session_id", session.ID()).
		Int("shared_devices", shared).
		Msg("Published group session keys")
	return StateReady, Task{Kind: TaskNone}
}

// receiveRoomKey imports the megolm session announced by a decrypted
// m.room_key event. The sender identity comes from the validated olm
// envelope, not from the key content.
func (e *Engine) receiveRoomKey(task Task) (State, Task) {
	log := zerolog.Ctx(e.ctx)
	content, ok := task.OlmEvent.Content.Parsed.(*event.RoomKeyEventContent)
	if !ok {
		e.notifyError(ErrInvalidRoomKey)
		return StateReady, Task{Kind: TaskNone}
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || task.OlmEvent.Keys.Ed25519 == "" {
		log.Debug().
			Str("algorithm", string(content.Algorithm)).
			Msg("Ignoring room key event with unsupported algorithm or no sender key")
		return StateReady, Task{Kind: TaskNone}
	}
	// The room config only affects the advisory rotation policy here, so an
	// unknown room falls back to defaults instead of failing.
	config, err := e.Store.GetEncryptionConfig(e.ctx, content.RoomID)
	if err != nil {
		e.notifyError(err)
		return StateReady, Task{Kind: TaskNone}
	}
	igs, err := NewInboundGroupSession(task.OlmEvent.SenderKey, content.RoomID, content.SessionKey, config)
	if err != nil {
		e.notifyError(fmt.Errorf("failed to import room key: %w", err))
		return StateReady, Task{Kind: TaskNone}
	}
	if igs.ID() != content.SessionID {
		log.Warn().
			Stringer("expected_session_id", content.SessionID).
			Stringer("actual_session_id", igs.ID()).
			Msg("Mismatched session ID while importing room key")
		e.notifyError(ErrInvalidRoomKey)
		return StateReady, Task{Kind: TaskNone}
	}
	key := inboundSessionKey(content.RoomID, task.OlmEvent.SenderKey, igs.ID())
	e.inboundGroupSessions.Store(key, igs)
	e.saveInboundGroupSession(e.ctx, key, igs)
	log.Debug().
		Stringer("room_id", content.RoomID).
		Stringer("session_id", content.SessionID).
		Stringer("sender_key", task.OlmEvent.SenderKey).
		Msg("Imported new inbound group session")
	return StateReady, Task{Kind: TaskNone}
}
