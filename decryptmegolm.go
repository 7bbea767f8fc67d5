// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// decryptRoomEvent is the transition wrapper around megolm decryption. The
// result goes to the task's callback, failures additionally go to the
// delegate.
func (e *Engine) decryptRoomEvent(task Task) (State, Task) {
	decrypted, err := e.decryptMegolmEvent(e.ctx, task.Event)
	if err != nil {
		e.notifyError(err)
	}
	task.deliver(decrypted, err)
	return StateReady, Task{Kind: TaskNone}
}

// decryptMegolmEvent decrypts a megolm-encrypted room event and returns the
// plaintext event with the envelope metadata (event ID, timestamp, sender,
// room) overlaid on it.
func (e *Engine) decryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrIncorrectEncryptedContentType
	} else if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, ErrUnsupportedAlgorithm
	}
	session, exists := e.inboundGroupSessions.Load(inboundSessionKey(evt.RoomID, content.SenderKey, content.SessionID))
	if !exists {
		return nil, fmt.Errorf("%w (session ID %s)", ErrNoSessionFound, content.SessionID)
	}
	plaintext, messageIndex, err := session.Decrypt([]byte(content.MegolmCiphertext))
	if err != nil {
		if errors.Is(err, ErrReplayAttack) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to decrypt megolm event: %w", err)
	}
	e.saveInboundGroupSession(ctx, inboundSessionKey(evt.RoomID, content.SenderKey, content.SessionID), session)
	zerolog.Ctx(ctx).Trace().
		Stringer("session_id", content.SessionID).
		Uint("message_index", messageIndex).
		Msg("Decrypted megolm event")

	var payload megolmEvent
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse megolm payload: %w", err)
	} else if payload.RoomID != evt.RoomID {
		return nil, ErrWrongRoom
	}
	if err = payload.Content.ParseRaw(payload.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	payload.Type.Class = evt.Type.Class
	return &event.Event{
		Sender:    evt.Sender,
		Type:      payload.Type,
		Timestamp: evt.Timestamp,
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Content:   payload.Content,
	}, nil
}
