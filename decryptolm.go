// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OlmEventKeys is the signing key block inside an olm payload.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is the plaintext payload of an olm-encrypted to-device
// event. The addressing fields are authenticated: decryption validates them
// against the envelope, this device's account and the stored device keys of
// the sender.
type DecryptedOlmEvent struct {
	Source *event.Event `json:"-"`

	SenderKey id.SenderKey `json:"-"`

	Sender        id.UserID     `json:"sender"`
	SenderDevice  id.DeviceID   `json:"sender_device"`
	Keys          OlmEventKeys  `json:"keys"`
	Recipient     id.UserID     `json:"recipient"`
	RecipientKeys OlmEventKeys  `json:"recipient_keys"`
	Type          event.Type    `json:"type"`
	Content       event.Content `json:"content"`
}

// decryptToDevice is the transition wrapper around olm decryption.
func (e *Engine) decryptToDevice(task Task) (State, Task) {
	decrypted, err := e.decryptOlmEvent(e.ctx, task.Event)
	if err != nil {
		e.notifyError(err)
	}
	task.deliverToDevice(decrypted, err)
	return StateReady, Task{Kind: TaskNone}
}

// decryptOlmEvent decrypts an olm-encrypted to-device event and validates
// the decrypted payload. Validation fails closed: the sender and recipient
// in the payload must match the envelope and this account, the sender's
// signing key must match the stored device record, and the event must be
// sent from a device we know about.
func (e *Engine) decryptOlmEvent(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrIncorrectEncryptedContentType
	} else if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, ErrUnsupportedAlgorithm
	}
	_, identityKey := e.IdentityKeys()
	ownContent, ok := content.OlmCiphertext[identityKey]
	if !ok {
		return nil, ErrNotEncryptedForMe
	}
	if ownContent.Type != id.OlmMsgTypePreKey && ownContent.Type != id.OlmMsgTypeMsg {
		return nil, ErrUnsupportedOlmMessageType
	}
	ciphertextHash := sha256.Sum256([]byte(ownContent.Body))
	if e.recentOlmHashes.Contains(ciphertextHash) {
		return nil, ErrDuplicateMessage
	}
	plaintext, err := e.decryptOlmCiphertext(ctx, content.SenderKey, ownContent.Type, ownContent.Body)
	if err != nil {
		return nil, err
	}
	e.recentOlmHashes.Add(ciphertextHash, struct{}{})

	olmEvt := &DecryptedOlmEvent{
		Source:    evt,
		SenderKey: content.SenderKey,
	}
	if err = json.Unmarshal(plaintext, olmEvt); err != nil {
		return nil, fmt.Errorf("failed to parse olm payload: %w", err)
	}
	if err = e.validateOlmEvent(ctx, evt, olmEvt); err != nil {
		return nil, err
	}
	if err = olmEvt.Content.ParseRaw(olmEvt.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	zerolog.Ctx(ctx).Trace().
		Stringer("sender", olmEvt.Sender).
		Stringer("sender_device", olmEvt.SenderDevice).
		Str("type", olmEvt.Type.Type).
		Msg("Decrypted and validated olm event")
	return olmEvt, nil
}

// validateOlmEvent cross-checks the decrypted payload against the envelope,
// this account and the device store.
func (e *Engine) validateOlmEvent(ctx context.Context, evt *event.Event, olmEvt *DecryptedOlmEvent) error {
	if olmEvt.Sender != evt.Sender {
		return fmt.Errorf("%w (envelope %s, payload %s)", ErrSenderMismatch, evt.Sender, olmEvt.Sender)
	}
	if olmEvt.Recipient != e.UserID {
		return fmt.Errorf("%w (payload says %s)", ErrRecipientMismatch, olmEvt.Recipient)
	}
	device, err := e.Store.GetDevice(ctx, olmEvt.Sender, olmEvt.SenderDevice)
	if err != nil {
		return fmt.Errorf("failed to get sender device from store: %w", err)
	}
	if device == nil {
		return fmt.Errorf("%w (%s/%s)", ErrUnknownDevice, olmEvt.Sender, olmEvt.SenderDevice)
	}
	if olmEvt.Keys.Ed25519 != device.SigningKey {
		return ErrSenderKeyMismatch
	}
	signingKey, _ := e.IdentityKeys()
	if olmEvt.RecipientKeys.Ed25519 != signingKey {
		return ErrRecipientKeyMismatch
	}
	return nil
}

// decryptOlmCiphertext resolves or creates the olm session to decrypt with.
// A prekey message that doesn't match the existing session replaces it with
// a fresh inbound session, which consumes the one-time key it was encrypted
// to.
func (e *Engine) decryptOlmCiphertext(ctx context.Context, senderKey id.SenderKey, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	log := zerolog.Ctx(ctx).With().Stringer("sender_key", senderKey).Logger()
	session, exists := e.olmSessions.Load(senderKey)
	if msgType == id.OlmMsgTypePreKey {
		matches := false
		if exists {
			var err error
			matches, err = session.Internal.MatchesInboundSession(ciphertext)
			if err != nil {
				return nil, fmt.Errorf("failed to check if prekey message matches session: %w", err)
			}
		}
		if !matches {
			newSession, err := e.account.Load().NewInboundSessionFrom(senderKey, ciphertext)
			if err != nil {
				return nil, fmt.Errorf("failed to create inbound olm session: %w", err)
			}
			log.Debug().Str("session_description", newSession.Describe()).Msg("Created inbound olm session from prekey message")
			e.saveAccount(ctx)
			session = newSession
			e.olmSessions.Store(senderKey, session)
		}
	} else if !exists {
		return nil, ErrNoOlmSession
	}
	plaintext, err := session.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt olm message: %w", err)
	}
	e.saveOlmSession(ctx, senderKey, session)
	return plaintext, nil
}
