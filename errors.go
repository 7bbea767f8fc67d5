// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"errors"
)

// Errors that can happen while handling tasks in the engine itself.
var (
	// ErrInvalidTransition is reported through the delegate when a task is
	// dequeued in a state that has no transition defined for it. The engine
	// enters the fatal error state afterwards.
	ErrInvalidTransition = errors.New("no transition defined for state and task")
	// ErrEngineFatal is passed to the callbacks of all tasks that are dequeued
	// after the engine has entered the fatal error state.
	ErrEngineFatal = errors.New("crypto engine is permanently stopped")
	// ErrAccountNotFound is a fatal load failure: loading was requested, but
	// the store didn't contain a pickled account.
	ErrAccountNotFound = errors.New("no account found in crypto store")
)

// Errors that can happen while encrypting events.
var (
	ErrRoomNotFound           = errors.New("encryption config for room not found in store")
	ErrNoOutboundGroupSession = errors.New("no outbound group session found for room")
	ErrSessionNeedsRotation   = errors.New("outbound group session has expired and needs to be rotated")
)

// Errors that can happen while decrypting or validating incoming events.
var (
	ErrIncorrectEncryptedContentType = errors.New("event content is not a *event.EncryptedEventContent")
	ErrUnsupportedAlgorithm          = errors.New("event is encrypted with an unsupported algorithm")
	ErrNotEncryptedForMe             = errors.New("olm event is not encrypted for this device")
	ErrUnsupportedOlmMessageType     = errors.New("unsupported olm message type")
	ErrNoSessionFound                = errors.New("failed to decrypt megolm event: no session with given ID found")
	ErrNoOlmSession                  = errors.New("didn't receive olm session to decrypt prekey message with")
	ErrReplayAttack                  = errors.New("megolm message index was already used, possible replay attack")
	ErrDuplicateMessage              = errors.New("olm message was already decrypted")
	ErrWrongRoom                     = errors.New("encrypted event room ID doesn't match the plaintext room ID")
	ErrInvalidRoomKey                = errors.New("received invalid room key event")
)

// Errors that can happen while validating decrypted olm events. Validation
// fails closed: any one of these rejects the event.
var (
	ErrSenderMismatch       = errors.New("mismatched sender in olm payload")
	ErrRecipientMismatch    = errors.New("mismatched recipient in olm payload")
	ErrSenderKeyMismatch    = errors.New("mismatched sender signing key in olm payload")
	ErrRecipientKeyMismatch = errors.New("mismatched recipient signing key in olm payload")
	ErrUnknownDevice        = errors.New("olm event sent from an unknown device")
)

// Errors that can happen while validating device keys from a key query.
var (
	ErrMismatchingDeviceID   = errors.New("mismatching device ID in parameter and response")
	ErrMismatchingUserID     = errors.New("mismatching user ID in parameter and response")
	ErrMismatchingSigningKey = errors.New("received update for device with different signing key")
	ErrNoSigningKeyFound     = errors.New("didn't find ed25519 signing key")
	ErrNoIdentityKeyFound    = errors.New("didn't find curve25519 identity key")
	ErrInvalidKeySignature   = errors.New("invalid signature on device keys")
)
