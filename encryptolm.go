// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// encryptOlmEvent encrypts content for one device over an existing olm
// session. The payload carries the sender, recipient and both sides' signing
// keys, which the recipient validates against the envelope and its device
// store.
func (e *Engine) encryptOlmEvent(session *OlmSession, recipient *id.Device, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	payload, err := json.Marshal(&DecryptedOlmEvent{
		Sender:       e.UserID,
		SenderDevice: e.DeviceID,
		Keys:         OlmEventKeys{Ed25519: e.account.Load().SigningKey()},
		Recipient:    recipient.UserID,
		RecipientKeys: OlmEventKeys{
			Ed25519: recipient.SigningKey,
		},
		Type: evtType,
		Content: event.Content{
			Parsed: content,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal olm payload: %w", err)
	}
	msgType, ciphertext, err := session.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt olm payload: %w", err)
	}
	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: e.account.Load().IdentityKey(),
		OlmCiphertext: event.OlmCiphertexts{
			recipient.IdentityKey: {
				Type: msgType,
				Body: string(ciphertext),
			},
		},
	}, nil
}
