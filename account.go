// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// Account wraps the libolm account of this device together with its identity.
type Account struct {
	Internal olm.Account

	UserID   id.UserID
	DeviceID id.DeviceID
	// Shared is set after the device keys have been uploaded once.
	Shared bool

	signingKey  id.Ed25519
	identityKey id.Curve25519
}

func NewAccount(userID id.UserID, deviceID id.DeviceID) (*Account, error) {
	internal, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create olm account: %w", err)
	}
	account := &Account{
		Internal: internal,
		UserID:   userID,
		DeviceID: deviceID,
	}
	return account, account.cacheKeys()
}

func (account *Account) cacheKeys() error {
	signingKey, identityKey, err := account.Internal.IdentityKeys()
	if err != nil {
		return fmt.Errorf("failed to get identity keys: %w", err)
	}
	account.signingKey = signingKey
	account.identityKey = identityKey
	return nil
}

// SigningKey returns the public ed25519 key of this account.
func (account *Account) SigningKey() id.Ed25519 {
	return account.signingKey
}

// IdentityKey returns the public curve25519 key of this account.
func (account *Account) IdentityKey() id.Curve25519 {
	return account.identityKey
}

// SignJSON returns the signature for the canonical JSON form of the given
// object, with the unsigned and signatures fields removed first.
func (account *Account) SignJSON(obj any) (string, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	objJSON, _ = sjson.DeleteBytes(objJSON, "unsigned")
	objJSON, _ = sjson.DeleteBytes(objJSON, "signatures")
	signature, err := account.Internal.Sign(canonicaljson.CanonicalJSONAssumeValid(objJSON))
	return string(signature), err
}

// deviceKeys returns the signed device key payload for the initial key upload.
func (account *Account) deviceKeys() (*mautrix.DeviceKeys, error) {
	deviceKeys := &mautrix.DeviceKeys{
		UserID:   account.UserID,
		DeviceID: account.DeviceID,
		Algorithms: []id.Algorithm{
			id.AlgorithmOlmV1,
			id.AlgorithmMegolmV1,
		},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, account.DeviceID): string(account.identityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, account.DeviceID):    string(account.signingKey),
		},
	}
	signature, err := account.SignJSON(deviceKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to sign device keys: %w", err)
	}
	deviceKeys.Signatures = signatures.NewSingleSignature(account.UserID, id.KeyAlgorithmEd25519, account.DeviceID.String(), signature)
	return deviceKeys, nil
}

// oneTimeKeys generates and signs enough one-time keys to get the server's
// count up to half of the libolm maximum. The keys are marked as published,
// so each key is only ever returned once.
func (account *Account) oneTimeKeys(countOnServer int) (map[id.KeyID]mautrix.OneTimeKey, error) {
	newCount := int(account.Internal.MaxNumberOfOneTimeKeys())/2 - countOnServer
	if newCount > 0 {
		account.Internal.GenOneTimeKeys(uint(newCount))
	}
	internalKeys, err := account.Internal.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to get one-time keys: %w", err)
	}
	oneTimeKeys := make(map[id.KeyID]mautrix.OneTimeKey, len(internalKeys))
	for keyID, key := range internalKeys {
		signedKey := mautrix.OneTimeKey{Key: key}
		signature, err := account.SignJSON(signedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign one-time key: %w", err)
		}
		signedKey.Signatures = signatures.NewSingleSignature(account.UserID, id.KeyAlgorithmEd25519, account.DeviceID.String(), signature)
		signedKey.IsSigned = true
		oneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = signedKey
	}
	account.Internal.MarkKeysAsPublished()
	return oneTimeKeys, nil
}

// NewOutboundSession creates a new olm session to the device with the given
// identity key using a claimed one-time key.
func (account *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (*OlmSession, error) {
	session, err := account.Internal.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	return wrapSession(session), nil
}

// NewInboundSessionFrom creates an olm session from a received prekey message
// and removes the used one-time key from the account.
func (account *Account) NewInboundSessionFrom(senderKey id.Curve25519, ciphertext string) (*OlmSession, error) {
	session, err := account.Internal.NewInboundSessionFrom(&senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	account.Internal.RemoveOneTimeKeys(session)
	return wrapSession(session), nil
}

type accountBlob struct {
	Pickled  []byte      `json:"pickled"`
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	Shared   bool        `json:"shared"`
}

func (account *Account) pickle(key []byte) ([]byte, error) {
	pickled, err := account.Internal.Pickle(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&accountBlob{
		Pickled:  pickled,
		UserID:   account.UserID,
		DeviceID: account.DeviceID,
		Shared:   account.Shared,
	})
}

func accountFromBlob(data, key []byte) (*Account, error) {
	var blob accountBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	internal, err := olm.AccountFromPickled(blob.Pickled, key)
	if err != nil {
		return nil, err
	}
	account := &Account{
		Internal: internal,
		UserID:   blob.UserID,
		DeviceID: blob.DeviceID,
		Shared:   blob.Shared,
	}
	return account, account.cacheKeys()
}
