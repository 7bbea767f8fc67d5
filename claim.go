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
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// claimOneTimeKeys claims one-time keys for every room member device that
// doesn't have an olm session yet and creates outbound sessions with them.
// Devices that fail (no keys left, bad signature, network trouble) are
// reported and skipped: the session announcement later on simply won't reach
// them. The flow always advances so the pending encrypt task can finish.
func (e *Engine) claimOneTimeKeys(task Task) (State, Task) {
	log := zerolog.Ctx(e.ctx).With().Stringer("room_id", task.RoomID).Logger()
	followUp := Task{Kind: TaskRoomID, RoomID: task.RoomID}

	devices, err := e.Store.GetNonBlockedDevices(e.ctx, task.RoomID)
	if err != nil {
		e.notifyError(fmt.Errorf("failed to get devices in %s: %w", task.RoomID, err))
		return StateClaimedOTKs, followUp
	}
	request := make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm)
	deviceByKey := make(map[id.UserID]map[id.DeviceID]*id.Device)
	for _, device := range devices {
		if device.UserID == e.UserID && device.DeviceID == e.DeviceID {
			continue
		}
		if _, exists := e.olmSessions.Load(device.IdentityKey); exists {
			continue
		}
		if _, exists := request[device.UserID]; !exists {
			request[device.UserID] = make(map[id.DeviceID]id.KeyAlgorithm)
			deviceByKey[device.UserID] = make(map[id.DeviceID]*id.Device)
		}
		request[device.UserID][device.DeviceID] = id.KeyAlgorithmSignedCurve25519
		deviceByKey[device.UserID][device.DeviceID] = device
	}
	if len(request) == 0 {
		return StateClaimedOTKs, followUp
	}

	resp, err := e.Transport.ClaimKeys(e.ctx, &mautrix.ReqClaimKeys{
		OneTimeKeys: request,
		Timeout:     10 * 1000,
	})
	if err != nil {
		e.notifyError(fmt.Errorf("failed to claim one-time keys: %w", err))
		return StateClaimedOTKs, followUp
	}

	created := 0
	for userID, devices := range resp.OneTimeKeys {
		for deviceID, oneTimeKeys := range devices {
			device := deviceByKey[userID][deviceID]
			if device == nil {
				log.Warn().
					Stringer("user_id", userID).
					Stringer("device_id", deviceID).
					Msg("Server returned keys for a device that wasn't requested")
				continue
			}
			if err = e.createOutboundOlmSession(device, oneTimeKeys); err != nil {
				log.Warn().Err(err).
					Stringer("user_id", userID).
					Stringer("device_id", deviceID).
					Msg("Failed to create outbound olm session")
			} else {
				created++
			}
		}
	}
	log.Debug().Int("created_sessions", created).Msg("Claimed one-time keys")
	return StateClaimedOTKs, followUp
}

// createOutboundOlmSession verifies one claimed one-time key and builds an
// olm session with it.
func (e *Engine) createOutboundOlmSession(device *id.Device, oneTimeKeys map[id.KeyID]mautrix.OneTimeKey) error {
	for keyID, oneTimeKey := range oneTimeKeys {
		algorithm, _ := keyID.Parse()
		if algorithm != id.KeyAlgorithmSignedCurve25519 {
			continue
		}
		verified, err := signatures.VerifySignatureJSON(oneTimeKey.RawData, device.UserID, device.DeviceID.String(), device.SigningKey)
		if err != nil {
			return fmt.Errorf("failed to verify one-time key signature: %w", err)
		} else if !verified {
			return ErrInvalidKeySignature
		}
		session, err := e.account.Load().NewOutboundSession(device.IdentityKey, oneTimeKey.Key)
		if err != nil {
			return fmt.Errorf("failed to create outbound session: %w", err)
		}
		e.olmSessions.Store(device.IdentityKey, session)
		e.saveOlmSession(e.ctx, device.IdentityKey, session)
		e.saveAccount(e.ctx)
		return nil
	}
	return fmt.Errorf("didn't get a signed curve25519 one-time key for %s/%s", device.UserID, device.DeviceID)
}
