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
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// devicesChanged re-queries and validates the device lists of the given
// users, then invalidates every outbound group session. The invalidation is
// account-wide on purpose: it guarantees no existing session key is ever
// encrypted for a device set that's out of date, at the cost of rotating
// some rooms that didn't strictly need it.
func (e *Engine) devicesChanged(task Task) (State, Task) {
	if len(task.Users) > 0 {
		if err := e.fetchKeys(task.Users); err != nil {
			e.notifyError(err)
		}
	}
	e.outboundGroupSessions.Range(func(roomID id.RoomID, session *OutboundGroupSession) bool {
		session.Invalidate()
		e.saveOutboundGroupSession(e.ctx, session)
		return true
	})
	return StateReady, Task{Kind: TaskNone}
}

// memberChange reacts to a room membership change. A join means the user's
// devices need to be (re-)fetched. A leave or ban rotates all outbound
// sessions so the departed user can't read anything sent afterwards. Other
// membership states don't affect encryption until they become a join.
func (e *Engine) memberChange(task Task) (State, Task) {
	switch task.Membership {
	case event.MembershipJoin:
		return StateReady, Task{Kind: TaskDevicesChanged, Users: []id.UserID{task.UserID}}
	case event.MembershipLeave, event.MembershipBan:
		e.outboundGroupSessions.Range(func(roomID id.RoomID, session *OutboundGroupSession) bool {
			session.Invalidate()
			e.saveOutboundGroupSession(e.ctx, session)
			return true
		})
		return StateReady, Task{Kind: TaskNone}
	default:
		return StateReady, Task{Kind: TaskNone}
	}
}

// fetchKeys queries the device keys of the given users and reconciles the
// response with the device store. Valid new devices are added, devices
// missing from the response are pruned, and updates that try to change a
// device's signing key are rejected without touching the stored record.
func (e *Engine) fetchKeys(users []id.UserID) error {
	log := zerolog.Ctx(e.ctx)
	req := &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{},
		Timeout:    10 * 1000,
	}
	for _, userID := range users {
		req.DeviceKeys[userID] = mautrix.DeviceIDList{}
	}
	resp, err := e.Transport.QueryKeys(e.ctx, req)
	if err != nil {
		return fmt.Errorf("failed to query device keys: %w", err)
	}
	for _, userID := range users {
		deviceKeys, ok := resp.DeviceKeys[userID]
		if !ok {
			log.Warn().Stringer("user_id", userID).Msg("Didn't get device keys for user in query response")
			continue
		}
		existing, err := e.Store.GetDevices(e.ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get stored devices of %s: %w", userID, err)
		}
		validated := make(map[id.DeviceID]*id.Device, len(deviceKeys))
		for deviceID, keys := range deviceKeys {
			device, err := e.validateDevice(userID, deviceID, keys, existing[deviceID])
			if err != nil {
				e.notifyError(fmt.Errorf("failed to validate device %s/%s: %w", userID, deviceID, err))
			}
			if device != nil {
				validated[deviceID] = device
			}
		}
		if err = e.Store.PutDevices(e.ctx, userID, validated); err != nil {
			return fmt.Errorf("failed to store devices of %s: %w", userID, err)
		}
		log.Debug().
			Stringer("user_id", userID).
			Int("device_count", len(validated)).
			Msg("Updated device list")
	}
	return nil
}

// validateDevice checks the device keys in a query response against the
// claimed addressing, the self-signature and any previously stored record.
// When the signing key doesn't match the stored one, the existing record is
// returned alongside the error so the caller keeps it.
func (e *Engine) validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys mautrix.DeviceKeys, existing *id.Device) (*id.Device, error) {
	if deviceID != deviceKeys.DeviceID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingDeviceID, deviceID, deviceKeys.DeviceID)
	} else if userID != deviceKeys.UserID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingUserID, userID, deviceKeys.UserID)
	}
	signingKey := deviceKeys.Keys.GetEd25519(deviceID)
	identityKey := deviceKeys.Keys.GetCurve25519(deviceID)
	if len(signingKey) == 0 {
		return nil, ErrNoSigningKeyFound
	} else if len(identityKey) == 0 {
		return nil, ErrNoIdentityKeyFound
	}
	if existing != nil && existing.SigningKey != signingKey {
		return existing, fmt.Errorf("%w (stored %s, received %s)", ErrMismatchingSigningKey, existing.SigningKey, signingKey)
	}
	verified, err := signatures.VerifySignatureJSON(deviceKeys, userID, deviceID.String(), signingKey)
	if err != nil {
		return existing, fmt.Errorf("failed to verify device key signature: %w", err)
	} else if !verified {
		return existing, ErrInvalidKeySignature
	}
	if existing != nil {
		// The existing record is shared with the store, copy it instead of
		// updating in place.
		device := *existing
		device.IdentityKey = identityKey
		return &device, nil
	}
	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       id.TrustStateUnset,
	}, nil
}
