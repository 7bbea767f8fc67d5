// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// registerFakeDevice uploads valid signed device keys for a standalone
// account, as if another device of that user had logged in.
func registerFakeDevice(t *testing.T, server *fakeServer, account *Account) {
	t.Helper()
	deviceKeys, err := account.deviceKeys()
	require.NoError(t, err)
	_, err = server.client(account.UserID, account.DeviceID).UploadKeys(context.Background(), &mautrix.ReqUploadKeys{
		DeviceKeys: deviceKeys,
	})
	require.NoError(t, err)
}

func TestEngine_FetchKeys(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobDevice)

	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	stored, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, bobDevice.SigningKey(), stored.SigningKey)
	assert.Equal(t, bobDevice.IdentityKey(), stored.IdentityKey)
	assert.Equal(t, id.TrustStateUnset, stored.Trust)
}

func TestEngine_FetchKeys_SigningKeyChange(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobDevice)
	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	// A different account claiming the same device ID looks like a stolen
	// device ID. The update must be rejected and the old record kept.
	impostor, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, impostor)
	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))

	errs := engine.errors.take()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrMismatchingSigningKey)

	stored, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, bobDevice.SigningKey(), stored.SigningKey)
}

func TestEngine_FetchKeys_UpdateDoesNotMutateOldRecord(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobDevice)
	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	snapshot, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	// The device re-publishes its keys with a new identity key, properly
	// signed by the unchanged signing key.
	deviceKeys, err := bobDevice.deviceKeys()
	require.NoError(t, err)
	deviceKeys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "BOBPHONE")] = "rotatedcurvekey"
	signature, err := bobDevice.SignJSON(deviceKeys)
	require.NoError(t, err)
	deviceKeys.Signatures = signatures.NewSingleSignature("@bob:example.com", id.KeyAlgorithmEd25519, "BOBPHONE", signature)
	_, err = server.client("@bob:example.com", "BOBPHONE").UploadKeys(ctx, &mautrix.ReqUploadKeys{DeviceKeys: deviceKeys})
	require.NoError(t, err)

	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	updated, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.EqualValues(t, "rotatedcurvekey", updated.IdentityKey)
	// Records handed out before the update keep the old key, the update must
	// go through a copy.
	assert.Equal(t, bobDevice.IdentityKey(), snapshot.IdentityKey)
}

func TestEngine_FetchKeys_StaleDevicePruned(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobPhone, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	bobLaptop, err := NewAccount("@bob:example.com", "BOBLAPTOP")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobPhone)
	registerFakeDevice(t, server, bobLaptop)
	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))

	devices, err := engine.store.GetDevices(ctx, "@bob:example.com")
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	// The laptop logs out: it disappears from the query response and must
	// disappear from the store too.
	server.mu.Lock()
	delete(server.deviceKeys["@bob:example.com"], "BOBLAPTOP")
	server.mu.Unlock()
	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))

	devices, err = engine.store.GetDevices(ctx, "@bob:example.com")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Contains(t, devices, id.DeviceID("BOBPHONE"))
}

func TestEngine_FetchKeys_BadSignature(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	deviceKeys, err := bobDevice.deviceKeys()
	require.NoError(t, err)
	// Tampered keys: the identity key changes after signing.
	deviceKeys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "BOBPHONE")] = "tampered"
	_, err = server.client("@bob:example.com", "BOBPHONE").UploadKeys(ctx, &mautrix.ReqUploadKeys{DeviceKeys: deviceKeys})
	require.NoError(t, err)

	engine.HandleDeviceListChange("@bob:example.com")
	require.NoError(t, engine.Flush(ctx))

	errs := engine.errors.take()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrInvalidKeySignature)
	stored, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestEngine_MemberJoinFetchesKeys(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobDevice)

	engine.HandleMemberEvent("!room:example.com", "@bob:example.com", event.MembershipJoin)
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	stored, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestEngine_MemberInviteIgnored(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	engine := newTestEngine(t, server, "@alice:example.com", "ALICEDEVICE")

	bobDevice, err := NewAccount("@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	registerFakeDevice(t, server, bobDevice)

	engine.HandleMemberEvent("!room:example.com", "@bob:example.com", event.MembershipInvite)
	require.NoError(t, engine.Flush(ctx))
	require.Empty(t, engine.errors.take())

	// Invites don't trigger key fetching, only joins do.
	stored, err := engine.store.GetDevice(ctx, "@bob:example.com", "BOBPHONE")
	require.NoError(t, err)
	assert.Nil(t, stored)
}
