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
)

// uploadKeys publishes the fresh account's device keys and an initial batch
// of one-time keys. On success the follow-up is an empty device list change,
// which settles the engine into the ready state.
func (e *Engine) uploadKeys(Task) (State, Task) {
	log := zerolog.Ctx(e.ctx)
	account := e.account.Load()
	deviceKeys, err := account.deviceKeys()
	if err != nil {
		return StateFatalError, Task{Kind: TaskNone, Err: err}
	}
	oneTimeKeys, err := account.oneTimeKeys(0)
	if err != nil {
		return StateFatalError, Task{Kind: TaskNone, Err: err}
	}
	_, err = e.Transport.UploadKeys(e.ctx, &mautrix.ReqUploadKeys{
		DeviceKeys:  deviceKeys,
		OneTimeKeys: oneTimeKeys,
	})
	if err != nil {
		// The upload can be retried by restarting the engine, but the keys
		// marked as published are gone. Losing a batch of one-time keys is
		// harmless, the server never saw them.
		return StateFatalError, Task{Kind: TaskNone, Err: fmt.Errorf("failed to upload initial keys: %w", err)}
	}
	account.Shared = true
	e.saveAccount(e.ctx)
	log.Debug().Int("one_time_keys", len(oneTimeKeys)).Msg("Uploaded device keys and initial one-time keys")
	return StateKeysUploaded, Task{Kind: TaskDevicesChanged}
}

// otkCountUpdate tops up the server's one-time key pool based on the count
// the server reported in sync.
func (e *Engine) otkCountUpdate(task Task) (State, Task) {
	log := zerolog.Ctx(e.ctx)
	oneTimeKeys, err := e.account.Load().oneTimeKeys(task.OTKCount)
	if err != nil {
		e.notifyError(err)
		return StateReady, Task{Kind: TaskNone}
	}
	if len(oneTimeKeys) == 0 {
		return StateReady, Task{Kind: TaskNone}
	}
	_, err = e.Transport.UploadKeys(e.ctx, &mautrix.ReqUploadKeys{OneTimeKeys: oneTimeKeys})
	if err != nil {
		e.notifyError(fmt.Errorf("failed to upload new one-time keys: %w", err))
		return StateReady, Task{Kind: TaskNone}
	}
	e.saveAccount(e.ctx)
	log.Debug().
		Int("server_count", task.OTKCount).
		Int("uploaded", len(oneTimeKeys)).
		Msg("Uploaded new one-time keys")
	return StateReady, Task{Kind: TaskNone}
}
