// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// State is the lifecycle state of the engine. All transitions happen on the
// worker goroutine, so there's never more than one in flight.
type State int

const (
	StateUninitialized State = iota
	StateAccountCreated
	StateKeysUploaded
	StateReady
	StateNeedToEncrypt
	StateClaimedOTKs
	StateCreatedOutboundSession
	StateFatalError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAccountCreated:
		return "account-created"
	case StateKeysUploaded:
		return "keys-uploaded"
	case StateReady:
		return "ready"
	case StateNeedToEncrypt:
		return "need-to-encrypt"
	case StateClaimedOTKs:
		return "claimed-otks"
	case StateCreatedOutboundSession:
		return "created-outbound-session"
	case StateFatalError:
		return "fatal-error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TaskKind identifies what a queued task asks the engine to do.
type TaskKind int

const (
	TaskNone TaskKind = iota
	TaskCreateAccount
	TaskLoad
	TaskEncryptEvent
	TaskDecryptEvent
	TaskDecryptToDevice
	TaskRoomKey
	TaskRoomID
	TaskAnnounceSession
	TaskDevicesChanged
	TaskMemberChange
	TaskOTKCountUpdate
	taskBarrier
)

func (tk TaskKind) String() string {
	switch tk {
	case TaskNone:
		return "none"
	case TaskCreateAccount:
		return "create-account"
	case TaskLoad:
		return "load"
	case TaskEncryptEvent:
		return "encrypt-event"
	case TaskDecryptEvent:
		return "decrypt-event"
	case TaskDecryptToDevice:
		return "decrypt-to-device"
	case TaskRoomKey:
		return "room-key"
	case TaskRoomID:
		return "room-id"
	case TaskAnnounceSession:
		return "announce-session"
	case TaskDevicesChanged:
		return "devices-changed"
	case TaskMemberChange:
		return "member-change"
	case TaskOTKCountUpdate:
		return "otk-count-update"
	case taskBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("TaskKind(%d)", int(tk))
	}
}

// EventCallback receives the result of an encrypt or decrypt task. It is
// called on the worker goroutine, so it must not block on other engine tasks.
type EventCallback func(evt *event.Event, err error)

// ToDeviceCallback receives the result of a to-device decryption task.
type ToDeviceCallback func(evt *DecryptedOlmEvent, err error)

// Task is one unit of work for the engine. Kind determines which of the other
// fields are meaningful.
type Task struct {
	Kind TaskKind

	RoomID     id.RoomID
	Event      *event.Event
	OlmEvent   *DecryptedOlmEvent
	Users      []id.UserID
	UserID     id.UserID
	Membership event.Membership
	OTKCount   int
	Err        error

	Callback         EventCallback
	ToDeviceCallback ToDeviceCallback
	barrier          chan<- struct{}
}

// fail reports err to whichever callback the task carries, if any.
func (t Task) fail(err error) {
	if t.Callback != nil {
		t.Callback(nil, err)
	}
	if t.ToDeviceCallback != nil {
		t.ToDeviceCallback(nil, err)
	}
}

// deliver hands a room event result to the task's callback, if any.
func (t Task) deliver(evt *event.Event, err error) {
	if t.Callback != nil {
		t.Callback(evt, err)
	}
}

// deliverToDevice hands a to-device decryption result to the task's callback,
// if any.
func (t Task) deliverToDevice(evt *DecryptedOlmEvent, err error) {
	if t.ToDeviceCallback != nil {
		t.ToDeviceCallback(evt, err)
	}
}

type transitionKind int

const (
	transitionDrop transitionKind = iota
	transitionCreateAccount
	transitionLoad
	transitionUploadKeys
	transitionDevicesChanged
	transitionEncrypt
	transitionEncryptEvent
	transitionClaimOTKs
	transitionCreateOutboundSession
	transitionPublishOutboundSession
	transitionDecrypt
	transitionDecryptToDevice
	transitionRoomKey
	transitionMemberChange
	transitionOTKCount
	transitionBarrier
)

type stateTask struct {
	State State
	Task  TaskKind
}

// transitions is the full transition table of the engine. Any (state, task)
// pair that is missing here is a programming error and sends the engine to
// the fatal error state.
var transitions = map[stateTask]transitionKind{
	{StateUninitialized, TaskCreateAccount}: transitionCreateAccount,
	{StateUninitialized, TaskLoad}:          transitionLoad,

	{StateAccountCreated, TaskNone}: transitionUploadKeys,

	{StateKeysUploaded, TaskDevicesChanged}: transitionDevicesChanged,

	{StateReady, TaskNone}:            transitionDrop,
	{StateReady, TaskEncryptEvent}:    transitionEncrypt,
	{StateReady, TaskDecryptEvent}:    transitionDecrypt,
	{StateReady, TaskDecryptToDevice}: transitionDecryptToDevice,
	{StateReady, TaskRoomKey}:         transitionRoomKey,
	{StateReady, TaskDevicesChanged}:  transitionDevicesChanged,
	{StateReady, TaskMemberChange}:    transitionMemberChange,
	{StateReady, TaskOTKCountUpdate}:  transitionOTKCount,
	{StateReady, taskBarrier}:         transitionBarrier,

	// TaskNone in the need-to-encrypt state happens when the announcement
	// flow failed to produce a session: it falls through to the parked
	// encrypt task, which then fails its callback.
	{StateNeedToEncrypt, TaskNone}:            transitionDrop,
	{StateNeedToEncrypt, TaskEncryptEvent}:    transitionEncryptEvent,
	{StateNeedToEncrypt, TaskAnnounceSession}: transitionClaimOTKs,

	{StateClaimedOTKs, TaskRoomID}: transitionCreateOutboundSession,

	{StateCreatedOutboundSession, TaskRoomID}: transitionPublishOutboundSession,
}

// execTransition dispatches to the handler for the given transition kind and
// returns the next state plus a follow-up task. Follow-ups (including
// TaskNone) go to the front of the queue, which is what keeps multi-step
// flows like encryption atomic with respect to other submissions.
func (e *Engine) execTransition(kind transitionKind, task Task) (State, Task) {
	switch kind {
	case transitionCreateAccount:
		return e.createAccount(task)
	case transitionLoad:
		return e.loadEverything(task)
	case transitionUploadKeys:
		return e.uploadKeys(task)
	case transitionDevicesChanged:
		return e.devicesChanged(task)
	case transitionEncrypt:
		return e.prepareEncrypt(task)
	case transitionEncryptEvent:
		return e.encryptMegolmEvent(task)
	case transitionClaimOTKs:
		return e.claimOneTimeKeys(task)
	case transitionCreateOutboundSession:
		return e.createOutboundGroupSession(task)
	case transitionPublishOutboundSession:
		return e.publishGroupSession(task)
	case transitionDecrypt:
		return e.decryptRoomEvent(task)
	case transitionDecryptToDevice:
		return e.decryptToDevice(task)
	case transitionRoomKey:
		return e.receiveRoomKey(task)
	case transitionMemberChange:
		return e.memberChange(task)
	case transitionOTKCount:
		return e.otkCountUpdate(task)
	case transitionBarrier:
		close(task.barrier)
		return StateReady, Task{Kind: TaskNone}
	default:
		panic(fmt.Errorf("unknown transition kind %d", kind))
	}
}
