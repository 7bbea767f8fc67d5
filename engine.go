// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DefaultPickleKey is used to pickle crypto state for storage when the config
// doesn't provide a key.
var DefaultPickleKey = []byte("go.mau.fi/cryptoengine")

// recentOlmHashCacheSize bounds the duplicate olm ciphertext guard.
const recentOlmHashCacheSize = 4096

// Config has everything needed to construct an Engine.
type Config struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	Store     Store
	Transport Transport
	// Delegate receives errors from the worker goroutine. Defaults to
	// NopDelegate.
	Delegate Delegate
	// PickleKey encrypts crypto state at rest. Defaults to DefaultPickleKey.
	PickleKey []byte

	Log zerolog.Logger
}

// Engine is the end-to-end encryption engine of one Matrix device. All crypto
// state transitions run on a single worker goroutine fed by a task queue, so
// the libolm state is never touched concurrently. The public methods only
// enqueue work and are safe to call from any goroutine.
type Engine struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	Log       zerolog.Logger
	Store     Store
	Transport Transport
	Delegate  Delegate

	pickleKey []byte
	// The account is written by the worker and read by snapshot accessors on
	// other goroutines, so it goes through an atomic pointer.
	account atomic.Pointer[Account]

	// Session arenas. Only the worker mutates them, but snapshot accessors
	// may read concurrently, hence the concurrent maps.
	olmSessions           *xsync.Map[id.SenderKey, *OlmSession]
	inboundGroupSessions  *xsync.Map[string, *InboundGroupSession]
	outboundGroupSessions *xsync.Map[id.RoomID, *OutboundGroupSession]

	recentOlmHashes *lru.Cache[[32]byte, struct{}]

	queue   *taskQueue
	state   atomic.Int32
	working bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates an engine in the uninitialized state. Call Start to
// create or load the account and begin processing tasks.
func NewEngine(cfg Config) *Engine {
	if cfg.Delegate == nil {
		cfg.Delegate = NopDelegate{}
	}
	if cfg.PickleKey == nil {
		cfg.PickleKey = DefaultPickleKey
	}
	hashes, _ := lru.New[[32]byte, struct{}](recentOlmHashCacheSize)
	return &Engine{
		UserID:    cfg.UserID,
		DeviceID:  cfg.DeviceID,
		Log:       cfg.Log,
		Store:     cfg.Store,
		Transport: cfg.Transport,
		Delegate:  cfg.Delegate,
		pickleKey: cfg.PickleKey,

		olmSessions:           xsync.NewMap[id.SenderKey, *OlmSession](),
		inboundGroupSessions:  xsync.NewMap[string, *InboundGroupSession](),
		outboundGroupSessions: xsync.NewMap[id.RoomID, *OutboundGroupSession](),
		recentOlmHashes:       hashes,

		queue: newTaskQueue(),
	}
}

// Start launches the worker goroutine. With loadFromStore set it restores the
// account and sessions from the store, otherwise it creates a fresh account
// and uploads its keys.
func (e *Engine) Start(loadFromStore bool) {
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(e.Log.WithContext(context.Background()))
	if loadFromStore {
		e.queue.PushBack(Task{Kind: TaskLoad})
	} else {
		e.queue.PushBack(Task{Kind: TaskCreateAccount})
	}
	e.wg.Add(1)
	go e.worker()
}

// Close stops the worker goroutine and waits for the in-flight task to
// finish. Queued tasks are dropped without their callbacks being called.
func (e *Engine) Close() {
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// State returns the engine's current state. It's a snapshot: by the time the
// caller looks at it, the worker may have moved on.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(state State) {
	e.state.Store(int32(state))
}

// IdentityKeys returns the public signing and identity keys of this device's
// account. It returns empty keys until the account has been created or
// loaded.
func (e *Engine) IdentityKeys() (id.Ed25519, id.Curve25519) {
	account := e.account.Load()
	if account == nil {
		return "", ""
	}
	return account.SigningKey(), account.IdentityKey()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		task, ok := e.queue.Pop()
		if !ok {
			if e.working {
				e.working = false
				if obs, isObs := e.Delegate.(WorkObserver); isObs {
					obs.WorkFinished(e)
				}
			}
			if !e.queue.Wait(e.ctx) {
				return
			}
			continue
		}
		if !e.working {
			e.working = true
			if obs, isObs := e.Delegate.(WorkObserver); isObs {
				obs.WorkStarted(e)
			}
		}
		e.handleTask(task)
	}
}

func (e *Engine) handleTask(task Task) {
	state := e.State()
	log := e.Log.With().
		Stringer("state", state).
		Stringer("task", task.Kind).
		Logger()
	if state == StateFatalError {
		// Submissions are still accepted after a fatal error, they just never
		// run. Report each one so callers aren't left waiting.
		if task.barrier != nil {
			close(task.barrier)
		}
		task.fail(ErrEngineFatal)
		if task.Kind != TaskNone && task.Kind != taskBarrier {
			e.Delegate.HandleError(e, ErrEngineFatal)
		}
		return
	}
	kind, defined := transitions[stateTask{state, task.Kind}]
	if !defined {
		err := fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, task.Kind, state)
		task.fail(err)
		e.enterFatal(err)
		return
	}
	if kind == transitionDrop {
		return
	}
	log.Trace().Msg("Executing transition")
	next, followUp := e.execTransition(kind, task)
	if next == StateFatalError {
		e.enterFatal(followUp.Err)
		return
	}
	e.setState(next)
	e.queue.PushFront(followUp)
}

func (e *Engine) enterFatal(err error) {
	e.setState(StateFatalError)
	e.Log.Error().Err(err).Msg("Crypto engine entered fatal error state")
	e.Delegate.HandleError(e, err)
}

// notifyError reports a task-local failure to the delegate.
func (e *Engine) notifyError(err error) {
	e.Delegate.HandleError(e, err)
}

// EncryptEvent asks the engine to encrypt a room event. The callback receives
// the encrypted copy, or the error that prevented encryption. The engine
// claims one-time keys, creates a group session and announces it to the room
// members' devices first if needed.
func (e *Engine) EncryptEvent(roomID id.RoomID, evt *event.Event, callback EventCallback) {
	e.queue.PushBack(Task{
		Kind:     TaskEncryptEvent,
		RoomID:   roomID,
		Event:    evt,
		Callback: callback,
	})
}

// DecryptEvent asks the engine to decrypt an encrypted room event.
func (e *Engine) DecryptEvent(evt *event.Event, callback EventCallback) {
	e.queue.PushBack(Task{
		Kind:     TaskDecryptEvent,
		Event:    evt,
		Callback: callback,
	})
}

// DecryptToDeviceEvent asks the engine to decrypt an olm-encrypted to-device
// event. The decrypted event is validated before it's returned: any mismatch
// between the envelope, the payload and the stored device keys rejects it.
func (e *Engine) DecryptToDeviceEvent(evt *event.Event, callback ToDeviceCallback) {
	e.queue.PushBack(Task{
		Kind:             TaskDecryptToDevice,
		Event:            evt,
		ToDeviceCallback: callback,
	})
}

// HandleRoomKey feeds a decrypted m.room_key event back into the engine to
// import the announced megolm session.
func (e *Engine) HandleRoomKey(olmEvt *DecryptedOlmEvent) {
	e.queue.PushBack(Task{
		Kind:     TaskRoomKey,
		OlmEvent: olmEvt,
	})
}

// HandleDeviceListChange tells the engine that the device lists of the given
// users changed. Their devices are re-queried and validated, and all
// outbound group sessions are invalidated so that no new key reaches a
// removed device.
func (e *Engine) HandleDeviceListChange(users ...id.UserID) {
	e.queue.PushBack(Task{
		Kind:  TaskDevicesChanged,
		Users: users,
	})
}

// HandleMemberEvent tells the engine about a room membership change.
func (e *Engine) HandleMemberEvent(roomID id.RoomID, userID id.UserID, membership event.Membership) {
	e.queue.PushBack(Task{
		Kind:       TaskMemberChange,
		RoomID:     roomID,
		UserID:     userID,
		Membership: membership,
	})
}

// HandleOTKCount tells the engine how many signed one-time keys the server
// currently holds, so it can top them up.
func (e *Engine) HandleOTKCount(count int) {
	e.queue.PushBack(Task{
		Kind:     TaskOTKCountUpdate,
		OTKCount: count,
	})
}

// Flush blocks until every task queued before it has been processed, or the
// context is done. It returns ErrEngineFatal if the engine died before or
// while draining.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	e.queue.PushBack(Task{Kind: taskBarrier, barrier: done})
	select {
	case <-done:
		if e.State() == StateFatalError {
			return ErrEngineFatal
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type eventResult struct {
	evt *event.Event
	err error
}

// Encrypt is a blocking convenience wrapper around EncryptEvent.
func (e *Engine) Encrypt(ctx context.Context, roomID id.RoomID, evt *event.Event) (*event.Event, error) {
	results := make(chan eventResult, 1)
	e.EncryptEvent(roomID, evt, func(encrypted *event.Event, err error) {
		results <- eventResult{encrypted, err}
	})
	select {
	case res := <-results:
		return res.evt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decrypt is a blocking convenience wrapper around DecryptEvent.
func (e *Engine) Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error) {
	results := make(chan eventResult, 1)
	e.DecryptEvent(evt, func(decrypted *event.Event, err error) {
		results <- eventResult{decrypted, err}
	})
	select {
	case res := <-results:
		return res.evt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type toDeviceResult struct {
	evt *DecryptedOlmEvent
	err error
}

// DecryptToDevice is a blocking convenience wrapper around
// DecryptToDeviceEvent.
func (e *Engine) DecryptToDevice(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	results := make(chan toDeviceResult, 1)
	e.DecryptToDeviceEvent(evt, func(decrypted *DecryptedOlmEvent, err error) {
		results <- toDeviceResult{decrypted, err}
	})
	select {
	case res := <-results:
		return res.evt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// createAccount makes a brand new olm account for this device and persists
// it. The follow-up kicks off the initial key upload.
func (e *Engine) createAccount(Task) (State, Task) {
	account, err := NewAccount(e.UserID, e.DeviceID)
	if err != nil {
		return StateFatalError, Task{Kind: TaskNone, Err: err}
	}
	e.account.Store(account)
	e.saveAccount(e.ctx)
	zerolog.Ctx(e.ctx).Debug().
		Stringer("signing_key", account.SigningKey()).
		Stringer("identity_key", account.IdentityKey()).
		Msg("Created new olm account")
	return StateAccountCreated, Task{Kind: TaskNone}
}

// loadEverything restores the account and all sessions from the store.
// Inbound group sessions whose rotation policy has expired are pruned instead
// of loaded. Failure to load is fatal: running with partial crypto state
// would corrupt it further.
func (e *Engine) loadEverything(Task) (State, Task) {
	log := zerolog.Ctx(e.ctx)
	blobs, err := e.Store.GetAllBlobs(e.ctx)
	if err != nil {
		return StateFatalError, Task{Kind: TaskNone, Err: fmt.Errorf("failed to read blobs from store: %w", err)}
	}
	for _, blob := range blobs {
		switch blob.Type {
		case BlobOlmAccount:
			var account *Account
			account, err = accountFromBlob(blob.Data, e.pickleKey)
			if err == nil {
				e.account.Store(account)
			}
		case BlobOlmSession:
			var session *OlmSession
			session, err = olmSessionFromBlob(blob.Data, e.pickleKey)
			if err == nil {
				e.olmSessions.Store(id.SenderKey(blob.ID), session)
			}
		case BlobInboundGroupSession:
			var igs *InboundGroupSession
			igs, err = inboundGroupSessionFromBlob(blob.Data, e.pickleKey)
			if err == nil {
				if igs.NeedsRotation(time.Now()) {
					log.Debug().Str("blob_id", blob.ID).Msg("Pruning expired inbound group session")
					if deleteErr := e.Store.DeleteBlob(e.ctx, blob.ID, blob.Type); deleteErr != nil {
						log.Warn().Err(deleteErr).Str("blob_id", blob.ID).Msg("Failed to prune expired session blob")
					}
					continue
				}
				e.inboundGroupSessions.Store(blob.ID, igs)
			}
		case BlobOutboundGroupSession:
			var ogs *OutboundGroupSession
			ogs, err = outboundGroupSessionFromBlob(blob.Data, e.pickleKey)
			if err == nil {
				e.outboundGroupSessions.Store(ogs.RoomID, ogs)
			}
		default:
			log.Warn().Str("blob_type", string(blob.Type)).Msg("Unknown blob type in store")
			continue
		}
		if err != nil {
			return StateFatalError, Task{Kind: TaskNone, Err: fmt.Errorf("failed to load %s blob %s: %w", blob.Type, blob.ID, err)}
		}
	}
	if e.account.Load() == nil {
		return StateFatalError, Task{Kind: TaskNone, Err: ErrAccountNotFound}
	}
	log.Debug().
		Int("olm_sessions", e.olmSessions.Size()).
		Int("inbound_group_sessions", e.inboundGroupSessions.Size()).
		Int("outbound_group_sessions", e.outboundGroupSessions.Size()).
		Msg("Loaded crypto state from store")
	return StateReady, Task{Kind: TaskNone}
}

func (e *Engine) saveAccount(ctx context.Context) {
	data, err := e.account.Load().pickle(e.pickleKey)
	if err == nil {
		err = e.Store.PutBlob(ctx, Blob{ID: accountBlobID, Type: BlobOlmAccount, Data: data})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to store olm account")
	}
}

func (e *Engine) saveOlmSession(ctx context.Context, senderKey id.SenderKey, session *OlmSession) {
	data, err := session.pickle(e.pickleKey)
	if err == nil {
		err = e.Store.PutBlob(ctx, Blob{ID: string(senderKey), Type: BlobOlmSession, Data: data})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Stringer("sender_key", senderKey).
			Msg("Failed to store olm session")
	}
}

func (e *Engine) saveInboundGroupSession(ctx context.Context, key string, igs *InboundGroupSession) {
	data, err := igs.pickle(e.pickleKey)
	if err == nil {
		err = e.Store.PutBlob(ctx, Blob{ID: key, Type: BlobInboundGroupSession, Data: data})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Stringer("session_id", igs.ID()).
			Msg("Failed to store inbound group session")
	}
}

func (e *Engine) saveOutboundGroupSession(ctx context.Context, ogs *OutboundGroupSession) {
	data, err := ogs.pickle(e.pickleKey)
	if err == nil {
		err = e.Store.PutBlob(ctx, Blob{ID: string(ogs.RoomID), Type: BlobOutboundGroupSession, Data: data})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Stringer("room_id", ogs.RoomID).
			Msg("Failed to store outbound group session")
	}
}
