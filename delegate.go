// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

// Delegate receives errors from the engine's worker goroutine. Task-local
// failures (a network error, an undecryptable event) are reported and the
// engine keeps running. Errors wrapping ErrInvalidTransition or reported
// right before the engine stops are fatal.
//
// HandleError is called on the worker goroutine. It must not block on other
// engine work, but enqueueing new tasks is fine.
type Delegate interface {
	HandleError(engine *Engine, err error)
}

// WorkObserver is an optional interface for delegates that want to know when
// the worker picks up and drains the queue, e.g. to drive a sync spinner.
type WorkObserver interface {
	WorkStarted(engine *Engine)
	WorkFinished(engine *Engine)
}

// NopDelegate ignores all errors. Useful as a default and in tests that
// don't care about failure reporting.
type NopDelegate struct{}

var _ Delegate = NopDelegate{}

func (NopDelegate) HandleError(*Engine, error) {}
