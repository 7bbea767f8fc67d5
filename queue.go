// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"slices"
	"sync"
)

// taskQueue is a deque of engine tasks. Any goroutine may push, but only the
// engine's worker goroutine pops. Follow-up tasks produced by transitions are
// pushed to the front so that multi-step flows finish before newly submitted
// tasks are looked at.
type taskQueue struct {
	mu    sync.Mutex
	items []Task
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		wake: make(chan struct{}, 1),
	}
}

func (tq *taskQueue) PushBack(task Task) {
	tq.mu.Lock()
	tq.items = append(tq.items, task)
	tq.mu.Unlock()
	tq.signal()
}

func (tq *taskQueue) PushFront(task Task) {
	tq.mu.Lock()
	tq.items = slices.Insert(tq.items, 0, task)
	tq.mu.Unlock()
	tq.signal()
}

func (tq *taskQueue) Pop() (Task, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if len(tq.items) == 0 {
		return Task{}, false
	}
	task := tq.items[0]
	tq.items[0] = Task{}
	tq.items = tq.items[1:]
	return task, true
}

func (tq *taskQueue) Len() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.items)
}

// Wait blocks until a task is pushed or the context is done. A single pending
// wakeup is retained, so a push that happens just before Wait is not lost.
func (tq *taskQueue) Wait(ctx context.Context) bool {
	select {
	case <-tq.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (tq *taskQueue) signal() {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}
