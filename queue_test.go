// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_Ordering(t *testing.T) {
	tq := newTaskQueue()
	tq.PushBack(Task{Kind: TaskEncryptEvent})
	tq.PushBack(Task{Kind: TaskDecryptEvent})
	// Follow-ups jump the line.
	tq.PushFront(Task{Kind: TaskAnnounceSession})

	expected := []TaskKind{TaskAnnounceSession, TaskEncryptEvent, TaskDecryptEvent}
	for _, kind := range expected {
		task, ok := tq.Pop()
		require.True(t, ok)
		assert.Equal(t, kind, task.Kind)
	}
	_, ok := tq.Pop()
	assert.False(t, ok)
}

func TestTaskQueue_WaitWakesOnPush(t *testing.T) {
	tq := newTaskQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, tq.Wait(context.Background()))
	}()
	time.Sleep(10 * time.Millisecond)
	tq.PushBack(Task{Kind: TaskNone})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait didn't wake up after push")
	}
}

func TestTaskQueue_WaitStopsOnCancel(t *testing.T) {
	tq := newTaskQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tq.Wait(ctx))
}

func TestTaskQueue_ConcurrentPush(t *testing.T) {
	tq := newTaskQueue()
	const pushers = 8
	const perPusher = 100
	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPusher; j++ {
				tq.PushBack(Task{Kind: TaskOTKCountUpdate, OTKCount: j})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, pushers*perPusher, tq.Len())
}
