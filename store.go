// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"maps"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// BlobType says what kind of pickled crypto state a blob holds.
type BlobType string

const (
	BlobOlmAccount           BlobType = "olm_account"
	BlobOlmSession           BlobType = "olm_session"
	BlobInboundGroupSession  BlobType = "inbound_group_session"
	BlobOutboundGroupSession BlobType = "outbound_group_session"
)

// accountBlobID is the fixed blob ID of the single olm account.
const accountBlobID = "account"

// Blob is one piece of opaque pickled crypto state. The engine treats the
// store as a blob heap and rebuilds its in-memory session arenas from it at
// load time.
type Blob struct {
	ID   string
	Type BlobType
	Data []byte
}

// Store abstracts the persistence the engine needs. Implementations must be
// safe for concurrent use: the engine's worker calls it, and so may the
// application when it maintains rooms and members.
type Store interface {
	// PutBlob saves a blob, overwriting any previous blob with the same ID
	// and type.
	PutBlob(ctx context.Context, blob Blob) error
	// DeleteBlob removes a blob. Deleting a nonexistent blob is not an error.
	DeleteBlob(ctx context.Context, blobID string, blobType BlobType) error
	// GetAllBlobs returns every stored blob.
	GetAllBlobs(ctx context.Context) ([]Blob, error)

	// GetEncryptionConfig returns the room's encryption config, or nil if the
	// room is unknown or not encrypted.
	GetEncryptionConfig(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error)
	// GetNonBlockedDevices returns the devices of all members of the room,
	// except devices the user has blacklisted.
	GetNonBlockedDevices(ctx context.Context, roomID id.RoomID) ([]*id.Device, error)

	// GetDevice returns one stored device, or nil if it's unknown.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	// GetDevices returns all stored devices of a user.
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	// PutDevices replaces the stored device list of a user. Devices missing
	// from the map are thereby pruned.
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error
}

type blobKey struct {
	ID   string
	Type BlobType
}

// MemoryStore keeps everything in maps. It's used in tests and by clients
// that handle persistence some other way.
type MemoryStore struct {
	lock sync.RWMutex

	blobs   map[blobKey]Blob
	rooms   map[id.RoomID]*event.EncryptionEventContent
	members map[id.RoomID][]id.UserID
	devices map[id.UserID]map[id.DeviceID]*id.Device
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[blobKey]Blob),
		rooms:   make(map[id.RoomID]*event.EncryptionEventContent),
		members: make(map[id.RoomID][]id.UserID),
		devices: make(map[id.UserID]map[id.DeviceID]*id.Device),
	}
}

func (store *MemoryStore) PutBlob(_ context.Context, blob Blob) error {
	store.lock.Lock()
	store.blobs[blobKey{blob.ID, blob.Type}] = blob
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) DeleteBlob(_ context.Context, blobID string, blobType BlobType) error {
	store.lock.Lock()
	delete(store.blobs, blobKey{blobID, blobType})
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) GetAllBlobs(_ context.Context) ([]Blob, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	blobs := make([]Blob, 0, len(store.blobs))
	for _, blob := range store.blobs {
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

// PutRoom stores the encryption config of a room.
func (store *MemoryStore) PutRoom(roomID id.RoomID, content *event.EncryptionEventContent) {
	store.lock.Lock()
	store.rooms[roomID] = content
	store.lock.Unlock()
}

// AddRoomMember adds a user to a room's member list if not already present.
func (store *MemoryStore) AddRoomMember(roomID id.RoomID, userID id.UserID) {
	store.lock.Lock()
	defer store.lock.Unlock()
	for _, existing := range store.members[roomID] {
		if existing == userID {
			return
		}
	}
	store.members[roomID] = append(store.members[roomID], userID)
}

// RemoveRoomMember removes a user from a room's member list.
func (store *MemoryStore) RemoveRoomMember(roomID id.RoomID, userID id.UserID) {
	store.lock.Lock()
	defer store.lock.Unlock()
	members := store.members[roomID]
	for i, existing := range members {
		if existing == userID {
			store.members[roomID] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

func (store *MemoryStore) GetEncryptionConfig(_ context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.rooms[roomID], nil
}

func (store *MemoryStore) GetNonBlockedDevices(_ context.Context, roomID id.RoomID) ([]*id.Device, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	var devices []*id.Device
	for _, userID := range store.members[roomID] {
		for _, device := range store.devices[userID] {
			if device.Trust != id.TrustStateBlacklisted {
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}

func (store *MemoryStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.devices[userID][deviceID], nil
}

func (store *MemoryStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	devices, ok := store.devices[userID]
	if !ok {
		return nil, nil
	}
	return maps.Clone(devices), nil
}

func (store *MemoryStore) PutDevices(_ context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	store.lock.Lock()
	store.devices[userID] = maps.Clone(devices)
	store.lock.Unlock()
	return nil
}
