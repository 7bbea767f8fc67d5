// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// VersionTableName is the name of the table that tracks the schema version
// of the crypto store.
const VersionTableName = "cryptoengine_version"

// UpgradeTable holds the schema migrations of the SQL store.
var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.Register(0, 1, 0, "Latest revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		for _, query := range []string{
			`CREATE TABLE crypto_blob (
				blob_id   TEXT  NOT NULL,
				blob_type TEXT  NOT NULL,
				data      bytea NOT NULL,
				PRIMARY KEY (blob_id, blob_type)
			)`,
			`CREATE TABLE crypto_device (
				user_id      TEXT    NOT NULL,
				device_id    TEXT    NOT NULL,
				identity_key TEXT    NOT NULL,
				signing_key  TEXT    NOT NULL,
				trust_state  INTEGER NOT NULL,
				name         TEXT    NOT NULL,
				deleted      BOOLEAN NOT NULL,
				PRIMARY KEY (user_id, device_id)
			)`,
			`CREATE TABLE crypto_room (
				room_id                TEXT    PRIMARY KEY,
				algorithm              TEXT    NOT NULL,
				rotation_period_millis BIGINT  NOT NULL,
				rotation_period_msgs   INTEGER NOT NULL
			)`,
			`CREATE TABLE crypto_room_member (
				room_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (room_id, user_id)
			)`,
		} {
			if _, err := db.Exec(ctx, query); err != nil {
				return err
			}
		}
		return nil
	})
}

// SQLStore persists crypto state in a SQL database using dbutil. It works
// with both SQLite and Postgres.
type SQLStore struct {
	DB *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps the given database and registers the store's schema
// migrations on it. The caller must run DB.Upgrade before using the store.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{
		DB: db.Child(VersionTableName, UpgradeTable, log),
	}
}

func (store *SQLStore) PutBlob(ctx context.Context, blob Blob) error {
	_, err := store.DB.Exec(ctx, `
		INSERT INTO crypto_blob (blob_id, blob_type, data) VALUES ($1, $2, $3)
		ON CONFLICT (blob_id, blob_type) DO UPDATE SET data=excluded.data
	`, blob.ID, string(blob.Type), blob.Data)
	return err
}

func (store *SQLStore) DeleteBlob(ctx context.Context, blobID string, blobType BlobType) error {
	_, err := store.DB.Exec(ctx, "DELETE FROM crypto_blob WHERE blob_id=$1 AND blob_type=$2", blobID, string(blobType))
	return err
}

func (store *SQLStore) GetAllBlobs(ctx context.Context) ([]Blob, error) {
	rows, err := store.DB.Query(ctx, "SELECT blob_id, blob_type, data FROM crypto_blob")
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIterWithError(rows, func(rows dbutil.Scannable) (blob Blob, err error) {
		err = rows.Scan(&blob.ID, &blob.Type, &blob.Data)
		return
	}, nil).AsList()
}

// PutRoom stores the encryption config of a room.
func (store *SQLStore) PutRoom(ctx context.Context, roomID id.RoomID, content *event.EncryptionEventContent) error {
	_, err := store.DB.Exec(ctx, `
		INSERT INTO crypto_room (room_id, algorithm, rotation_period_millis, rotation_period_msgs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE
			SET algorithm=excluded.algorithm,
			    rotation_period_millis=excluded.rotation_period_millis,
			    rotation_period_msgs=excluded.rotation_period_msgs
	`, roomID, string(content.Algorithm), content.RotationPeriodMillis, content.RotationPeriodMessages)
	return err
}

// AddRoomMember adds a user to a room's member list.
func (store *SQLStore) AddRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := store.DB.Exec(ctx, `
		INSERT INTO crypto_room_member (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, roomID, userID)
	return err
}

// RemoveRoomMember removes a user from a room's member list.
func (store *SQLStore) RemoveRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := store.DB.Exec(ctx, "DELETE FROM crypto_room_member WHERE room_id=$1 AND user_id=$2", roomID, userID)
	return err
}

func (store *SQLStore) GetEncryptionConfig(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	var content event.EncryptionEventContent
	var algorithm string
	err := store.DB.QueryRow(ctx, `
		SELECT algorithm, rotation_period_millis, rotation_period_msgs FROM crypto_room WHERE room_id=$1
	`, roomID).Scan(&algorithm, &content.RotationPeriodMillis, &content.RotationPeriodMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	content.Algorithm = id.Algorithm(algorithm)
	return &content, nil
}

func scanDevice(rows dbutil.Scannable) (*id.Device, error) {
	var device id.Device
	err := rows.Scan(&device.UserID, &device.DeviceID, &device.IdentityKey, &device.SigningKey, &device.Trust, &device.Name, &device.Deleted)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (store *SQLStore) GetNonBlockedDevices(ctx context.Context, roomID id.RoomID) ([]*id.Device, error) {
	rows, err := store.DB.Query(ctx, `
		SELECT device.user_id, device.device_id, device.identity_key, device.signing_key, device.trust_state, device.name, device.deleted
		FROM crypto_room_member member
		JOIN crypto_device device ON device.user_id = member.user_id
		WHERE member.room_id = $1 AND device.trust_state <> $2
	`, roomID, int(id.TrustStateBlacklisted))
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIterWithError(rows, scanDevice, nil).AsList()
}

func (store *SQLStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	device, err := scanDevice(store.DB.QueryRow(ctx, `
		SELECT user_id, device_id, identity_key, signing_key, trust_state, name, deleted
		FROM crypto_device WHERE user_id=$1 AND device_id=$2
	`, userID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

func (store *SQLStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	rows, err := store.DB.Query(ctx, `
		SELECT user_id, device_id, identity_key, signing_key, trust_state, name, deleted
		FROM crypto_device WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	devices := make(map[id.DeviceID]*id.Device)
	err = dbutil.NewRowIterWithError(rows, scanDevice, nil).Iter(func(device *id.Device) (bool, error) {
		devices[device.DeviceID] = device
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (store *SQLStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := store.DB.Exec(ctx, "DELETE FROM crypto_device WHERE user_id=$1", userID)
		if err != nil {
			return fmt.Errorf("failed to delete old devices: %w", err)
		}
		for _, device := range devices {
			_, err = store.DB.Exec(ctx, `
				INSERT INTO crypto_device (user_id, device_id, identity_key, signing_key, trust_state, name, deleted)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, device.UserID, device.DeviceID, device.IdentityKey, device.SigningKey, device.Trust, device.Name, device.Deleted)
			if err != nil {
				return fmt.Errorf("failed to insert device %s: %w", device.DeviceID, err)
			}
		}
		return nil
	})
}
