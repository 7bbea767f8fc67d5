// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptoengine

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// Transport is the slice of the client-server API the engine needs. The
// engine does everything through this interface, so tests can run two engines
// against a fake homeserver.
type Transport interface {
	UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error)
	ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error)
	QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error)
	SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error)
}

// ClientTransport adapts a mautrix client to the Transport interface.
type ClientTransport struct {
	Client *mautrix.Client
}

var _ Transport = (*ClientTransport)(nil)

func (ct *ClientTransport) UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error) {
	return ct.Client.UploadKeys(ctx, req)
}

func (ct *ClientTransport) ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	return ct.Client.ClaimKeys(ctx, req)
}

func (ct *ClientTransport) QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error) {
	return ct.Client.QueryKeys(ctx, req)
}

func (ct *ClientTransport) SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error) {
	return ct.Client.SendToDevice(ctx, eventType, req)
}
