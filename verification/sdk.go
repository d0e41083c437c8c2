// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
)

// ErrUnknownFlow is returned when attaching to a flow ID the SDK does not
// know about.
var ErrUnknownFlow = errors.New("unknown verification flow")

// Client is the slice of the Matrix SDK that the verification core consumes.
// It drives the actual cryptographic exchange and network calls; the core
// only commands it and observes its state.
type Client interface {
	// UserID returns the user this client is logged in as.
	UserID() id.UserID
	// DeviceID returns the device this client is logged in as.
	DeviceID() id.DeviceID

	// RequestVerificationWithMethods asks the given user to verify us,
	// advertising the given methods.
	RequestVerificationWithMethods(ctx context.Context, userID id.UserID, methods []event.VerificationMethod) (VerificationRequest, error)
	// GetVerificationRequest attaches to an already-known flow, returning
	// ErrUnknownFlow if the SDK has no record of it.
	GetVerificationRequest(ctx context.Context, userID id.UserID, flowID id.VerificationFlowID) (VerificationRequest, error)
}

// VerificationRequest is a live verification flow handle. All blocking
// methods may only be awaited from the background driver.
type VerificationRequest interface {
	FlowID() id.VerificationFlowID
	TheirUserID() id.UserID

	// WeStarted reports whether the local side initiated the request.
	WeStarted() bool
	// IsReady reports whether the peer has marked the request ready.
	IsReady() bool
	// IsPassive reports whether the flow was claimed by another one of our
	// devices.
	IsPassive() bool
	// IsCancelled reports whether either side cancelled the flow.
	IsCancelled() bool
	// CancelInfo returns the structured cancellation reason, or nil if the
	// flow is not cancelled.
	CancelInfo() *CancelInfo
	// TheirSupportedMethods returns the methods the peer advertised.
	TheirSupportedMethods() []event.VerificationMethod

	// AcceptWithMethods accepts an incoming request, advertising the given
	// methods to the peer.
	AcceptWithMethods(ctx context.Context, methods []event.VerificationMethod) error
	// GenerateQRCode creates the QR sub-verification for the code we show.
	GenerateQRCode(ctx context.Context) (QRVerification, error)
	// ScanQRCode hands a scanned QR payload to the SDK.
	ScanQRCode(ctx context.Context, data []byte) (QRVerification, error)
	// StartSAS starts a SAS sub-verification from our side.
	StartSAS(ctx context.Context) (SASVerification, error)
	// SASVerification returns the live SAS sub-verification, started by
	// either side, or nil if none exists yet.
	SASVerification() SASVerification
	// Cancel cancels the flow at the protocol level.
	Cancel(ctx context.Context) error
}

// QRVerification is a live QR sub-verification handle.
type QRVerification interface {
	// Bytes returns the payload to encode into the displayed QR code.
	Bytes() []byte
	// HasBeenScanned reports whether the peer scanned our code and sent the
	// reciprocate start.
	HasBeenScanned() bool
	// Confirm confirms the reciprocation step.
	Confirm(ctx context.Context) error
	// IsDone reports whether the exchange completed.
	IsDone() bool
}

// SASVerification is a live SAS sub-verification handle.
type SASVerification interface {
	// Accept accepts a SAS sub-verification started by the peer.
	Accept(ctx context.Context) error
	// CanBePresented reports whether the short authentication string can be
	// derived and shown yet.
	CanBePresented() bool
	// Emojis returns the emoji form of the SAS, or false if unsupported.
	Emojis() ([]Emoji, bool)
	// Decimals returns the decimal form of the SAS, or false if unsupported.
	Decimals() ([3]uint16, bool)
	// Confirm reports to the peer that the user confirmed the SAS matches.
	Confirm(ctx context.Context) error
	// Mismatch cancels the flow reporting that the SAS did not match.
	Mismatch(ctx context.Context) error
	// IsDone reports whether both sides confirmed and exchanged MACs.
	IsDone() bool
}
