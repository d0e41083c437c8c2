// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"github.com/rs/xid"
)

// A UserID is a string starting with @ that references a specific user.
// https://matrix.org/docs/spec/appendices#user-identifiers
type UserID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A VerificationFlowID correlates all messages belonging to one interactive
// verification attempt. For to-device verifications it is an arbitrary
// client-generated string, for in-room verifications it is the event ID of
// the request message.
type VerificationFlowID string

func (userID UserID) String() string {
	return string(userID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (flowID VerificationFlowID) String() string {
	return string(flowID)
}

// NewVerificationFlowID generates a unique flow ID for a new outgoing
// verification request.
func NewVerificationFlowID() VerificationFlowID {
	return VerificationFlowID("verifyflow-" + xid.New().String())
}
