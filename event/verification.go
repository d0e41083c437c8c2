// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package event contains the device-to-device verification event vocabulary
// exchanged during an interactive verification flow.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/verifyflow/id"
)

// Type is a to-device event type.
type Type string

const (
	ToDeviceVerificationRequest Type = "m.key.verification.request"
	ToDeviceVerificationReady   Type = "m.key.verification.ready"
	ToDeviceVerificationStart   Type = "m.key.verification.start"
	ToDeviceVerificationAccept  Type = "m.key.verification.accept"
	ToDeviceVerificationKey     Type = "m.key.verification.key"
	ToDeviceVerificationMAC     Type = "m.key.verification.mac"
	ToDeviceVerificationDone    Type = "m.key.verification.done"
	ToDeviceVerificationCancel  Type = "m.key.verification.cancel"
)

// IsVerification reports whether the event type belongs to the verification
// flow at all.
func (t Type) IsVerification() bool {
	switch t {
	case ToDeviceVerificationRequest, ToDeviceVerificationReady,
		ToDeviceVerificationStart, ToDeviceVerificationAccept,
		ToDeviceVerificationKey, ToDeviceVerificationMAC,
		ToDeviceVerificationDone, ToDeviceVerificationCancel:
		return true
	default:
		return false
	}
}

// VerificationMethod is a method that can be used for interactive
// verification, as advertised in request and ready events.
type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// CancelCode is the machine-readable reason attached to a verification
// cancellation.
type CancelCode string

const (
	CancelCodeUser               CancelCode = "m.user"
	CancelCodeTimeout            CancelCode = "m.timeout"
	CancelCodeUnknownTransaction CancelCode = "m.unknown_transaction"
	CancelCodeUnknownMethod      CancelCode = "m.unknown_method"
	CancelCodeUnexpectedMessage  CancelCode = "m.unexpected_message"
	CancelCodeKeyMismatch        CancelCode = "m.key_mismatch"
	CancelCodeUserMismatch       CancelCode = "m.user_mismatch"
	CancelCodeInvalidMessage     CancelCode = "m.invalid_message"
	CancelCodeAccepted           CancelCode = "m.accepted"
	CancelCodeSASMismatch        CancelCode = "m.mismatched_sas"
)

// VerificationRequestContent is the content of an m.key.verification.request
// to-device event.
type VerificationRequestContent struct {
	TransactionID id.VerificationFlowID `json:"transaction_id,omitempty"`
	FromDevice    id.DeviceID           `json:"from_device"`
	Methods       []VerificationMethod  `json:"methods"`
	Timestamp     jsontime.UnixMilli    `json:"timestamp,omitempty"`
}

// VerificationReadyContent is the content of an m.key.verification.ready
// to-device event.
type VerificationReadyContent struct {
	TransactionID id.VerificationFlowID `json:"transaction_id,omitempty"`
	FromDevice    id.DeviceID           `json:"from_device"`
	Methods       []VerificationMethod  `json:"methods"`
}

// VerificationCancelContent is the content of an m.key.verification.cancel
// to-device event.
type VerificationCancelContent struct {
	TransactionID id.VerificationFlowID `json:"transaction_id,omitempty"`
	Code          CancelCode            `json:"code"`
	Reason        string                `json:"reason"`
}

// Event is a single device-to-device event as delivered by the sync loop.
// Content is kept raw: the routing layer only ever needs the transaction ID
// and a handful of top-level fields, the SDK collaborator parses the rest.
type Event struct {
	Type    Type            `json:"type"`
	Sender  id.UserID       `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// ErrNoTransactionID is returned when a verification event carries no
// transaction ID field.
var ErrNoTransactionID = errors.New("verification event has no transaction ID")

// TransactionID extracts the flow ID from the raw event content.
func (evt *Event) TransactionID() (id.VerificationFlowID, error) {
	res := gjson.GetBytes(evt.Content, "transaction_id")
	if !res.Exists() || res.Str == "" {
		return "", ErrNoTransactionID
	}
	return id.VerificationFlowID(res.Str), nil
}

// FromDevice extracts the sending device ID from the raw event content, if
// present.
func (evt *Event) FromDevice() id.DeviceID {
	return id.DeviceID(gjson.GetBytes(evt.Content, "from_device").Str)
}

// Methods extracts the advertised verification methods from the raw content
// of a request or ready event.
func (evt *Event) Methods() []VerificationMethod {
	res := gjson.GetBytes(evt.Content, "methods")
	if !res.IsArray() {
		return nil
	}
	var methods []VerificationMethod
	res.ForEach(func(_, value gjson.Result) bool {
		methods = append(methods, VerificationMethod(value.Str))
		return true
	})
	return methods
}

// CancelCode extracts the cancel code from the raw content of a cancel event.
func (evt *Event) CancelCode() CancelCode {
	return CancelCode(gjson.GetBytes(evt.Content, "code").Str)
}

// Timestamp extracts the request timestamp, or the zero value if the content
// has none.
func (evt *Event) Timestamp() jsontime.UnixMilli {
	res := gjson.GetBytes(evt.Content, "timestamp")
	if !res.Exists() {
		return jsontime.UnixMilli{}
	}
	return jsontime.UM(time.UnixMilli(res.Int()))
}

// StampTransactionID returns a copy of the given serialized event content
// with the transaction ID set. Used when forwarding content that was built
// without knowledge of the flow it belongs to.
func StampTransactionID(content json.RawMessage, flowID id.VerificationFlowID) (json.RawMessage, error) {
	stamped, err := sjson.SetBytes(content, "transaction_id", flowID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to set transaction ID: %w", err)
	}
	return stamped, nil
}
