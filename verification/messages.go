// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"
)

// UserAction is a foreground-originated input the protocol driver reacts to.
type UserAction int

const (
	// ActionAccept accepts an incoming verification request.
	ActionAccept UserAction = iota
	// ActionMatch confirms that the displayed SAS matches the peer's.
	ActionMatch
	// ActionNotMatch reports that the displayed SAS does not match.
	ActionNotMatch
	// ActionCancel cancels the flow.
	ActionCancel
	// ActionStartSAS switches to SAS verification explicitly.
	ActionStartSAS
	// ActionScanned injects the payload of a QR code the user scanned.
	ActionScanned
)

func (a UserAction) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionMatch:
		return "match"
	case ActionNotMatch:
		return "not_match"
	case ActionCancel:
		return "cancel"
	case ActionStartSAS:
		return "start_sas"
	case ActionScanned:
		return "scanned"
	default:
		return fmt.Sprintf("UserAction(%d)", int(a))
	}
}

// message is what the facade sends to the driver: either a user action or a
// bare wake-up poke telling the driver to re-check externally driven state.
type message struct {
	notify      bool
	action      UserAction
	scannedData []byte
}

func actionMessage(action UserAction) message {
	return message{action: action}
}

func scannedMessage(data []byte) message {
	return message{action: ActionScanned, scannedData: data}
}

func notifyMessage() message {
	return message{notify: true}
}

type mainMessageKind int

const (
	mainMessageState mainMessageKind = iota
	mainMessageSupportedMethods
	mainMessageSASData
	mainMessageQRCode
	mainMessageCancelInfo
)

// mainMessage is what the driver reports back to the facade. All payloads
// travel by value; the facade owns them exclusively after delivery.
type mainMessage struct {
	kind       mainMessageKind
	state      State
	methods    SupportedMethods
	sasData    *SASData
	qrCode     []byte
	cancelInfo *CancelInfo
}
