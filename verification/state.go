// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"go.mau.fi/verifyflow/event"
)

// State is the externally visible step of a verification flow.
type State int

const (
	// StateRequested means the peer asked us to verify and we have not
	// reacted yet.
	StateRequested State = iota
	// StateRequestSend means we sent the request and are waiting for the
	// peer to accept it.
	StateRequestSend
	// StateSASV1 means a short authentication string is being compared.
	StateSASV1
	// StateQRV1Show means we are displaying a QR code for the peer to scan.
	StateQRV1Show
	// StateQRV1Scan means we are expected to scan the peer's QR code.
	StateQRV1Scan
	// StateCompleted means the verification finished successfully.
	StateCompleted
	// StateCancelled means the verification was cancelled by either side.
	StateCancelled
	// StateDismissed means the user closed the verification locally.
	StateDismissed
	// StatePassive means another device of ours handled the flow first.
	StatePassive
	// StateError means an SDK or transport error aborted the flow.
	StateError
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateRequestSend:
		return "request_send"
	case StateSASV1:
		return "sas_v1"
	case StateQRV1Show:
		return "qr_v1_show"
	case StateQRV1Scan:
		return "qr_v1_scan"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateDismissed:
		return "dismissed"
	case StatePassive:
		return "passive"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsFinished reports whether the state is terminal. Once a flow reaches a
// terminal state no further transition is observable.
func (s State) IsFinished() bool {
	switch s {
	case StateCompleted, StateCancelled, StateDismissed, StatePassive, StateError:
		return true
	default:
		return false
	}
}

// Mode describes whose identity the flow verifies. It only affects which
// copy the UI shows, never the protocol.
type Mode int

const (
	// ModeCurrentSession verifies this device from the session that
	// originated the login.
	ModeCurrentSession Mode = iota
	// ModeOtherSession verifies another one of the user's own devices.
	ModeOtherSession
	// ModeUser verifies a different user's identity.
	ModeUser
)

func (m Mode) String() string {
	switch m {
	case ModeCurrentSession:
		return "current_session"
	case ModeOtherSession:
		return "other_session"
	case ModeUser:
		return "user"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SupportedMethods is the set of verification methods shared with the peer.
type SupportedMethods int

const (
	MethodSAS SupportedMethods = 1 << iota
	MethodQRShow
	MethodQRScan
)

// Has reports whether all methods in the given set are present.
func (m SupportedMethods) Has(other SupportedMethods) bool {
	return m&other == other
}

// SupportedMethodsFromList builds the method set advertised by the peer.
// QR directions are crossed: the peer being able to scan means we may show.
func SupportedMethodsFromList(methods []event.VerificationMethod) SupportedMethods {
	var result SupportedMethods
	for _, method := range methods {
		switch method {
		case event.VerificationMethodSAS:
			result |= MethodSAS
		case event.VerificationMethodQRCodeScan:
			result |= MethodQRShow
		case event.VerificationMethodQRCodeShow:
			result |= MethodQRScan
		}
	}
	return result
}

// AllVerificationMethods is what we advertise to the peer: SAS, both QR
// directions and the reciprocate step that goes with them.
var AllVerificationMethods = []event.VerificationMethod{
	event.VerificationMethodSAS,
	event.VerificationMethodQRCodeShow,
	event.VerificationMethodQRCodeScan,
	event.VerificationMethodReciprocate,
}

// Emoji is a single symbol of an emoji short authentication string.
type Emoji struct {
	Symbol      string
	Description string
}

// SASData is the human-comparable short authentication string. Exactly one
// of Emojis and Decimals is set.
type SASData struct {
	Emojis   []Emoji
	Decimals [3]uint16
}

// IsEmoji reports whether the SAS is the emoji variant.
func (s *SASData) IsEmoji() bool {
	return len(s.Emojis) > 0
}

// CancelInfo is the structured reason attached to a cancelled flow.
type CancelInfo struct {
	Code   event.CancelCode
	Reason string
}

// Message returns the user-facing explanation for the cancellation. Unknown
// codes fall back to a generic message.
func (c *CancelInfo) Message() string {
	switch c.Code {
	case event.CancelCodeUser:
		return "The verification was cancelled."
	case event.CancelCodeTimeout:
		return "The verification reached a timeout."
	case event.CancelCodeSASMismatch:
		return "The emoji did not match. The verification was cancelled for safety reasons."
	case event.CancelCodeAccepted:
		return "The verification was accepted from another session."
	default:
		return "An unknown error occurred during the verification."
	}
}
