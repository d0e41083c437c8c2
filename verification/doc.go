// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verification implements the user-facing side of interactive
// identity verification.
//
// Each flow is split in two halves. [IdentityVerification] is the foreground
// facade: it holds the observable fields (state, supported methods, emoji,
// QR code payload, cancel reason), fans changes out to observers and never
// blocks. The protocol decisions run on a per-flow driver goroutine that
// talks to the SDK through the [Client] and [VerificationRequest] interfaces
// and is fed user input over a bounded channel. The driver owns the order of
// operations; the facade only ever latches what the driver reports, so a
// flow that reached a terminal state can never appear to move again.
//
// [VerificationList] sits on top and routes incoming device-to-device events
// to the flow they belong to, creating new flows for incoming requests.
package verification
