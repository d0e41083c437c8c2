// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
)

// Default timeout budgets from Section 11.12.2.1 of the Spec: a request is
// valid for 10 minutes after creation and should be ignored 2 minutes after
// it was received.
const (
	DefaultCreationTimeout = 10 * time.Minute
	DefaultReceiveTimeout  = 2 * time.Minute

	defaultPollInterval  = 100 * time.Millisecond
	defaultChannelBuffer = 16
)

// Config carries the tunables of a verification flow. The zero value uses
// the defaults above.
type Config struct {
	// CreationTimeout is the budget measured from the request's start time.
	CreationTimeout time.Duration
	// ReceiveTimeout is the budget measured from when this side first
	// observed the request.
	ReceiveTimeout time.Duration
	// PollInterval is how often the driver re-checks externally driven
	// progress on the SDK handle while waiting for input.
	PollInterval time.Duration
	// ChannelBuffer is the depth of the two channels between the facade and
	// the driver.
	ChannelBuffer int
}

func (cfg Config) withDefaults() Config {
	if cfg.CreationTimeout <= 0 {
		cfg.CreationTimeout = DefaultCreationTimeout
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = defaultChannelBuffer
	}
	return cfg
}

// IdentityVerification is the foreground-facing state holder of a single
// verification flow. UI code observes it through OnChange/OnError and
// commands it through the action methods; the protocol itself runs on a
// background driver owned by this object.
type IdentityVerification struct {
	client Client
	cfg    Config
	log    zerolog.Logger

	flowID      id.VerificationFlowID
	theirUserID id.UserID
	weStarted   bool
	startTime   time.Time
	receiveTime time.Time

	lock          sync.Mutex
	state         State
	methods       SupportedMethods
	sasData       *SASData
	qrCode        []byte
	cancelInfo    *CancelInfo
	timedOut      bool
	hideError     bool
	errorSurfaced bool
	// actions is the capability token for "driver still running": it is
	// cleared once the driver finishes, after which every command becomes a
	// silent no-op.
	actions chan message
	timeout *time.Timer

	cancelDriver context.CancelFunc
	done         chan struct{}

	changeObservers emitter[Change]
	errorObservers  emitter[string]
}

// StartVerification requests verification of the target identity. On
// transport failure the returned object is already in [StateError] with no
// driver attached; the request is never retried.
func StartVerification(ctx context.Context, client Client, target id.UserID, cfg Config, log zerolog.Logger) *IdentityVerification {
	cfg = cfg.withDefaults()
	request, err := client.RequestVerificationWithMethods(ctx, target, AllVerificationMethods)
	if err != nil {
		log.Err(err).Stringer("target", target).Msg("Failed to request verification")
		return newFailedVerification(client, target, cfg, log)
	}
	now := time.Now()
	return newIdentityVerification(client, request, now, now, cfg, log)
}

// WrapFlow attaches to an already-known flow discovered from an incoming
// to-device event. It does not start any network calls of its own, but still
// spawns the local driver to track the flow. startTime is the request's own
// timestamp, receivedAt is when this side first observed it.
func WrapFlow(ctx context.Context, client Client, theirUserID id.UserID, flowID id.VerificationFlowID, startTime, receivedAt time.Time, cfg Config, log zerolog.Logger) *IdentityVerification {
	cfg = cfg.withDefaults()
	request, err := client.GetVerificationRequest(ctx, theirUserID, flowID)
	if err != nil {
		log.Err(err).
			Stringer("flow_id", flowID).
			Stringer("their_user_id", theirUserID).
			Msg("Failed to attach to verification flow")
		return newFailedVerification(client, theirUserID, cfg, log)
	}
	return newIdentityVerification(client, request, startTime, receivedAt, cfg, log)
}

func newFailedVerification(client Client, theirUserID id.UserID, cfg Config, log zerolog.Logger) *IdentityVerification {
	done := make(chan struct{})
	close(done)
	return &IdentityVerification{
		client:      client,
		cfg:         cfg,
		log:         log,
		theirUserID: theirUserID,
		state:       StateError,
		done:        done,
	}
}

func newIdentityVerification(client Client, request VerificationRequest, startTime, receiveTime time.Time, cfg Config, log zerolog.Logger) *IdentityVerification {
	v := &IdentityVerification{
		client:      client,
		cfg:         cfg,
		flowID:      request.FlowID(),
		theirUserID: request.TheirUserID(),
		weStarted:   request.WeStarted(),
		startTime:   startTime,
		receiveTime: receiveTime,
		done:        make(chan struct{}),
	}
	v.log = log.With().
		Str("component", "verification").
		Stringer("flow_id", v.flowID).
		Stringer("their_user_id", v.theirUserID).
		Logger()
	if v.weStarted {
		v.state = StateRequestSend
	} else {
		v.state = StateRequested
	}

	v.actions = make(chan message, cfg.ChannelBuffer)
	main := make(chan mainMessage, cfg.ChannelBuffer)
	driverCtx, cancel := context.WithCancel(context.Background())
	v.cancelDriver = cancel

	go v.drainMain(main)
	d := newDriver(request, v.actions, main, cfg.PollInterval, v.log)
	go d.run(driverCtx)

	v.armTimeout()
	return v
}

// FlowID returns the protocol-level identifier of this flow.
func (v *IdentityVerification) FlowID() id.VerificationFlowID {
	return v.flowID
}

// TheirUserID returns the user on the other end of the flow.
func (v *IdentityVerification) TheirUserID() id.UserID {
	return v.theirUserID
}

// StartTime returns when the request was created.
func (v *IdentityVerification) StartTime() time.Time {
	return v.startTime
}

// ReceiveTime returns when this side first observed the request.
func (v *IdentityVerification) ReceiveTime() time.Time {
	return v.receiveTime
}

// Mode reports whose identity this flow verifies.
func (v *IdentityVerification) Mode() Mode {
	if v.client != nil && v.theirUserID != v.client.UserID() {
		return ModeUser
	}
	if v.weStarted {
		return ModeOtherSession
	}
	return ModeCurrentSession
}

// State returns the current step of the flow.
func (v *IdentityVerification) State() State {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.state
}

// IsFinished reports whether the flow reached a terminal state.
func (v *IdentityVerification) IsFinished() bool {
	return v.State().IsFinished()
}

// SupportedMethods returns the method set shared with the peer, or zero if
// the capability exchange has not happened yet.
func (v *IdentityVerification) SupportedMethods() SupportedMethods {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.methods
}

// SASData returns the short authentication string, or nil before the SAS
// stage is reached.
func (v *IdentityVerification) SASData() *SASData {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.sasData
}

// QRCode returns the payload of the QR code to display, or nil.
func (v *IdentityVerification) QRCode() []byte {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.qrCode
}

// CancelInfo returns the structured cancellation reason, or nil.
func (v *IdentityVerification) CancelInfo() *CancelInfo {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.cancelInfo
}

// Done is closed once the driver has concluded and no further state change
// can originate from the protocol.
func (v *IdentityVerification) Done() <-chan struct{} {
	return v.done
}

// OnChange registers an observer for field changes. The returned function
// removes it again.
func (v *IdentityVerification) OnChange(fn func(Change)) (remove func()) {
	return v.changeObservers.add(fn)
}

// OnError registers an observer for the one-shot user-facing error surface.
func (v *IdentityVerification) OnError(fn func(message string)) (remove func()) {
	return v.errorObservers.add(fn)
}

// Accept accepts an incoming verification request.
func (v *IdentityVerification) Accept() {
	v.send(actionMessage(ActionAccept))
}

// StartSAS switches the flow to SAS verification.
func (v *IdentityVerification) StartSAS() {
	v.send(actionMessage(ActionStartSAS))
}

// EmojiMatch confirms that the displayed SAS matches the peer's.
func (v *IdentityVerification) EmojiMatch() {
	v.send(actionMessage(ActionMatch))
}

// EmojiNotMatch reports that the displayed SAS does not match.
func (v *IdentityVerification) EmojiNotMatch() {
	v.send(actionMessage(ActionNotMatch))
}

// ScannedQRCode injects the payload of a QR code the user scanned.
func (v *IdentityVerification) ScannedQRCode(data []byte) {
	v.send(scannedMessage(data))
}

// NotifyState pokes the driver to re-check externally driven state, e.g.
// when a cancellation was observed out-of-band via sync.
func (v *IdentityVerification) NotifyState() {
	v.send(notifyMessage())
}

// Cancel cancels the flow. With hideError set, the cancellation is part of a
// larger local flow and no error is surfaced to the user.
func (v *IdentityVerification) Cancel(hideError bool) {
	if hideError {
		v.lock.Lock()
		v.hideError = true
		v.lock.Unlock()
	}
	v.send(actionMessage(ActionCancel))
}

// Dismiss forces [StateDismissed] synchronously without going through the
// driver. It is meant for closing an already-terminal or passive flow, but
// works even if the driver is stuck.
func (v *IdentityVerification) Dismiss() {
	v.lock.Lock()
	v.hideError = true
	v.stopTimeoutLocked()
	changed := v.state != StateDismissed
	v.state = StateDismissed
	v.lock.Unlock()
	if v.cancelDriver != nil {
		v.cancelDriver()
	}
	if changed {
		v.changeObservers.fire(ChangeState)
	}
}

// Close is the disposal backstop: it cancels any still-running driver with
// the error surface suppressed. Safe to call multiple times.
func (v *IdentityVerification) Close() {
	v.lock.Lock()
	v.hideError = true
	v.stopTimeoutLocked()
	v.lock.Unlock()
	v.send(actionMessage(ActionCancel))
	if v.cancelDriver != nil {
		v.cancelDriver()
	}
}

// send forwards a message to the driver. The foreground must never block on
// protocol internals: a finished driver or a full channel means the message
// is dropped.
func (v *IdentityVerification) send(msg message) {
	v.lock.Lock()
	actions := v.actions
	v.lock.Unlock()
	if actions == nil {
		v.log.Debug().Stringer("action", msg.action).Bool("notify", msg.notify).
			Msg("Dropping message for finished verification")
		return
	}
	select {
	case actions <- msg:
	default:
		v.log.Warn().Stringer("action", msg.action).Bool("notify", msg.notify).
			Msg("Dropping message, driver channel is full")
	}
}

func (v *IdentityVerification) armTimeout() {
	now := time.Now()
	creationGrace := v.startTime.Add(v.cfg.CreationTimeout).Sub(now)
	receiveGrace := v.receiveTime.Add(v.cfg.ReceiveTimeout).Sub(now)
	// The more generous of the two remaining budgets wins.
	grace := creationGrace
	if receiveGrace > grace {
		grace = receiveGrace
	}
	if grace <= 0 {
		// Clearly stale, the user never had a chance to act on it. Cancel
		// without surfacing anything.
		v.log.Debug().Msg("Verification request already expired, cancelling silently")
		v.Cancel(true)
		return
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	v.timeout = time.AfterFunc(grace, v.onTimeout)
}

// onTimeout only records that the deadline passed and asks the driver to
// cancel. The timeout explanation is attached in apply once the cancellation
// actually lands, so a flow that was concurrently completing stays clean.
func (v *IdentityVerification) onTimeout() {
	v.lock.Lock()
	if v.state.IsFinished() {
		v.lock.Unlock()
		return
	}
	v.timedOut = true
	v.lock.Unlock()
	v.log.Info().Msg("Verification request timed out, cancelling")
	v.Cancel(false)
}

func (v *IdentityVerification) stopTimeoutLocked() {
	if v.timeout != nil {
		v.timeout.Stop()
		v.timeout = nil
	}
}

// drainMain is the cooperative foreground loop: it applies driver updates
// one at a time and in order, so observers never see a state regression.
func (v *IdentityVerification) drainMain(main <-chan mainMessage) {
	for msg := range main {
		v.apply(msg)
	}
	v.lock.Lock()
	v.actions = nil
	v.stopTimeoutLocked()
	v.lock.Unlock()
	close(v.done)
}

func (v *IdentityVerification) apply(msg mainMessage) {
	v.lock.Lock()
	switch msg.kind {
	case mainMessageState:
		if v.state.IsFinished() {
			v.log.Debug().
				Stringer("current_state", v.state).
				Stringer("new_state", msg.state).
				Msg("Ignoring state update for finished verification")
			v.lock.Unlock()
			return
		}
		if v.state == msg.state {
			v.lock.Unlock()
			return
		}
		v.state = msg.state
		if msg.state.IsFinished() {
			v.stopTimeoutLocked()
		}
		// The timeout explanation beats whatever generic info the protocol
		// cancel produced.
		timeoutInfo := msg.state == StateCancelled && v.timedOut && v.cancelInfo == nil
		if timeoutInfo {
			v.cancelInfo = &CancelInfo{Code: event.CancelCodeTimeout, Reason: "The verification reached a timeout."}
		}
		v.lock.Unlock()
		v.changeObservers.fire(ChangeState)
		if timeoutInfo {
			v.changeObservers.fire(ChangeCancelInfo)
		}
		if msg.state == StateCancelled || msg.state == StateError {
			v.surfaceError(msg.state)
		}
	case mainMessageSupportedMethods:
		if v.methods != 0 {
			v.log.Warn().Msg("Ignoring duplicate supported methods update")
			v.lock.Unlock()
			return
		}
		v.methods = msg.methods
		v.lock.Unlock()
		v.changeObservers.fire(ChangeSupportedMethods)
	case mainMessageSASData:
		if v.sasData != nil {
			v.log.Warn().Msg("Ignoring duplicate SAS data update")
			v.lock.Unlock()
			return
		}
		v.sasData = msg.sasData
		v.lock.Unlock()
		v.changeObservers.fire(ChangeSASData)
	case mainMessageQRCode:
		if v.qrCode != nil {
			v.log.Warn().Msg("Ignoring duplicate QR code update")
			v.lock.Unlock()
			return
		}
		v.qrCode = msg.qrCode
		v.lock.Unlock()
		v.changeObservers.fire(ChangeQRCode)
	case mainMessageCancelInfo:
		if v.cancelInfo != nil || v.timedOut {
			v.log.Debug().Msg("Ignoring duplicate cancel info update")
			v.lock.Unlock()
			return
		}
		v.cancelInfo = msg.cancelInfo
		v.lock.Unlock()
		v.changeObservers.fire(ChangeCancelInfo)
	default:
		v.lock.Unlock()
	}
}

// surfaceError fires the one-shot "show this to the user" side effect,
// unless the caller is tearing the flow down itself.
func (v *IdentityVerification) surfaceError(state State) {
	v.lock.Lock()
	if v.hideError || v.errorSurfaced {
		v.lock.Unlock()
		return
	}
	v.errorSurfaced = true
	info := v.cancelInfo
	v.lock.Unlock()

	var errMessage string
	if state == StateCancelled && info != nil {
		errMessage = info.Message()
	} else {
		errMessage = (&CancelInfo{}).Message()
	}
	v.errorObservers.fire(errMessage)
}
