// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// driver runs the protocol decision logic for a single flow on a background
// goroutine. It is the only component that may block awaiting the SDK or the
// next foreground message.
type driver struct {
	request      VerificationRequest
	actions      <-chan message
	main         chan<- mainMessage
	pollInterval time.Duration
	log          zerolog.Logger
}

func newDriver(request VerificationRequest, actions <-chan message, main chan<- mainMessage, pollInterval time.Duration, log zerolog.Logger) *driver {
	return &driver{
		request:      request,
		actions:      actions,
		main:         main,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "verification driver").Logger(),
	}
}

// run drives the flow to a terminal state and closes the main channel. Any
// SDK error aborts to [StateError]; nothing is ever retried. A cancelled
// context is the facade tearing down: the protocol cancel is still issued
// best-effort so the peer is not left hanging.
func (d *driver) run(ctx context.Context) {
	defer close(d.main)
	state, err := d.start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if cancelErr := d.request.Cancel(context.WithoutCancel(ctx)); cancelErr != nil {
				d.log.Debug().Err(cancelErr).Msg("Failed to cancel verification during teardown")
			}
			d.sendState(StateCancelled)
			return
		}
		d.log.Err(err).Msg("Verification failed")
		d.sendState(StateError)
		return
	}
	d.sendState(state)
}

func (d *driver) start(ctx context.Context) (State, error) {
	if d.request.WeStarted() {
		d.sendState(StateRequestSend)
		out := d.wait(ctx, d.request.IsReady, waitFlags{shortCircuitSAS: true, acceptScanned: true})
		if done, state, err := d.dispatch(ctx, out); done {
			return state, err
		}
	} else {
		d.sendState(StateRequested)
		out := d.wait(ctx, nil, waitFlags{shortCircuitSAS: true, acceptScanned: true})
		if done, state, err := d.dispatch(ctx, out); done {
			return state, err
		}
		err := d.request.AcceptWithMethods(ctx, AllVerificationMethods)
		if err != nil {
			return 0, fmt.Errorf("failed to accept verification request: %w", err)
		}
	}

	methods := SupportedMethodsFromList(d.request.TheirSupportedMethods())
	d.send(mainMessage{kind: mainMessageSupportedMethods, methods: methods})

	// Fixed priority order: showing a QR code beats having to scan one,
	// SAS is the fallback when no QR capability is shared.
	switch {
	case methods.Has(MethodQRShow):
		return d.showQRCode(ctx)
	case methods.Has(MethodQRScan):
		return d.scanQRCode(ctx)
	default:
		return d.startSAS(ctx)
	}
}

// showQRCode handles the path where we display a code and the peer scans it.
func (d *driver) showQRCode(ctx context.Context) (State, error) {
	qr, err := d.request.GenerateQRCode(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to generate QR code: %w", err)
	}
	d.send(mainMessage{kind: mainMessageQRCode, qrCode: qr.Bytes()})
	d.sendState(StateQRV1Show)

	out := d.wait(ctx, qr.HasBeenScanned, waitFlags{shortCircuitSAS: true})
	if done, state, err := d.dispatch(ctx, out); done {
		return state, err
	}
	err = qr.Confirm(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to confirm reciprocation: %w", err)
	}
	out = d.wait(ctx, qr.IsDone, waitFlags{})
	if done, state, err := d.dispatch(ctx, out); done {
		return state, err
	}
	return StateCompleted, nil
}

// scanQRCode handles the path where the peer displays a code and we must
// scan it. It terminates once the foreground injects the scanned payload.
func (d *driver) scanQRCode(ctx context.Context) (State, error) {
	d.sendState(StateQRV1Scan)
	for {
		out := d.wait(ctx, nil, waitFlags{shortCircuitSAS: true, acceptScanned: true})
		if out.kind == waitProceed {
			// A stray accept means nothing at this stage.
			continue
		}
		done, state, err := d.dispatch(ctx, out)
		if done {
			return state, err
		}
	}
}

// finishScanning hands a scanned payload to the SDK and completes the flow.
func (d *driver) finishScanning(ctx context.Context, data []byte) (State, error) {
	qr, err := d.request.ScanQRCode(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("failed to process scanned QR code: %w", err)
	}
	err = qr.Confirm(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to confirm scanned QR code: %w", err)
	}
	out := d.wait(ctx, qr.IsDone, waitFlags{})
	if done, state, err := d.dispatch(ctx, out); done {
		return state, err
	}
	return StateCompleted, nil
}

// startSAS starts a SAS sub-verification from our side. The capability
// branch gating entry here guarantees the peer supports SAS.
func (d *driver) startSAS(ctx context.Context) (State, error) {
	sas, err := d.request.StartSAS(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to start SAS verification: %w", err)
	}
	return d.continueSAS(ctx, sas)
}

// continueSAS runs the SAS comparison, reachable either from the capability
// branch or from the short-circuit in wait when the peer starts SAS
// unilaterally mid-flow.
func (d *driver) continueSAS(ctx context.Context, sas SASVerification) (State, error) {
	err := sas.Accept(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to accept SAS verification: %w", err)
	}
	out := d.wait(ctx, sas.CanBePresented, waitFlags{})
	if done, state, err := d.dispatch(ctx, out); done {
		return state, err
	}

	sasData, err := deriveSASData(sas)
	if err != nil {
		return 0, err
	}
	d.send(mainMessage{kind: mainMessageSASData, sasData: sasData})
	d.sendState(StateSASV1)

	for {
		out = d.wait(ctx, nil, waitFlags{acceptMatch: true})
		if out.kind == waitMatch {
			break
		}
		if out.kind == waitNotMatch {
			err = sas.Mismatch(ctx)
			if err != nil {
				return 0, fmt.Errorf("failed to report SAS mismatch: %w", err)
			}
			d.publishCancelInfo()
			return StateCancelled, nil
		}
		if done, state, err := d.dispatch(ctx, out); done {
			return state, err
		}
	}
	err = sas.Confirm(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to confirm SAS verification: %w", err)
	}
	out = d.wait(ctx, sas.IsDone, waitFlags{})
	if done, state, err := d.dispatch(ctx, out); done {
		return state, err
	}
	return StateCompleted, nil
}

// cancelRequest issues the protocol-level cancel and captures the resulting
// cancel info, if any.
func (d *driver) cancelRequest(ctx context.Context) (State, error) {
	err := d.request.Cancel(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel verification: %w", err)
	}
	d.publishCancelInfo()
	return StateCancelled, nil
}

func (d *driver) publishCancelInfo() {
	if info := d.request.CancelInfo(); info != nil {
		d.send(mainMessage{kind: mainMessageCancelInfo, cancelInfo: info})
	}
}

func deriveSASData(sas SASVerification) (*SASData, error) {
	if emojis, ok := sas.Emojis(); ok {
		return &SASData{Emojis: emojis}, nil
	}
	if decimals, ok := sas.Decimals(); ok {
		return &SASData{Decimals: decimals}, nil
	}
	return nil, errors.New("SAS verification offers neither emoji nor decimals")
}

// dispatch maps a wait outcome to its continuation. A false return means
// the expected condition was met and the caller proceeds inline.
func (d *driver) dispatch(ctx context.Context, out waitOutcome) (bool, State, error) {
	switch out.kind {
	case waitProceed:
		return false, 0, nil
	case waitLiveSAS:
		state, err := d.continueSAS(ctx, out.sas)
		return true, state, err
	case waitStartSAS:
		state, err := d.startSAS(ctx)
		return true, state, err
	case waitScanned:
		state, err := d.finishScanning(ctx, out.scannedData)
		return true, state, err
	case waitCancel, waitNotMatch:
		state, err := d.cancelRequest(ctx)
		return true, state, err
	case waitPassive:
		return true, StatePassive, nil
	case waitPeerCancelled:
		d.publishCancelInfo()
		return true, StateCancelled, nil
	case waitAborted:
		if err := ctx.Err(); err != nil {
			return true, 0, err
		}
		return true, 0, errors.New("action channel closed")
	default:
		panic(fmt.Sprintf("unhandled wait outcome %d", out.kind))
	}
}

type waitFlags struct {
	// shortCircuitSAS jumps to the SAS continuation if the SDK reports a
	// live SAS sub-verification, no matter what this wait was for. Dropped
	// once already inside the SAS or QR-confirm branches.
	shortCircuitSAS bool
	// acceptScanned makes a Scanned action meaningful; elsewhere it is
	// consumed and ignored.
	acceptScanned bool
	// acceptMatch makes a Match action meaningful on its own. Without it, a
	// Match only counts if the expected predicate happens to hold, so a
	// stray click from an earlier UI state cannot confirm a later stage.
	acceptMatch bool
}

type waitOutcomeKind int

const (
	waitProceed waitOutcomeKind = iota
	waitMatch
	waitCancel
	waitNotMatch
	waitStartSAS
	waitScanned
	waitLiveSAS
	waitPassive
	waitPeerCancelled
	waitAborted
)

type waitOutcome struct {
	kind        waitOutcomeKind
	sas         SASVerification
	scannedData []byte
}

// wait blocks until externally driven progress or a foreground action
// demands a decision. Each iteration re-checks the SDK handle (peer
// cancelled, went passive, SAS started, expected condition reached) before
// suspending on the next message; the poll tick bounds how long external
// progress can go unnoticed when no NotifyState poke arrives.
func (d *driver) wait(ctx context.Context, expected func() bool, flags waitFlags) waitOutcome {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		if flags.shortCircuitSAS {
			if sas := d.request.SASVerification(); sas != nil {
				return waitOutcome{kind: waitLiveSAS, sas: sas}
			}
		}
		if d.request.IsPassive() {
			return waitOutcome{kind: waitPassive}
		}
		if d.request.IsCancelled() {
			return waitOutcome{kind: waitPeerCancelled}
		}
		if expected != nil && expected() {
			return waitOutcome{kind: waitProceed}
		}

		select {
		case <-ctx.Done():
			return waitOutcome{kind: waitAborted}
		case <-ticker.C:
			// Time to re-poll external state.
		case msg, ok := <-d.actions:
			if !ok {
				return waitOutcome{kind: waitAborted}
			}
			if msg.notify {
				continue
			}
			switch msg.action {
			case ActionCancel:
				return waitOutcome{kind: waitCancel}
			case ActionNotMatch:
				return waitOutcome{kind: waitNotMatch}
			case ActionAccept:
				return waitOutcome{kind: waitProceed}
			case ActionStartSAS:
				return waitOutcome{kind: waitStartSAS}
			case ActionScanned:
				if flags.acceptScanned {
					return waitOutcome{kind: waitScanned, scannedData: msg.scannedData}
				}
				d.log.Debug().Msg("Ignoring scanned QR code at this stage")
			case ActionMatch:
				if flags.acceptMatch {
					return waitOutcome{kind: waitMatch}
				}
				if expected != nil && expected() {
					return waitOutcome{kind: waitProceed}
				}
				d.log.Debug().Msg("Ignoring SAS match at this stage")
			}
		}
	}
}

func (d *driver) sendState(state State) {
	d.send(mainMessage{kind: mainMessageState, state: state})
}

func (d *driver) send(msg mainMessage) {
	d.main <- msg
}
