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
	"golang.org/x/exp/maps"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
)

// VerificationList routes incoming device-to-device verification events to
// the flows they belong to and tracks all live flows of a session.
type VerificationList struct {
	client Client
	cfg    Config
	log    zerolog.Logger

	lock   sync.Mutex
	active map[id.VerificationFlowID]*IdentityVerification

	requestObservers emitter[*IdentityVerification]
}

func NewVerificationList(client Client, cfg Config, log zerolog.Logger) *VerificationList {
	return &VerificationList{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "verification list").Logger(),
		active: make(map[id.VerificationFlowID]*IdentityVerification),
	}
}

// OnRequest registers an observer called whenever an incoming verification
// request produces a new flow.
func (l *VerificationList) OnRequest(fn func(*IdentityVerification)) (remove func()) {
	return l.requestObservers.add(fn)
}

// Get returns the flow with the given ID, or nil.
func (l *VerificationList) Get(flowID id.VerificationFlowID) *IdentityVerification {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.active[flowID]
}

// All returns every tracked flow in no particular order.
func (l *VerificationList) All() []*IdentityVerification {
	l.lock.Lock()
	defer l.lock.Unlock()
	return maps.Values(l.active)
}

// Remove forgets the flow with the given ID. It does not cancel it.
func (l *VerificationList) Remove(flowID id.VerificationFlowID) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.active, flowID)
}

// StartVerification requests verification of the target identity and tracks
// the resulting flow.
func (l *VerificationList) StartVerification(ctx context.Context, target id.UserID) *IdentityVerification {
	v := StartVerification(ctx, l.client, target, l.cfg, l.log)
	if v.FlowID() != "" {
		l.lock.Lock()
		l.active[v.FlowID()] = v
		l.lock.Unlock()
	}
	return v
}

// ReceiveToDeviceEvents delivers a batch of incoming device-to-device
// events. Verification requests produce new flows; every other verification
// event becomes a NotifyState poke so the waiting driver re-checks the SDK
// handle it already owns.
func (l *VerificationList) ReceiveToDeviceEvents(ctx context.Context, events []*event.Event) {
	for _, evt := range events {
		if !evt.Type.IsVerification() {
			continue
		}
		flowID, err := evt.TransactionID()
		if err != nil {
			l.log.Warn().Str("type", string(evt.Type)).Msg("Ignoring verification event without a transaction ID")
			continue
		}
		log := l.log.With().
			Stringer("flow_id", flowID).
			Stringer("sender", evt.Sender).
			Str("type", string(evt.Type)).
			Logger()

		if evt.Type == event.ToDeviceVerificationRequest {
			l.onRequest(ctx, log, evt, flowID)
			continue
		}

		l.lock.Lock()
		v := l.active[flowID]
		l.lock.Unlock()
		if v == nil {
			log.Debug().Msg("Ignoring verification event for unknown flow")
			continue
		}
		v.NotifyState()
	}
}

func (l *VerificationList) onRequest(ctx context.Context, log zerolog.Logger, evt *event.Event, flowID id.VerificationFlowID) {
	if evt.FromDevice() == l.client.DeviceID() {
		log.Warn().Msg("Ignoring verification request from our own device")
		return
	}
	l.lock.Lock()
	_, alreadyKnown := l.active[flowID]
	l.lock.Unlock()
	if alreadyKnown {
		log.Debug().Msg("Ignoring verification request for already active flow")
		return
	}

	startTime := evt.Timestamp().Time
	if startTime.IsZero() {
		startTime = time.Now()
	}
	log.Info().Msg("Received verification request")
	v := WrapFlow(ctx, l.client, evt.Sender, flowID, startTime, time.Now(), l.cfg, l.log)
	l.lock.Lock()
	l.active[flowID] = v
	l.lock.Unlock()
	l.requestObservers.fire(v)
}
