// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
	"go.mau.fi/verifyflow/mocksdk"
	"go.mau.fi/verifyflow/verification"
)

// failingClient simulates a device with no working connection.
type failingClient struct{}

var _ verification.Client = failingClient{}

func (failingClient) UserID() id.UserID {
	return aliceUserID
}

func (failingClient) DeviceID() id.DeviceID {
	return sendingDeviceID
}

func (failingClient) RequestVerificationWithMethods(ctx context.Context, userID id.UserID, methods []event.VerificationMethod) (verification.VerificationRequest, error) {
	return nil, errors.New("no connection")
}

func (failingClient) GetVerificationRequest(ctx context.Context, userID id.UserID, flowID id.VerificationFlowID) (verification.VerificationRequest, error) {
	return nil, verification.ErrUnknownFlow
}

func TestStartVerification_TransportError(t *testing.T) {
	v := verification.StartVerification(context.Background(), failingClient{}, bobUserID, testConfig(), log.Logger)
	assert.Equal(t, verification.StateError, v.State())
	assert.True(t, v.IsFinished())
	select {
	case <-v.Done():
	default:
		t.Fatal("a failed verification must conclude immediately")
	}

	// Commands on a dead flow must be harmless no-ops.
	v.Accept()
	v.EmojiMatch()
	v.Cancel(false)
	v.Close()
	assert.Equal(t, verification.StateError, v.State())
}

func TestWrapFlow_UnknownFlow(t *testing.T) {
	now := time.Now()
	v := verification.WrapFlow(context.Background(), failingClient{}, bobUserID, "no-such-flow", now, now, testConfig(), log.Logger)
	assert.Equal(t, verification.StateError, v.State())
	assert.True(t, v.IsFinished())
}

func TestTimeout(t *testing.T) {
	server := mocksdk.NewServer()
	sender := server.Login(aliceUserID, sendingDeviceID)
	cfg := testConfig()
	cfg.CreationTimeout = 60 * time.Millisecond
	cfg.ReceiveTimeout = 30 * time.Millisecond

	v := verification.StartVerification(context.Background(), sender, bobUserID, cfg, log.Logger)
	t.Cleanup(v.Close)
	errorMessages := make(chan string, 1)
	v.OnError(func(message string) {
		errorMessages <- message
	})

	// Nobody ever accepts, so the more generous of the two budgets expires.
	waitForState(t, v, verification.StateCancelled)
	require.NotNil(t, v.CancelInfo())
	assert.Equal(t, event.CancelCodeTimeout, v.CancelInfo().Code)
	select {
	case message := <-errorMessages:
		assert.Equal(t, "The verification reached a timeout.", message)
	case <-time.After(time.Second):
		t.Fatal("no error was surfaced for the timeout")
	}
}

func TestTimeoutAfterCompletionIgnored(t *testing.T) {
	ctx := context.Background()
	server := mocksdk.NewServer()
	sender := server.Login(aliceUserID, sendingDeviceID)
	receiver := server.Login(bobUserID, receivingDeviceID)
	sender.SetSupportedMethods(sasOnly)
	receiver.SetSupportedMethods(sasOnly)
	cfg := testConfig()
	cfg.CreationTimeout = 500 * time.Millisecond
	cfg.ReceiveTimeout = 500 * time.Millisecond

	sending := verification.StartVerification(ctx, sender, bobUserID, cfg, log.Logger)
	t.Cleanup(sending.Close)
	now := time.Now()
	receiving := verification.WrapFlow(ctx, receiver, aliceUserID, sending.FlowID(), now, now, cfg, log.Logger)
	t.Cleanup(receiving.Close)
	var cancelInfoChanges atomic.Int32
	sending.OnChange(func(change verification.Change) {
		if change == verification.ChangeCancelInfo {
			cancelInfoChanges.Add(1)
		}
	})
	var errorCount atomic.Int32
	sending.OnError(func(string) {
		errorCount.Add(1)
	})

	completeSAS(t, sending, receiving)

	// Outlive the deadline: a flow that already completed must not pick up a
	// timeout explanation after the fact.
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, verification.StateCompleted, sending.State())
	assert.Nil(t, sending.CancelInfo())
	assert.Zero(t, cancelInfoChanges.Load())
	assert.Zero(t, errorCount.Load())
}

func TestStaleRequestCancelledSilently(t *testing.T) {
	server := mocksdk.NewServer()
	sender := server.Login(aliceUserID, sendingDeviceID)
	receiver := server.Login(bobUserID, receivingDeviceID)
	fresh := verification.StartVerification(context.Background(), sender, bobUserID, testConfig(), log.Logger)
	t.Cleanup(fresh.Close)

	// Attach to the flow as if it had been sitting in an unread sync batch
	// for an hour. Both budgets are long gone.
	past := time.Now().Add(-time.Hour)
	var errorCount atomic.Int32
	stale := verification.WrapFlow(context.Background(), receiver, aliceUserID, fresh.FlowID(), past, past, testConfig(), log.Logger)
	t.Cleanup(stale.Close)
	stale.OnError(func(string) {
		errorCount.Add(1)
	})

	waitForState(t, stale, verification.StateCancelled)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, errorCount.Load(), "an expired request must not bother the user")
}

func TestDismiss(t *testing.T) {
	_, _, receiving := initPair(t, sasOnly, sasOnly)
	var errorCount atomic.Int32
	receiving.OnError(func(string) {
		errorCount.Add(1)
	})

	receiving.Dismiss()
	// Dismissal is the one synchronous transition: the UI removes the flow
	// right away, no matter what the driver is doing.
	assert.Equal(t, verification.StateDismissed, receiving.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, verification.StateDismissed, receiving.State())
	assert.Zero(t, errorCount.Load())
}

func TestCancelIdempotent(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)
	var errorCount atomic.Int32
	errorMessages := make(chan string, 2)
	sending.OnError(func(message string) {
		errorCount.Add(1)
		errorMessages <- message
	})

	sending.Cancel(false)
	sending.Cancel(false)
	waitForState(t, sending, verification.StateCancelled)
	waitForState(t, receiving, verification.StateCancelled)

	require.NotNil(t, sending.CancelInfo())
	assert.Equal(t, event.CancelCodeUser, sending.CancelInfo().Code)
	select {
	case message := <-errorMessages:
		assert.Equal(t, "The verification was cancelled.", message)
	case <-time.After(time.Second):
		t.Fatal("no error was surfaced for the cancellation")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), errorCount.Load(), "the error surface is one-shot")
}

func TestCancelHidden(t *testing.T) {
	_, sending, _ := initPair(t, sasOnly, sasOnly)
	var errorCount atomic.Int32
	sending.OnError(func(string) {
		errorCount.Add(1)
	})

	sending.Cancel(true)
	sending.Cancel(true)
	waitForState(t, sending, verification.StateCancelled)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, errorCount.Load())
}

func TestCommandsAfterConclusionIgnored(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)
	completeSAS(t, sending, receiving)
	var errorCount atomic.Int32
	sending.OnError(func(string) {
		errorCount.Add(1)
	})

	sending.Accept()
	sending.StartSAS()
	sending.EmojiMatch()
	sending.EmojiNotMatch()
	sending.ScannedQRCode([]byte("MATRIX"))
	sending.NotifyState()
	sending.Cancel(false)
	sending.Dismiss()

	// Dismiss is the deliberate exception: it closes the completed flow.
	assert.Equal(t, verification.StateDismissed, sending.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, verification.StateDismissed, sending.State())
	assert.Zero(t, errorCount.Load())
	assert.Equal(t, verification.StateCompleted, receiving.State())
}

func TestPassive(t *testing.T) {
	server, sending, receiving := initPair(t, sasOnly, sasOnly)
	var errorCount atomic.Int32
	receiving.OnError(func(string) {
		errorCount.Add(1)
	})

	server.SetPassive(sending.FlowID())
	waitForState(t, sending, verification.StatePassive)
	waitForState(t, receiving, verification.StatePassive)

	select {
	case <-receiving.Done():
	case <-time.After(time.Second):
		t.Fatal("a passive flow must still conclude")
	}
	assert.Zero(t, errorCount.Load())
}

func TestMode(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)
	assert.Equal(t, verification.ModeUser, sending.Mode())
	assert.Equal(t, verification.ModeUser, receiving.Mode())

	server := mocksdk.NewServer()
	dev1 := server.Login(aliceUserID, sendingDeviceID)
	dev2 := server.Login(aliceUserID, receivingDeviceID)
	selfSending := verification.StartVerification(context.Background(), dev1, aliceUserID, testConfig(), log.Logger)
	t.Cleanup(selfSending.Close)
	now := time.Now()
	selfReceiving := verification.WrapFlow(context.Background(), dev2, aliceUserID, selfSending.FlowID(), now, now, testConfig(), log.Logger)
	t.Cleanup(selfReceiving.Close)

	assert.Equal(t, verification.ModeOtherSession, selfSending.Mode())
	assert.Equal(t, verification.ModeCurrentSession, selfReceiving.Mode())
}
