// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
	"go.mau.fi/verifyflow/mocksdk"
	"go.mau.fi/verifyflow/verification"
)

var (
	aliceUserID       = id.UserID("@alice:example.org")
	bobUserID         = id.UserID("@bob:example.org")
	sendingDeviceID   = id.DeviceID("sending")
	receivingDeviceID = id.DeviceID("receiving")
)

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.TraceLevel)
	zerolog.DefaultContextLogger = &log.Logger
}

func testConfig() verification.Config {
	return verification.Config{PollInterval: 5 * time.Millisecond}
}

// initPair starts a verification from alice's device to bob's device and
// attaches both sides to it. Restricting the advertised methods of either
// device shapes which protocol branch the flow takes.
func initPair(t *testing.T, sendingMethods, receivingMethods []event.VerificationMethod) (*mocksdk.Server, *verification.IdentityVerification, *verification.IdentityVerification) {
	t.Helper()
	ctx := context.Background()
	server := mocksdk.NewServer()
	sender := server.Login(aliceUserID, sendingDeviceID)
	receiver := server.Login(bobUserID, receivingDeviceID)
	if sendingMethods != nil {
		sender.SetSupportedMethods(sendingMethods)
	}
	if receivingMethods != nil {
		receiver.SetSupportedMethods(receivingMethods)
	}

	sending := verification.StartVerification(ctx, sender, bobUserID, testConfig(), log.Logger)
	require.Equal(t, verification.StateRequestSend, sending.State())
	require.NotEmpty(t, sending.FlowID())

	now := time.Now()
	receiving := verification.WrapFlow(ctx, receiver, aliceUserID, sending.FlowID(), now, now, testConfig(), log.Logger)
	require.Equal(t, verification.StateRequested, receiving.State())

	t.Cleanup(func() {
		sending.Close()
		receiving.Close()
	})
	return server, sending, receiving
}

func waitForState(t *testing.T, v *verification.IdentityVerification, state verification.State) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return v.State() == state
	}, 3*time.Second, 5*time.Millisecond, "timed out waiting for state %s", state)
}

// completeSAS accepts the request and drives both sides through a matching
// emoji comparison to completion.
func completeSAS(t *testing.T, sending, receiving *verification.IdentityVerification) {
	t.Helper()
	receiving.Accept()
	waitForState(t, sending, verification.StateSASV1)
	waitForState(t, receiving, verification.StateSASV1)
	sending.EmojiMatch()
	receiving.EmojiMatch()
	waitForState(t, sending, verification.StateCompleted)
	waitForState(t, receiving, verification.StateCompleted)
}

// changeRecorder collects every observer notification of a flow together with
// the state it was in when the notification fired.
type changeRecorder struct {
	lock    sync.Mutex
	changes []verification.Change
	states  []verification.State
}

func recordChanges(v *verification.IdentityVerification) *changeRecorder {
	rec := &changeRecorder{}
	v.OnChange(func(change verification.Change) {
		rec.lock.Lock()
		defer rec.lock.Unlock()
		rec.changes = append(rec.changes, change)
		if change == verification.ChangeState {
			rec.states = append(rec.states, v.State())
		}
	})
	return rec
}

func (rec *changeRecorder) sawChange(change verification.Change) bool {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	for _, c := range rec.changes {
		if c == change {
			return true
		}
	}
	return false
}

func (rec *changeRecorder) sawState(state verification.State) bool {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	for _, s := range rec.states {
		if s == state {
			return true
		}
	}
	return false
}

var sasOnly = []event.VerificationMethod{event.VerificationMethodSAS}

func TestSASVerification(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)
	rec := recordChanges(sending)

	receiving.Accept()
	waitForState(t, sending, verification.StateSASV1)
	waitForState(t, receiving, verification.StateSASV1)

	assert.Equal(t, verification.MethodSAS, sending.SupportedMethods())
	assert.Equal(t, verification.MethodSAS, receiving.SupportedMethods())

	sendingSAS := sending.SASData()
	receivingSAS := receiving.SASData()
	require.NotNil(t, sendingSAS)
	require.NotNil(t, receivingSAS)
	assert.True(t, sendingSAS.IsEmoji())
	assert.Len(t, sendingSAS.Emojis, 7)
	assert.Equal(t, sendingSAS.Emojis, receivingSAS.Emojis)

	sending.EmojiMatch()
	receiving.EmojiMatch()
	waitForState(t, sending, verification.StateCompleted)
	waitForState(t, receiving, verification.StateCompleted)

	select {
	case <-sending.Done():
	case <-time.After(time.Second):
		t.Fatal("sending side never concluded")
	}
	assert.True(t, rec.sawChange(verification.ChangeSupportedMethods))
	assert.True(t, rec.sawChange(verification.ChangeSASData))
	assert.True(t, rec.sawState(verification.StateSASV1))
	assert.Nil(t, sending.CancelInfo())
}

func TestSASVerification_Mismatch(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)
	sendingErrors := make(chan string, 1)
	sending.OnError(func(message string) {
		sendingErrors <- message
	})

	receiving.Accept()
	waitForState(t, sending, verification.StateSASV1)
	waitForState(t, receiving, verification.StateSASV1)

	receiving.EmojiNotMatch()
	waitForState(t, receiving, verification.StateCancelled)
	waitForState(t, sending, verification.StateCancelled)

	require.NotNil(t, sending.CancelInfo())
	assert.Equal(t, event.CancelCodeSASMismatch, sending.CancelInfo().Code)
	select {
	case message := <-sendingErrors:
		assert.Equal(t, "The emoji did not match. The verification was cancelled for safety reasons.", message)
	case <-time.After(time.Second):
		t.Fatal("no error was surfaced on the sending side")
	}
}

func TestSASVerification_PrematureMatchIgnored(t *testing.T) {
	_, sending, receiving := initPair(t, sasOnly, sasOnly)

	// A match clicked before the emoji are even shown must not confirm the
	// comparison later on.
	receiving.EmojiMatch()
	receiving.Accept()
	waitForState(t, sending, verification.StateSASV1)
	waitForState(t, receiving, verification.StateSASV1)

	sending.EmojiMatch()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, verification.StateSASV1, receiving.State())
	assert.Equal(t, verification.StateSASV1, sending.State())

	receiving.EmojiMatch()
	waitForState(t, sending, verification.StateCompleted)
	waitForState(t, receiving, verification.StateCompleted)
}

func TestQRVerification(t *testing.T) {
	_, sending, receiving := initPair(t,
		[]event.VerificationMethod{event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate},
		[]event.VerificationMethod{event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate})

	receiving.Accept()
	waitForState(t, sending, verification.StateQRV1Show)
	waitForState(t, receiving, verification.StateQRV1Scan)

	payload := sending.QRCode()
	require.NotNil(t, payload)
	code, err := verification.NewQRCodeFromBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, sending.FlowID(), code.FlowID)

	receiving.ScannedQRCode(payload)
	waitForState(t, sending, verification.StateCompleted)
	waitForState(t, receiving, verification.StateCompleted)
}

func TestQRVerification_ShowPreferredOverSAS(t *testing.T) {
	_, sending, receiving := initPair(t,
		[]event.VerificationMethod{event.VerificationMethodSAS, event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate},
		[]event.VerificationMethod{event.VerificationMethodSAS, event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate})
	rec := recordChanges(sending)

	receiving.Accept()
	waitForState(t, sending, verification.StateQRV1Show)

	assert.True(t, sending.SupportedMethods().Has(verification.MethodSAS))
	assert.True(t, sending.SupportedMethods().Has(verification.MethodQRShow))
	assert.False(t, rec.sawState(verification.StateSASV1))
}

func TestQRVerification_SASShortCircuit(t *testing.T) {
	_, sending, receiving := initPair(t,
		[]event.VerificationMethod{event.VerificationMethodSAS, event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate},
		[]event.VerificationMethod{event.VerificationMethodSAS, event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate})
	rec := recordChanges(sending)

	receiving.Accept()
	waitForState(t, sending, verification.StateQRV1Show)
	waitForState(t, receiving, verification.StateQRV1Scan)

	// The receiving user gives up on scanning and falls back to emoji. The
	// sending side must follow without any local input.
	receiving.StartSAS()
	waitForState(t, sending, verification.StateSASV1)
	waitForState(t, receiving, verification.StateSASV1)
	assert.True(t, rec.sawState(verification.StateQRV1Show))

	sending.EmojiMatch()
	receiving.EmojiMatch()
	waitForState(t, sending, verification.StateCompleted)
	waitForState(t, receiving, verification.StateCompleted)
}
