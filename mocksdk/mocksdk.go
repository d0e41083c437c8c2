// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mocksdk is an in-memory implementation of the verification SDK
// boundary. It pairs simulated devices through shared flow state so that the
// full interactive handshake can run without a homeserver: SAS bytes are
// derived with the real HKDF construction and QR payloads use the real wire
// format. It backs the core's tests and the demo.
package mocksdk

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/hkdf"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/id"
	"go.mau.fi/verifyflow/verification"
)

var (
	ErrNotAcceptorSide      = errors.New("only the receiving side can accept a request")
	ErrFlowCancelled        = errors.New("the flow is already cancelled")
	ErrQRCodeFlowMismatch   = errors.New("scanned QR code belongs to a different flow")
	ErrQRCodeSecretMismatch = errors.New("scanned QR code has the wrong shared secret")
	ErrNoQRCodeShown        = errors.New("the peer is not showing a QR code")
)

// Server holds all verification flows shared between the simulated devices.
type Server struct {
	lock  sync.Mutex
	flows map[id.VerificationFlowID]*flow
}

func NewServer() *Server {
	return &Server{flows: make(map[id.VerificationFlowID]*flow)}
}

// Login creates a simulated device. The advertised methods of the device
// default to everything; restrict them with [Client.SetSupportedMethods] to
// shape which protocol branch a test exercises.
func (s *Server) Login(userID id.UserID, deviceID id.DeviceID) *Client {
	return &Client{
		server:   s,
		userID:   userID,
		deviceID: deviceID,
		methods:  verification.AllVerificationMethods,
	}
}

// SetPassive marks a flow as claimed by another device, as if a concurrent
// acceptance had won the race.
func (s *Server) SetPassive(flowID id.VerificationFlowID) {
	if f := s.getFlow(flowID); f != nil {
		f.lock.Lock()
		f.passive = true
		f.lock.Unlock()
	}
}

func (s *Server) getFlow(flowID id.VerificationFlowID) *flow {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.flows[flowID]
}

// Client is one simulated device.
type Client struct {
	server   *Server
	userID   id.UserID
	deviceID id.DeviceID
	methods  []event.VerificationMethod
}

var _ verification.Client = (*Client)(nil)

// SetSupportedMethods restricts what this device advertises to peers.
func (c *Client) SetSupportedMethods(methods []event.VerificationMethod) {
	c.methods = methods
}

func (c *Client) UserID() id.UserID {
	return c.userID
}

func (c *Client) DeviceID() id.DeviceID {
	return c.deviceID
}

func (c *Client) RequestVerificationWithMethods(ctx context.Context, userID id.UserID, methods []event.VerificationMethod) (verification.VerificationRequest, error) {
	f := &flow{
		flowID:           id.NewVerificationFlowID(),
		initiator:        c,
		targetUserID:     userID,
		initiatorMethods: intersectMethods(methods, c.methods),
		sharedSecret:     random.Bytes(32),
	}
	c.server.lock.Lock()
	c.server.flows[f.flowID] = f
	c.server.lock.Unlock()
	return &requestHandle{flow: f, initiatorSide: true}, nil
}

func (c *Client) GetVerificationRequest(ctx context.Context, userID id.UserID, flowID id.VerificationFlowID) (verification.VerificationRequest, error) {
	f := c.server.getFlow(flowID)
	if f == nil {
		return nil, verification.ErrUnknownFlow
	}
	if f.initiator == c {
		return &requestHandle{flow: f, initiatorSide: true}, nil
	}
	if f.targetUserID != c.userID {
		return nil, verification.ErrUnknownFlow
	}
	f.lock.Lock()
	if f.acceptor == nil {
		f.acceptor = c
	}
	f.lock.Unlock()
	return &requestHandle{flow: f, initiatorSide: false}, nil
}

// RequestEvent builds the to-device event that announces the given flow,
// for feeding into a routing layer the way a sync loop would.
func (c *Client) RequestEvent(flowID id.VerificationFlowID) (*event.Event, error) {
	f := c.server.getFlow(flowID)
	if f == nil {
		return nil, verification.ErrUnknownFlow
	}
	content, err := json.Marshal(&event.VerificationRequestContent{
		FromDevice: f.initiator.deviceID,
		Methods:    f.initiatorMethods,
		Timestamp:  jsontime.UnixMilliNow(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request content: %w", err)
	}
	// The content template carries no flow ID of its own, it is assigned to
	// the flow at send time.
	content, err = event.StampTransactionID(content, f.flowID)
	if err != nil {
		return nil, err
	}
	return &event.Event{
		Type:    event.ToDeviceVerificationRequest,
		Sender:  f.initiator.userID,
		Content: content,
	}, nil
}

type side int

const (
	sideInitiator side = 0
	sideAcceptor  side = 1
)

// flow is the state shared between the two halves of one verification.
type flow struct {
	flowID       id.VerificationFlowID
	initiator    *Client
	targetUserID id.UserID
	sharedSecret []byte

	lock             sync.Mutex
	acceptor         *Client
	initiatorMethods []event.VerificationMethod
	acceptorMethods  []event.VerificationMethod
	ready            bool
	passive          bool
	cancelled        bool
	cancelInfo       *verification.CancelInfo

	sas *sasState
	qr  *qrState
}

type sasState struct {
	flow      *flow
	accepted  [2]bool
	confirmed [2]bool
	sasBytes  [6]byte
}

type qrState struct {
	flow      *flow
	code      *verification.QRCode
	scanned   bool
	confirmed [2]bool
}

func (f *flow) cancelLocked(code event.CancelCode, reason string) {
	if f.cancelled {
		return
	}
	f.cancelled = true
	f.cancelInfo = &verification.CancelInfo{Code: code, Reason: reason}
}

// requestHandle is one side's view of a flow.
type requestHandle struct {
	flow          *flow
	initiatorSide bool
}

var _ verification.VerificationRequest = (*requestHandle)(nil)

func (r *requestHandle) side() side {
	if r.initiatorSide {
		return sideInitiator
	}
	return sideAcceptor
}

func (r *requestHandle) FlowID() id.VerificationFlowID {
	return r.flow.flowID
}

func (r *requestHandle) TheirUserID() id.UserID {
	if r.initiatorSide {
		return r.flow.targetUserID
	}
	return r.flow.initiator.userID
}

func (r *requestHandle) WeStarted() bool {
	return r.initiatorSide
}

func (r *requestHandle) IsReady() bool {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	return r.flow.ready
}

func (r *requestHandle) IsPassive() bool {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	return r.flow.passive
}

func (r *requestHandle) IsCancelled() bool {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	return r.flow.cancelled
}

func (r *requestHandle) CancelInfo() *verification.CancelInfo {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	return r.flow.cancelInfo
}

func (r *requestHandle) TheirSupportedMethods() []event.VerificationMethod {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.initiatorSide {
		return r.flow.acceptorMethods
	}
	return r.flow.initiatorMethods
}

func (r *requestHandle) AcceptWithMethods(ctx context.Context, methods []event.VerificationMethod) error {
	if r.initiatorSide {
		return ErrNotAcceptorSide
	}
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.flow.cancelled {
		return ErrFlowCancelled
	}
	if r.flow.acceptor != nil {
		r.flow.acceptorMethods = intersectMethods(methods, r.flow.acceptor.methods)
	} else {
		r.flow.acceptorMethods = methods
	}
	r.flow.ready = true
	return nil
}

func (r *requestHandle) GenerateQRCode(ctx context.Context) (verification.QRVerification, error) {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.flow.cancelled {
		return nil, ErrFlowCancelled
	}
	if r.flow.qr == nil {
		var key1, key2 [32]byte
		copy(key1[:], random.Bytes(32))
		copy(key2[:], random.Bytes(32))
		r.flow.qr = &qrState{
			flow: r.flow,
			code: verification.NewQRCode(verification.QRCodeModeCrossSigning, r.flow.flowID, key1, key2),
		}
	}
	return &qrHandle{qr: r.flow.qr, side: r.side()}, nil
}

func (r *requestHandle) ScanQRCode(ctx context.Context, data []byte) (verification.QRVerification, error) {
	code, err := verification.NewQRCodeFromBytes(data)
	if err != nil {
		return nil, err
	}
	if code.FlowID != r.flow.flowID {
		return nil, ErrQRCodeFlowMismatch
	}
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.flow.cancelled {
		return nil, ErrFlowCancelled
	}
	if r.flow.qr == nil {
		return nil, ErrNoQRCodeShown
	}
	if string(code.SharedSecret) != string(r.flow.qr.code.SharedSecret) {
		return nil, ErrQRCodeSecretMismatch
	}
	// The reciprocation start: the showing side now sees the scan.
	r.flow.qr.scanned = true
	return &qrHandle{qr: r.flow.qr, side: r.side()}, nil
}

func (r *requestHandle) StartSAS(ctx context.Context) (verification.SASVerification, error) {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.flow.cancelled {
		return nil, ErrFlowCancelled
	}
	if r.flow.sas == nil {
		r.flow.sas = newSASState(r.flow)
	}
	return &sasHandle{sas: r.flow.sas, side: r.side()}, nil
}

func (r *requestHandle) SASVerification() verification.SASVerification {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	if r.flow.sas == nil {
		return nil
	}
	return &sasHandle{sas: r.flow.sas, side: r.side()}
}

func (r *requestHandle) Cancel(ctx context.Context) error {
	r.flow.lock.Lock()
	defer r.flow.lock.Unlock()
	r.flow.cancelLocked(event.CancelCodeUser, "The user cancelled the verification.")
	return nil
}

// newSASState derives the shared SAS bytes with the HKDF construction from
// Section 11.12.2.2.4 of the Spec, keyed on the flow's shared secret.
func newSASState(f *flow) *sasState {
	info := "MATRIX_KEY_VERIFICATION_SAS|" + f.initiator.userID.String() + "|" +
		f.targetUserID.String() + "|" + f.flowID.String()
	reader := hkdf.New(sha256.New, f.sharedSecret, nil, []byte(info))
	s := &sasState{flow: f}
	if _, err := reader.Read(s.sasBytes[:]); err != nil {
		panic(fmt.Sprintf("HKDF read failed: %v", err))
	}
	return s
}

type sasHandle struct {
	sas  *sasState
	side side
}

var _ verification.SASVerification = (*sasHandle)(nil)

func (s *sasHandle) Accept(ctx context.Context) error {
	s.sas.flow.lock.Lock()
	defer s.sas.flow.lock.Unlock()
	if s.sas.flow.cancelled {
		return ErrFlowCancelled
	}
	s.sas.accepted[s.side] = true
	return nil
}

func (s *sasHandle) CanBePresented() bool {
	s.sas.flow.lock.Lock()
	defer s.sas.flow.lock.Unlock()
	// Keys are considered exchanged once both sides accepted.
	return s.sas.accepted[sideInitiator] && s.sas.accepted[sideAcceptor]
}

func (s *sasHandle) Emojis() ([]verification.Emoji, bool) {
	sasNum := uint64(s.sas.sasBytes[0])<<40 | uint64(s.sas.sasBytes[1])<<32 |
		uint64(s.sas.sasBytes[2])<<24 | uint64(s.sas.sasBytes[3])<<16 |
		uint64(s.sas.sasBytes[4])<<8 | uint64(s.sas.sasBytes[5])
	emojis := make([]verification.Emoji, 7)
	for i := 0; i < 7; i++ {
		// Right shift the number and then mask the lowest 6 bits.
		emojiIdx := (sasNum >> uint(48-(i+1)*6)) & 0b111111
		emojis[i] = verification.AllEmojis[emojiIdx]
	}
	return emojis, true
}

func (s *sasHandle) Decimals() ([3]uint16, bool) {
	b := s.sas.sasBytes
	return [3]uint16{
		(uint16(b[0])<<5 | uint16(b[1])>>3) + 1000,
		((uint16(b[1])&0x07)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6) + 1000,
		((uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1) + 1000,
	}, true
}

func (s *sasHandle) Confirm(ctx context.Context) error {
	s.sas.flow.lock.Lock()
	defer s.sas.flow.lock.Unlock()
	if s.sas.flow.cancelled {
		return ErrFlowCancelled
	}
	s.sas.confirmed[s.side] = true
	return nil
}

func (s *sasHandle) Mismatch(ctx context.Context) error {
	s.sas.flow.lock.Lock()
	defer s.sas.flow.lock.Unlock()
	s.sas.flow.cancelLocked(event.CancelCodeSASMismatch, "The short authentication string did not match.")
	return nil
}

func (s *sasHandle) IsDone() bool {
	s.sas.flow.lock.Lock()
	defer s.sas.flow.lock.Unlock()
	return s.sas.confirmed[sideInitiator] && s.sas.confirmed[sideAcceptor]
}

type qrHandle struct {
	qr   *qrState
	side side
}

var _ verification.QRVerification = (*qrHandle)(nil)

func (q *qrHandle) Bytes() []byte {
	return q.qr.code.Bytes()
}

func (q *qrHandle) HasBeenScanned() bool {
	q.qr.flow.lock.Lock()
	defer q.qr.flow.lock.Unlock()
	return q.qr.scanned
}

func (q *qrHandle) Confirm(ctx context.Context) error {
	q.qr.flow.lock.Lock()
	defer q.qr.flow.lock.Unlock()
	if q.qr.flow.cancelled {
		return ErrFlowCancelled
	}
	q.qr.confirmed[q.side] = true
	return nil
}

func (q *qrHandle) IsDone() bool {
	q.qr.flow.lock.Lock()
	defer q.qr.flow.lock.Unlock()
	return q.qr.scanned && q.qr.confirmed[sideInitiator] && q.qr.confirmed[sideAcceptor]
}

func intersectMethods(a, b []event.VerificationMethod) []event.VerificationMethod {
	result := make([]event.VerificationMethod, 0, len(a))
	for _, method := range a {
		for _, other := range b {
			if method == other {
				result = append(result, method)
				break
			}
		}
	}
	return result
}
