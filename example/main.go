// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command example runs an interactive verification between two simulated
// devices. You drive one side through readline commands, the other side is
// driven automatically so the full handshake can be watched end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/verifyflow/event"
	"go.mau.fi/verifyflow/mocksdk"
	"go.mau.fi/verifyflow/verification"
)

var configPath = flag.MakeFull("c", "config", "The path to the config file.", "").String()
var peerCaps = flag.MakeFull("p", "peer", "Capabilities of the simulated peer device (all, sas, qr-show, qr-scan).", "all").String()
var qrPath = flag.MakeFull("q", "qr-png", "Where to write the QR code image when one is shown.", "qrcode.png").String()
var wantHelp, _ = flag.MakeHelpFlag()

type config struct {
	Logging  zeroconfig.Config `yaml:"logging"`
	Creation time.Duration     `yaml:"creation_timeout"`
	Receive  time.Duration     `yaml:"receive_timeout"`
}

func loadConfig() *config {
	cfg := &config{
		Logging: zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.DebugLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStderr,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
	}
	if *configPath != "" {
		exerrors.PanicIfNotNil(yaml.Unmarshal(exerrors.Must(os.ReadFile(*configPath)), cfg))
	}
	return cfg
}

func peerMethods() []event.VerificationMethod {
	switch *peerCaps {
	case "all":
		return verification.AllVerificationMethods
	case "sas":
		return []event.VerificationMethod{event.VerificationMethodSAS}
	case "qr-show":
		return []event.VerificationMethod{event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate}
	case "qr-scan":
		return []event.VerificationMethod{event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate}
	default:
		_, _ = fmt.Fprintln(os.Stderr, "Unknown peer capability set", *peerCaps)
		os.Exit(2)
		return nil
	}
}

func main() {
	flag.SetHelpTitles("example - interactive demo of the verification flow", "example [-c config.yaml] [-p all|sas|qr-show|qr-scan]")
	if err := flag.Parse(); err != nil {
		flag.PrintHelp()
		os.Exit(2)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}
	cfg := loadConfig()
	log := exerrors.Must(cfg.Logging.Compile())

	rl := exerrors.Must(readline.New("verify> "))
	defer rl.Close()
	stdout := rl.Stdout()

	server := mocksdk.NewServer()
	ours := server.Login("@you:example.org", "LOCAL")
	peerDevice := server.Login("@you:example.org", "PEER")
	peerDevice.SetSupportedMethods(peerMethods())

	ctx := context.Background()
	verifyCfg := verification.Config{CreationTimeout: cfg.Creation, ReceiveTimeout: cfg.Receive}
	local := verification.StartVerification(ctx, ours, "@you:example.org", verifyCfg, *log)
	defer local.Close()
	now := time.Now()
	peer := verification.WrapFlow(ctx, peerDevice, "@you:example.org", local.FlowID(), now, now, verifyCfg, *log)
	defer peer.Close()

	local.OnChange(func(change verification.Change) {
		switch change {
		case verification.ChangeState:
			_, _ = fmt.Fprintln(stdout, "State:", local.State())
		case verification.ChangeSASData:
			printSAS(stdout, local.SASData())
		case verification.ChangeQRCode:
			png := exerrors.Must(verification.RenderQRCodePNG(local.QRCode(), 256))
			exerrors.PanicIfNotNil(os.WriteFile(*qrPath, png, 0o644))
			_, _ = fmt.Fprintln(stdout, "QR code written to", *qrPath)
		case verification.ChangeCancelInfo:
			_, _ = fmt.Fprintln(stdout, "Cancelled:", local.CancelInfo().Reason)
		}
	})
	local.OnError(func(message string) {
		_, _ = fmt.Fprintln(stdout, "Error:", message)
	})

	var group errgroup.Group
	group.Go(func() error {
		return autoDrivePeer(local, peer)
	})

	go func() {
		// Unblocks the prompt once the flow concludes on its own.
		<-local.Done()
		rl.Close()
	}()

	_, _ = fmt.Fprintln(stdout, "Verifying this device against the simulated peer.")
	_, _ = fmt.Fprintln(stdout, "Commands: match, nomatch, scan, sas, cancel, quit")
	for !local.IsFinished() {
		line, err := rl.Readline()
		if err != nil { // io.EOF
			break
		}
		switch strings.TrimSpace(line) {
		case "match":
			local.EmojiMatch()
		case "nomatch":
			local.EmojiNotMatch()
		case "scan":
			// Simulates pointing the camera at the code the peer is showing.
			if payload := peer.QRCode(); payload != nil {
				local.ScannedQRCode(payload)
			} else {
				_, _ = fmt.Fprintln(stdout, "The peer is not showing a QR code")
			}
		case "sas":
			local.StartSAS()
		case "cancel":
			local.Cancel(false)
		case "quit":
			local.Close()
		case "":
		default:
			_, _ = fmt.Fprintln(stdout, "Unknown command", line)
		}
	}
	<-local.Done()
	exerrors.PanicIfNotNil(group.Wait())
	_, _ = fmt.Fprintln(stdout, "Final state:", local.State())
}

func printSAS(out io.Writer, sasData *verification.SASData) {
	if sasData == nil {
		return
	}
	if sasData.IsEmoji() {
		var symbols, names []string
		for _, emoji := range sasData.Emojis {
			symbols = append(symbols, emoji.Symbol)
			names = append(names, emoji.Description)
		}
		_, _ = fmt.Fprintln(out, "Compare:", strings.Join(symbols, " "), "("+strings.Join(names, ", ")+")")
	} else {
		_, _ = fmt.Fprintln(out, "Compare:", sasData.Decimals[0], sasData.Decimals[1], sasData.Decimals[2])
	}
}

// autoDrivePeer plays the other device: it accepts the request, confirms the
// emoji and scans any code we show.
func autoDrivePeer(local, peer *verification.IdentityVerification) error {
	for {
		select {
		case <-peer.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
		switch peer.State() {
		case verification.StateRequested:
			peer.Accept()
		case verification.StateSASV1:
			peer.EmojiMatch()
		case verification.StateQRV1Scan:
			if payload := local.QRCode(); payload != nil {
				peer.ScannedQRCode(payload)
			}
		}
	}
}
