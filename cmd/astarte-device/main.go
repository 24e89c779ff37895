// Command astarte-device is a minimal standalone device process: it
// pairs, connects, republishes its introspection, and then idles,
// logging every inbound publish. It exists as a runnable demonstration
// of the library surface (device.New/Connect/Poll), not as a test
// harness — compare cmd/e2e-runner, which scripts a verified command
// stream instead of idling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/device"
	"github.com/astarte-platform/astarte-device-go/internal/cmdutil"
	"github.com/astarte-platform/astarte-device-go/internal/loopbackconn"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/pairing"
	"github.com/astarte-platform/astarte-device-go/session"
	"github.com/astarte-platform/astarte-device-go/value"
)

func main() {
	realm := flag.String("realm", "", "Astarte realm name")
	deviceID := flag.String("device-id", "", "device ID")
	pairingURL := flag.String("pairing-url", "", "pairing API base URL")
	credentialSecret := flag.String("credential-secret", "", "pre-issued credentials_secret, skips registration")
	interfacesDir := flag.String("interfaces-dir", "", "directory of interface JSON files")
	persistDir := flag.String("persist-dir", "", "directory for persisted introspection/credentials cache (optional)")
	insecureTLS := flag.Bool("insecure-tls", false, "disable TLS verification against the broker")
	securityTag := flag.String("security-tag", "", "TLS credential slot tag (defaults to config.Default's)")
	debugLog := flag.String("debug-log", "astarte-device.debug.log", "path to the full-detail JSON debug log")
	flag.Parse()

	if *realm == "" || *deviceID == "" || *pairingURL == "" || *interfacesDir == "" {
		fmt.Fprintln(os.Stderr, "usage: astarte-device -realm R -device-id D -pairing-url U -interfaces-dir DIR [options]")
		os.Exit(1)
	}

	logger, logFile := cmdutil.SetupLogging(*debugLog)
	defer func() { _ = logFile.Close() }()

	intro, err := introspection.LoadDir(*interfacesDir)
	if err != nil {
		logger.Error("load interfaces", "error", err)
		os.Exit(1)
	}

	var cache *session.Cache
	if *persistDir != "" {
		cache, err = session.NewCache(*persistDir, *deviceID)
		if err != nil {
			logger.Error("build cache", "error", err)
			os.Exit(1)
		}
	}

	var opts []config.Option
	if *securityTag != "" {
		opts = append(opts, config.WithSecurityTag(*securityTag))
	}
	if *credentialSecret != "" {
		opts = append(opts, config.WithCredentialSecret(*credentialSecret))
	}
	if *insecureTLS {
		opts = append(opts, config.WithInsecureTLS())
	}
	if *persistDir != "" {
		opts = append(opts, config.WithPersistDir(*persistDir))
	}
	cfg := config.New(*realm, *deviceID, *pairingURL, opts...)

	pairingClient := pairing.NewHTTPPairing(*pairingURL, *realm, *deviceID)
	conn := loopbackconn.New()

	dev := device.New(cfg, conn, pairingClient, intro, cache, logger, device.Callbacks{
		OnConnect: func(sessionPresent bool) {
			logger.Info("connected", "session_present", sessionPresent)
		},
		OnDisconnect: func() {
			logger.Info("disconnected")
		},
		OnData: func(ifaceName, path string, v value.Value, ts *int64) {
			logger.Info("data received", "interface", ifaceName, "path", path, "mt", v.MT())
		},
		OnObject: func(ifaceName, path string, entries []value.ObjectEntry, ts *int64) {
			logger.Info("object received", "interface", ifaceName, "path", path, "fields", len(entries))
		},
		OnUnset: func(ifaceName, path string) {
			logger.Info("property unset", "interface", ifaceName, "path", path)
		},
	})

	if err := dev.Connect(context.Background()); err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pollTimeoutMs := int(cfg.PollTimeout / time.Millisecond)
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			if err := dev.Disconnect(); err != nil {
				logger.Warn("disconnect", "error", err)
			}
			for i := 0; i < 5; i++ {
				_ = dev.Poll(pollTimeoutMs)
			}
			return
		default:
			if err := dev.Poll(pollTimeoutMs); err != nil {
				logger.Debug("poll", "error", err)
			}
		}
	}
}
