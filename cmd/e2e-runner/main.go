// Command e2e-runner drives one astarte-device-go Device against a
// scripted command stream read from stdin and reports whether every
// inbound delivery matched its declared expectation (spec.md §4.7).
//
// Flat sequential setup followed by one loop, the same shape as the
// teacher's cmd/tor-client/main.go: parse flags, build the stack,
// loop until EOF or a disconnect command, report exit status.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/device"
	"github.com/astarte-platform/astarte-device-go/e2e"
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
	debugLog := flag.String("debug-log", "e2e-runner.debug.log", "path to the full-detail JSON debug log")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "time to wait for the device to reach Connected before accepting commands")
	flag.Parse()

	if *realm == "" || *deviceID == "" || *pairingURL == "" || *interfacesDir == "" {
		fmt.Fprintln(os.Stderr, "usage: e2e-runner -realm R -device-id D -pairing-url U -interfaces-dir DIR [options] < commands")
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

	// connectedCh closes exactly once, the moment the device first
	// reports Connected; the shell is bypassed until then (spec.md §6:
	// "The shell is bypassed at startup by installing a halt callback
	// until the device reports Connected").
	connectedCh := make(chan struct{})
	var once sync.Once

	// h is forward-declared and captured by the Callbacks closures
	// below, resolving the construction cycle: the harness needs a
	// Sender (the Device) and the Device's Callbacks need to forward
	// deliveries to the harness.
	var h *e2e.Harness
	dev := device.New(cfg, conn, pairingClient, intro, cache, logger, device.Callbacks{
		OnConnect: func(sessionPresent bool) {
			once.Do(func() { close(connectedCh) })
			logger.Info("device connected", "session_present", sessionPresent)
		},
		OnDisconnect: func() {
			logger.Info("device disconnected")
		},
		OnData: func(ifaceName, path string, v value.Value, ts *int64) {
			if h != nil {
				h.OnData(ifaceName, path, v, ts)
			}
		},
		OnObject: func(ifaceName, path string, entries []value.ObjectEntry, ts *int64) {
			if h != nil {
				h.OnObject(ifaceName, path, entries, ts)
			}
		},
		OnUnset: func(ifaceName, path string) {
			if h != nil {
				h.OnUnset(ifaceName, path)
			}
		},
	})
	h = e2e.New(intro, dev, logger)

	if err := dev.Connect(context.Background()); err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	pollTimeoutMs := int(cfg.PollTimeout / time.Millisecond)
	deadline := time.Now().Add(*connectTimeout)
	failed := false

loop:
	for {
		if err := dev.Poll(pollTimeoutMs); err != nil {
			logger.Debug("poll", "error", err)
		}

		select {
		case <-connectedCh:
		default:
			if time.Now().After(deadline) {
				logger.Error("device did not reach Connected before connect-timeout")
				os.Exit(1)
			}
			continue loop
		}

		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if line == "" {
				continue loop
			}
			if err := h.Execute(line); err != nil {
				logger.Error("command failed", "line", line, "error", err)
				failed = true
			}
			if line == "disconnect" {
				break loop
			}
		default:
		}
	}

	// Drain a few more ticks so a final disconnect/ack can land before
	// reporting status (spec.md §5: disconnect "requests graceful
	// transport disconnect and then reports Disconnected").
	for i := 0; i < 5; i++ {
		_ = dev.Poll(pollTimeoutMs)
	}

	if failures := h.Failures(); len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintln(os.Stderr, f)
		}
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}
