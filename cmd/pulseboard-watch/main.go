// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// pulseboard-watch is a terminal watcher for Pulseboard runs: it
// connects to the daemon's WebSocket endpoint, optionally starts a
// run in-band, and prints every envelope for the workspace until the
// run reaches a terminal state or the user interrupts it.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulseboard-watch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL string
		workspace string
		owner     string
		session   string
		startPlan string
		follow    bool
	)
	pflag.StringVar(&serverURL, "server", "ws://127.0.0.1:8080", "daemon WebSocket base URL")
	pflag.StringVar(&workspace, "workspace", "", "workspace to watch (required)")
	pflag.StringVar(&owner, "owner", "", "owner identity (defaults to a fresh random identity)")
	pflag.StringVar(&session, "session", "", "session identifier for reconnect correlation")
	pflag.StringVar(&startPlan, "start", "", "start this plan after connecting")
	pflag.BoolVar(&follow, "follow", false, "keep watching after a run finishes")
	pflag.Parse()

	if workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	workspaceID, err := ident.ParseWorkspaceID(workspace)
	if err != nil {
		return err
	}
	if owner == "" {
		// A run ID doubles as a throwaway owner identity: unique,
		// opaque, and valid under the same character rules.
		owner = ident.NewRunID().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	endpoint.Path = "/ws"
	query := endpoint.Query()
	query.Set("ownerId", owner)
	query.Set("workspaceId", workspaceID.String())
	if session != "" {
		query.Set("sessionId", session)
	}
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	defer conn.Close()

	// Tear the socket down on interrupt so the blocked read returns.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if startPlan != "" {
		request := wire.Envelope{
			Type:    wire.TypeStartRun,
			Payload: wire.Payload{Message: startPlan},
		}
		data, err := wire.Encode(request)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("requesting run: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		envelope, err := wire.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulseboard-watch: skipping envelope: %v\n", err)
			continue
		}
		printEnvelope(envelope)
		if envelope.Type.Terminal() && !follow {
			return nil
		}
	}
}

// printEnvelope renders one envelope as a single human-readable line.
func printEnvelope(envelope wire.Envelope) {
	payload := envelope.Payload
	timestamp := payload.Timestamp.Format("15:04:05.000")

	switch envelope.Type {
	case wire.TypeConnectionAck:
		fmt.Printf("%s  connected  connection=%s\n", timestamp, payload.ConnectionID)
	case wire.TypeProgress, wire.TypeProgressComplete:
		percent := 0
		if payload.Percent != nil {
			percent = *payload.Percent
		}
		fmt.Printf("%s  %3d%%  %s\n", timestamp, percent, payload.Message)
	case wire.TypeThought:
		fmt.Printf("%s  [%s] %s\n", timestamp, payload.AgentName, payload.Message)
	case wire.TypeError:
		fmt.Printf("%s  ERROR [%s] %s\n", timestamp, payload.AgentName, payload.ErrorMessage)
	case wire.TypeCancelled:
		fmt.Printf("%s  cancelled  run=%s\n", timestamp, payload.RunID)
	case wire.TypeCompleted:
		fmt.Printf("%s  completed  run=%s\n", timestamp, payload.RunID)
	default:
		fmt.Printf("%s  %s\n", timestamp, envelope.Type)
	}
}
