// Command peersig is an interactive signaling client. It signs in to a
// rendezvous server, then either answers incoming calls or, with --call,
// rings a named peer and chats over a WebRTC data channel.
//
// Interactive commands on stdin:
//
//	/peers        list signed-in peers
//	/call <id>    call a peer by id
//	/hangup       end the current call
//	/quit         sign out and exit
//	<anything>    send a chat line over the open data channel
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mintwire/peersig/internal/conductor"
	"github.com/mintwire/peersig/internal/config"
	"github.com/mintwire/peersig/internal/sigclient"
)

const signOutTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peersig",
		"server", cfg.Server,
		"port", cfg.Port,
		"name", cfg.Name,
		"call", cfg.CallPeer,
	)

	// The conductor's hooks close over the conductor and client, which are
	// constructed afterwards; both exist before Connect fires any hook.
	var (
		cond *conductor.Conductor
		cli  *sigclient.Client
	)
	signedOut := make(chan struct{}, 1)

	autoCall := func(id int) {
		if cond.CurrentPeer() != -1 {
			return
		}
		if err := cond.CallPeer(id); err != nil {
			logger.Error("call failed", "peer", id, "err", err)
		}
	}

	cond = conductor.New(conductor.Config{
		Logger: logger,
		WebRTC: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{cfg.STUNURL}}},
		},
		OnSignedIn: func() {
			if cfg.CallPeer == "" {
				return
			}
			for _, p := range cli.Peers() {
				if p.Name == cfg.CallPeer {
					autoCall(p.ID)
					return
				}
			}
			logger.Info("waiting for call target to sign in", "name", cfg.CallPeer)
		},
		OnSignedOut: func() {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		},
		OnPeerJoined: func(id int, name string) {
			fmt.Printf("* %s (%d) signed in\n", name, id)
			if cfg.CallPeer != "" && name == cfg.CallPeer {
				autoCall(id)
			}
		},
		OnPeerLeft: func(id int) {
			fmt.Printf("* peer %d left\n", id)
		},
		OnChannelOpen: func(peerID int) {
			fmt.Printf("* call with peer %d connected\n", peerID)
		},
		OnChannelMessage: func(peerID int, data []byte) {
			fmt.Printf("<%d> %s\n", peerID, data)
		},
		OnChannelClose: func(peerID int) {
			fmt.Printf("* call with peer %d ended\n", peerID)
		},
	})
	cli = sigclient.New(cond,
		sigclient.WithLogger(logger),
		sigclient.WithRetryDelay(cfg.RetryDelay),
	)
	cond.Attach(cli)

	if err := cli.Connect(cfg.Server, cfg.Port, cfg.Name); err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(logger, cond, cli, line); quit {
				break loop
			}
		}
	}

	shutdown(logger, cond, cli, signedOut)
}

func handleLine(logger *slog.Logger, cond *conductor.Conductor, cli *sigclient.Client, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/peers":
		for _, p := range cli.Peers() {
			fmt.Printf("  %d  %s\n", p.ID, p.Name)
		}
	case line == "/hangup":
		if err := cond.HangUp(); err != nil {
			logger.Error("hangup failed", "err", err)
		}
	case strings.HasPrefix(line, "/call "):
		id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/call ")))
		if err != nil {
			fmt.Println("usage: /call <peer id>")
			return false
		}
		if err := cond.CallPeer(id); err != nil {
			logger.Error("call failed", "peer", id, "err", err)
		}
	default:
		if err := cond.Send(line); err != nil {
			fmt.Println("* no call in progress; use /call <peer id>")
		}
	}
	return false
}

func shutdown(logger *slog.Logger, cond *conductor.Conductor, cli *sigclient.Client, signedOut chan struct{}) {
	wasSignedIn := cli.IsConnected()
	if err := cond.HangUp(); err != nil {
		logger.Error("hangup failed", "err", err)
	}
	if err := cli.SignOut(); err != nil {
		logger.Error("sign out failed", "err", err)
	}
	if wasSignedIn {
		select {
		case <-signedOut:
		case <-time.After(signOutTimeout):
			logger.Warn("timed out waiting for sign-out")
		}
	}
	cond.Close()
	cli.Close()
}
