// Command keyroom is the peer CLI: it joins a room on a rendezvous
// service, negotiates an encrypted peer-to-peer data channel, and then
// drives a simple stdin/stdout chat loop with file-send support
// (spec.md §1-§6).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4"

	"keyroom/internal/config"
	"keyroom/internal/media"
	"keyroom/internal/peerid"
	"keyroom/internal/session"
	"keyroom/internal/signaling"
	"keyroom/internal/transport"
)

func main() {
	cfg := config.Load()

	room := flag.String("room", "", "room identifier to join")
	passphrase := flag.String("pass", "", "shared room passphrase")
	name := flag.String("name", cfg.DisplayName, "display name shown to the peer")
	rendezvousURL := flag.String("rendezvous", cfg.RendezvousURL, "rendezvous service base URL")
	link := flag.String("link", "", "magic-link URL carrying room and passphrase in its fragment")
	filter := flag.String("filter", cfg.PrivacyFilter, "initial privacy filter: none, blur, mosaic, or black")
	flag.Parse()

	logger := slog.Default()

	if *link != "" {
		parsed, ok := config.ParseMagicLink(*link)
		if !ok {
			logger.Error("invalid magic link")
			os.Exit(1)
		}
		*room = parsed.Room
		*passphrase = parsed.Passphrase
		*filter = string(media.FilterNone)
		if *name == "" {
			guestID, err := peerid.Fresh()
			if err != nil {
				logger.Error("generate guest name", "err", err)
				os.Exit(1)
			}
			*name = config.GuestDisplayName(guestID.String())
		}
	}

	if *room == "" || *passphrase == "" {
		fmt.Fprintln(os.Stderr, "usage: keyroom -room <id> -pass <passphrase> [-name <display name>]")
		os.Exit(2)
	}

	ice := transport.ICEConfig{}
	for _, url := range cfg.STUNServers {
		ice.Servers = append(ice.Servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(ice.Servers) == 0 {
		ice = transport.DefaultSTUNOnly()
	}

	sess, err := session.New(session.Options{
		Room:          *room,
		Passphrase:    *passphrase,
		DisplayName:   *name,
		RendezvousURL: *rendezvousURL,
		ICE:           ice,
		PrivacyFilter: media.Filter(*filter),
	})
	if err != nil {
		logger.Error("create session", "err", err)
		os.Exit(1)
	}

	sess.SetOnStateChange(func(st signaling.State) {
		logger.Info("state", "value", st)
	})
	sess.SetOnError(func(err error) {
		logger.Error("session error", "err", err)
	})
	sess.SetOnChatMessage(func(text string) {
		fmt.Printf("peer: %s\n", text)
	})
	sess.SetOnParticipantUpdate(func(p session.Participant) {
		logger.Info("peer privacy update", "audio", p.AudioEnabled, "video", p.VideoEnabled)
	})
	sess.SetOnFileProgress(func(id string, received, total int64) {
		logger.Info("file progress", "id", id, "received", received, "total", total)
	})
	sess.SetOnFileComplete(func(id string, data []byte, name, mimeType string) {
		if err := os.WriteFile(name, data, 0o600); err != nil {
			logger.Error("save received file", "name", name, "err", err)
			return
		}
		logger.Info("file received", "id", id, "name", name, "bytes", len(data))
	})
	sess.SetOnFileError(func(id string, err error) {
		logger.Error("file transfer failed", "id", id, "err", err)
	})
	sess.SetOnPeerTerminated(func() {
		logger.Info("peer ended the session")
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		_ = sess.Terminate()
		cancel()
	}()

	if err := sess.Start(ctx); err != nil {
		logger.Error("start session", "err", err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Println("type a message and press enter to chat, or /file <path> to send a file, ctrl-c to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/file ") {
			path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
			go sendFile(ctx, sess, path, logger)
			continue
		}
		if err := sess.SendChat(line); err != nil {
			logger.Error("send chat", "err", err)
		}
	}

	<-ctx.Done()
}

func sendFile(ctx context.Context, sess *session.Session, path string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("open file", "path", path, "err", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logger.Error("stat file", "path", path, "err", err)
		return
	}

	id := filepath.Base(path)
	if err := sess.SendFile(ctx, id, info.Name(), "application/octet-stream", info.Size(), f); err != nil {
		logger.Error("send file", "path", path, "err", err)
	}
}
