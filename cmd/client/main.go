package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Philipk84/tarea-chat-sub000/pkg/client"
	"github.com/Philipk84/tarea-chat-sub000/pkg/logging"
	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
	"github.com/Philipk84/tarea-chat-sub000/pkg/version"
)

func main() {
	settings := client.LoadSettings()

	username := flag.String("user", settings.Username, "Username to register as")
	control := flag.String("control", settings.ControlAddr, "Server control address")
	side := flag.String("side", settings.SideAddr, "Server voice-note side channel address")
	media := flag.String("media", settings.MediaAddr, "Server UDP media address")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: "text",
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if err := model.ValidateUsername(*username); err != nil {
		fmt.Fprintf(os.Stderr, "invalid username: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	ctrl, err := client.Dial(ctx, *control, *username)
	if err != nil {
		slog.Error("connect", "err", err)
		os.Exit(1)
	}
	defer ctrl.Close()
	ctrl.SetLineHandler(func(line string) { fmt.Println(line) })
	ctrl.SetVoiceNoteHandler(func(sender string, payload []byte) {
		saveVoiceNote(sender, payload)
	})
	ctrl.StartReceiving()

	sc, err := client.DialSideChannel(ctx, *side, *username)
	if err != nil {
		slog.Warn("side channel unavailable, voice notes use the control channel", "err", err)
		sc = nil
	} else {
		defer sc.Close()
		sc.SetVoiceHandler(func(hdr *protocol.VoiceHeader, payload []byte) {
			saveVoiceNote(hdr.Sender, payload)
		})
		sc.StartReceiving()
	}

	mc, err := client.DialMedia(*media, *username)
	if err != nil {
		slog.Warn("media socket unavailable, calls disabled", "err", err)
		mc = nil
	} else {
		defer mc.Close()
		mc.SetTextHandler(func(line string) { fmt.Println(line) })
		mc.StartReceiving()
		_ = ctrl.SendCommand(fmt.Sprintf("/udpport %d", mc.LocalPort()))
	}

	settings.Username = *username
	settings.ControlAddr = *control
	settings.SideAddr = *side
	settings.MediaAddr = *media
	_ = settings.Save()

	go func() {
		<-ctrl.Done()
		fmt.Println("connection closed")
		os.Exit(0)
	}()

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "/sendvoice "):
			sendVoice(ctrl, sc, *username, line)
		case strings.HasPrefix(line, "/text "):
			if mc == nil {
				fmt.Println("no media socket")
				continue
			}
			if err := mc.SendText(strings.TrimPrefix(line, "/text ")); err != nil {
				slog.Error("send text", "err", err)
			}
		default:
			if err := ctrl.SendCommand(line); err != nil {
				slog.Error("send", "err", err)
				return
			}
			if line == "/quit" {
				return
			}
		}
	}
}

// sendVoice handles "/sendvoice <user|@group> <file>" locally: it reads the
// file and uploads it over the side channel when available, otherwise over
// the control channel.
func sendVoice(ctrl *client.ControlClient, sc *client.SideChannel, username, line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		fmt.Println("Usage: /sendvoice <user|@group> <file>")
		return
	}
	dest, path := fields[1], fields[2]
	payload, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read %s: %v\n", path, err)
		return
	}
	if len(payload) > protocol.MaxVoiceNoteSize {
		fmt.Printf("%s is larger than the %d byte voice note limit\n", path, protocol.MaxVoiceNoteSize)
		return
	}

	group := strings.HasPrefix(dest, "@")
	name := strings.TrimPrefix(dest, "@")
	if sc != nil {
		if group {
			err = sc.SendGroupVoiceNote(username, name, payload)
		} else {
			err = sc.SendVoiceNote(username, name, payload)
		}
	} else {
		if group {
			err = ctrl.SendGroupVoiceNote(name, payload)
		} else {
			err = ctrl.SendVoiceNote(name, payload)
		}
	}
	if err != nil {
		slog.Error("send voice note", "err", err)
	}
}

// saveVoiceNote writes a received note to the working directory.
func saveVoiceNote(sender string, payload []byte) {
	name := fmt.Sprintf("voicenote-%s.bin", sender)
	if err := os.WriteFile(name, payload, 0o600); err != nil {
		slog.Error("save voice note", "err", err)
		return
	}
	fmt.Printf("voice note from %s saved to %s (%d bytes)\n", sender, name, len(payload))
}
