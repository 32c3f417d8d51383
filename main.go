// Yuyu client: connects to the Yuyu voice-assistant backend, streams the
// microphone up for recognition, plays synthesized replies back in order, and
// drives the avatar's mouth while it speaks. Runs as a terminal client; lines
// typed on stdin are chat messages, /commands drive everything else.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/yuyulabs/yuyu-client/internal/audio"
	"github.com/yuyulabs/yuyu-client/internal/chat"
	"github.com/yuyulabs/yuyu-client/internal/config"
	"github.com/yuyulabs/yuyu-client/internal/lipsync"
	"github.com/yuyulabs/yuyu-client/internal/logging"
	"github.com/yuyulabs/yuyu-client/internal/session"
	"github.com/yuyulabs/yuyu-client/internal/transport"
)

func main() {
	userFlag := flag.String("user", "", "login name (defaults to the saved session)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := session.OpenStore(cfg.Session.DBPath, logger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open session store")
	}
	defer store.Close()

	api := session.NewClient(cfg.Server.HTTPBaseURL, cfg.Server.RequestTimeout, logger.Zerolog())

	userID, userName, err := resolveUser(ctx, *userFlag, cfg, store, api)
	if err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}
	log.Info().Str("user_id", userID).Str("name", userName).Msg("Logged in")

	channel := transport.NewChannel(&transport.Config{
		URL:               cfg.Server.WebSocketURL,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		ReconnectDelay:    cfg.Server.ReconnectDelay,
		MaxReconnects:     cfg.Server.MaxReconnects,
		HandshakeTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout,
	}, logger.Zerolog())

	player := audio.NewPlayer(
		audio.NewExecPlayer(cfg.Audio.SampleRate, cfg.Audio.Channels, logger.Zerolog()),
		logger.Zerolog())

	recorder := audio.NewRecorder(audio.CaptureConfig{
		SampleRate: cfg.Audio.SampleRate,
		BlockSize:  cfg.Audio.BlockSize,
		Channels:   cfg.Audio.Channels,
		DumpDir:    cfg.Audio.DumpDir,
	}, audio.NewExecDevice(logger.Zerolog()), channel, logger.Zerolog())

	driver := lipsync.NewDriver(lipsync.Config{
		Gain:      cfg.LipSync.Gain,
		Smoothing: cfg.LipSync.Smoothing,
	}, nil, logger.Zerolog())
	player.SetSampleSink(driver.Feed)
	player.SetOnStop(driver.Stop)
	go driver.Run(ctx, cfg.Audio.SampleRate, cfg.Audio.BlockSize)

	reconciler := chat.NewReconciler(chat.Options{
		Channel:     channel,
		Player:      player,
		Recorder:    recorder,
		Archive:     store,
		Logger:      logger.Zerolog(),
		Voice:       cfg.TTS.Voice,
		Speed:       cfg.TTS.Speed,
		ASRProvider: cfg.ASR.Provider,
	})
	defer reconciler.Close()
	reconciler.SetUserID(userID)
	player.SetOnFullyComplete(reconciler.NotifyPlaybackComplete)

	// Edits to config.yaml re-sync voice and speed without a restart.
	if err := config.Watch(ctx, logger.Zerolog(), func(next *config.Config) {
		reconciler.ChangeVoice(next.TTS.Voice)
		reconciler.ChangeSpeed(next.TTS.Speed)
	}); err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable")
	}

	if err := channel.Connect(userID); err != nil {
		log.Warn().Err(err).Msg("Initial connect failed; will keep retrying")
	}
	defer channel.Disconnect()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	runPrompt(ctx, reconciler, api, store, userID, log)
}

// resolveUser reuses the saved session when it is fresh, otherwise logs in
// through the HTTP API with the given (or saved) name.
func resolveUser(ctx context.Context, flagName string, cfg *config.Config, store *session.Store, api *session.Client) (string, string, error) {
	saved, err := store.LoadSession()
	if err != nil {
		return "", "", err
	}
	if saved != nil && (flagName == "" || flagName == saved.UserName) {
		if err := store.Touch(); err != nil {
			return "", "", err
		}
		return saved.UserID, saved.UserName, nil
	}

	name := flagName
	if name == "" {
		name = cfg.User.Name
	}
	if name == "" {
		return "", "", fmt.Errorf("no saved session; pass -user")
	}

	user, err := api.Login(ctx, name)
	if err != nil {
		return "", "", err
	}
	if err := store.SaveSession(user.UserID, user.Name); err != nil {
		return "", "", err
	}
	return user.UserID, user.Name, nil
}

func runPrompt(ctx context.Context, r *chat.Reconciler, api *session.Client, store *session.Store, userID string, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	keymap := chat.NewKeymap(r)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			r.SendChat(line)
			continue
		}

		fields := strings.Fields(line[1:])
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "mic":
			keymap.Handle("m")
		case "break":
			r.BreakSilence()
		case "stop":
			keymap.Handle("escape")
		case "immersive":
			keymap.Handle("tab")
		case "voice":
			if len(args) == 1 {
				r.ChangeVoice(args[0])
			}
		case "speed":
			if len(args) == 1 {
				if speed, err := strconv.ParseFloat(args[0], 64); err == nil {
					r.ChangeSpeed(speed)
				}
			}
		case "asr":
			if len(args) == 1 {
				r.ChangeASRProvider(args[0])
			}
		case "mode":
			if len(args) == 1 && keymap.Handle(args[0]) {
				continue
			}
		case "think":
			r.ToggleThinking()
		case "search":
			r.SetSearchEnabled(len(args) == 1 && args[0] == "on")
		case "img":
			if len(args) == 1 {
				url, err := api.UploadImage(ctx, args[0])
				if err != nil {
					log.Warn().Err(err).Msg("Upload failed")
					continue
				}
				r.AttachImage(url)
			}
		case "silence":
			if len(args) == 1 {
				if secs, err := strconv.Atoi(args[0]); err == nil {
					if err := api.SetSilenceTimeout(ctx, userID, secs); err != nil {
						log.Warn().Err(err).Msg("Cannot set silence timeout")
					}
				}
			}
		case "users":
			users, err := api.ActiveUsers(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Cannot list users")
				continue
			}
			for _, u := range users {
				fmt.Printf("%s\t%s\n", u.UserID, u.Name)
			}
		case "history":
			msgs, err := store.History(50)
			if err != nil {
				log.Warn().Err(err).Msg("Cannot read history")
				continue
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.Role, m.Content)
			}
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: /mic /break /stop /immersive /voice /speed /asr /mode /think /search /img /silence /users /history /quit")
		}
	}
}
