package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"bloom/internal/capture"
	"bloom/internal/flow"
	"bloom/internal/notify"
	"bloom/internal/playback"
	"bloom/internal/proxy"
	"bloom/internal/session"
	"bloom/internal/synth"
	"bloom/pkg/api"
	"bloom/pkg/audioconv"
	"bloom/pkg/util"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	apiURL := cli.StringP("api", "a", "", "API base URL (overrides BLOOM_API_URL)")
	proxyAddr := cli.StringP("proxy", "p", "", "Socks proxy address, empty for direct")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	voice := cli.String("voice", "en", "Fallback synthesis voice")
	duck := cli.Bool("duck", true, "Lower other apps' volume during agent speech")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

	godotenv.Load(*envFile)

	baseURL := *apiURL
	if baseURL == "" {
		baseURL = util.Env("BLOOM_API_URL", "http://localhost:8000/api")
	}
	socksAddr := *proxyAddr
	if socksAddr == "" {
		socksAddr = os.Getenv("BLOOM_PROXY")
	}
	duckEnabled := *duck && util.EnvBool("BLOOM_DUCK", true)

	cfg := api.Config{
		BaseURL: baseURL,
		Token:   os.Getenv("BLOOM_API_TOKEN"),
	}
	if socksAddr != "" {
		hc, err := proxy.NewSocksClient(socksAddr)
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", socksAddr, "err", err)
			os.Exit(1)
		}
		cfg.HTTPClient = hc
		log.Debug("Loaded proxy")
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		log.Error("Failed to build API client", "err", err)
		os.Exit(1)
	}

	args := cli.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "onboarding":
		runConversation(client, session.Subject{Type: api.ConversationOnboarding}, *voice, duckEnabled)
	case "add-child":
		runConversation(client, session.Subject{Type: api.ConversationAddChild}, *voice, duckEnabled)
	case "chat":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		runConversation(client, session.Subject{Type: api.ConversationChat, ChildID: args[1]}, *voice, duckEnabled)
	case "birth":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		runConversation(client, session.Subject{Type: api.ConversationBirth, ChildID: args[1]}, *voice, duckEnabled)
	case "transcribe":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		runTranscribe(client, args[1])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bloom [flags] <command>

commands:
  onboarding          first-run conversation, creates the initial record
  add-child           add another pregnancy or baby
  chat <child-id>     free-form chat about a child
  birth <child-id>    record a birth for a pregnancy
  transcribe <file>   transcribe an audio file and print the text`)
	cli.PrintDefaults()
}

func buildPlayer(voice string, duck bool) *playback.Player {
	opts := []playback.Option{
		playback.WithSynthesizer(synth.ESpeak{Voice: voice}),
		playback.WithEnded(func(trackID string) {
			log.Debug("agent speech finished", "track", trackID)
		}),
	}
	if duck {
		d := playback.NewPulseDucker([]string{"bloom"})
		if d.Available() {
			opts = append(opts, playback.WithDucker(d))
		} else {
			log.Debug("pactl not found, ducking disabled")
		}
	}
	return playback.NewPlayer(playback.NewSpeakerOutput(), opts...)
}

func runConversation(client *api.Client, subject session.Subject, voice string, duck bool) {
	ctrl := flow.NewController(flow.Config{
		Backend:  client,
		Recorder: capture.NewRecorder(capture.PortAudioSource{}, capture.NewEncoder()),
		Player:   buildPlayer(voice, duck),
		Subject:  subject,
		Parser:   degradedParser(subject.Type),
		Cue:      notify.RecordCue,
	})
	defer ctrl.Abandon()

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Error("Failed to start conversation", "err", err)
		os.Exit(1)
	}
	printLastTurn(ctrl)

	if prompts := ctrl.QuickPrompts(); len(prompts) > 0 {
		fmt.Println("try:")
		for _, p := range prompts {
			fmt.Println("  ·", p)
		}
	}
	fmt.Println(`(type a message, or /rec /stop /cancel /mute /retry /confirm /quit)`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/rec":
			if err := ctrl.BeginVoiceTurn(); err != nil {
				log.Error("Failed to start recording", "err", err)
				continue
			}
			fmt.Println("recording... /stop to send, /cancel to discard")
			continue
		case "/stop":
			if ctrl.Recording() {
				notify.SendCue()
			}
			if err := ctrl.EndVoiceTurn(ctx); err != nil {
				// An idle stop is a no-op, not a failure.
				if errors.Is(err, capture.ErrNotActive) {
					fmt.Println("not recording")
				} else {
					log.Error("Failed to send recording", "err", err)
				}
				continue
			}
			printExchange(ctrl)
			continue
		case "/cancel":
			if err := ctrl.CancelVoiceTurn(); err != nil && !errors.Is(err, capture.ErrNotActive) {
				log.Warn("Failed to discard recording", "err", err)
			}
			continue
		case "/mute":
			ctrl.StopSpeech()
			continue
		case "/retry":
			if err := ctrl.RetryPlayback(); err != nil {
				log.Warn("Nothing to retry", "err", err)
			}
			continue
		case "/confirm":
			child, err := ctrl.Confirm(ctx)
			if err != nil {
				log.Error("Failed to confirm", "err", err)
				continue
			}
			if child != nil {
				fmt.Printf("created record %s (%s)\n", child.ID, child.Name)
			}
			return
		}

		if err := ctrl.SendText(ctx, line); err != nil {
			log.Error("Failed to send message", "err", err)
			continue
		}
		printLastTurn(ctrl)

		if ctrl.Status() == session.StatusCompleting {
			if result, _ := ctrl.Result(); result != nil {
				fmt.Println("collected:")
				for k, v := range result {
					fmt.Printf("  %s: %v\n", k, v)
				}
				fmt.Println("/confirm to save, /quit to discard")
			}
		}
	}
}

func printLastTurn(ctrl *flow.Controller) {
	turns := ctrl.Turns()
	if len(turns) == 0 {
		return
	}
	last := turns[len(turns)-1]
	if last.Speaker == session.SpeakerAgent {
		fmt.Println("bloom:", last.Text)
	}
}

// printExchange shows the transcribed user turn and the reply after a
// voice message.
func printExchange(ctrl *flow.Controller) {
	turns := ctrl.Turns()
	if n := len(turns); n >= 2 {
		fmt.Println("you:  ", turns[n-2].Text)
		fmt.Println("bloom:", turns[n-1].Text)
	}
}

func runTranscribe(client *api.Client, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("Failed to read file", "path", path, "err", err)
		os.Exit(1)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	// Reject undecodable files locally instead of burning an upload.
	pcm, err := audioconv.Decode(data, ext, audioconv.Options{})
	if err != nil {
		log.Error("Unsupported audio file", "path", path, "err", err)
		os.Exit(1)
	}
	log.Debug("decoded audio", "samples", len(pcm))

	text, err := client.Transcribe(context.Background(), data, ext)
	if err != nil {
		log.Error("Failed to transcribe", "err", err)
		os.Exit(1)
	}
	fmt.Println(text)
}

// degradedParser picks the offline text parser for flows that can complete
// without the backend. Chat has nothing meaningful to parse locally.
func degradedParser(typ api.ConversationType) flow.ResultParser {
	switch typ {
	case api.ConversationAddChild, api.ConversationOnboarding:
		return flow.AddChildParser{}
	default:
		return nil
	}
}
