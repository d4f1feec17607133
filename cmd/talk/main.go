package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/petrzlen/speechlink/internal/utils"
	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/session"
)

// talk is the interactive client: type a line to have the agent speak it,
// /listen + /done for a recognition turn, /voice for the live microphone loop.
func main() {
	utils.SetupZerolog()

	profileID := flag.String("profile", "openai", "voice profile to use, see /profiles")
	serverURL := flag.String("server", "", "gateway websocket url, e.g. ws://localhost:8081/session")
	listProfiles := flag.Bool("profiles", false, "list the available profiles and exit")
	noDirect := flag.Bool("no-direct", false, "always go through the gateway, even with local keys")
	flag.Parse()

	if *listProfiles {
		printProfiles()
		return
	}

	err := godotenv.Load()
	if err != nil {
		log.Warn().Msgf("Cannot load .env file")
	}

	sess, err := session.New(*profileID, session.Options{
		ServerURL:     *serverURL,
		APIKeys:       providerKeysFromEnv(),
		DisableDirect: *noDirect,
	})
	ftl(err)
	defer sess.Destroy()

	setupSignalHandler(func() {
		sess.Destroy()
		os.Exit(0)
	})

	fmt.Println("Type text to speak it; /listen, /done, /voice, /usage, /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	voiceActive := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/listen":
			err = sess.Listen(printTranscript)
			if err != nil {
				log.Error().Err(err).Msg("cannot start listening")
				continue
			}
			fmt.Println("Listening... /done to finish the turn.")
		case line == "/done":
			stopCtx, cancel := context.WithTimeout(context.Background(), session.TurnCompleteTimeout)
			dbg(sess.StopListening(stopCtx))
			cancel()
		case line == "/voice":
			if voiceActive {
				sess.StopVoice()
				voiceActive = false
				fmt.Println("Voice off.")
				continue
			}
			err = sess.StartVoice()
			if err != nil {
				log.Error().Err(err).Msg("cannot start the voice pipeline")
				continue
			}
			voiceActive = true
			fmt.Println("Voice on, microphone is live. /voice again to stop.")
		case line == "/usage":
			usage := sess.Usage()
			fmt.Printf("tts %.1fs, stt %.1fs, estimated $%.4f\n",
				usage.TTSSeconds, usage.STTSeconds, usage.EstimatedCost)
		default:
			speak(sess, line)
		}
	}
	dbg(scanner.Err())
}

func speak(sess session.Session, text string) {
	startTime := time.Now()
	result, err := sess.Speak(context.Background(), text)
	if err != nil {
		log.Error().Err(err).Msg("speak failed")
		return
	}
	log.Info().Int64("duration_ms", result.DurationMs).Dur("total", time.Since(startTime)).
		Int("audio_chunks", len(result.AudioChunks)).Msg("speak done")
	if result.Transcript != "" {
		fmt.Printf("agent: %s\n", result.Transcript)
	}
}

func printTranscript(text string, isFinal bool) {
	if isFinal {
		fmt.Printf("you: %s\n", text)
	} else {
		fmt.Printf("you (so far): %s\n", text)
	}
}

func printProfiles() {
	for _, p := range profile.All() {
		fmt.Printf("%-16s %-8s $%.2f/h  %s\n", p.ID, p.Mode(), p.CostPerHour, p.DisplayName)
	}
}

func providerKeysFromEnv() map[string]string {
	return map[string]string{
		profile.ProviderOpenAI:         os.Getenv("OPENAI_API_KEY"),
		profile.ProviderOpenAIRealtime: os.Getenv("OPENAI_API_KEY"),
		profile.ProviderElevenLabs:     os.Getenv("ELEVENLABS_API_KEY"),
		profile.ProviderAzure:          os.Getenv("AZURE_SPEECH_KEY"),
	}
}

func setupSignalHandler(cleanup func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Info().Msgf("Received signal: %v\n", sig)
		cleanup()
	}()
}

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}

func ftl(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("sth essential failed")
		debug.PrintStack()
	}
}
