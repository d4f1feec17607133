package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/petrzlen/speechlink/internal/gateway"
	"github.com/petrzlen/speechlink/internal/networking"
	"github.com/petrzlen/speechlink/internal/utils"
)

func main() {
	utils.SetupZerolog()

	addr := flag.String("addr", ":8081", "listen address for the gateway")
	flag.Parse()

	// Provider keys (OPENAI_API_KEY et al.) come from the environment; clients
	// without their own credentials lean on these.
	if err := godotenv.Load(); err != nil {
		log.Warn().Msgf("Cannot load .env file")
	}

	gatewayHandlerFactory := func() networking.FrameHandler {
		return gateway.NewHandler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", networking.NewWebsocketHandlerFunc(gatewayHandlerFactory))

	server := &http.Server{Addr: *addr, Handler: mux}

	setupSignalHandler(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errLog(server.Shutdown(shutdownCtx), "server.Shutdown")
	})

	log.Info().Str("addr", *addr).Msg("gateway listening, sessions at /session")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ftl(err)
	}
	log.Info().Msg("gateway stopped")
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

func errLog(err error, what string) {
	if err != nil {
		log.Error().Err(err).Msg(what)
	}
}

func ftl(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("sth essential failed")
		debug.PrintStack()
	}
}
