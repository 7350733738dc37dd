package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avataraad/blirp-core/internal/config"
	"github.com/avataraad/blirp-core/internal/directory"
	"github.com/avataraad/blirp-core/internal/ethrpc"
	"github.com/avataraad/blirp-core/internal/httpapi"
	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/relay"
	"github.com/avataraad/blirp-core/internal/securefile"
	"github.com/avataraad/blirp-core/internal/txauth"
	"github.com/avataraad/blirp-core/internal/wallet/keystore"
	"github.com/avataraad/blirp-core/internal/wallet/seedstore"
	"github.com/avataraad/blirp-core/internal/wallet/session"
	"github.com/avataraad/blirp-core/internal/wallet/upgrade"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("blirpd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		if dataDir, err = securefile.DataDir(); err != nil {
			log.Fatal().Err(err).Msg("data dir resolution failed")
		}
	}

	sealer, err := keystore.NewSoftSealer(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("sealer init failed")
	}
	vault, err := keystore.NewStore(dataDir, sealer, keystore.TrustedAuthenticator())
	if err != nil {
		log.Fatal().Err(err).Msg("vault init failed")
	}
	seeds, err := seedstore.NewStore(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("seed store init failed")
	}

	chain, err := ethrpc.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.ChainRPCURL).Msg("chain RPC dial failed")
	}
	defer chain.Close()

	relayClient, err := relay.Dial(ctx, cfg.RelayURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("relay dial failed")
	}
	defer relayClient.Close()

	dir, err := directory.NewClient(cfg.DirectoryURL)
	if err != nil {
		log.Fatal().Err(err).Msg("directory client init failed")
	}

	var agent passkey.Agent
	var broker *httpapi.CeremonyBroker
	if cfg.DevMode {
		log.Warn().Msg("dev mode: using the in-memory software authenticator")
		agent = passkey.NewMemoryAgent()
	} else {
		broker = httpapi.NewCeremonyBroker()
		agent = broker
	}

	delegations, err := cfg.DelegationMap()
	if err != nil {
		log.Fatal().Err(err).Msg("delegation config invalid")
	}
	provisioner, err := upgrade.NewCoordinator(relayClient, agent, dir, delegations)
	if err != nil {
		log.Fatal().Err(err).Msg("upgrade coordinator init failed")
	}

	authorizer, err := txauth.NewService(chain, vault, relayClient, agent, &txauth.Options{
		FeeToken: cfg.FeeToken,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("authorization service init failed")
	}

	sess, err := session.New(vault, seeds, dir, agent, provisioner, authorizer, cfg.ChainID)
	if err != nil {
		log.Fatal().Err(err).Msg("session init failed")
	}

	router := httpapi.NewRouter(httpapi.NewHandler(sess, broker), cfg.UIOrigin)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Uint64("chain_id", cfg.ChainID).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	} else {
		log.Info().Msg("HTTP server stopped")
	}
}
