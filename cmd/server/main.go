package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/logger"
	"chatrelay/internal/server"
	"chatrelay/internal/wsgate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	srv := server.New(cfg.Server(), log)

	errc := make(chan error, 2)
	go func() {
		errc <- srv.ListenAndServe(cfg.Addr)
	}()

	var web *http.Server
	if cfg.WSAddr != "" {
		web = &http.Server{
			Addr:              cfg.WSAddr,
			Handler:           wsgate.New(srv, log).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.WSAddr).Msg("websocket gateway listening")
			if err := web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("listener stopped")
			exit = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The relay goes first so hijacked WebSocket connections are released.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("relay shutdown")
		exit = 1
	}
	if web != nil {
		if err := web.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown")
			exit = 1
		}
	}
	if exit != 0 {
		cancel()
		os.Exit(exit)
	}
}
