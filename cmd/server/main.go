package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/wsrelay/internal/hello"
	"github.com/Tyrowin/wsrelay/internal/logging"
	"github.com/Tyrowin/wsrelay/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, src, err := server.Load(args, os.Stderr)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Log)
	log.Info().
		Str("addr", cfg.Addr()).
		Bool("echo_to_sender", cfg.EchoToSender).
		Dur("send_timeout", cfg.SendTimeout).
		Msg("starting relay server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relaySrv := server.New(cfg, log)

	if cfg.StatsSchedule != "" {
		reporter, err := server.NewStatsReporter(cfg.StatsSchedule, relaySrv.Stats(), relaySrv.Registry(), logging.Component(log, "stats"))
		if err != nil {
			return err
		}
		reporter.Start()
		defer reporter.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := server.CreateServer(cfg.Addr(), relaySrv.Handler())
		err := server.Serve(gctx, srv, cfg.ShutdownTimeout, notifyReady(log), logging.Component(log, "http"))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if serr := relaySrv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	if addr := cfg.HelloAddr(); addr != "" {
		g.Go(func() error {
			helloLog := logging.Component(log, "hello")
			srv := server.CreateServer(addr, hello.NewHandler(helloLog))
			return server.Serve(gctx, srv, cfg.ShutdownTimeout, nil, helloLog)
		})
	}

	if src.Path != "" {
		g.Go(func() error {
			return server.WatchConfig(gctx, src, func(next server.Config) {
				relaySrv.ApplyConfig(next)
				logging.SetLevel(next.Log.Level)
			}, logging.Component(log, "config"))
		})
	}

	err = g.Wait()
	log.Info().Msg("relay server stopped")
	return err
}

// notifyReady reports readiness to systemd once the relay port is bound. It
// is a no-op outside a systemd notify unit.
func notifyReady(log zerolog.Logger) func(net.Addr) {
	return func(net.Addr) {
		sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
		if err != nil {
			log.Warn().Err(err).Msg("systemd readiness notification failed")
			return
		}
		if sent {
			log.Debug().Msg("notified systemd of readiness")
		}
	}
}
