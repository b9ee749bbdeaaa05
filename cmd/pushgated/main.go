// pushgated is the push engine daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pushgate/internal/app"
	logx "pushgate/pkg/logx"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the config file (YAML or JSON)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pushgated:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(app.Options{ConfigPath: configPath})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	log := a.Logger()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd-notify ready failed", logx.Err(err))
	} else if sent {
		log.Debug("sd-notify ready sent")
	}

	watchdogDone := make(chan struct{})
	go watchdogLoop(ctx, log, watchdogDone)

	<-ctx.Done()
	log.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Stop(stopCtx)
	<-watchdogDone
	return nil
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
func watchdogLoop(ctx context.Context, log logx.Logger, done chan<- struct{}) {
	defer close(done)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd-watchdog probe failed", logx.Err(err))
		return
	}
	if interval == 0 {
		return
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
