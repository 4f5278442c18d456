package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/lanikai/dewarp"
	"github.com/lanikai/dewarp/internal/config"
	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
	"github.com/lanikai/dewarp/internal/output"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the camera and stream to the configured outputs",
	Long: `Open the camera and stream to the configured outputs until interrupted.

SIGHUP forces the device to be reopened and SIGUSR1 recreates the capture
session. Distortion parameters are reloaded when the config file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(loader, cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringP("device", "d", "0", "Capture device id")
	f.StringP("size", "s", "1280x720", "Preferred capture size, WxH")
	f.Bool("correction", true, "Correct lens distortion")
	f.StringP("listen", "l", "127.0.0.1:8420", "HTTP status address")
}

func run(loader *config.Loader, cfg config.Config) error {
	manager, err := dewarp.NewManager(cfg.Backend, cfg.Device)
	if err != nil {
		return err
	}
	cam := dewarp.NewCamera(cfg.Session(), manager)

	// Snapshot outputs
	size, _ := device.ParseSize(cfg.Size)
	for key, path := range cfg.Outputs {
		if path == "" {
			continue
		}
		name, _ := output.ParseName(key)
		s, err := output.NewSnapshotSurface(path, size, cfg.Snapshot)
		if err != nil {
			return err
		}
		defer s.Close()
		cam.SetTarget(name, s)
		log.Info("Writing %s snapshots to %s", name, path)
	}

	loader.Watch(func(p distortion.Params) {
		if err := cam.SetDistortion(p); err != nil {
			log.Warn("Distortion update rejected: %v", err)
		}
	})

	events := cam.Subscribe(64)
	go func() {
		for e := range events {
			log.Debug("Event: %v", e)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := newServer(cam)
	go func() {
		if err := srv.Serve(netutil.LimitListener(ln, cfg.MaxConns)); err != nil {
			log.Debug("HTTP server: %v", err)
		}
	}()
	log.Info("Status on http://%s/status", ln.Addr())

	cam.Open()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	control := make(chan os.Signal, 1)
	signal.Notify(control, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(control)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-control:
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP, reopening device")
				cam.ForceReopen()
			case syscall.SIGUSR1:
				log.Info("SIGUSR1, recreating session")
				cam.Recreate()
			}
		}
	}

	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	return cam.Shutdown(sctx)
}
