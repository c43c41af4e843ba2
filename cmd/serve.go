package cmd

import (
	"log/slog"
	"os"
	"os/signal"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/krau/multitagger/config"
	"github.com/krau/multitagger/server"
)

var (
	serveAddr    string
	servePreload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default host:port from config)")
	serveCmd.Flags().BoolVar(&servePreload, "preload", false, "Load the default model before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	cfg := config.C()
	slog.Info("Starting multitagger")

	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	eng := newEngine(cfg, reg)
	defer closeEngine(eng)

	if servePreload {
		if err := eng.Preload(ctx, cfg.DefaultModel); err != nil {
			slog.Error("Failed to preload default model",
				slog.String("model", cfg.DefaultModel),
				slog.String("error", err.Error()))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(eng, reg, server.Options{
		Token:        cfg.Token,
		DefaultModel: cfg.DefaultModel,
		Threshold:    cfg.Threshold,
		Logger:       slog.Default(),
	})
	addr := serveAddr
	if addr == "" {
		addr = cfg.Addr()
	}
	return srv.Run(ctx, addr)
}

