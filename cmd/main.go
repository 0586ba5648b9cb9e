package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"realtime-stt-service/internal/agent"
	"realtime-stt-service/internal/app"
	"realtime-stt-service/internal/config"
	httpapi "realtime-stt-service/internal/http"
	"realtime-stt-service/internal/service/relay"
	"realtime-stt-service/internal/service/session"
	"realtime-stt-service/internal/viewer"
)

var rootCmd = &cobra.Command{
	Use:   "realtime-stt",
	Short: "Real-time speech-to-text WebSocket service",
	Long: `realtime-stt accepts framed PCM audio over WebSocket, streams it to a
speech-to-text engine and returns partial and final transcripts. Final
sentences are classified, stored as WAV chunks and published to a broker.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the transcription and relay WebSocket endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.Application) error {
			sessions, err := do.Invoke[*session.Handler](a.Injector)
			if err != nil {
				return err
			}
			proxy, err := do.Invoke[*relay.Handler](a.Injector)
			if err != nil {
				return err
			}
			if err := a.StartGRPC(); err != nil {
				return err
			}

			router := httpapi.NewRouter(httpapi.Routes{STT: sessions, Proxy: proxy, Ready: a.Ready})
			return a.ServeHTTP(ctx, ":"+a.Cfg.Service.HTTPPort, router)
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay client WebSocket connections to REALTIME_STT_URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.Application) error {
			proxy, err := do.Invoke[*relay.Handler](a.Injector)
			if err != nil {
				return err
			}
			router := httpapi.NewRouter(httpapi.Routes{Proxy: proxy, Ready: a.Ready})
			return a.ServeHTTP(ctx, ":"+a.Cfg.Service.HTTPPort, router)
		})
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Answer published sentences with an LLM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.Application) error {
			ag, err := do.Invoke[*agent.Agent](a.Injector)
			if err != nil {
				return err
			}
			return ag.Run(ctx)
		})
	},
}

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Stream published sentences to a browser page",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.Application) error {
			v, err := do.Invoke[*viewer.Viewer](a.Injector)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := v.Run(ctx); err != nil && ctx.Err() == nil {
					a.Logger.Error().Err(err).Msg("Viewer subscription ended")
					cancel()
				}
			}()
			return a.ServeHTTP(ctx, a.Cfg.Viewer.Addr, v.Handler())
		})
	},
}

// run loads configuration, starts the application and calls fn with a
// context cancelled on SIGINT/SIGTERM.
func run(fn func(ctx context.Context, a *app.Application) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Shutdown()

	return fn(ctx, a)
}

func init() {
	rootCmd.AddCommand(serveCmd, relayCmd, agentCmd, viewerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
