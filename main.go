package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/realtime/config"
	"github.com/clinicdesk/realtime/credential"
	"github.com/clinicdesk/realtime/inspect"
	"github.com/clinicdesk/realtime/logger"
	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/session"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinic-realtime",
		Short:        "Realtime sync client for the clinic messaging service",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newInspectCmd(), newLoginCmd(), newLogoutCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the realtime channel open for the stored login",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sup := newSupervisor(cfg, printAlert(cmd))
			return sup.Run(ctx)
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Serve the live session state as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the MCP protocol
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sup := newSupervisor(cfg, nil)
			srv := inspect.NewServer(sup, version)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sup.Run(gctx) })
			g.Go(func() error {
				err := srv.Run(gctx, os.Stdin, os.Stdout)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				// stdin closed: the MCP client is gone
				stop()
				return err
			})
			return g.Wait()
		},
	}
}

func newLoginCmd() *cobra.Command {
	var token, userID string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a session token; a running client picks it up",
		RunE: func(cmd *cobra.Command, args []string) error {
			// only the paths are needed here
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return credential.NewStore(cfg.CredentialFile).Save(&credential.Blob{Token: token, UserID: userID})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&userID, "user", "", "user ID the token belongs to")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session; a running client disconnects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return credential.NewStore(cfg.CredentialFile).Clear()
		},
	}
}

func loadConfig(stderrLogs bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode, Stderr: stderrLogs})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return nil, err
	}
	return cfg, nil
}

func newSupervisor(cfg *config.Config, presenter session.Presenter) *session.Supervisor {
	creds := credential.NewStore(cfg.CredentialFile)
	return session.NewSupervisor(creds, session.OptionsFromConfig(cfg, creds, presenter), slog.Default())
}

func printAlert(cmd *cobra.Command) session.Presenter {
	return session.PresenterFunc(func(n model.Notification) {
		fmt.Fprintf(cmd.OutOrStdout(), "\a[%s] %s\n", n.CreatedAt.Local().Format("15:04"), n.Message)
	})
}
