package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/jira-mirror/config"
	"github.com/wesm/jira-mirror/internal/scheduler"
	"github.com/wesm/jira-mirror/internal/server"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jira-mirror",
		Short:        "Mirror Jira Cloud sites into a local SQLite database",
		SilenceUsage: true,
		Long: `jira-mirror keeps OAuth credentials for one or more Jira Cloud sites fresh and
periodically copies their projects, issues and related entities into SQLite.`,
	}

	root.PersistentFlags().String("config", "config.json", "Path to configuration file")
	if err := viper.BindPFlag("config", root.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newSyncCmd(),
		newRefreshCmd(),
		newAccountsCmd(),
		newPrimaryCmd(),
		newAuthURLCmd(),
		newAuthExchangeCmd(),
	)
	return root
}

func configPath() string {
	return viper.GetString("config")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file and the database",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPath()
			if err := config.CreateDefault(path); err != nil {
				return fmt.Errorf("failed to create default configuration: %w", err)
			}

			a, err := newApp(path, false)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("Initialized", "config", path, "database", a.cfg.DatabasePath)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(configPath(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
		addr = flagAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(a.manager, a.orchestrator,
		a.cfg.Schedule.RefreshInterval, a.cfg.Schedule.SyncInterval,
		scheduler.WithLogger(a.logger))

	srv := server.New(a.manager, a.oauth, a.orchestrator, a.db,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("Server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("Server shutdown complete")
	return nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account-id]",
		Short: "Sync one account, or every active account when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if len(args) == 1 {
				report, err := a.orchestrator.Run(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to sync account %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			}

			result, err := a.orchestrator.RunAll(ctx)
			if err != nil {
				return err
			}
			failed := make(map[string]string, len(result.Errors))
			for id, err := range result.Errors {
				failed[id] = err.Error()
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"reports": result.Reports,
				"errors":  failed,
			})
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every access token that is about to expire",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(configPath(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.manager.RefreshCycle(cmd.Context())
			if err != nil {
				return err
			}
			failed := make(map[string]string, len(result.Failed))
			for id, err := range result.Failed {
				failed[id] = err.Error()
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"checked":         result.Checked,
				"refreshed":       result.Refreshed,
				"reauth_required": result.ReauthRequired,
				"failed":          failed,
			})
		},
	}
}

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List stored accounts and their credential state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(configPath(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.db.ListAccounts(cmd.Context(), false)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSITE\tSTATE\tPRIMARY\tFAILURES\tLAST SYNC")
			for _, acct := range accounts {
				lastSync := "never"
				if t, err := a.db.GetLastSyncTime(cmd.Context(), acct.ID); err == nil && !t.IsZero() {
					lastSync = t.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
					acct.ID, acct.Name, acct.SiteURL, a.manager.State(acct), acct.Primary, acct.FailureCount, lastSync)
			}
			return tw.Flush()
		},
	}
}

func newPrimaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "primary <account-id>",
		Short: "Make an active account the primary one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.manager.SetPrimary(cmd.Context(), args[0])
		},
	}
}

func newAuthURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print the Atlassian authorization URL for a new account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(configPath(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), a.manager.AuthCodeURL(uuid.NewString()))
			return err
		},
	}
}

func newAuthExchangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-exchange <code>",
		Short: "Exchange an authorization code and store one account per accessible site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			tokens, err := a.manager.ExchangeAuthorizationCode(ctx, args[0])
			if err != nil {
				return err
			}
			sites, err := a.oauth.AccessibleResources(ctx, tokens.AccessToken)
			if err != nil {
				return fmt.Errorf("failed to resolve accessible sites: %w", err)
			}
			if len(sites) == 0 {
				return errors.New("the authorization grants access to no Jira site")
			}

			for _, site := range sites {
				acct, err := a.manager.StoreTokens(ctx, site.ID, tokens, site)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored account %s (%s)\n", acct.ID, acct.SiteURL)
			}
			return nil
		},
	}
}
