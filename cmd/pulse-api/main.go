package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/logging"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/server"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse-api",
		Short: "Creator analytics sync and reporting service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newAuthorizeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("user-id", defaults.GetString("user.id"), "Account owner the service syncs for")
	cmd.PersistentFlags().String("timezone", defaults.GetString("sync.timezone"), "IANA timezone that defines calendar days")
	cmd.PersistentFlags().String("state-secret", "", "OAuth state signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "sync.timezone", "timezone")
	bindFlag(cmd, "oauth.state_secret", "state-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [platform]",
		Short: "Run one sync pass and print the summaries as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var platforms []platform.Platform
			if len(args) == 1 {
				p, err := platform.ParsePlatform(args[0])
				if err != nil {
					return err
				}
				platforms = []platform.Platform{p}
			}
			return withRuntime(func(rt *runtime) error {
				summaries, syncErr := rt.orchestrator.SyncAll(cmd.Context(), rt.config.UserID, platforms)
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(summaries); err != nil {
					return err
				}
				return syncFailure(summaries, syncErr)
			})
		},
	}
}

// syncFailure fails the command only when no platform synced.
func syncFailure(summaries []syncer.Summary, err error) error {
	if err == nil {
		return nil
	}
	for _, summary := range summaries {
		if summary.Outcome != syncer.OutcomeFailed {
			return nil
		}
	}
	return err
}

func newAuthorizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <platform>",
		Short: "Print the consent URL that connects a platform account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := platform.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(rt *runtime) error {
				flow, ok := rt.flows[p]
				if !ok {
					return fmt.Errorf("%s client credentials are not configured", p)
				}
				target, err := flow.AuthorizationURL(rt.config.UserID, "")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), target)
				return err
			})
		},
	}
}

func withRuntime(run func(rt *runtime) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := newRuntime(appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	return run(rt)
}

func runServer(ctx context.Context) error {
	return withRuntime(func(rt *runtime) error {
		handler, err := server.NewHTTPHandler(rt.dependencies())
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              rt.config.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-signalCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
}
