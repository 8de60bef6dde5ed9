package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/auth"
	"github.com/datosfinca/agrobodega/internal/config"
	"github.com/datosfinca/agrobodega/internal/database"
	"github.com/datosfinca/agrobodega/internal/logging"
	"github.com/datosfinca/agrobodega/internal/remote"
	"github.com/datosfinca/agrobodega/internal/server"
	"github.com/datosfinca/agrobodega/internal/warehouses"
)

const shutdownTimeout = 10 * time.Second

func (a *cli) serveCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (all when empty)")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Issued token TTL in minutes")
	cmd.Flags().Int("heartbeat-seconds", defaults.GetInt("http.heartbeat_seconds"), "Change stream heartbeat interval")
	a.bindFlag(cmd, "http.address", "http-address")
	a.bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	a.bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	a.bindFlag(cmd, "http.heartbeat_seconds", "heartbeat-seconds")
	return cmd
}

func (a *cli) runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(a.viper)
	if err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenRemote(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	syncService, err := remote.NewService(remote.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: remote.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	memberships, err := warehouses.NewService(warehouses.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            tokenIssuer,
		Sync:              syncService,
		Access:            memberships,
		Feed:              server.NewChangeFeed(),
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.Heartbeat,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (a *cli) tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			authConfig, err := config.LoadAuth(a.viper)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(authConfig.SigningSecret),
				TokenTTL:      authConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"accessToken": token,
				"expiresIn":   expiresIn,
			})
		},
	}
}

func (a *cli) grantCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <warehouse-id> <user-id> <viewer|editor|owner>",
		Short: "Grant a user a role on a warehouse",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := warehouses.ParseRole(args[2])
			if err != nil {
				return err
			}
			return a.withMemberships(func(memberships *warehouses.Service) error {
				membership, err := memberships.Grant(cmd.Context(), args[0], args[1], role)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"warehouseId": membership.WarehouseID,
					"userId":      membership.UserID,
					"role":        membership.Role,
					"grantedAt":   membership.GrantedAt,
				})
			})
		},
	}
}

func (a *cli) revokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <warehouse-id> <user-id>",
		Short: "Remove a user's access to a warehouse",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMemberships(func(memberships *warehouses.Service) error {
				if err := memberships.Revoke(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "revoked %s on %s\n", args[1], args[0])
				return err
			})
		},
	}
}

func (a *cli) withMemberships(fn func(*warehouses.Service) error) error {
	databasePath := a.viper.GetString("database.path")
	logger, err := logging.NewLogger(a.viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenRemote(databasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	memberships, err := warehouses.NewService(warehouses.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	return fn(memberships)
}
