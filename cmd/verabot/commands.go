package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/auth"
	"github.com/Rarsus/verabot2.0-sub006/internal/communications"
	"github.com/Rarsus/verabot2.0-sub006/internal/config"
	"github.com/Rarsus/verabot2.0-sub006/internal/discord"
	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"github.com/Rarsus/verabot2.0-sub006/internal/logging"
	"github.com/Rarsus/verabot2.0-sub006/internal/quotes"
	"github.com/Rarsus/verabot2.0-sub006/internal/reminders"
	"github.com/Rarsus/verabot2.0-sub006/internal/scheduler"
	"github.com/Rarsus/verabot2.0-sub006/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// app bundles what every subcommand needs.
type app struct {
	config  config.AppConfig
	logger  *zap.Logger
	manager *guilddb.Manager
}

func newApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	models := append(quotes.Models(), reminders.Models()...)
	manager, err := guilddb.NewManager(guilddb.ManagerConfig{
		DataRoot:     appConfig.DataRoot,
		Models:       models,
		QueryTimeout: appConfig.QueryTimeout,
		Logger:       logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return &app{config: appConfig, logger: logger, manager: manager}, nil
}

func (r *app) close() {
	if err := r.manager.CloseAll(); err != nil {
		r.logger.Warn("closing guild databases failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder dispatcher and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp()
			if err != nil {
				return err
			}
			defer rt.close()
			return runServe(cmd.Context(), rt)
		},
	}
}

func runServe(ctx context.Context, rt *app) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quoteService, err := quotes.NewService(quotes.ServiceConfig{Databases: rt.manager, Logger: rt.logger})
	if err != nil {
		return err
	}
	reminderService, err := reminders.NewService(reminders.ServiceConfig{
		Databases:  rt.manager,
		IDProvider: reminders.NewUUIDProvider(),
		Logger:     rt.logger,
	})
	if err != nil {
		return err
	}
	communicationService, err := communications.NewService(communications.ServiceConfig{Databases: rt.manager, Logger: rt.logger})
	if err != nil {
		return err
	}

	var notifier scheduler.Notifier = scheduler.LogNotifier{Logger: rt.logger}
	if rt.config.DiscordToken != "" {
		discordNotifier, err := discord.NewNotifier(rt.config.DiscordToken, rt.logger)
		if err != nil {
			return err
		}
		notifier = discordNotifier
	} else {
		rt.logger.Warn("discord token not configured; reminders are logged only")
	}

	dispatcher, err := scheduler.NewDispatcher(scheduler.Config{
		Guilds:      rt.manager,
		Reminders:   reminderService,
		Preferences: communicationService,
		Notifier:    notifier,
		Schedule:    rt.config.ReminderSchedule,
		Logger:      rt.logger,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Start(signalCtx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	if err := rt.config.ValidateAdmin(); err != nil {
		rt.logger.Warn("admin API disabled", zap.Error(err))
		<-signalCtx.Done()
		return nil
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(rt.config.AdminSigningSecret),
		Issuer:        rt.config.AdminIssuer,
		TokenTTL:      rt.config.AdminTokenTTL,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    issuer,
		Guilds:    rt.manager,
		Quotes:    quoteService,
		Reminders: reminderService,
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("admin API starting", zap.String("address", rt.config.HTTPAddress))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [guild...]",
		Short: "Open guild databases so pending migrations run",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp()
			if err != nil {
				return err
			}
			defer rt.close()

			guildIDs := args
			if len(guildIDs) == 0 {
				guildIDs, err = rt.manager.KnownGuilds()
				if err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			var failures []error
			for _, guildID := range guildIDs {
				if _, err := rt.manager.Database(ctx, guildID); err != nil {
					rt.logger.Error("guild migration failed", zap.String("guild_id", guildID), zap.Error(err))
					failures = append(failures, err)
					continue
				}
				if err := rt.manager.CloseGuildDatabase(guildID); err != nil {
					failures = append(failures, err)
				}
			}

			stats := rt.manager.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "guilds=%d opened=%d migrations_applied=%d failed=%d\n",
				len(guildIDs), stats.Opens, stats.MigrationsApplied, len(failures))
			return errors.Join(failures...)
		},
	}
}

func newForgetGuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-guild <guild-id>",
		Short: "Delete every stored record of a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.manager.DeleteGuildData(cmd.Context(), args[0]); err != nil {
				return err
			}
			rt.logger.Info("guild data deleted", zap.String("guild_id", args[0]))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted guild %s\n", args[0])
			return nil
		},
	}
}

type adminTokenPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newAdminTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateAdmin(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AdminSigningSecret),
				Issuer:        appConfig.AdminIssuer,
				TokenTTL:      appConfig.AdminTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(subject)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(adminTokenPayload{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
