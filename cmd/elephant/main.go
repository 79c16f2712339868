package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/config"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/database"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/join"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/lobbyapi"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/logging"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/roomsession"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "elephant",
		Short:        "White elephant gift exchange room client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCreateCommand(), newJoinCommand(), newResumeCommand(), newLeaveCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("ws-url", defaults.GetString("server.ws_url"), "Game server websocket URL")
	cmd.PersistentFlags().String("api-url", defaults.GetString("server.api_url"), "Lobby API base URL")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("reconnect.max_attempts"), "Reconnect attempts before giving up")
	cmd.PersistentFlags().String("session-db", defaults.GetString("session.database_path"), "SQLite file holding the session identity")
	cmd.PersistentFlags().String("session-key", defaults.GetString("session.key"), "Key separating sessions in the session database")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "server.ws_url", "ws-url")
	bindFlag(cmd, "server.api_url", "api-url")
	bindFlag(cmd, "reconnect.max_attempts", "max-attempts")
	bindFlag(cmd, "session.database_path", "session-db")
	bindFlag(cmd, "session.key", "session-key")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
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

func newCreateCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a player, create a room and join it as the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client) error {
				user, err := c.lobby.AddUser(ctx, name)
				if err != nil {
					return err
				}
				code, err := c.lobby.CreateRoom(ctx, user.ID)
				if err != nil {
					return err
				}
				identity, err := sessionstore.NewIdentity(user.ID, code)
				if err != nil {
					return err
				}
				if _, err := c.session.Join(ctx, identity, join.Options{NewRoom: true}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created room %s. Share the code with the other players.\n", code)
				return play(ctx, c.session, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newJoinCommand() *cobra.Command {
	var name, code string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Register a player and join an existing room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client) error {
				user, err := c.lobby.AddUser(ctx, name)
				if err != nil {
					return err
				}
				if err := c.lobby.JoinRoom(ctx, user.ID, code); err != nil {
					return err
				}
				identity, err := sessionstore.NewIdentity(user.ID, code)
				if err != nil {
					return err
				}
				if _, err := c.session.Join(ctx, identity, join.Options{}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Joined room %s as %s.\n", code, user.Name)
				return play(ctx, c.session, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&code, "code", "", "Room code")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Rejoin the room saved in the session database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client) error {
				if _, err := c.session.Resume(ctx, code); err != nil {
					if errors.Is(err, roomsession.ErrNoResumableSession) {
						return fmt.Errorf("no saved session for room %s, use join instead", code)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resumed room %s.\n", code)
				return play(ctx, c.session, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Room code")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newLeaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client) error {
				if err := c.session.Leave(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
				return nil
			})
		},
	}
}

type client struct {
	db      *gorm.DB
	lobby   *lobbyapi.Client
	session *roomsession.Session
}

func withClient(ctx context.Context, run func(context.Context, *client) error) (err error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := openClient(appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, c.Close())
	}()

	return run(ctx, c)
}

func openClient(appConfig config.AppConfig, logger *zap.Logger) (*client, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	store, err := sessionstore.NewSQLStore(sessionstore.SQLStoreConfig{
		Database:   db,
		SessionKey: appConfig.SessionKey,
		Logger:     logger.Named("sessionstore"),
	})
	if err != nil {
		return nil, multierr.Append(err, closeDatabase(db))
	}

	lobby, err := lobbyapi.NewClient(lobbyapi.ClientConfig{
		BaseURL:        appConfig.APIURL,
		RequestTimeout: appConfig.ConnectTimeout,
		Logger:         logger.Named("lobby"),
	})
	if err != nil {
		return nil, multierr.Append(err, closeDatabase(db))
	}

	session, err := roomsession.Open(roomsession.Config{
		URL: appConfig.WebSocketURL,
		Dialer: &transport.WebSocketDialer{
			PingInterval: appConfig.PingInterval,
			AckTimeout:   appConfig.AckTimeout,
			Logger:       logger.Named("transport"),
		},
		Store:       store,
		BaseDelay:   appConfig.BaseDelay,
		MaxDelay:    appConfig.MaxDelay,
		MaxAttempts: appConfig.MaxAttempts,
		DialTimeout: appConfig.ConnectTimeout,
		JoinTimeout: appConfig.JoinTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, multierr.Append(err, closeDatabase(db))
	}

	return &client{db: db, lobby: lobby, session: session}, nil
}

func (c *client) Close() error {
	return multierr.Append(c.session.Close(), closeDatabase(c.db))
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
