package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/teamsrelay/internal/api"
	"github.com/shohag/teamsrelay/internal/config"
	"github.com/shohag/teamsrelay/internal/delivery"
	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/metrics"
	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/resolver"
	"github.com/shohag/teamsrelay/internal/signing"
	"github.com/shohag/teamsrelay/internal/storage"
	"github.com/shohag/teamsrelay/internal/vault"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "teamsrelay",
		Short: "TeamsRelay relays Azure DevOps pull request events into Microsoft Teams",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(subscriptionCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(attemptsCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			rt, err := openRelay(*configPath, reg)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, log := rt.cfg, rt.log

			sender := resolver.New(rt.graph, cfg.Graph.MaxTeams, log)
			pipeline := delivery.NewPipeline(rt.store, rt.vault, sender, log, delivery.WithObserver(rt.metrics))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			janitor := delivery.NewJanitor(cfg.Retention, rt.store, log)
			janitor.Start(ctx)

			server := api.NewServer(*cfg, api.Deps{
				Store:      rt.store,
				Pipeline:   pipeline,
				Credential: rt.vault,
				Profile:    rt.graph,
				Gatherer:   reg,
				Version:    version,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Str("credentials", cfg.Credentials.Driver).
				Int("max_teams", cfg.Graph.MaxTeams).
				Msg("TeamsRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			janitor.Stop()

			log.Info().Msg("TeamsRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func subscriptionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Manage webhook subscriptions",
	}

	// subscription create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription bound to a Teams chat or channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			targetID, _ := cmd.Flags().GetString("target")
			kindFlag, _ := cmd.Flags().GetString("kind")
			teamID, _ := cmd.Flags().GetString("team")
			org, _ := cmd.Flags().GetString("organization")
			project, _ := cmd.Flags().GetString("project")
			if targetID == "" {
				return fmt.Errorf("--target is required")
			}
			kind, err := models.ParseTargetKind(kindFlag)
			if err != nil {
				return err
			}
			if teamID != "" && kind != models.TargetChannel {
				return fmt.Errorf("--team requires --kind channel")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			sub := &models.Subscription{
				ID:           models.NewID("sub"),
				Name:         name,
				TargetID:     targetID,
				TargetKind:   kind,
				TeamID:       teamID,
				Secret:       models.NewSecret(),
				Organization: org,
				Project:      project,
				Active:       true,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if sub.Name == "" {
				sub.Name = targetID
			}

			if err := store.CreateSubscription(context.Background(), sub); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}

			return printJSON(sub)
		},
	}
	createCmd.Flags().String("name", "", "subscription name")
	createCmd.Flags().String("target", "", "Teams chat or channel id")
	createCmd.Flags().String("kind", "unknown", "target kind: chat, channel or unknown")
	createCmd.Flags().String("team", "", "team id, for channel targets")
	createCmd.Flags().String("organization", "", "only relay events from this Azure DevOps organization")
	createCmd.Flags().String("project", "", "only relay events from this Azure DevOps project")

	// subscription list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := store.ListSubscriptions(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}

			if len(subs) == 0 {
				fmt.Println("No subscriptions found.")
				return nil
			}

			for _, sub := range subs {
				state := "active"
				if !sub.Active {
					state = "inactive"
				}
				fmt.Printf("  %s  %s  %s:%s  %s\n", sub.ID, sub.Name, sub.TargetKind, sub.TargetID, state)
			}
			return nil
		},
	}

	// subscription delete
	deleteCmd := &cobra.Command{
		Use:   "delete <subscription_id>",
		Short: "Delete a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.DeleteSubscription(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to delete subscription: %w", err)
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	// subscription sign
	signCmd := &cobra.Command{
		Use:   "sign <subscription_id>",
		Short: "Print signature headers for a payload read from --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			body, err := readInput(path)
			if err != nil {
				return err
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := store.GetSubscription(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get subscription: %w", err)
			}
			if sub == nil {
				return fmt.Errorf("subscription %s not found", args[0])
			}

			sig, ts := signing.Sign(sub.Secret, body)
			fmt.Printf("%s: %s\n%s: %d\n", signing.SignatureHeader, sig, signing.TimestampHeader, ts)
			return nil
		},
	}
	signCmd.Flags().String("file", "", "payload file, - or empty for stdin")

	cmd.AddCommand(createCmd, listCmd, deleteCmd, signCmd)
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the delegated Microsoft Graph credential",
	}

	// token import
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Store a token response from a completed OAuth consent",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			body, err := readInput(path)
			if err != nil {
				return err
			}
			var tok struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresIn    int64  `json:"expires_in"`
				Scope        string `json:"scope"`
			}
			if err := json.Unmarshal(body, &tok); err != nil {
				return fmt.Errorf("failed to parse token response: %w", err)
			}
			if tok.AccessToken == "" || tok.RefreshToken == "" {
				return errors.New("token response needs access_token and refresh_token")
			}

			rt, err := openRelay(*configPath, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := context.Background()
			if err := rt.vault.Store(ctx, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, tok.Scope); err != nil {
				return fmt.Errorf("failed to store credential: %w", err)
			}
			status, err := rt.vault.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
	importCmd.Flags().String("file", "", "token response JSON file, - or empty for stdin")

	// token status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored credential's expiry and scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRelay(*configPath, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			status, err := rt.vault.Status(context.Background())
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	// token revoke
	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Delete the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRelay(*configPath, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.vault.Revoke(context.Background()); err != nil {
				return fmt.Errorf("failed to revoke credential: %w", err)
			}
			fmt.Println("Credential revoked.")
			return nil
		},
	}

	// token whoami
	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the account messages are posted as, refreshing the token if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRelay(*configPath, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.graph.GetProfile(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> (%s)\n", p.DisplayName, p.Email(), p.ID)
			return nil
		},
	}

	cmd.AddCommand(importCmd, statusCmd, revokeCmd, whoamiCmd)
	return cmd
}

func attemptsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect the delivery log",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			subID, _ := cmd.Flags().GetString("subscription")
			outcome, _ := cmd.Flags().GetString("outcome")
			class, _ := cmd.Flags().GetString("error-class")
			limit, _ := cmd.Flags().GetInt("limit")

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			attempts, err := store.ListAttempts(context.Background(), storage.AttemptFilter{
				SubscriptionID: subID,
				Outcome:        models.Outcome(outcome),
				ErrorClass:     models.ErrorClass(class),
				Limit:          limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list attempts: %w", err)
			}

			if len(attempts) == 0 {
				fmt.Println("No attempts found.")
				return nil
			}

			for _, a := range attempts {
				detail := a.ProviderMessageID
				if a.ErrorClass != models.ErrorNone {
					detail = string(a.ErrorClass)
				}
				fmt.Printf("  %s  %s  %s  %s:%s  %s\n",
					time.UnixMilli(a.TimestampMs).UTC().Format(time.RFC3339), a.ID, a.Outcome, a.TargetKind, a.TargetID, detail)
			}
			return nil
		},
	}
	listCmd.Flags().String("subscription", "", "filter by subscription id")
	listCmd.Flags().String("outcome", "", "filter by outcome: success or failed")
	listCmd.Flags().String("error-class", "", "filter by error class")
	listCmd.Flags().Int("limit", 20, "maximum number of attempts")

	cmd.AddCommand(listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [subscription_id]",
		Short: "Show delivery stats, overall or for one subscription",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var subID string
			if len(args) == 1 {
				subID = args[0]
			}
			stats, err := store.GetStats(context.Background(), subID)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TeamsRelay v%s\n", version)
		},
	}
}

// relay holds the wired collaborators shared by serve and the token
// commands.
type relay struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   storage.Storage
	vault   *vault.Vault
	graph   *graph.Client
	metrics *metrics.Metrics
	closers []func()
}

func (rt *relay) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func openRelay(configPath string, reg prometheus.Registerer) (*relay, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	rt := &relay{cfg: cfg, log: log, metrics: metrics.New(reg, log)}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("database migrations completed")

	creds, err := setupCredentialStore(cfg.Credentials, store, rt, log)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to setup credential store: %w", err)
	}

	cipher, err := vault.NewCipher(cfg.Credentials.EncryptionSecret)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.vault = vault.New(creds, cipher, vault.NewOAuthRefresher(cfg.OAuth), cfg.Credentials.Identity, log,
		vault.WithThreshold(cfg.Credentials.RefreshThreshold),
		vault.WithObserver(rt.metrics),
	)
	rt.graph = graph.NewClient(cfg.Graph, rt.vault, log, graph.WithObserver(rt.metrics))
	return rt, nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupCredentialStore(cfg config.CredentialsConfig, store storage.Storage, rt *relay, log zerolog.Logger) (vault.CredentialStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.closers = append(rt.closers, func() { client.Close() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using Redis credential store")
		return storage.NewRedisCredentialStore(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported credentials driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return b, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
