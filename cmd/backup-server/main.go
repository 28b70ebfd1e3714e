// Command backup-server runs the backup ingestion core's session
// dispatcher.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"backupcore/internal/auth"
	"backupcore/internal/cert"
	"backupcore/internal/config"
	"backupcore/internal/dispatcher"
	"backupcore/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "backup-server",
		Short: "Backup ingestion core session dispatcher",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					pprofSrv := &http.Server{Addr: pprofAddr, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("home", "/var/lib/backup-server", "directory holding datastore.json and the JWT signing key")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps, bind to loopback only")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the session dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			addr, _ := cmd.Flags().GetString("addr")
			tokenDuration, _ := cmd.Flags().GetDuration("token-duration")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeDir, addr, tokenDuration)
		},
	}
	serverCmd.Flags().String("addr", ":8007", "listen address (host:port)")
	serverCmd.Flags().Duration("token-duration", 24*time.Hour, "lifetime of issued bearer tokens")

	datastoreCmd := &cobra.Command{
		Use:   "datastore",
		Short: "Manage datastore configuration",
	}
	datastoreCmd.AddCommand(newDatastoreCreateCmd(), newDatastoreListCmd())

	tokenCmd := &cobra.Command{
		Use:   "issue-token <principal>",
		Short: "Issue a bearer token for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			tokenDuration, _ := cmd.Flags().GetDuration("token-duration")
			return issueToken(homeDir, args[0], tokenDuration)
		},
	}
	tokenCmd.Flags().Duration("token-duration", 24*time.Hour, "token lifetime")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, datastoreCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, homeDir, addr string, tokenDuration time.Duration) error {
	if err := os.MkdirAll(homeDir, 0o750); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}

	datastores := config.NewStore(filepath.Join(homeDir, "datastore.json"))

	secret, err := loadOrCreateSigningKey(homeDir)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	authenticator := auth.NewJWTAuthenticator(secret, tokenDuration)

	certMgr := cert.New(cert.Config{Logger: logger})

	d := dispatcher.New(dispatcher.Config{
		Logger:        logger,
		Datastores:    datastores,
		Authenticator: authenticator,
		CertManager:   certMgr,
	})

	logger.Info("starting dispatcher", "addr", addr, "home", homeDir)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.ServeTCP(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dispatcher exited: %w", err)
		}
		return nil
	}

	logger.Info("stopping dispatcher")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop dispatcher: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadOrCreateSigningKey reads the HMAC signing key from <home>/jwt.key,
// generating and persisting a new random one on first run.
func loadOrCreateSigningKey(homeDir string) ([]byte, error) {
	path := filepath.Join(homeDir, "jwt.key")
	if b, err := os.ReadFile(path); err == nil {
		return base64.StdEncoding.DecodeString(string(b))
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}

func issueToken(homeDir, principal string, duration time.Duration) error {
	secret, err := loadOrCreateSigningKey(homeDir)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	token, expiresAt, err := auth.NewJWTAuthenticator(secret, duration).Issue(principal)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Printf("%s\nexpires: %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}

func newDatastoreCreateCmd() *cobra.Command {
	var comment, gcPeriod string
	cmd := &cobra.Command{
		Use:   "create <name> <path>",
		Short: "Register a new datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			name, path := args[0], args[1]
			if err := os.MkdirAll(path, 0o750); err != nil {
				return fmt.Errorf("create datastore root: %w", err)
			}
			datastores := config.NewStore(filepath.Join(homeDir, "datastore.json"))
			if err := datastores.Create(config.Datastore{Name: name, Path: path, Comment: comment, GCPeriod: gcPeriod}); err != nil {
				return fmt.Errorf("create datastore: %w", err)
			}
			fmt.Printf("datastore %q created at %s\n", name, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "human-readable description")
	cmd.Flags().StringVar(&gcPeriod, "gc-period", "", "garbage collection schedule")
	return cmd
}

func newDatastoreListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered datastores",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			datastores := config.NewStore(filepath.Join(homeDir, "datastore.json"))
			list, err := datastores.List()
			if err != nil {
				return fmt.Errorf("list datastores: %w", err)
			}
			for _, ds := range list {
				fmt.Printf("%s\t%s\t%s\n", ds.Name, ds.Path, ds.Comment)
			}
			return nil
		},
	}
}
