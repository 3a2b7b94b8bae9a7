package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Strob0t/slotkeeper/internal/adapter/postgres"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/middleware"
	"github.com/Strob0t/slotkeeper/internal/secrets"
	"github.com/Strob0t/slotkeeper/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "sweep-idempotency":
		return runAdminSweep(args[1:])
	case "mint-token":
		return runAdminMintToken(args[1:])
	case "list-exceptions":
		return runAdminListExceptions(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: slotkeeper admin <command> [options]

Commands:
  migrate            Apply pending database migrations
  rollback           Roll back database migrations
  version            Print the binary and schema version
  sweep-idempotency  Delete expired idempotency records
  mint-token         Sign a bearer token for a tenant
  list-exceptions    List a resource's availability exceptions
  help               Show this help message

Examples:
  slotkeeper admin migrate
  slotkeeper admin rollback --steps 2
  slotkeeper admin mint-token --tenant 3f1c... --user ops
  slotkeeper admin list-exceptions --tenant 3f1c... --resource room-1
`)
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadAdminStore connects to PostgreSQL. Admin commands that touch data
// require the postgres backend.
func loadAdminStore(ctx context.Context, cfg *config.Config) (*postgres.Store, *postgres.IdempotencyStore, func(), error) {
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.NewStore(pool), postgres.NewIdempotencyStore(pool), pool.Close, nil
}

func runAdminMigrate(args []string) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := postgres.RunMigrations(context.Background(), cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Migrations applied")
	return nil
}

func runAdminRollback(args []string) error {
	fs := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be >= 1")
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := postgres.RollbackMigrations(context.Background(), cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Printf("slotkeeper %s\n", version)

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != "postgres" {
		return nil
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	fmt.Printf("schema %d\n", v)
	return nil
}

func runAdminSweep(args []string) error {
	fs := pflag.NewFlagSet("sweep-idempotency", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	_, idemStore, cleanup, err := loadAdminStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := service.NewIdempotencyService(idemStore, config.Idempotency{}, nil)
	n, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Deleted %d expired record(s)\n", n)
	return nil
}

func runAdminMintToken(args []string) error {
	fs := pflag.NewFlagSet("mint-token", pflag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	userID := fs.String("user", "", "user id")
	app := fs.Bool("app", false, "place identifiers in the application channel")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" {
		return errors.New("--tenant is required")
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" && cfg.Auth.SecretFile != "" {
		vals, err := secrets.FileLoader(secrets.JWTSecret, cfg.Auth.SecretFile)()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = vals[secrets.JWTSecret]
	}
	if cfg.Auth.JWTSecret == "" {
		secret, err := promptSecret("Signing secret: ")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}
	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	claims := tenant.Claims{tenant.TenantClaim: *tenantID}
	if *userID != "" {
		claims[tenant.SubjectClaim] = *userID
	}
	if *app {
		channel := map[string]any{tenant.TenantClaim: *tenantID}
		if *userID != "" {
			channel[tenant.UserClaim] = *userID
		}
		claims = tenant.Claims{tenant.AppClaim: channel}
	}

	token, err := middleware.NewVerifier(cfg.Auth).Mint(claims, lifetime)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runAdminListExceptions(args []string) error {
	fs := pflag.NewFlagSet("list-exceptions", pflag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	resourceID := fs.String("resource", "", "resource id (required)")
	from := fs.String("from", "", "window start (RFC 3339)")
	to := fs.String("to", "", "window end (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" || *resourceID == "" {
		return errors.New("--tenant and --resource are required")
	}
	window, err := parseAdminWindow(*from, *to)
	if err != nil {
		return err
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := tenant.WithContext(context.Background(), tenant.SecurityContext{TenantID: *tenantID})
	store, _, cleanup, err := loadAdminStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := service.NewExceptionService(store, cfg.Booking, nil).List(ctx, *resourceID, window)
	if err != nil {
		return fmt.Errorf("list exceptions: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No exceptions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTART\tEND\tCLOSED\tSOURCE\tDESCRIPTION")
	for i := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			list[i].ID, list[i].Start.Format(time.RFC3339), list[i].End.Format(time.RFC3339),
			list[i].Closed, list[i].Source, list[i].Description)
	}
	return w.Flush()
}

func parseAdminWindow(from, to string) (timerange.Range, error) {
	var window timerange.Range
	if from == "" && to == "" {
		return window, nil
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return window, fmt.Errorf("--from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return window, fmt.Errorf("--to: %w", err)
	}
	return timerange.Range{Start: start, End: end}, nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
