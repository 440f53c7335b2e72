package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/depotlabs/buildboard/internal/buildlogs"
	"github.com/depotlabs/buildboard/internal/config"
	"github.com/depotlabs/buildboard/internal/http_api"
	"github.com/depotlabs/buildboard/internal/locks"
	"github.com/depotlabs/buildboard/internal/permissions"
	"github.com/depotlabs/buildboard/internal/push"
	"github.com/depotlabs/buildboard/internal/repository"
	"github.com/depotlabs/buildboard/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "buildboard",
		Usage: "Buildboard is a server-build monitoring dashboard backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.IntFlag{Name: "api-port", Aliases: []string{"a"}, Usage: "API listen port"},
			&cli.StringFlag{Name: "permissions-file", Aliases: []string{"f"}, Usage: "Path to the regions/permissions document"},
			&cli.StringFlag{Name: "build-logs-dir", Aliases: []string{"b"}, Usage: "Root of the installer log tree"},
			&cli.IntFlag{Name: "lock-timeout", Aliases: []string{"l"}, Usage: "Region push lock lease in seconds"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("permissions-file") {
		cfg.PermissionsFile = c.String("permissions-file")
	}
	if c.IsSet("build-logs-dir") {
		cfg.BuildLogsDir = c.String("build-logs-dir")
	}
	if c.IsSet("lock-timeout") {
		cfg.LockTimeoutSeconds = c.Int("lock-timeout")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}

	// Initialize database
	repo, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer repo.Close()

	// Load the regions/permissions document
	perms, err := permissions.LoadFile(cfg.PermissionsFile)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %v", err)
	}

	// Initialize the region push lock service
	lockService := locks.NewService(repo, log, time.Duration(cfg.LockTimeoutSeconds)*time.Second)

	// Installer logs are served only when a log tree is configured
	var logStore buildlogs.Store
	if cfg.BuildLogsDir != "" {
		logStore = buildlogs.NewDirStore(cfg.BuildLogsDir, log)
	}

	// Initialize API server
	apiServer := http_api.NewHTTPServer(repo, lockService, perms, push.NewRecorder(log), logStore, cfg.APIPort, log)

	go apiServer.Start()

	// Wait for termination and shut down cleanly
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return apiServer.Shutdown()
}
