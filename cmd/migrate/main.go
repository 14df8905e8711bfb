package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
	"github.com/servicedesk/authcore/internal/service"
)

var migrationsPath string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Schema migrations and RBAC seeding for authcore",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run all pending migrations",
	RunE:  runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE:  runDown,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runStatus,
}

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new migration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var seedCmd = &cobra.Command{
	Use:   "seed-rbac",
	Short: "Replace the role to permission table with the built-in defaults",
	RunE:  runSeed,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "directory holding migration files")
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func connect() (*database.Postgres, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func getMigrator() (*migrate.Migrate, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://"+migrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

func runUp(cmd *cobra.Command, args []string) error {
	log := logger.New("info", "text")
	log.Info().Msg("running migrations...")

	m, err := getMigrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info().Msg("migrations completed successfully")
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	log := logger.New("info", "text")
	log.Info().Msg("rolling back last migration...")

	m, err := getMigrator()
	if err != nil {
		return err
	}

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Info().Msg("rollback completed successfully")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := getMigrator()
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get version: %w", err)
	}

	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("No migrations have been applied")
	} else {
		fmt.Printf("Current version: %d\n", version)
		fmt.Printf("Dirty: %v\n", dirty)
	}

	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := os.MkdirAll(migrationsPath, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	// Each version has an up and a down file
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	files := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			files++
		}
	}
	version := files/2 + 1

	upFile := fmt.Sprintf("%s/%06d_%s.up.sql", migrationsPath, version, name)
	downFile := fmt.Sprintf("%s/%06d_%s.down.sql", migrationsPath, version, name)

	if err := os.WriteFile(upFile, []byte("-- Add migration SQL here\n"), 0644); err != nil {
		return fmt.Errorf("failed to create up migration: %w", err)
	}

	if err := os.WriteFile(downFile, []byte("-- Add rollback SQL here\n"), 0644); err != nil {
		return fmt.Errorf("failed to create down migration: %w", err)
	}

	fmt.Printf("Created migration files:\n  %s\n  %s\n", upFile, downFile)
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	log := logger.New("info", "text")

	db, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	table := model.DefaultPermissionTable()
	if _, err := service.NewPermissionResolver(table); err != nil {
		return fmt.Errorf("default permission table is invalid: %w", err)
	}
	if err := repository.NewPermissionRepository(db).ReplaceTable(cmd.Context(), table); err != nil {
		return fmt.Errorf("failed to seed permissions: %w", err)
	}

	log.Info().
		Int("permissions", len(table.Permissions)).
		Int("grants", len(table.RolePermissions)).
		Msg("permission table seeded")
	return nil
}
