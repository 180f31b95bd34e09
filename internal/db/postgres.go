package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/types"
	"github.com/coursebridge/completion-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	log.Info("Loading environment variables...")
	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "completion", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := Migrate(s.db); err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}

// Migrate creates the engine tables and the pending-stale partial unique
// index. Split out from PostgresService so sqlite-backed tests can reuse it.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&types.Aggregate{},
		&types.StaleCompletion{},
		&types.BlockCompletion{},
	); err != nil {
		return err
	}
	// One pending record per enrollment. Claimed and resolved rows are
	// excluded so late marks during processing create a fresh record.
	if err := gdb.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_stale_pending
		ON stale_completion (user_id, course_key)
		WHERE resolved = false AND claimed_by IS NULL
	`).Error; err != nil {
		return fmt.Errorf("failed to create uq_stale_pending: %w", err)
	}
	return nil
}
