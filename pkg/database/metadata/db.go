package metadata

import (
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// Initialize connects to the metadata database and runs migrations if enabled.
// It returns nil, nil when the metadata database is disabled.
func Initialize(cfg config.MetadataDBConfig, debug bool, log logrus.FieldLogger) (*gorm.DB, error) {
	if !cfg.Enabled {
		log.Info("Metadata database is not enabled, skipping initialization")
		return nil, nil
	}

	db, err := Connect(cfg, debug, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	if cfg.AutoMigrate {
		log.Info("Running database migrations for metadata tables")
		if err := RunMigrations(db); err != nil {
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	return db, nil
}

// DSN builds the MySQL connection string for cfg
func DSN(cfg config.MetadataDBConfig) string {
	dsn := mysqldriver.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// Connect establishes a connection to the database
func Connect(cfg config.MetadataDBConfig, debug bool, log logrus.FieldLogger) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.WithError(err).Warnf("Invalid connection max lifetime '%s', using default 5m", cfg.ConnMaxLifetime)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	log.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port}).Info("Connected to metadata database")
	return db, nil
}

// RunMigrations runs all necessary database migrations
func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&BackupHistory{},
		&RateLimitState{},
		&BackupConfigVersion{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	return sqlDB.Close()
}
