package database

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/etimsgo/internal/config"
	"github.com/xelth-com/etimsgo/internal/models"
)

const (
	embeddedDataPath = "./db_data"
	embeddedPort     = 5433
)

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens the configured store: sqlite, external PostgreSQL, or an embedded
// PostgreSQL when the host is localhost and no password is set.
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	logLevel := logger.Warn
	if cfg.Silent {
		logLevel = logger.Silent
	}
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	if cfg.Driver == "sqlite" {
		return connectSQLite(cfg, gormCfg, log)
	}
	return connectPostgres(cfg, gormCfg, log)
}

func connectSQLite(cfg config.DatabaseConfig, gormCfg *gorm.Config, log *zap.Logger) (*DB, error) {
	dsn := cfg.Path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite serializes writers; one connection avoids "database is locked"
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info("📦 Mode: [SQLite]", zap.String("path", cfg.Path))
	return &DB{DB: db}, nil
}

func connectPostgres(cfg config.DatabaseConfig, gormCfg *gorm.Config, log *zap.Logger) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres
	password := cfg.Password

	if cfg.Host == "localhost" && cfg.Password == "" {
		log.Info("📦 Mode: [Embedded PostgreSQL] - Initializing internal database...")

		cleanupStaleEmbeddedPostgres(log)
		if err := waitForPort(embeddedPort, log); err != nil {
			return nil, err
		}

		embedded = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			DataPath(embeddedDataPath).
			Port(uint32(embeddedPort)).
			Database(cfg.Database).
			Username(cfg.Username).
			Password("postgres"))

		if err := embedded.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded database: %w", err)
		}

		cfg.Port = strconv.Itoa(embeddedPort)
		password = "postgres"
		log.Info("✅ Embedded PostgreSQL process started", zap.Int("port", embeddedPort))
	} else {
		log.Info("🌐 Mode: [External PostgreSQL]", zap.String("host", cfg.Host), zap.String("port", cfg.Port))
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		password,
		cfg.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("✅ Database connection established")
	return &DB{DB: db, embedded: embedded}, nil
}

// cleanupStaleEmbeddedPostgres stops a postmaster left behind by a previous crash
func cleanupStaleEmbeddedPostgres(log *zap.Logger) {
	pidFile := filepath.Join(embeddedDataPath, "postmaster.pid")

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		log.Warn("could not parse PID from postmaster.pid", zap.Error(err))
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil || process.Signal(syscall.Signal(0)) != nil {
		log.Info("🧹 Removing stale postmaster.pid", zap.Int("pid", pid))
		os.Remove(pidFile)
		return
	}

	log.Warn("found orphaned PostgreSQL process, stopping it", zap.Int("pid", pid))
	_ = process.Signal(syscall.SIGTERM)
	for i := 0; i < 10; i++ {
		time.Sleep(500 * time.Millisecond)
		if process.Signal(syscall.Signal(0)) != nil {
			os.Remove(pidFile)
			return
		}
	}

	_ = process.Kill()
	time.Sleep(500 * time.Millisecond)
	os.Remove(pidFile)
}

func waitForPort(port int, log *zap.Logger) error {
	for i := 0; i < 6 && isPortInUse(port); i++ {
		if i == 0 {
			log.Warn("port still in use, waiting for release", zap.Int("port", port))
		}
		time.Sleep(500 * time.Millisecond)
	}
	if isPortInUse(port) {
		return fmt.Errorf("port %d is still in use by another process", port)
	}
	return nil
}

func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Migrate synchronizes the schema for every persisted model
func (db *DB) Migrate() error {
	return db.DB.AutoMigrate(
		&models.Operator{},
		&models.Settings{},
		&models.Route{},
		&models.Submission{},
		&models.IntegrationRequest{},
		&models.Notice{},
	)
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	closeErr := sqlDB.Close()

	if db.embedded != nil {
		if err := db.embedded.Stop(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}
