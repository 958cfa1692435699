package database

import (
	"fmt"
	"os"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stepbus/stepbus/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath selects an in-memory SQLite database.
const MemoryPath = ":memory:"

// Manager opens the Postgres database, falling back to a SQLite file
// when Postgres cannot be reached.
type Manager struct {
	DB *gorm.DB
	// Fallback is set when DB is the SQLite fallback at FallbackPath.
	Fallback     bool
	FallbackPath string
	Logger       zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{Logger: log}
}

// Connect pings Postgres and uses it when it answers. Otherwise it opens
// SQLite at fallbackPath; an empty path gives an in-memory database.
func (m *Manager) Connect(pg config.PostgresConfig, fallbackPath string) error {
	db, err := pingPostgres(pg)
	if err == nil {
		m.DB = db
		m.Logger.Info().Str("host", pg.Host).Str("database", pg.Database).Msg("Connected to Postgres")
		return nil
	}
	m.Logger.Warn().Err(err).Str("host", pg.Host).Msg("Postgres unreachable, falling back to SQLite")

	db, err = OpenSqlite(fallbackPath)
	if err != nil {
		return fmt.Errorf("open SQLite fallback %q: %w", fallbackPath, err)
	}
	m.DB = db
	m.Fallback = true
	m.FallbackPath = fallbackPath
	m.Logger.Info().Str("path", fallbackPath).Msg("Using SQLite fallback")
	return nil
}

func pingPostgres(pg config.PostgresConfig) (*gorm.DB, error) {
	db, err := OpenPostgres(pg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	return db, nil
}

// PostgresDSN builds a libpq key/value DSN.
func PostgresDSN(pg config.PostgresConfig) string {
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		pg.Host, pg.Port, pg.Username, pg.Password, pg.Database, sslMode)
}

// OpenPostgres opens a connection to the Postgres database.
func OpenPostgres(pg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  PostgresDSN(pg),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSqlite opens a SQLite database at path. MemoryPath or an empty path
// gives a private in-memory database pinned to one connection, since each
// new connection to :memory: would see an empty database.
func OpenSqlite(path string) (*gorm.DB, error) {
	inMemory := path == "" || path == MemoryPath
	if inMemory {
		path = MemoryPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        500,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	if inMemory {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	// set PRAGMAS
	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
	}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA busy_timeout = 5000;")
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	return db, nil
}

// DumpToDisk snapshots the database into a file with VACUUM INTO,
// replacing any previous snapshot.
func DumpToDisk(db *gorm.DB, sqliteFilePath string) error {
	if sqliteFilePath == "" {
		return fmt.Errorf("sqlite file path not set")
	}

	if _, err := os.Stat(sqliteFilePath); err == nil {
		if err := os.Remove(sqliteFilePath); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	target := "file:" + strings.ReplaceAll(sqliteFilePath, "'", "''")
	if err := db.Exec("VACUUM INTO '" + target + "';").Error; err != nil {
		return fmt.Errorf("error dumping DB to disk: %w", err)
	}

	return nil
}
