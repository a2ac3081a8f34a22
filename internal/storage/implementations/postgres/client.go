package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// PostgresConfig holds configuration for the PostgreSQL metrics sink
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" json:"dsn,omitempty"`
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	Database        string        `mapstructure:"database" json:"database"`
	Username        string        `mapstructure:"username" json:"username"`
	Password        string        `mapstructure:"password" json:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" json:"ssl_mode"`
	Schema          string        `mapstructure:"schema" json:"schema"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	MaxConnections  int           `mapstructure:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
	// Hypertables turns the metric tables into TimescaleDB hypertables when the extension is available.
	Hypertables bool `mapstructure:"hypertables" json:"hypertables"`
}

// PostgresStorage writes evaluation records into three tables.
type PostgresStorage struct {
	config *PostgresConfig
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewPostgresStorage creates a new PostgreSQL sink. Call Connect before use.
func NewPostgresStorage(config *PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeMissingField, "Postgres config cannot be nil")
	}
	if config.DSN == "" && config.Host == "" {
		return nil, errors.NewStorageError(errors.CodeMissingField, "Postgres dsn or host is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Schema == "" {
		config.Schema = "public"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}

	return &PostgresStorage{config: config, logger: logger}, nil
}

func (p *PostgresStorage) connectionString() string {
	if p.config.DSN != "" {
		return p.config.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.config.Host,
		p.config.Port,
		p.config.Username,
		p.config.Password,
		p.config.Database,
		p.config.SSLMode,
	)
}

// Connect opens the pool and creates the tables
func (p *PostgresStorage) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", p.connectionString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open database connection")
	}
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxIdleConns)
	db.SetConnMaxLifetime(p.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to ping database")
	}

	p.db = db
	if err := p.initializeSchema(ctx); err != nil {
		db.Close()
		p.db = nil
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to initialize schema")
	}

	p.logger.WithFields(logrus.Fields{
		"host":     p.config.Host,
		"database": p.config.Database,
		"schema":   p.config.Schema,
	}).Info("Connected to PostgreSQL")
	return nil
}

// Close closes the database connection
func (p *PostgresStorage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close database")
	}
	p.logger.Info("PostgreSQL connection closed")
	return nil
}

func (p *PostgresStorage) conn() (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "Postgres not connected")
	}
	return p.db, nil
}

func (p *PostgresStorage) table(name string) string {
	return pq.QuoteIdentifier(p.config.Schema) + "." + pq.QuoteIdentifier(name)
}

func (p *PostgresStorage) schemaStatements() []string {
	return []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(p.config.Schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		members INTEGER NOT NULL,
		test_accuracy DOUBLE PRECISION NOT NULL,
		train_accuracy DOUBLE PRECISION NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		test_samples INTEGER NOT NULL,
		train_samples INTEGER NOT NULL,
		discrepancy DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`, p.table("group_stats")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		mode TEXT NOT NULL,
		active_groups INTEGER NOT NULL,
		mean_test_accuracy DOUBLE PRECISION NOT NULL,
		mean_train_accuracy DOUBLE PRECISION NOT NULL,
		mean_train_loss DOUBLE PRECISION NOT NULL,
		test_accuracy DOUBLE PRECISION NOT NULL,
		train_accuracy DOUBLE PRECISION NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		discrepancy DOUBLE PRECISION NOT NULL,
		migrations INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, round, recorded_at)
	)`, p.table("round_summaries")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		total DOUBLE PRECISION NOT NULL,
		per_group DOUBLE PRECISION[] NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, p.table("discrepancies")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_group_stats_run_round ON %s (run_id, round)", p.table("group_stats")),
	}
}

func (p *PostgresStorage) initializeSchema(ctx context.Context) error {
	for _, stmt := range p.schemaStatements() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if p.config.Hypertables {
		for _, name := range []string{"group_stats", "round_summaries", "discrepancies"} {
			query := fmt.Sprintf("SELECT create_hypertable('%s', 'recorded_at', if_not_exists => TRUE)",
				strings.ReplaceAll(p.table(name), "'", "''"))
			if _, err := p.db.ExecContext(ctx, query); err != nil {
				p.logger.WithError(err).WithField("table", name).Warn("Failed to create hypertable")
			}
		}
	}
	return nil
}

// WriteGroupStats bulk-loads the per-group records with COPY
func (p *PostgresStorage) WriteGroupStats(ctx context.Context, stats []models.GroupStats) error {
	if len(stats) == 0 {
		return nil
	}
	db, err := p.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(p.config.Schema, "group_stats",
		"run_id", "round", "group_id", "members", "test_accuracy", "train_accuracy", "train_loss",
		"test_samples", "train_samples", "discrepancy", "recorded_at"))
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to prepare COPY statement")
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx, st.RunID, st.Round, st.GroupID, st.Members, st.TestAccuracy,
			st.TrainAccuracy, st.TrainLoss, st.TestSamples, st.TrainSamples, st.Discrepancy, st.Timestamp); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to execute COPY")
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to finalize COPY")
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to commit group stats")
	}
	return nil
}

// WriteRoundSummary inserts one summary row
func (p *PostgresStorage) WriteRoundSummary(ctx context.Context, s models.RoundSummary) error {
	db, err := p.conn()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (run_id, round, mode, active_groups, mean_test_accuracy, mean_train_accuracy,
		mean_train_loss, test_accuracy, train_accuracy, train_loss, discrepancy, migrations, duration_ms, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT DO NOTHING`, p.table("round_summaries"))

	if _, err := db.ExecContext(ctx, query,
		s.RunID, s.Round, s.Mode, s.ActiveGroups,
		s.MeanTestAccuracy, s.MeanTrainAccuracy, s.MeanTrainLoss,
		s.TestAccuracy, s.TrainAccuracy, s.TrainLoss,
		s.Discrepancy, s.Migrations, s.Duration.Milliseconds(), s.Timestamp,
	); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to insert round summary")
	}
	return nil
}

// WriteDiscrepancy stores the total and the per-group distances as an array column
func (p *PostgresStorage) WriteDiscrepancy(ctx context.Context, runID string, round int, diffs []float64) error {
	if len(diffs) == 0 {
		return nil
	}
	db, err := p.conn()
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (run_id, round, total, per_group) VALUES ($1, $2, $3, $4)", p.table("discrepancies"))
	if _, err := db.ExecContext(ctx, query, runID, round, diffs[0], pq.Array(diffs[1:])); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to insert discrepancy")
	}
	return nil
}
