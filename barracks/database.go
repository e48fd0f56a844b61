package barracks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelRuntimeConfigUpdated = "barracks_reload_runtime_config"
	postgresNotifyChannelStop                 = "barracks_stop"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
	dbListenRetryInterval = 5 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update, and soft deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migrateModels lists every table managed by AutoMigrate
func migrateModels() []any {
	return []any{
		&RuntimeConfig{},
		&UserProfile{},
		&Verification{},
		&VerificationAttempt{},
		&ScheduledEvent{},
		&Ticket{},
		&InteractionLog{},
		&IdentityAPILog{},
	}
}

// database wraps a gorm connection, serializing writes unless
// enableConcurrentWrites is set. sqlite only tolerates a single writer,
// so it's only enabled for postgres.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI backed by the given gorm connection
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// begin acquires the write lock (when writes are serialized) and applies
// dbOperationTimeout if ctx has no deadline. The returned func must
// be called when the operation completes.
func (d *database) begin(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	ctx, done := d.begin(ctx)
	defer done()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI is the write interface to the database. Reads go directly
// through the *gorm.DB returned by DB().
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB opens the database and migrates all models.
//
// databaseType must be 'sqlite' or 'postgres'. database is the postgres
// connection string, or the sqlite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newTintHandler(os.Stdout, slog.LevelWarn)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return db, err
	}
	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migrateModels()...)
		},
	)
}

// getDB opens a gorm connection for the given database type
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite applies connection limits and pragmas to a sqlite connection
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if _, err = sqlDB.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	return nil
}

// notifyTargets are the channels a DBNotifier forwards notifications into
type notifyTargets struct {
	signalStop          chan struct{}
	reloadRuntimeConfig chan bool
}

// DBNotifier notifies bot instances sharing a database of runtime config
// changes and shutdown requests. With sqlite, notifications are
// delivered in-process only.
type DBNotifier interface {
	// ReloadRuntimeConfig tells bot instances to reload their
	// runtime configuration from the DB
	ReloadRuntimeConfig(context.Context) bool

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// Channels returns the channel names Listen should be called with
	Channels() []string

	// ID identifies this notifier, so it can ignore its own notifications
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	writeDB DBI,
	targets notifyTargets,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch databaseType {
	case dbTypeSQLite:
		return &localNotifier{
			logger:  log,
			targets: targets,
			id:      notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:  log,
			targets: targets,
			id:      notifyID,
			dsn:     dsn,
			writeDB: writeDB,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// forward sends v on ch, giving up after dbNotifierSendTimeout or when
// ctx is done
func forward[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(dbNotifierSendTimeout):
		return false
	}
}

type localNotifier struct {
	logger  *slog.Logger
	targets notifyTargets
	id      string
}

func (s *localNotifier) ID() string {
	return s.id
}

func (*localNotifier) Channels() []string {
	return nil
}

func (s *localNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *localNotifier) Stop(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "notifying stop signal")
	if !forward(ctx, s.targets.signalStop, struct{}{}) {
		s.logger.WarnContext(ctx, "timeout sending stop signal")
		return false
	}
	return true
}

func (s *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "sending runtime config reload")
	if !forward(ctx, s.targets.reloadRuntimeConfig, true) {
		s.logger.WarnContext(ctx, "timeout sending runtime config reload signal")
		return false
	}
	return true
}

// postgresNotifier uses LISTEN/NOTIFY, with the notifier ID as the
// payload so each instance can skip its own notifications.
type postgresNotifier struct {
	logger  *slog.Logger
	targets notifyTargets
	id      string
	dsn     string
	writeDB DBI
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (*postgresNotifier) Channels() []string {
	return []string{
		postgresNotifyChannelRuntimeConfigUpdated,
		postgresNotifyChannelStop,
	}
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelStop)
}

// ReloadRuntimeConfig notifies other instances, and reloads locally,
// since this instance ignores its own notifications
func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated)
	if !forward(ctx, p.targets.reloadRuntimeConfig, true) {
		p.logger.WarnContext(ctx, "timeout sending local runtime config reload signal")
	}
	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "listening")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(dbListenRetryInterval)
			continue
		}
		if notification.Payload == p.ID() {
			logger.DebugContext(ctx, "ignoring notification from self")
			continue
		}

		switch notification.Channel {
		case postgresNotifyChannelRuntimeConfigUpdated:
			if !forward(ctx, p.targets.reloadRuntimeConfig, true) {
				logger.Warn("timed out sending config refresh signal")
			}
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			if !forward(ctx, p.targets.signalStop, struct{}{}) {
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "notification_channel", notification.Channel)
		}
	}
	return nil
}
