package relational

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// StoreName is the registry name of the relational store
	StoreName string = "jdbc"

	// DialectPostgres is the PostgreSQL dialect
	DialectPostgres string = "postgres"
	// DialectMySQL is the MySQL dialect
	DialectMySQL string = "mysql"
	// DialectSQLite is the SQLite dialect
	DialectSQLite string = "sqlite"

	slowQueryThreshold time.Duration = time.Second
)

// RelationalStoreConfig is configuration of RelationalStore
type RelationalStoreConfig struct {
	Dialect        string
	DSN            string
	ImageTableName string
	InfoTableName  string
}

// RelationalStore implements cache.CacheStore on two SQL tables through GORM
type RelationalStore struct {
	db             *gorm.DB
	ownDB          bool
	imageTableName string
	infoTableName  string
	clock          func() time.Time
}

func newDialector(dialect string, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(dialect) {
	case DialectPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DialectMySQL:
		return mysql.Open(dsn), nil
	case DialectSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, xerrors.Errorf("unsupported database dialect %q", dialect)
	}
}

// NewGormLogger returns a GORM logger writing to logrus
func NewGormLogger() gormlogger.Interface {
	return gormlogger.New(log.StandardLogger(), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// NewRelationalStore opens the database and creates tables if missing
func NewRelationalStore(config *RelationalStoreConfig) (*RelationalStore, error) {
	dialector, err := newDialector(config.Dialect, config.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(),
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s database: %w", config.Dialect, cache.NewBackendUnavailableError(StoreName, err))
	}

	store, err := NewRelationalStoreWithDB(db, config.ImageTableName, config.InfoTableName)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}

	err = store.Migrate(context.Background())
	if err != nil {
		store.ownDB = true
		store.Release()
		return nil, err
	}

	store.ownDB = true
	return store, nil
}

// NewRelationalStoreWithDB creates a new RelationalStore on the given database, tables are not created
func NewRelationalStoreWithDB(db *gorm.DB, imageTableName string, infoTableName string) (*RelationalStore, error) {
	if db == nil {
		return nil, xerrors.Errorf("database is not given")
	}

	if len(imageTableName) == 0 {
		imageTableName = DefaultImageTableName
	}

	if len(infoTableName) == 0 {
		infoTableName = DefaultInfoTableName
	}

	return &RelationalStore{
		db:             db,
		imageTableName: imageTableName,
		infoTableName:  infoTableName,
		clock:          time.Now,
	}, nil
}

// Migrate creates or updates the tables
func (store *RelationalStore) Migrate(ctx context.Context) error {
	err := store.imageTable(ctx).AutoMigrate(&DerivativeImage{})
	if err != nil {
		return xerrors.Errorf("failed to migrate table %s: %w", store.imageTableName, store.wrapError(err))
	}

	err = store.infoTable(ctx).AutoMigrate(&Info{})
	if err != nil {
		return xerrors.Errorf("failed to migrate table %s: %w", store.infoTableName, store.wrapError(err))
	}
	return nil
}

// Release closes the database if the store opened it
func (store *RelationalStore) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "relational",
		"struct":   "RelationalStore",
		"function": "Release",
	})

	if !store.ownDB {
		return
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		logger.WithError(err).Warn("failed to get database handle")
		return
	}

	err = sqlDB.Close()
	if err != nil {
		logger.WithError(err).Warn("failed to close database")
	}
}

// GetName returns the store name
func (store *RelationalStore) GetName() string {
	return StoreName
}

// IsAvailable pings the database
func (store *RelationalStore) IsAvailable(ctx context.Context) bool {
	sqlDB, err := store.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (store *RelationalStore) imageTable(ctx context.Context) *gorm.DB {
	return store.db.WithContext(ctx).Table(store.imageTableName)
}

func (store *RelationalStore) infoTable(ctx context.Context) *gorm.DB {
	return store.db.WithContext(ctx).Table(store.infoTableName)
}

func (store *RelationalStore) wrapError(err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return cache.NewBackendUnavailableError(StoreName, err)
}

// ReadEntry returns a reader of the row payload
func (store *RelationalStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	logger := log.WithFields(log.Fields{
		"package":  "relational",
		"struct":   "RelationalStore",
		"function": "ReadEntry",
	})

	defer utils.StackTraceFromPanic(logger)

	var payload []byte
	var lastModified time.Time

	if key.IsInfo() {
		row := Info{}
		err := store.infoTable(ctx).Where("identifier = ?", key.GetIdentifier().String()).Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, cache.NewNotFoundError(key)
			}
			return nil, nil, xerrors.Errorf("failed to select info of %s: %w", key.GetIdentifier(), store.wrapError(err))
		}

		payload = []byte(row.Info)
		lastModified = row.LastModified
	} else {
		row := DerivativeImage{}
		err := store.imageTable(ctx).Where("operations = ?", key.GetOperations()).Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, cache.NewNotFoundError(key)
			}
			return nil, nil, xerrors.Errorf("failed to select image %s: %w", key.GetOperations(), store.wrapError(err))
		}

		payload = row.Image
		lastModified = row.LastModified
	}

	stat := &cache.EntryStat{
		Key:          key,
		Size:         int64(len(payload)),
		LastModified: lastModified,
	}
	return io.NopCloser(bytes.NewReader(payload)), stat, nil
}

// CreateEntryWriter returns a writer buffering the payload, the row is upserted on a complete Close
func (store *RelationalStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	return cache.NewBufferedEntryWriter(key, func(data []byte) error {
		return store.upsert(context.WithoutCancel(ctx), key, data)
	}), nil
}

func (store *RelationalStore) upsert(ctx context.Context, key cache.Key, data []byte) error {
	lastModified := store.clock()

	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := clause.OnConflict{UpdateAll: true}

		if key.IsInfo() {
			row := &Info{
				Identifier:   key.GetIdentifier().String(),
				Info:         string(data),
				LastModified: lastModified,
			}
			return tx.Table(store.infoTableName).Clauses(upsert).Create(row).Error
		}

		row := &DerivativeImage{
			Operations:   key.GetOperations(),
			Identifier:   key.GetIdentifier().String(),
			Image:        data,
			LastModified: lastModified,
		}
		return tx.Table(store.imageTableName).Clauses(upsert).Create(row).Error
	})
	if err != nil {
		return xerrors.Errorf("failed to upsert %s: %w", key.String(), store.wrapError(err))
	}
	return nil
}

// DeleteEntry deletes the row
func (store *RelationalStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	var result *gorm.DB
	if key.IsInfo() {
		result = store.infoTable(ctx).Where("identifier = ?", key.GetIdentifier().String()).Delete(&Info{})
	} else {
		result = store.imageTable(ctx).Where("operations = ?", key.GetOperations()).Delete(&DerivativeImage{})
	}

	if result.Error != nil {
		return xerrors.Errorf("failed to delete %s: %w", key.String(), store.wrapError(result.Error))
	}

	if result.RowsAffected == 0 {
		return cache.NewNotFoundError(key)
	}
	return nil
}

// DeleteAllEntriesForIdentifier deletes the info row and all image rows of the identifier
func (store *RelationalStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	deleted := 0

	result := store.imageTable(ctx).Where("identifier = ?", identifier.String()).Delete(&DerivativeImage{})
	if result.Error != nil {
		return deleted, xerrors.Errorf("failed to delete images of %s: %w", identifier, store.wrapError(result.Error))
	}
	deleted += int(result.RowsAffected)

	result = store.infoTable(ctx).Where("identifier = ?", identifier.String()).Delete(&Info{})
	if result.Error != nil {
		return deleted, xerrors.Errorf("failed to delete info of %s: %w", identifier, store.wrapError(result.Error))
	}
	deleted += int(result.RowsAffected)

	return deleted, nil
}

// DeleteAllEntries deletes all rows of both tables
func (store *RelationalStore) DeleteAllEntries(ctx context.Context) (int, error) {
	deleted := 0

	result := store.imageTable(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&DerivativeImage{})
	if result.Error != nil {
		return deleted, xerrors.Errorf("failed to delete all images: %w", store.wrapError(result.Error))
	}
	deleted += int(result.RowsAffected)

	count, err := store.DeleteAllInfoEntries(ctx)
	return deleted + count, err
}

// DeleteAllInfoEntries deletes all rows of the info table
func (store *RelationalStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	result := store.infoTable(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Info{})
	if result.Error != nil {
		return 0, xerrors.Errorf("failed to delete all infos: %w", store.wrapError(result.Error))
	}
	return int(result.RowsAffected), nil
}

// DeleteExpiredEntries deletes rows last modified before cutoff
func (store *RelationalStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	result := store.imageTable(ctx).Where("last_modified < ?", cutoff).Delete(&DerivativeImage{})
	if result.Error != nil {
		return deleted, xerrors.Errorf("failed to delete expired images: %w", store.wrapError(result.Error))
	}
	deleted += int(result.RowsAffected)

	result = store.infoTable(ctx).Where("last_modified < ?", cutoff).Delete(&Info{})
	if result.Error != nil {
		return deleted, xerrors.Errorf("failed to delete expired infos: %w", store.wrapError(result.Error))
	}
	deleted += int(result.RowsAffected)

	return deleted, nil
}

// CleanUp does nothing, rows are written in transactions
func (store *RelationalStore) CleanUp(ctx context.Context) error {
	return nil
}
