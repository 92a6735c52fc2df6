package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db, mock
}

func TestHistoryRepositoryCreateAndFinish(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `backup_history`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record := &BackupHistory{
		ID:              "h-1",
		OperationType:   OperationBackup,
		TargetKind:      "database",
		TargetSource:    "app",
		StorageProvider: "local",
		Status:          StatusRunning,
		FileStatus:      FileExists,
		StartedAt:       time.Now(),
	}
	require.NoError(t, repo.Create(ctx, record))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `backup_history` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Finish(ctx, "h-1", map[string]interface{}{"status": StatusCompleted, "completed_at": time.Now()})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `backup_history` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = repo.Finish(ctx, "gone", map[string]interface{}{"status": StatusFailed})
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `backup_history` WHERE id = ?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryMarkExcessAsDeleted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectQuery("SELECT `id` FROM `backup_history`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("day3").AddRow("day2").AddRow("day1"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `backup_history` SET `file_status`=.*WHERE id IN").
		WithArgs(FileDeleted, sqlmock.AnyArg(), "day1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	count, err := repo.MarkExcessAsDeleted(context.Background(), "database", "app", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryMarkExcessBelowLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectQuery("SELECT `id` FROM `backup_history`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("day1"))

	count, err := repo.MarkExcessAsDeleted(context.Background(), "database", "app", 2)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryCompareAndSwap(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRateLimitRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rate_limit_states` SET .*WHERE .*id = \\? AND version = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.CompareAndSwap(context.Background(), "mailbox:me", 3, now.Add(30*time.Second), now, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rate_limit_states` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err = repo.CompareAndSwap(context.Background(), "mailbox:me", 3, now.Add(30*time.Second), now, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a stale version must lose the swap")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryGetOrCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRateLimitRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `rate_limit_states`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `rate_limit_states`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `rate_limit_states`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow("mailbox:me", 0))

	state, err := repo.GetOrCreate(context.Background(), "mailbox:me")
	require.NoError(t, err)
	assert.Equal(t, "mailbox:me", state.ID)
	assert.Equal(t, 0, state.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.MetadataDBConfig{
		Host:     "db",
		Port:     3307,
		Username: "guard",
		Password: "pw",
		Database: "meta",
	})
	assert.Contains(t, dsn, "guard:pw@tcp(db:3307)/meta")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}
