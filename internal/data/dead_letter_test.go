package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"ReplyRelay/internal/model"
	"ReplyRelay/pkg/crypto"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// setupTestDB creates a test database connection with sqlmock
func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func testDeadLetter() model.DeadLetter {
	return model.DeadLetter{
		ID:             "4b1f0f8e-3a36-4c7e-9a55-0c6f1f7f7f01",
		IdempotencyKey: "reply:wamid.1",
		Recipient:      "15551234567",
		Body:           "hello",
		Attempts:       4,
		Reason:         "exhausted",
		LastError:      "whatsapp api error",
		CreatedAt:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDeadLetterRepo_Save(t *testing.T) {
	db, mock := setupTestDB(t)
	repo, err := NewDeadLetterRepo(&Data{db: db, localCacheSize: 8}, log.DefaultLogger)
	require.NoError(t, err)
	ctx := context.Background()
	dl := testDeadLetter()

	t.Run("insert", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `replyrelay_dead_letters`")).
			WithArgs(dl.ID, dl.IdempotencyKey, dl.Recipient, dl.Body, dl.Attempts, dl.Reason, dl.LastError, dl.CreatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		assert.NoError(t, repo.Save(ctx, dl))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate key is already recorded", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `replyrelay_dead_letters`")).
			WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"})
		mock.ExpectRollback()

		assert.NoError(t, repo.Save(ctx, dl))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("connection failure", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `replyrelay_dead_letters`")).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		assert.Error(t, repo.Save(ctx, dl))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeadLetterRepo_List(t *testing.T) {
	db, mock := setupTestDB(t)
	repo, err := NewDeadLetterRepo(&Data{db: db, localCacheSize: 8}, log.DefaultLogger)
	require.NoError(t, err)
	dl := testDeadLetter()

	rows := sqlmock.NewRows([]string{"id", "idempotency_key", "recipient", "body", "attempts", "reason", "last_error", "created_at"}).
		AddRow(dl.ID, dl.IdempotencyKey, dl.Recipient, dl.Body, dl.Attempts, dl.Reason, dl.LastError, dl.CreatedAt)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `replyrelay_dead_letters` ORDER BY created_at DESC LIMIT ?")).
		WithArgs(10).
		WillReturnRows(rows)

	got, err := repo.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dl, got[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_WithoutDatabase(t *testing.T) {
	repo, err := NewDeadLetterRepo(&Data{localCacheSize: 2}, log.DefaultLogger)
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"reply:a", "reply:b", "reply:c"} {
		dl := testDeadLetter()
		dl.IdempotencyKey = key
		require.NoError(t, repo.Save(ctx, dl))
	}

	got, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "bounded by the local cache")
	assert.Equal(t, "reply:c", got[0].IdempotencyKey)
	assert.Equal(t, "reply:b", got[1].IdempotencyKey)
}

// sealedBody matches a body column written through the field cipher.
type sealedBody struct{ got *string }

func (m sealedBody) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*m.got = s
	}
	return ok && crypto.IsSealed(s)
}

func TestDeadLetterRepo_EncryptsBody(t *testing.T) {
	db, mock := setupTestDB(t)
	cipher, err := crypto.NewFieldCipher([]byte("12345678901234567890123456789012"))
	require.NoError(t, err)
	repo, err := NewDeadLetterRepo(&Data{db: db, localCacheSize: 8, bodyCipher: cipher}, log.DefaultLogger)
	require.NoError(t, err)
	dl := testDeadLetter()

	var stored string
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `replyrelay_dead_letters`")).
		WithArgs(dl.ID, dl.IdempotencyKey, dl.Recipient, sealedBody{got: &stored}, dl.Attempts, dl.Reason, dl.LastError, dl.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.Save(context.Background(), dl))
	assert.NotContains(t, stored, dl.Body)

	rows := sqlmock.NewRows([]string{"id", "idempotency_key", "recipient", "body", "attempts", "reason", "last_error", "created_at"}).
		AddRow(dl.ID, dl.IdempotencyKey, dl.Recipient, stored, dl.Attempts, dl.Reason, dl.LastError, dl.CreatedAt).
		AddRow("legacy", "reply:legacy", dl.Recipient, "plain body", 1, "rejected", "", dl.CreatedAt)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `replyrelay_dead_letters` ORDER BY created_at DESC LIMIT ?")).
		WithArgs(10).
		WillReturnRows(rows)

	got, err := repo.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dl, got[0])
	assert.Equal(t, "plain body", got[1].Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}
