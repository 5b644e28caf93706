package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyDBError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyDBError(nil))
}

func TestClassifyDBError_GORMRecordNotFound(t *testing.T) {
	dbErr := ClassifyDBError(fmt.Errorf("lookup dead letter: %w", gorm.ErrRecordNotFound))

	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
	assert.True(t, errors.Is(dbErr, gorm.ErrRecordNotFound))
	assert.True(t, IsNotFoundError(gorm.ErrRecordNotFound))
}

func TestClassifyDBError_MySQL(t *testing.T) {
	tests := []struct {
		name      string
		code      uint16
		expected  DatabaseErrorType
		retryable bool
	}{
		{"duplicate idempotency key", 1062, ErrorTypeDuplicateKey, false},
		{"data too long", 1406, ErrorTypeDataTooLong, false},
		{"deadlock", 1213, ErrorTypeDeadlock, true},
		{"lock wait timeout", 1205, ErrorTypeDeadlock, true},
		{"null column", 1048, ErrorTypeInvalidValue, false},
		{"server gone away", 2006, ErrorTypeConnectionError, true},
		{"unmapped code", 1146, ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mysqlErr := &mysql.MySQLError{Number: tt.code, Message: tt.name}
			dbErr := ClassifyDBError(fmt.Errorf("insert: %w", mysqlErr))

			assert.Equal(t, tt.expected, dbErr.Type)
			assert.Equal(t, tt.code, dbErr.MySQLErrCode)
			assert.Equal(t, tt.retryable, dbErr.Retryable())
			assert.Contains(t, dbErr.Error(), fmt.Sprintf("MySQL error %d", tt.code))
		})
	}
}

func TestClassifyDBError_Connection(t *testing.T) {
	tests := []error{
		errors.New("dial tcp 127.0.0.1:3306: connect: Connection Refused"),
		errors.New("read tcp: i/o timeout"),
		context.DeadlineExceeded,
		mysql.ErrInvalidConn,
	}

	for _, err := range tests {
		assert.True(t, IsConnectionError(err), err.Error())
	}
	assert.False(t, IsConnectionError(errors.New("syntax error near SELECT")))
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, IsDuplicateKeyError(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicateKeyError(errors.New("other")))
	assert.False(t, IsDuplicateKeyError(nil))
}
