package data

import (
	"testing"
	"time"

	"ReplyRelay/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestNewData_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	c := &conf.Data{
		Redis: &conf.Data_Redis{
			Addr:         mr.Addr(),
			ReadTimeout:  durationpb.New(200 * time.Millisecond),
			WriteTimeout: durationpb.New(200 * time.Millisecond),
		},
		LocalCacheSize: 64,
	}
	logger := log.DefaultLogger

	rdb, redisCleanup, err := NewRedisClient(c, logger)
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer redisCleanup()

	data, cleanup, err := NewData(c, logger, rdb, NewCacheClient(rdb), nil)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, data.GetRedisClient())
	assert.NotNil(t, data.GetCache())
	assert.Nil(t, data.GetDB())
	assert.Equal(t, 64, data.LocalCacheSize())
}

func TestNewData_WithoutRedis(t *testing.T) {
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, nil, NewCacheClient(nil), nil)
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, data.GetRedisClient())
	assert.Equal(t, defaultLocalCacheSize, data.LocalCacheSize())
}

func TestNewData_NilConfig(t *testing.T) {
	data, cleanup, err := NewData(nil, log.DefaultLogger, nil, nil, nil)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, defaultLocalCacheSize, data.LocalCacheSize())
}

func TestNewData_EncryptionKey(t *testing.T) {
	data, cleanup, err := NewData(&conf.Data{EncryptionKey: "12345678901234567890123456789012"}, log.DefaultLogger, nil, nil, nil)
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, data.BodyCipher())

	_, _, err = NewData(&conf.Data{EncryptionKey: "short"}, log.DefaultLogger, nil, nil, nil)
	assert.Error(t, err)

	data, _, err = NewData(&conf.Data{}, log.DefaultLogger, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, data.BodyCipher())
}
