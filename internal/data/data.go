// Package data provides data access layer implementations.
// It handles Redis, MySQL and the outbound HTTP collaborators.
package data

import (
	"fmt"

	"ReplyRelay/internal/conf"
	"ReplyRelay/pkg/crypto"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewAuditLogger,
	NewBreakerStateRepo,
	NewDeadLetterRepo,
	NewWhatsAppClient,
	NewOpenAIProvider,
	NewGeminiProvider,
)

// defaultLocalCacheSize bounds the in-process fallbacks when data.local_cache_size is unset.
const defaultLocalCacheSize = 10000

// Data contains all data layer dependencies.
type Data struct {
	// redisClient is nil when Redis is not configured or unreachable at startup
	redisClient *redis.Client
	// cache is the cache interface for repository use
	cache CacheClient
	// db is nil when no database is configured
	db             *gorm.DB
	localCacheSize int
	// bodyCipher is nil when data.encryption_key is unset
	bodyCipher *crypto.FieldCipher
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis and MySQL are both optional; repositories fall back to in-process stores.
func NewData(c *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, using in-process stores for rate limits, idempotency and history")
	}
	if db == nil {
		helper.Warn("database is not configured, dead letters and audit records are kept in memory and logs only")
	}

	size := defaultLocalCacheSize
	if c != nil && c.LocalCacheSize > 0 {
		size = int(c.LocalCacheSize)
	}

	d := &Data{
		redisClient:    rdb,
		cache:          cache,
		db:             db,
		localCacheSize: size,
	}

	if c != nil && c.EncryptionKey != "" {
		key, err := crypto.ParseKey(c.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid data.encryption_key: %w", err)
		}
		if d.bodyCipher, err = crypto.NewFieldCipher(key); err != nil {
			return nil, nil, err
		}
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Redis and MySQL cleanup is handled by their own cleanup functions
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client, nil when unavailable.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}

// GetDB returns the GORM handle, nil when no database is configured.
func (d *Data) GetDB() *gorm.DB {
	return d.db
}

// BodyCipher returns the at-rest cipher for message bodies, nil when disabled.
func (d *Data) BodyCipher() *crypto.FieldCipher {
	return d.bodyCipher
}

// LocalCacheSize returns the bound for in-process LRU fallbacks.
func (d *Data) LocalCacheSize() int {
	return d.localCacheSize
}
