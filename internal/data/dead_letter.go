package data

import (
	"context"
	"fmt"
	"time"

	"ReplyRelay/internal/model"
	"ReplyRelay/pkg/crypto"
	pkgerrors "ReplyRelay/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// DeadLetterPO is the GORM model for replyrelay_dead_letters table
type DeadLetterPO struct {
	ID             string    `gorm:"primaryKey;column:id;type:char(36)"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(191);not null;uniqueIndex"`
	Recipient      string    `gorm:"column:recipient;type:varchar(32);not null;index"`
	Body           string    `gorm:"column:body;type:text;not null"`
	Attempts       int       `gorm:"column:attempts;not null"`
	Reason         string    `gorm:"column:reason;type:varchar(32);not null"`
	LastError      string    `gorm:"column:last_error;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index"`
}

// TableName specifies the table name for GORM
func (DeadLetterPO) TableName() string {
	return "replyrelay_dead_letters"
}

func toDeadLetterPO(dl model.DeadLetter) *DeadLetterPO {
	return &DeadLetterPO{
		ID:             dl.ID,
		IdempotencyKey: dl.IdempotencyKey,
		Recipient:      dl.Recipient,
		Body:           dl.Body,
		Attempts:       dl.Attempts,
		Reason:         dl.Reason,
		LastError:      dl.LastError,
		CreatedAt:      dl.CreatedAt,
	}
}

func (po *DeadLetterPO) toModel() model.DeadLetter {
	return model.DeadLetter{
		ID:             po.ID,
		IdempotencyKey: po.IdempotencyKey,
		Recipient:      po.Recipient,
		Body:           po.Body,
		Attempts:       po.Attempts,
		Reason:         po.Reason,
		LastError:      po.LastError,
		CreatedAt:      po.CreatedAt,
	}
}

// DeadLetterRepo implements biz.DeadLetterRepo. Without a database the
// most recent dead letters are kept in an LRU so operators can still list them.
type DeadLetterRepo struct {
	db     *gorm.DB
	cipher *crypto.FieldCipher
	local  *lru.Cache[string, model.DeadLetter]
	logger *log.Helper
}

// NewDeadLetterRepo creates a dead-letter repository.
func NewDeadLetterRepo(d *Data, logger log.Logger) (*DeadLetterRepo, error) {
	r := &DeadLetterRepo{db: d.GetDB(), cipher: d.BodyCipher(), logger: log.NewHelper(logger)}
	if r.db == nil {
		local, err := lru.New[string, model.DeadLetter](d.LocalCacheSize())
		if err != nil {
			return nil, err
		}
		r.local = local
	}
	return r, nil
}

// Save persists dl. A duplicate idempotency key means it is already recorded.
func (r *DeadLetterRepo) Save(ctx context.Context, dl model.DeadLetter) error {
	if r.db == nil {
		r.local.Add(dl.IdempotencyKey, dl)
		return nil
	}

	po := toDeadLetterPO(dl)
	if r.cipher != nil {
		sealed, err := r.cipher.Seal(po.Body)
		if err != nil {
			return fmt.Errorf("failed to seal dead letter body: %w", err)
		}
		po.Body = sealed
	}

	if err := r.db.WithContext(ctx).Create(po).Error; err != nil {
		if pkgerrors.IsDuplicateKeyError(err) {
			r.logger.Infow("msg", "dead letter already recorded", "idempotency_key", dl.IdempotencyKey)
			return nil
		}
		return fmt.Errorf("failed to save dead letter: %w", pkgerrors.ClassifyDBError(err))
	}
	return nil
}

// List returns the newest dead letters first.
func (r *DeadLetterRepo) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	if r.db == nil {
		keys := r.local.Keys()
		out := make([]model.DeadLetter, 0, limit)
		// Keys are ordered oldest to newest.
		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			if dl, ok := r.local.Peek(keys[i]); ok {
				out = append(out, dl)
			}
		}
		return out, nil
	}

	var rows []DeadLetterPO
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", pkgerrors.ClassifyDBError(err))
	}
	out := make([]model.DeadLetter, 0, len(rows))
	for i := range rows {
		dl := rows[i].toModel()
		if r.cipher != nil {
			body, err := r.cipher.Open(dl.Body)
			if err != nil {
				// 密钥轮换后旧数据无法解密，保留记录但不返回密文
				r.logger.Warnw("msg", "failed to open dead letter body", "id", dl.ID, "error", err)
				body = ""
			}
			dl.Body = body
		}
		out = append(out, dl)
	}
	return out, nil
}
