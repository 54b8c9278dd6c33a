package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GenerationToken represents the generation_tokens table: one credit
// ledger per profile.
type GenerationToken struct {
	ID                 string    `gorm:"type:uuid;primaryKey"`
	ProfileID          string    `gorm:"not null;index:uniq_generation_tokens_profile,unique"`
	InitialTokenAmount int64     `gorm:"not null"`
	AvailableTokens    int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (GenerationToken) TableName() string { return "generation_tokens" }

func (token *GenerationToken) BeforeCreate(tx *gorm.DB) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	return nil
}

// GenerationTransaction mirrors the generation_transactions table. Rows are
// append-only; refunds are compensating rows, never updates.
type GenerationTransaction struct {
	ID                string    `gorm:"type:uuid;primaryKey"`
	GenerationTokenID string    `gorm:"type:uuid;not null;index:idx_generation_transactions_token_created,priority:1"`
	Kind              string    `gorm:"not null"`
	Amount            int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null;index:idx_generation_transactions_token_created,priority:2"`
}

func (GenerationTransaction) TableName() string { return "generation_transactions" }

func (transaction *GenerationTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// GenerationTokenTopup mirrors the generation_token_topups table. The unique
// index on polar_order_id makes replayed webhook deliveries no-ops.
type GenerationTokenTopup struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	GenerationTokenID string         `gorm:"type:uuid;not null;index:idx_generation_token_topups_token"`
	Amount            int64          `gorm:"not null"`
	ProfileID         string         `gorm:"not null"`
	PolarOrderID      string         `gorm:"not null;index:uniq_generation_token_topups_order,unique"`
	RawPayload        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null"`
}

func (GenerationTokenTopup) TableName() string { return "generation_token_topups" }

func (topup *GenerationTokenTopup) BeforeCreate(tx *gorm.DB) error {
	if topup.ID == "" {
		topup.ID = uuid.NewString()
	}
	return nil
}
