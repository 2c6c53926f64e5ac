package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OperationRecord mirrors the operation_records table.
// RecordID is a time-ordered UUIDv7 and breaks created_at ties in insertion order.
type OperationRecord struct {
	RecordID       string         `gorm:"type:uuid;primaryKey"`
	OperationID    string         `gorm:"not null;uniqueIndex:uniq_operation_records_operation_id"`
	Operation      string         `gorm:"not null;index:idx_operation_records_operation_created,priority:1"`
	Account        string         `gorm:"not null;default:''"`
	AmountWei      string         `gorm:"not null;default:'0'"`
	TxHash         string         `gorm:"not null;default:''"`
	Status         string         `gorm:"not null"`
	Message        string         `gorm:"not null;default:''"`
	ErrorText      string         `gorm:"not null;default:''"`
	DurationMillis int64          `gorm:"not null;default:0"`
	Details        datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_operation_records_operation_created,priority:2;index:idx_operation_records_created"`
}

func (OperationRecord) TableName() string { return "operation_records" }

func (record *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		recordID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		record.RecordID = recordID.String()
	}
	if record.OperationID == "" {
		record.OperationID = uuid.NewString()
	}
	return nil
}
