package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultDetailsJSON      = "{}"
	defaultRecentLimit      = 20
	maxRecentLimit          = 500
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationJournal   = "journal"
	errorSubjectRecord      = "record"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeMigrate        = "migrate"
	errorCodeEncodeDetails  = "encode_details"
	errorCodeDecodeDetails  = "decode_details"
	detailKeyRevertKind     = "revert_kind"
	detailKeyRevertReason   = "revert_reason"
	detailKeyAmountDecimals = "amount_display"
)

// ErrDuplicateOperation indicates an operation id was already journaled.
var ErrDuplicateOperation = errors.New("duplicate operation id")

// Entry is one journaled operation.
type Entry struct {
	OperationID string
	Operation   string
	Account     string
	AmountWei   string
	TxHash      string
	Status      string
	Message     string
	Error       string
	RevertKind  string
	Reason      string
	Duration    time.Duration
	CreatedAt   time.Time
}

// Store persists operation records with GORM.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	nowFn  func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(store *Store) {
		if now != nil {
			store.nowFn = now
		}
	}
}

// WithLogger reports journaling failures that cannot be returned to the caller.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

var _ crowdfund.OperationLogger = (*Store)(nil)

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, optionList ...StoreOption) *Store {
	store := &Store{db: db, logger: zap.NewNop(), nowFn: time.Now}
	for _, option := range optionList {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Migrate creates or updates the journal schema.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&OperationRecord{}); err != nil {
		return wrapJournalError(errorCodeMigrate, err)
	}
	return nil
}

// LogOperation journals entry. Write failures are logged and otherwise ignored.
func (store *Store) LogOperation(ctx context.Context, entry crowdfund.OperationLog) {
	if err := store.Append(ctx, "", entry); err != nil {
		store.logger.Error("journal append failed", zap.String("operation", entry.Operation), zap.Error(err))
	}
}

// Append stores entry under operationID. An empty id is generated.
func (store *Store) Append(ctx context.Context, operationID string, entry crowdfund.OperationLog) error {
	details, err := encodeDetails(entry)
	if err != nil {
		return wrapJournalError(errorCodeEncodeDetails, err)
	}
	record := OperationRecord{
		OperationID:    operationID,
		Operation:      entry.Operation,
		AmountWei:      entry.Amount.String(),
		Status:         entry.Status,
		Message:        entry.Message,
		DurationMillis: entry.Duration.Milliseconds(),
		Details:        details,
		CreatedAt:      store.nowFn().UTC(),
	}
	if entry.Account != nil {
		record.Account = entry.Account.Hex()
	}
	if entry.TxHash != nil {
		record.TxHash = entry.TxHash.Hex()
	}
	if entry.Error != nil {
		record.ErrorText = entry.Error.Error()
	}
	if record.Status == "" {
		record.Status = statusFor(entry.Error)
	}
	err = store.db.WithContext(ctx).Create(&record).Error
	if isDuplicateOperation(err) {
		return wrapJournalError(errorCodeDuplicate, fmt.Errorf("%w: %s", ErrDuplicateOperation, operationID))
	}
	if err != nil {
		return wrapJournalError(errorCodeInsert, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (store *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	var rows []OperationRecord
	err := store.db.WithContext(ctx).
		Order("created_at desc").
		Order("record_id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapJournalError(errorCodeList, err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapRecord(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapRecord(row OperationRecord) (Entry, error) {
	entry := Entry{
		OperationID: row.OperationID,
		Operation:   row.Operation,
		Account:     row.Account,
		AmountWei:   row.AmountWei,
		TxHash:      row.TxHash,
		Status:      row.Status,
		Message:     row.Message,
		Error:       row.ErrorText,
		Duration:    time.Duration(row.DurationMillis) * time.Millisecond,
		CreatedAt:   row.CreatedAt.UTC(),
	}
	if len(row.Details) == 0 {
		return entry, nil
	}
	details := map[string]string{}
	if err := json.Unmarshal(row.Details, &details); err != nil {
		return Entry{}, wrapJournalError(errorCodeDecodeDetails, err)
	}
	entry.RevertKind = details[detailKeyRevertKind]
	entry.Reason = details[detailKeyRevertReason]
	return entry, nil
}

func encodeDetails(entry crowdfund.OperationLog) (datatypes.JSON, error) {
	details := map[string]string{}
	if entry.RevertKind != "" {
		details[detailKeyRevertKind] = string(entry.RevertKind)
		details[detailKeyRevertReason] = entry.Reason
	}
	if !entry.Amount.IsZero() {
		details[detailKeyAmountDecimals] = crowdfund.ToDecimalString(entry.Amount)
	}
	if len(details) == 0 {
		return datatypes.JSON([]byte(defaultDetailsJSON)), nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func statusFor(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func wrapJournalError(code string, err error) error {
	return crowdfund.WrapError(errorOperationJournal, errorSubjectRecord, code, err)
}

func isDuplicateOperation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
