package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasbook/backend/internal/domain"
)

// Ledger error taxonomy. Validation failures are detected before the atomic
// write begins; once a write starts, any failure aborts the whole enclosing
// transaction.
var (
	ErrAlreadyOpen           = errors.New("cash box already open")
	ErrNoOpenBox             = errors.New("no open cash box")
	ErrBoxNotFound           = errors.New("box not found")
	ErrBoxClosed             = errors.New("cash box is closed")
	ErrAmountZero            = errors.New("amount must not be zero")
	ErrNegativeBalance       = errors.New("negative balance not allowed")
	ErrWithdrawalCapExceeded = errors.New("withdrawal cap exceeded")
	ErrApprovalRequired      = errors.New("withdrawal requires approval")
	ErrInvalidTransfer       = errors.New("invalid transfer")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrOverpayment           = errors.New("paid amount exceeds document total")
	ErrPartyNotFound         = errors.New("party not found")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
)

// Repository is the persistence boundary. Every ledger-affecting method is
// atomic: read-balance, compute, append-row and update the cached balance
// happen in one datastore transaction, serialized per box so BalanceBefore
// always reflects the immediately preceding committed transaction.
type Repository interface {
	// Cash boxes.
	OpenCashBox(ctx context.Context, box domain.CashBox) (*domain.CashBox, *domain.CashBoxTransaction, error)
	GetCashBox(ctx context.Context, id string) (*domain.CashBox, error)
	GetOpenCashBoxByUser(ctx context.Context, username string) (*domain.CashBox, error)
	ListCashBoxes(ctx context.Context, username string, status string, limit int) ([]domain.CashBox, error)
	AppendCashBoxTransaction(ctx context.Context, entry domain.CashBoxTransaction, allowNegative bool) (*domain.CashBoxTransaction, error)
	CloseCashBox(ctx context.Context, boxID string, declaredAmount decimal.Decimal, closedBy string, notes string, closedAt time.Time) (*domain.CashBox, *domain.CashBoxTransaction, error)
	ForceCloseCashBox(ctx context.Context, boxID string, targetMoneyBoxID string, closedBy string, reason string, closedAt time.Time) (*domain.CashBox, error)
	ListCashBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.CashBoxTransaction, error)

	// Cash box policy.
	GetCashBoxSettings(ctx context.Context, username string) (*domain.CashBoxSettings, error)
	UpsertCashBoxSettings(ctx context.Context, settings domain.CashBoxSettings) (*domain.CashBoxSettings, error)

	// Money boxes.
	CreateMoneyBox(ctx context.Context, box domain.MoneyBox) (*domain.MoneyBox, error)
	GetMoneyBox(ctx context.Context, id string) (*domain.MoneyBox, error)
	GetMoneyBoxByName(ctx context.Context, name string) (*domain.MoneyBox, error)
	ListMoneyBoxes(ctx context.Context) ([]domain.MoneyBox, error)
	AppendMoneyBoxTransaction(ctx context.Context, entry domain.MoneyBoxTransaction, allowNegative bool) (*domain.MoneyBoxTransaction, error)
	TransferMoneyBox(ctx context.Context, fromID string, toID string, amount decimal.Decimal, notes string, createdBy string) (*domain.MoneyBoxTransaction, *domain.MoneyBoxTransaction, error)
	ListMoneyBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.MoneyBoxTransaction, error)

	// Counterparties.
	CreateParty(ctx context.Context, party domain.Party) (*domain.Party, error)
	GetParty(ctx context.Context, id string) (*domain.Party, error)
	ListParties(ctx context.Context, kind string) ([]domain.Party, error)
	AdjustPartyBalance(ctx context.Context, partyID string, delta decimal.Decimal) (*domain.Party, error)

	// Products and stock.
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetStockLevels(ctx context.Context, locationID string, skus []string) (map[string]int, error)
	AdjustStock(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, locationID string, sku string, limit int) ([]domain.StockMovement, error)

	// Bill posting. The whole unit (document + lines + stock movements +
	// party balance + optional ledger transaction) commits or none of it
	// does.
	PostDocument(ctx context.Context, doc domain.Document, ledger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error)
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context, kind string, partyID string, status string, limit int) ([]domain.Document, error)
	UpdateDocumentPayment(ctx context.Context, docID string, newPaid decimal.Decimal, newLedger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error)
	CancelDocument(ctx context.Context, docID string, reason string, cancelledBy string, at time.Time) (*domain.Document, error)
	ForceDeleteDocument(ctx context.Context, docID string, reason string, deletedBy string, at time.Time) (*domain.Document, error)

	// Receipts. SettleReceipt is the standalone-settlement unit: the ledger
	// leg, the party balance change and the receipt row commit together.
	// CreateReceipt writes the documentary row alone, for the post-commit
	// phase of a posting.
	SettleReceipt(ctx context.Context, receipt domain.Receipt, ledger domain.LedgerInstruction, partyDelta decimal.Decimal, allowNegative bool) (*domain.Receipt, error)
	CreateReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error)
	ListReceipts(ctx context.Context, partyID string, limit int) ([]domain.Receipt, error)

	// Reporting.
	GetCashSummary(ctx context.Context, dayStart time.Time, dayEnd time.Time) (domain.CashSummary, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
