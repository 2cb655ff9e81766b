package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string
	Role     string
}

const (
	CashBoxStatusOpen   = "open"
	CashBoxStatusClosed = "closed"
)

// CashBox is a single user's cash custody account. At most one open box may
// exist per user; once closed it is terminal and a new box must be opened.
type CashBox struct {
	ID            string          `json:"id"`
	OwnerUsername string          `json:"owner_username"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	Status        string          `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	OpenedBy      string          `json:"opened_by"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedBy      string          `json:"closed_by,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// CashBoxTransaction is an immutable ledger row. BalanceAfter is always the
// balance the sign table produces from BalanceBefore; CashBox.CurrentAmount
// is a cached projection of the latest BalanceAfter.
type CashBoxTransaction struct {
	ID            string          `json:"id"`
	CashBoxID     string          `json:"cash_box_id"`
	Type          CashTxType      `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ReferenceKind string          `json:"reference_kind,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoneyBox is a shared, named pooled-fund account. It has no owner and no
// open/close lifecycle; its balance is a pure fold of its transaction log.
type MoneyBox struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Balance     decimal.Decimal `json:"balance"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type MoneyBoxTransaction struct {
	ID            string          `json:"id"`
	MoneyBoxID    string          `json:"money_box_id"`
	Type          MoneyTxType     `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	// CounterpartID links the two legs of a transfer to each other.
	CounterpartID string    `json:"counterpart_id,omitempty"`
	ReferenceKind string    `json:"reference_kind,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// CashBoxSettings is the per-user cash box policy record. A user without a
// row gets safe defaults: no negative balance, no withdrawal cap, no
// approval requirement.
type CashBoxSettings struct {
	Username                 string           `json:"username"`
	DefaultOpeningAmount     decimal.Decimal  `json:"default_opening_amount"`
	RequireOpeningAmount     bool             `json:"require_opening_amount"`
	RequireClosingAmount     bool             `json:"require_closing_amount"`
	AllowNegativeBalance     bool             `json:"allow_negative_balance"`
	MaxWithdrawalAmount      *decimal.Decimal `json:"max_withdrawal_amount,omitempty"`
	RequireWithdrawalApprove bool             `json:"require_withdrawal_approval"`
	AutoCloseTime            string           `json:"auto_close_time,omitempty"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

func DefaultCashBoxSettings(username string) CashBoxSettings {
	return CashBoxSettings{
		Username:             username,
		AllowNegativeBalance: false,
	}
}

const (
	PartyKindCustomer = "customer"
	PartyKindSupplier = "supplier"
)

// Party is a customer or supplier with a running balance (receivable for
// customers, payable for suppliers).
type Party struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type Product struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Active    bool            `json:"active"`
}

const (
	MovementSale           = "sale"
	MovementPurchase       = "purchase"
	MovementSaleReturn     = "sale_return"
	MovementPurchaseReturn = "purchase_return"
	MovementAdjustment     = "adjustment"
)

// StockMovement is an append-only inventory record; current stock per
// location is a projection maintained by the same transaction that appends
// the movement.
type StockMovement struct {
	ID             string    `json:"id"`
	SKU            string    `json:"sku"`
	FromLocationID string    `json:"from_location_id,omitempty"`
	ToLocationID   string    `json:"to_location_id,omitempty"`
	Quantity       int       `json:"quantity"`
	MovementType   string    `json:"movement_type"`
	ReferenceKind  string    `json:"reference_kind,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type DocumentKind string

const (
	DocSale           DocumentKind = "sale"
	DocPurchase       DocumentKind = "purchase"
	DocSaleReturn     DocumentKind = "sale_return"
	DocPurchaseReturn DocumentKind = "purchase_return"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case DocSale, DocPurchase, DocSaleReturn, DocPurchaseReturn:
		return true
	}
	return false
}

// IncreasesStock reports whether posting this document kind adds quantity to
// the location (purchases and sale returns restock, sales and purchase
// returns ship out).
func (k DocumentKind) IncreasesStock() bool {
	return k == DocPurchase || k == DocSaleReturn
}

// InvoicePrefix is the per-kind prefix of generated invoice numbers.
func (k DocumentKind) InvoicePrefix() string {
	switch k {
	case DocSale:
		return "SAL"
	case DocPurchase:
		return "PUR"
	case DocSaleReturn:
		return "SRN"
	case DocPurchaseReturn:
		return "PRN"
	default:
		return "DOC"
	}
}

const (
	DocStatusPosted    = "posted"
	DocStatusCancelled = "cancelled"
	DocStatusDeleted   = "deleted"
)

type DocumentLine struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Document is a posted commercial document (sale, purchase or return). It
// owns at most one ledger transaction reference; PaidAmount drives whether a
// ledger entry and receipt exist.
type Document struct {
	ID            string          `json:"id"`
	Kind          DocumentKind    `json:"kind"`
	InvoiceNumber string          `json:"invoice_number"`
	PartyID       string          `json:"party_id"`
	LocationID    string          `json:"location_id"`
	Lines         []DocumentLine  `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Status        string          `json:"status"`
	CashBoxID     string          `json:"cash_box_id,omitempty"`
	MoneyBoxID    string          `json:"money_box_id,omitempty"`
	LedgerTxID    string          `json:"ledger_tx_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	CancelledBy   string          `json:"cancelled_by,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
}

// Receipt is documentary evidence of a payment. It references a ledger
// transaction but is never itself a balance source.
type Receipt struct {
	ID         string          `json:"id"`
	PartyID    string          `json:"party_id"`
	DocumentID string          `json:"document_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	LedgerTxID string          `json:"ledger_tx_id,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// LedgerInstruction tells the posting engine which ledger a payment lands
// on. Exactly one of CashBoxID / MoneyBoxID is set.
type LedgerInstruction struct {
	CashBoxID   string
	MoneyBoxID  string
	CashType    CashTxType
	MoneyType   MoneyTxType
	Amount      decimal.Decimal
	Description string
	CreatedBy   string
}

// PostingResult is what the posting engine hands back to the caller: the
// persisted document plus the ids of everything the atomic unit produced.
type PostingResult struct {
	Document         Document `json:"document"`
	LedgerTxID       string   `json:"ledger_tx_id,omitempty"`
	StockMovementIDs []string `json:"stock_movement_ids,omitempty"`
}

// CashSummary is the daily cash report aggregated across both ledgers.
type CashSummary struct {
	Date            string          `json:"date"`
	CashBoxInflow   decimal.Decimal `json:"cash_box_inflow"`
	CashBoxOutflow  decimal.Decimal `json:"cash_box_outflow"`
	MoneyBoxInflow  decimal.Decimal `json:"money_box_inflow"`
	MoneyBoxOutflow decimal.Decimal `json:"money_box_outflow"`
	OpenCashBoxes   int             `json:"open_cash_boxes"`
	GeneratedAt     string          `json:"generated_at"`
}

// Requests and responses for the HTTP surface.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CashBoxOpenRequest struct {
	OpeningAmount *decimal.Decimal `json:"opening_amount,omitempty"`
	Notes         string           `json:"notes,omitempty"`
}

type CashBoxCloseRequest struct {
	DeclaredAmount *decimal.Decimal `json:"declared_amount,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

type CashBoxForceCloseRequest struct {
	Reason           string `json:"reason"`
	TargetMoneyBoxID string `json:"target_money_box_id,omitempty"`
}

type CashBoxTransactionRequest struct {
	Type        CashTxType      `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
}

type CashBoxResponse struct {
	CashBox CashBox `json:"cash_box"`
}

type MoneyBoxCreateRequest struct {
	Name           string          `json:"name"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Description    string          `json:"description,omitempty"`
}

type MoneyBoxTransactionRequest struct {
	Type   MoneyTxType     `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes,omitempty"`
}

type MoneyBoxTransferRequest struct {
	FromBoxID string          `json:"from_box_id"`
	ToBoxID   string          `json:"to_box_id"`
	Amount    decimal.Decimal `json:"amount"`
	Notes     string          `json:"notes,omitempty"`
}

type MoneyBoxTransferResponse struct {
	OutLeg MoneyBoxTransaction `json:"out_leg"`
	InLeg  MoneyBoxTransaction `json:"in_leg"`
}

type PostDocumentRequest struct {
	Kind       DocumentKind    `json:"kind"`
	PartyID    string          `json:"party_id"`
	LocationID string          `json:"location_id,omitempty"`
	Lines      []DocumentLine  `json:"lines"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	DueDate    *time.Time      `json:"due_date,omitempty"`
	// MoneyBoxID selects a money box as the payment destination. When empty
	// the actor's open cash box is used.
	MoneyBoxID    string `json:"money_box_id,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type UpdatePaymentRequest struct {
	PaidAmount decimal.Decimal `json:"paid_amount"`
	MoneyBoxID string          `json:"money_box_id,omitempty"`
}

type CancelDocumentRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force,omitempty"`
}

type IssueReceiptRequest struct {
	PartyID    string          `json:"party_id"`
	DocumentID string          `json:"document_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	MoneyBoxID string          `json:"money_box_id,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type PartyCreateRequest struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LocationID   string          `json:"location_id,omitempty"`
	InitialStock int             `json:"initial_stock"`
}

type StockAdjustmentRequest struct {
	LocationID string `json:"location_id,omitempty"`
	SKU        string `json:"sku"`
	Delta      int    `json:"delta"`
	Reason     string `json:"reason,omitempty"`
}
