package domain

import "github.com/shopspring/decimal"

// CashTxType is the closed set of transaction kinds a cash box ledger
// accepts. Every kind carries a fixed sign rule; nothing is inferred from
// free-form strings at posting time.
type CashTxType string

const (
	CashTxOpening           CashTxType = "opening"
	CashTxClosing           CashTxType = "closing"
	CashTxDeposit           CashTxType = "deposit"
	CashTxWithdrawal        CashTxType = "withdrawal"
	CashTxSale              CashTxType = "sale"
	CashTxSaleReturn        CashTxType = "sale_return"
	CashTxPurchase          CashTxType = "purchase"
	CashTxPurchaseReturn    CashTxType = "purchase_return"
	CashTxCustomerReceipt   CashTxType = "customer_receipt"
	CashTxSupplierPayment   CashTxType = "supplier_payment"
	CashTxExpense           CashTxType = "expense"
	CashTxTransferIn        CashTxType = "transfer_in"
	CashTxTransferOut       CashTxType = "transfer_out"
	CashTxTransferToMoney   CashTxType = "transfer_to_money_box"
	CashTxTransferFromMoney CashTxType = "transfer_from_money_box"
	CashTxAdjustment        CashTxType = "adjustment"
)

// Direction returns +1 for inflows, -1 for outflows and 0 for the two
// special kinds (closing carries a signed discrepancy, adjustment sets the
// balance directly).
func (t CashTxType) Direction() int {
	switch t {
	case CashTxOpening, CashTxDeposit, CashTxSale, CashTxCustomerReceipt,
		CashTxPurchaseReturn, CashTxTransferIn, CashTxTransferFromMoney:
		return 1
	case CashTxWithdrawal, CashTxPurchase, CashTxExpense, CashTxSupplierPayment,
		CashTxSaleReturn, CashTxTransferOut, CashTxTransferToMoney:
		return -1
	default:
		return 0
	}
}

func (t CashTxType) Valid() bool {
	switch t {
	case CashTxOpening, CashTxClosing, CashTxDeposit, CashTxWithdrawal,
		CashTxSale, CashTxSaleReturn, CashTxPurchase, CashTxPurchaseReturn,
		CashTxCustomerReceipt, CashTxSupplierPayment, CashTxExpense,
		CashTxTransferIn, CashTxTransferOut, CashTxTransferToMoney,
		CashTxTransferFromMoney, CashTxAdjustment:
		return true
	}
	return false
}

// Apply computes the balance after a transaction of this kind. The amount is
// a non-negative magnitude for signed kinds, the signed discrepancy for
// closing entries, and the target balance itself for adjustments (the
// historical direct-overwrite behavior, kept deliberately).
func (t CashTxType) Apply(balanceBefore decimal.Decimal, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case CashTxAdjustment:
		return amount
	case CashTxClosing:
		return balanceBefore.Add(amount)
	default:
		if t.Direction() < 0 {
			return balanceBefore.Sub(amount)
		}
		return balanceBefore.Add(amount)
	}
}

// Inverse returns the transaction kind that undoes an entry of this kind.
// Ledger rows are never deleted; a prior effect is backed out by appending
// the opposite-direction entry. Only kinds that can appear on documents and
// manual movements have an inverse.
func (t CashTxType) Inverse() (CashTxType, bool) {
	switch t {
	case CashTxSale:
		return CashTxSaleReturn, true
	case CashTxSaleReturn:
		return CashTxSale, true
	case CashTxPurchase:
		return CashTxPurchaseReturn, true
	case CashTxPurchaseReturn:
		return CashTxPurchase, true
	case CashTxDeposit:
		return CashTxWithdrawal, true
	case CashTxWithdrawal:
		return CashTxDeposit, true
	}
	return "", false
}

// MoneyTxType is the closed set of transaction kinds for money boxes.
type MoneyTxType string

const (
	MoneyTxDeposit          MoneyTxType = "deposit"
	MoneyTxWithdrawal       MoneyTxType = "withdrawal"
	MoneyTxTransferIn       MoneyTxType = "transfer_in"
	MoneyTxTransferOut      MoneyTxType = "transfer_out"
	MoneyTxTransferFromCash MoneyTxType = "transfer_from_cash_box"
	MoneyTxTransferToCash   MoneyTxType = "transfer_to_cashier"
	MoneyTxSale             MoneyTxType = "sale"
	MoneyTxSaleReturn       MoneyTxType = "sale_return"
	MoneyTxPurchase         MoneyTxType = "purchase"
	MoneyTxPurchaseReturn   MoneyTxType = "purchase_return"
	MoneyTxCustomerReceipt  MoneyTxType = "customer_receipt"
	MoneyTxSupplierPayment  MoneyTxType = "supplier_payment"
	MoneyTxExpense          MoneyTxType = "expense"
	MoneyTxAdjustment       MoneyTxType = "adjustment"
)

func (t MoneyTxType) Direction() int {
	switch t {
	case MoneyTxDeposit, MoneyTxTransferIn, MoneyTxTransferFromCash,
		MoneyTxSale, MoneyTxCustomerReceipt, MoneyTxPurchaseReturn:
		return 1
	case MoneyTxWithdrawal, MoneyTxTransferOut, MoneyTxTransferToCash,
		MoneyTxSupplierPayment, MoneyTxExpense, MoneyTxPurchase, MoneyTxSaleReturn:
		return -1
	default:
		return 0
	}
}

func (t MoneyTxType) Valid() bool {
	switch t {
	case MoneyTxDeposit, MoneyTxWithdrawal, MoneyTxTransferIn, MoneyTxTransferOut,
		MoneyTxTransferFromCash, MoneyTxTransferToCash, MoneyTxSale, MoneyTxSaleReturn,
		MoneyTxPurchase, MoneyTxPurchaseReturn, MoneyTxCustomerReceipt,
		MoneyTxSupplierPayment, MoneyTxExpense, MoneyTxAdjustment:
		return true
	}
	return false
}

func (t MoneyTxType) Apply(balanceBefore decimal.Decimal, amount decimal.Decimal) decimal.Decimal {
	if t == MoneyTxAdjustment {
		return amount
	}
	if t.Direction() < 0 {
		return balanceBefore.Sub(amount)
	}
	return balanceBefore.Add(amount)
}

// Inverse mirrors CashTxType.Inverse for money box ledgers.
func (t MoneyTxType) Inverse() (MoneyTxType, bool) {
	switch t {
	case MoneyTxSale:
		return MoneyTxSaleReturn, true
	case MoneyTxSaleReturn:
		return MoneyTxSale, true
	case MoneyTxPurchase:
		return MoneyTxPurchaseReturn, true
	case MoneyTxPurchaseReturn:
		return MoneyTxPurchase, true
	case MoneyTxDeposit:
		return MoneyTxWithdrawal, true
	case MoneyTxWithdrawal:
		return MoneyTxDeposit, true
	}
	return "", false
}

// CashTxTypeForDocument maps a commercial document kind to the cash box
// transaction kind its payment produces.
func CashTxTypeForDocument(kind DocumentKind) (CashTxType, bool) {
	switch kind {
	case DocSale:
		return CashTxSale, true
	case DocPurchase:
		return CashTxPurchase, true
	case DocSaleReturn:
		return CashTxSaleReturn, true
	case DocPurchaseReturn:
		return CashTxPurchaseReturn, true
	}
	return "", false
}

// MoneyTxTypeForDocument is the money box counterpart of
// CashTxTypeForDocument.
func MoneyTxTypeForDocument(kind DocumentKind) (MoneyTxType, bool) {
	switch kind {
	case DocSale:
		return MoneyTxSale, true
	case DocPurchase:
		return MoneyTxPurchase, true
	case DocSaleReturn:
		return MoneyTxSaleReturn, true
	case DocPurchaseReturn:
		return MoneyTxPurchaseReturn, true
	}
	return "", false
}
