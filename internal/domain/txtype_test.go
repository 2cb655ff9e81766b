package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCashTxTypeDirections(t *testing.T) {
	inflows := []CashTxType{
		CashTxOpening, CashTxDeposit, CashTxSale, CashTxCustomerReceipt,
		CashTxPurchaseReturn, CashTxTransferIn, CashTxTransferFromMoney,
	}
	outflows := []CashTxType{
		CashTxWithdrawal, CashTxPurchase, CashTxExpense, CashTxSupplierPayment,
		CashTxSaleReturn, CashTxTransferOut, CashTxTransferToMoney,
	}
	neutral := []CashTxType{CashTxClosing, CashTxAdjustment}

	for _, tx := range inflows {
		if tx.Direction() != 1 {
			t.Errorf("%s: direction = %d, want 1", tx, tx.Direction())
		}
	}
	for _, tx := range outflows {
		if tx.Direction() != -1 {
			t.Errorf("%s: direction = %d, want -1", tx, tx.Direction())
		}
	}
	for _, tx := range neutral {
		if tx.Direction() != 0 {
			t.Errorf("%s: direction = %d, want 0", tx, tx.Direction())
		}
	}

	// Every kind with a defined direction must also be valid.
	all := append(append(append([]CashTxType{}, inflows...), outflows...), neutral...)
	for _, tx := range all {
		if !tx.Valid() {
			t.Errorf("%s: expected valid", tx)
		}
	}
	if CashTxType("refund").Valid() {
		t.Error("unknown kind reported valid")
	}
}

func TestCashTxTypeApply(t *testing.T) {
	before := decimal.NewFromInt(10000)

	if got := CashTxSale.Apply(before, decimal.NewFromInt(2500)); !got.Equal(decimal.NewFromInt(12500)) {
		t.Errorf("sale: got %s, want 12500", got)
	}
	if got := CashTxExpense.Apply(before, decimal.NewFromInt(4000)); !got.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("expense: got %s, want 6000", got)
	}

	// Adjustment overwrites the balance with the amount itself.
	if got := CashTxAdjustment.Apply(before, decimal.NewFromInt(777)); !got.Equal(decimal.NewFromInt(777)) {
		t.Errorf("adjustment: got %s, want 777", got)
	}

	// Closing carries a signed discrepancy.
	if got := CashTxClosing.Apply(before, decimal.NewFromInt(-300)); !got.Equal(decimal.NewFromInt(9700)) {
		t.Errorf("closing: got %s, want 9700", got)
	}
}

func TestCashTxTypeInverseRoundTrip(t *testing.T) {
	pairs := map[CashTxType]CashTxType{
		CashTxSale:           CashTxSaleReturn,
		CashTxPurchase:       CashTxPurchaseReturn,
		CashTxDeposit:        CashTxWithdrawal,
		CashTxSaleReturn:     CashTxSale,
		CashTxPurchaseReturn: CashTxPurchase,
		CashTxWithdrawal:     CashTxDeposit,
	}
	for tx, want := range pairs {
		inv, ok := tx.Inverse()
		if !ok || inv != want {
			t.Errorf("%s: inverse = %s (%t), want %s", tx, inv, ok, want)
		}
		// An inverse undoes the original on the balance.
		before := decimal.NewFromInt(50000)
		amount := decimal.NewFromInt(1234)
		after := inv.Apply(tx.Apply(before, amount), amount)
		if !after.Equal(before) {
			t.Errorf("%s then %s: balance %s, want %s", tx, inv, after, before)
		}
	}

	if _, ok := CashTxOpening.Inverse(); ok {
		t.Error("opening must have no inverse")
	}
	if _, ok := CashTxAdjustment.Inverse(); ok {
		t.Error("adjustment must have no inverse")
	}
}

func TestMoneyTxTypeApplyAndInverse(t *testing.T) {
	before := decimal.NewFromInt(8000)

	if got := MoneyTxDeposit.Apply(before, decimal.NewFromInt(500)); !got.Equal(decimal.NewFromInt(8500)) {
		t.Errorf("deposit: got %s, want 8500", got)
	}
	if got := MoneyTxSupplierPayment.Apply(before, decimal.NewFromInt(3000)); !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("supplier_payment: got %s, want 5000", got)
	}
	if got := MoneyTxAdjustment.Apply(before, decimal.NewFromInt(42)); !got.Equal(decimal.NewFromInt(42)) {
		t.Errorf("adjustment: got %s, want 42", got)
	}

	inv, ok := MoneyTxSale.Inverse()
	if !ok || inv != MoneyTxSaleReturn {
		t.Errorf("sale inverse = %s (%t), want sale_return", inv, ok)
	}
	if _, ok := MoneyTxTransferIn.Inverse(); ok {
		t.Error("transfer_in must have no inverse")
	}
}

func TestTxTypeForDocument(t *testing.T) {
	for kind, want := range map[DocumentKind]CashTxType{
		DocSale:           CashTxSale,
		DocPurchase:       CashTxPurchase,
		DocSaleReturn:     CashTxSaleReturn,
		DocPurchaseReturn: CashTxPurchaseReturn,
	} {
		got, ok := CashTxTypeForDocument(kind)
		if !ok || got != want {
			t.Errorf("cash type for %s = %s (%t), want %s", kind, got, ok, want)
		}
	}
	if _, ok := MoneyTxTypeForDocument(DocumentKind("quote")); ok {
		t.Error("unknown document kind must not map to a ledger type")
	}
}

func TestDocumentKindStockAndPrefix(t *testing.T) {
	if !DocPurchase.IncreasesStock() || !DocSaleReturn.IncreasesStock() {
		t.Error("purchase and sale_return must restock")
	}
	if DocSale.IncreasesStock() || DocPurchaseReturn.IncreasesStock() {
		t.Error("sale and purchase_return must ship out")
	}
	for kind, prefix := range map[DocumentKind]string{
		DocSale: "SAL", DocPurchase: "PUR", DocSaleReturn: "SRN", DocPurchaseReturn: "PRN",
	} {
		if kind.InvoicePrefix() != prefix {
			t.Errorf("%s: prefix = %s, want %s", kind, kind.InvoicePrefix(), prefix)
		}
	}
}
