package service_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/service"
	"kasbook/backend/internal/store"
	"kasbook/backend/internal/store/memory"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return service.New(memory.NewSeeded(), nil, logger, "main")
}

func adminCtx() context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func amount(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func dailyMoneyBox(t *testing.T, svc *service.Service) domain.MoneyBox {
	t.Helper()
	boxes, err := svc.ListMoneyBoxes(context.Background())
	if err != nil {
		t.Fatalf("ListMoneyBoxes: %v", err)
	}
	for _, box := range boxes {
		if box.Name == "Daily" {
			return box
		}
	}
	t.Fatal("seeded Daily money box not found")
	return domain.MoneyBox{}
}

func TestOpenCashBoxOnlyOnePerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	box, opening, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(10000)})
	if err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if box.Status != domain.CashBoxStatusOpen {
		t.Fatalf("status = %s, want open", box.Status)
	}
	if !box.CurrentAmount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("current = %s, want 10000", box.CurrentAmount)
	}
	if opening == nil || opening.Type != domain.CashTxOpening {
		t.Fatalf("opening tx = %+v, want opening entry", opening)
	}

	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(500)}); !errors.Is(err, store.ErrAlreadyOpen) {
		t.Fatalf("second open: err = %v, want ErrAlreadyOpen", err)
	}
}

func TestOpenCashBoxUsesSettingsDefault(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.UpdateCashBoxSettings(adminCtx(), domain.CashBoxSettings{
		Username:             "cashier",
		DefaultOpeningAmount: decimal.NewFromInt(7000),
	}); err != nil {
		t.Fatalf("UpdateCashBoxSettings: %v", err)
	}

	box, _, err := svc.OpenCashBox(cashierCtx(), domain.CashBoxOpenRequest{})
	if err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if !box.CurrentAmount.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("current = %s, want default 7000", box.CurrentAmount)
	}
}

func TestOpenCashBoxRequiresAmountWhenPolicySet(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.UpdateCashBoxSettings(adminCtx(), domain.CashBoxSettings{
		Username:             "cashier",
		RequireOpeningAmount: true,
	}); err != nil {
		t.Fatalf("UpdateCashBoxSettings: %v", err)
	}

	if _, _, err := svc.OpenCashBox(cashierCtx(), domain.CashBoxOpenRequest{}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCloseCashBoxRecordsDiscrepancy(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(10000)}); err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxDeposit,
		Amount: decimal.NewFromInt(5000),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Counted 14000 against a book balance of 15000: shortage of 1000.
	closed, closing, err := svc.CloseCashBox(ctx, domain.CashBoxCloseRequest{DeclaredAmount: amount(14000)})
	if err != nil {
		t.Fatalf("CloseCashBox: %v", err)
	}
	if closed.Status != domain.CashBoxStatusClosed {
		t.Fatalf("status = %s, want closed", closed.Status)
	}
	if !closed.CurrentAmount.Equal(decimal.NewFromInt(14000)) {
		t.Fatalf("final = %s, want declared 14000", closed.CurrentAmount)
	}
	if closing == nil || closing.Type != domain.CashTxClosing {
		t.Fatalf("closing tx = %+v, want closing entry", closing)
	}
	if !closing.Amount.Equal(decimal.NewFromInt(-1000)) {
		t.Fatalf("discrepancy = %s, want -1000", closing.Amount)
	}

	// The box is terminal: no open box left for the user.
	if _, err := svc.GetMyCashBox(ctx); !errors.Is(err, store.ErrNoOpenBox) {
		t.Fatalf("after close: err = %v, want ErrNoOpenBox", err)
	}
	if _, _, err := svc.CloseCashBox(ctx, domain.CashBoxCloseRequest{}); !errors.Is(err, store.ErrNoOpenBox) {
		t.Fatalf("second close: err = %v, want ErrNoOpenBox", err)
	}
}

func TestCashBoxBalanceChain(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	box, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(1000)})
	if err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	for _, step := range []struct {
		txType domain.CashTxType
		amount int64
	}{
		{domain.CashTxDeposit, 500},
		{domain.CashTxExpense, 300},
		{domain.CashTxWithdrawal, 200},
	} {
		if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
			Type:   step.txType,
			Amount: decimal.NewFromInt(step.amount),
		}); err != nil {
			t.Fatalf("%s: %v", step.txType, err)
		}
	}

	current, err := svc.GetMyCashBox(ctx)
	if err != nil {
		t.Fatalf("GetMyCashBox: %v", err)
	}
	if !current.CurrentAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance = %s, want 1000", current.CurrentAmount)
	}

	txs, err := svc.ListCashBoxTransactions(ctx, box.ID, 0)
	if err != nil {
		t.Fatalf("ListCashBoxTransactions: %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("tx count = %d, want 4", len(txs))
	}
	// Every row's BalanceAfter is the sign-table application of its own
	// BalanceBefore; nothing is inferred at read time.
	for _, tx := range txs {
		want := tx.Type.Apply(tx.BalanceBefore, tx.Amount)
		if !tx.BalanceAfter.Equal(want) {
			t.Errorf("%s %s: after = %s, want %s", tx.Type, tx.Amount, tx.BalanceAfter, want)
		}
	}
}

func TestZeroAmountRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(1000)}); err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxDeposit,
		Amount: decimal.Zero,
	}); !errors.Is(err, store.ErrAmountZero) {
		t.Fatalf("err = %v, want ErrAmountZero", err)
	}
}

func TestWithdrawalCapExceeded(t *testing.T) {
	svc := newTestService(t)

	cap := decimal.NewFromInt(1000)
	if _, err := svc.UpdateCashBoxSettings(adminCtx(), domain.CashBoxSettings{
		Username:            "cashier",
		MaxWithdrawalAmount: &cap,
	}); err != nil {
		t.Fatalf("UpdateCashBoxSettings: %v", err)
	}

	ctx := cashierCtx()
	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(5000)}); err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}

	_, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxWithdrawal,
		Amount: decimal.NewFromInt(2000),
	})
	if !errors.Is(err, store.ErrWithdrawalCapExceeded) {
		t.Fatalf("err = %v, want ErrWithdrawalCapExceeded", err)
	}
	if !strings.Contains(err.Error(), "cap 1000") || !strings.Contains(err.Error(), "requested 2000") {
		t.Fatalf("error message must carry the figures, got %q", err.Error())
	}

	// At or below the cap passes.
	if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxWithdrawal,
		Amount: decimal.NewFromInt(1000),
	}); err != nil {
		t.Fatalf("withdrawal at cap: %v", err)
	}
}

func TestWithdrawalApprovalRequired(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.UpdateCashBoxSettings(adminCtx(), domain.CashBoxSettings{
		Username:                 "cashier",
		RequireWithdrawalApprove: true,
	}); err != nil {
		t.Fatalf("UpdateCashBoxSettings: %v", err)
	}

	ctx := cashierCtx()
	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(5000)}); err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxWithdrawal,
		Amount: decimal.NewFromInt(100),
	}); !errors.Is(err, store.ErrApprovalRequired) {
		t.Fatalf("err = %v, want ErrApprovalRequired", err)
	}
}

func TestAdjustmentOverwritesBalanceAdminOnly(t *testing.T) {
	svc := newTestService(t)

	cashier := cashierCtx()
	if _, _, err := svc.OpenCashBox(cashier, domain.CashBoxOpenRequest{OpeningAmount: amount(1000)}); err != nil {
		t.Fatalf("OpenCashBox cashier: %v", err)
	}
	if _, err := svc.AddCashBoxTransaction(cashier, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxAdjustment,
		Amount: decimal.NewFromInt(50),
	}); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("cashier adjustment: err = %v, want admin role required", err)
	}

	admin := adminCtx()
	if _, _, err := svc.OpenCashBox(admin, domain.CashBoxOpenRequest{OpeningAmount: amount(10000)}); err != nil {
		t.Fatalf("OpenCashBox admin: %v", err)
	}
	entry, err := svc.AddCashBoxTransaction(admin, domain.CashBoxTransactionRequest{
		Type:        domain.CashTxAdjustment,
		Amount:      decimal.NewFromInt(2500),
		Description: "till recount",
	})
	if err != nil {
		t.Fatalf("admin adjustment: %v", err)
	}
	// Adjustment sets the balance to the amount, it is not a delta.
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("after = %s, want 2500", entry.BalanceAfter)
	}
	box, err := svc.GetMyCashBox(admin)
	if err != nil {
		t.Fatalf("GetMyCashBox: %v", err)
	}
	if !box.CurrentAmount.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("current = %s, want 2500", box.CurrentAmount)
	}
}

func TestNegativeBalancePolicy(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	if _, _, err := svc.OpenCashBox(ctx, domain.CashBoxOpenRequest{OpeningAmount: amount(100)}); err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}
	if _, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxExpense,
		Amount: decimal.NewFromInt(500),
	}); !errors.Is(err, store.ErrNegativeBalance) {
		t.Fatalf("err = %v, want ErrNegativeBalance", err)
	}

	if _, err := svc.UpdateCashBoxSettings(adminCtx(), domain.CashBoxSettings{
		Username:             "cashier",
		AllowNegativeBalance: true,
	}); err != nil {
		t.Fatalf("UpdateCashBoxSettings: %v", err)
	}

	entry, err := svc.AddCashBoxTransaction(ctx, domain.CashBoxTransactionRequest{
		Type:   domain.CashTxExpense,
		Amount: decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("expense with negative allowed: %v", err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(-400)) {
		t.Fatalf("after = %s, want -400", entry.BalanceAfter)
	}
}

func TestSettingsDefaultsWhenMissing(t *testing.T) {
	svc := newTestService(t)

	settings, err := svc.GetCashBoxSettings(cashierCtx(), "")
	if err != nil {
		t.Fatalf("GetCashBoxSettings: %v", err)
	}
	if settings.Username != "cashier" {
		t.Fatalf("username = %s, want cashier", settings.Username)
	}
	if settings.AllowNegativeBalance || settings.RequireWithdrawalApprove || settings.MaxWithdrawalAmount != nil {
		t.Fatalf("missing row must yield safe defaults, got %+v", settings)
	}
}

func TestSettingsVisibilityGuard(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.GetCashBoxSettings(cashierCtx(), "admin"); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("cashier reading another user's settings: err = %v", err)
	}
	if _, err := svc.GetCashBoxSettings(adminCtx(), "cashier"); err != nil {
		t.Fatalf("admin reading cashier settings: %v", err)
	}
}

func TestForceCloseWritesOffResidualWithoutTarget(t *testing.T) {
	svc := newTestService(t)

	box, _, err := svc.OpenCashBox(cashierCtx(), domain.CashBoxOpenRequest{OpeningAmount: amount(5000)})
	if err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}

	closed, err := svc.ForceCloseCashBox(adminCtx(), box.ID, domain.CashBoxForceCloseRequest{Reason: "cashier left shift"})
	if err != nil {
		t.Fatalf("ForceCloseCashBox: %v", err)
	}
	if closed.Status != domain.CashBoxStatusClosed {
		t.Fatalf("status = %s, want closed", closed.Status)
	}
	if !closed.CurrentAmount.IsZero() {
		t.Fatalf("final = %s, want 0", closed.CurrentAmount)
	}

	// The residual stays on the ledger as an explicit closing write-off.
	txs, err := svc.ListCashBoxTransactions(adminCtx(), box.ID, 0)
	if err != nil {
		t.Fatalf("ListCashBoxTransactions: %v", err)
	}
	var found bool
	for _, tx := range txs {
		if tx.Type == domain.CashTxClosing && tx.Amount.Equal(decimal.NewFromInt(-5000)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no closing write-off of -5000 found in %d entries", len(txs))
	}
}

func TestForceCloseGuards(t *testing.T) {
	svc := newTestService(t)

	box, _, err := svc.OpenCashBox(cashierCtx(), domain.CashBoxOpenRequest{OpeningAmount: amount(100)})
	if err != nil {
		t.Fatalf("OpenCashBox: %v", err)
	}

	if _, err := svc.ForceCloseCashBox(cashierCtx(), box.ID, domain.CashBoxForceCloseRequest{Reason: "x"}); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("cashier force close: err = %v", err)
	}
	if _, err := svc.ForceCloseCashBox(adminCtx(), box.ID, domain.CashBoxForceCloseRequest{}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("missing reason: err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.ForceCloseCashBox(adminCtx(), box.ID, domain.CashBoxForceCloseRequest{
		Reason:           "drain",
		TargetMoneyBoxID: "mbox-missing",
	}); !errors.Is(err, store.ErrBoxNotFound) {
		t.Fatalf("missing target: err = %v, want ErrBoxNotFound", err)
	}
}

func TestListCashBoxesScopedByRole(t *testing.T) {
	svc := newTestService(t)

	if _, _, err := svc.OpenCashBox(cashierCtx(), domain.CashBoxOpenRequest{OpeningAmount: amount(100)}); err != nil {
		t.Fatalf("OpenCashBox cashier: %v", err)
	}
	if _, _, err := svc.OpenCashBox(adminCtx(), domain.CashBoxOpenRequest{OpeningAmount: amount(200)}); err != nil {
		t.Fatalf("OpenCashBox admin: %v", err)
	}

	mine, err := svc.ListCashBoxes(cashierCtx(), "", 0)
	if err != nil {
		t.Fatalf("ListCashBoxes cashier: %v", err)
	}
	if len(mine) != 1 || mine[0].OwnerUsername != "cashier" {
		t.Fatalf("cashier sees %d boxes, want only their own", len(mine))
	}

	all, err := svc.ListCashBoxes(adminCtx(), "", 0)
	if err != nil {
		t.Fatalf("ListCashBoxes admin: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin sees %d boxes, want 2", len(all))
	}
}
