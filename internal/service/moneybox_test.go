package service_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
)

func TestCreateMoneyBoxSeedsOpeningDeposit(t *testing.T) {
	svc := newTestService(t)

	box, err := svc.CreateMoneyBox(adminCtx(), domain.MoneyBoxCreateRequest{
		Name:           "Vault",
		OpeningBalance: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("CreateMoneyBox: %v", err)
	}
	if !box.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("balance = %s, want 10000", box.Balance)
	}

	txs, err := svc.ListMoneyBoxTransactions(adminCtx(), box.ID, 0)
	if err != nil {
		t.Fatalf("ListMoneyBoxTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != domain.MoneyTxDeposit {
		t.Fatalf("txs = %+v, want one opening deposit", txs)
	}
	if !txs[0].BalanceBefore.IsZero() || !txs[0].BalanceAfter.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("opening chain = %s -> %s, want 0 -> 10000", txs[0].BalanceBefore, txs[0].BalanceAfter)
	}
}

func TestCreateMoneyBoxAdminOnly(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateMoneyBox(cashierCtx(), domain.MoneyBoxCreateRequest{Name: "Petty"}); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("err = %v, want admin role required", err)
	}
}

func TestTransferProducesTwoLinkedLegs(t *testing.T) {
	svc := newTestService(t)
	daily := dailyMoneyBox(t, svc)

	vault, err := svc.CreateMoneyBox(adminCtx(), domain.MoneyBoxCreateRequest{
		Name:           "Vault",
		OpeningBalance: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("CreateMoneyBox: %v", err)
	}

	resp, err := svc.TransferMoneyBox(adminCtx(), domain.MoneyBoxTransferRequest{
		FromBoxID: vault.ID,
		ToBoxID:   daily.ID,
		Amount:    decimal.NewFromInt(4000),
		Notes:     "end of week sweep",
	})
	if err != nil {
		t.Fatalf("TransferMoneyBox: %v", err)
	}

	if resp.OutLeg.Type != domain.MoneyTxTransferOut || resp.InLeg.Type != domain.MoneyTxTransferIn {
		t.Fatalf("leg types = %s / %s", resp.OutLeg.Type, resp.InLeg.Type)
	}
	if resp.OutLeg.CounterpartID != resp.InLeg.ID || resp.InLeg.CounterpartID != resp.OutLeg.ID {
		t.Fatal("legs must reference each other")
	}
	if !resp.OutLeg.Amount.Equal(resp.InLeg.Amount) {
		t.Fatalf("leg amounts differ: %s vs %s", resp.OutLeg.Amount, resp.InLeg.Amount)
	}

	// The pair is balance-neutral across the system.
	outDelta := resp.OutLeg.BalanceAfter.Sub(resp.OutLeg.BalanceBefore)
	inDelta := resp.InLeg.BalanceAfter.Sub(resp.InLeg.BalanceBefore)
	if !outDelta.Add(inDelta).IsZero() {
		t.Fatalf("net delta = %s, want 0", outDelta.Add(inDelta))
	}

	fromAfter, err := svc.GetMoneyBox(adminCtx(), vault.ID)
	if err != nil {
		t.Fatalf("GetMoneyBox from: %v", err)
	}
	toAfter, err := svc.GetMoneyBox(adminCtx(), daily.ID)
	if err != nil {
		t.Fatalf("GetMoneyBox to: %v", err)
	}
	if !fromAfter.Balance.Equal(decimal.NewFromInt(6000)) || !toAfter.Balance.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("balances = %s / %s, want 6000 / 4000", fromAfter.Balance, toAfter.Balance)
	}
}

func TestTransferRejectsSameBoxAndNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)
	daily := dailyMoneyBox(t, svc)

	if _, err := svc.TransferMoneyBox(adminCtx(), domain.MoneyBoxTransferRequest{
		FromBoxID: daily.ID,
		ToBoxID:   daily.ID,
		Amount:    decimal.NewFromInt(100),
	}); !errors.Is(err, store.ErrInvalidTransfer) {
		t.Fatalf("same box: err = %v, want ErrInvalidTransfer", err)
	}

	vault, err := svc.CreateMoneyBox(adminCtx(), domain.MoneyBoxCreateRequest{Name: "Vault"})
	if err != nil {
		t.Fatalf("CreateMoneyBox: %v", err)
	}
	if _, err := svc.TransferMoneyBox(adminCtx(), domain.MoneyBoxTransferRequest{
		FromBoxID: vault.ID,
		ToBoxID:   daily.ID,
		Amount:    decimal.Zero,
	}); !errors.Is(err, store.ErrInvalidTransfer) {
		t.Fatalf("zero amount: err = %v, want ErrInvalidTransfer", err)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	svc := newTestService(t)
	daily := dailyMoneyBox(t, svc)

	vault, err := svc.CreateMoneyBox(adminCtx(), domain.MoneyBoxCreateRequest{
		Name:           "Vault",
		OpeningBalance: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("CreateMoneyBox: %v", err)
	}

	_, err = svc.TransferMoneyBox(adminCtx(), domain.MoneyBoxTransferRequest{
		FromBoxID: vault.ID,
		ToBoxID:   daily.ID,
		Amount:    decimal.NewFromInt(500),
	})
	if !errors.Is(err, store.ErrInvalidTransfer) {
		t.Fatalf("err = %v, want ErrInvalidTransfer", err)
	}
	if !strings.Contains(err.Error(), "source balance 100 below 500") {
		t.Fatalf("error must carry the figures, got %q", err.Error())
	}
}

func TestMoneyBoxNeverGoesNegative(t *testing.T) {
	svc := newTestService(t)
	daily := dailyMoneyBox(t, svc)

	if _, err := svc.AddMoneyBoxTransaction(adminCtx(), daily.ID, domain.MoneyBoxTransactionRequest{
		Type:   domain.MoneyTxWithdrawal,
		Amount: decimal.NewFromInt(100),
	}); !errors.Is(err, store.ErrNegativeBalance) {
		t.Fatalf("err = %v, want ErrNegativeBalance", err)
	}
}

func TestManualMoneyTxKindRestricted(t *testing.T) {
	svc := newTestService(t)
	daily := dailyMoneyBox(t, svc)

	// Sale entries only come from the posting engine.
	if _, err := svc.AddMoneyBoxTransaction(adminCtx(), daily.ID, domain.MoneyBoxTransactionRequest{
		Type:   domain.MoneyTxSale,
		Amount: decimal.NewFromInt(100),
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("sale: err = %v, want ErrInvalidInput", err)
	}

	if _, err := svc.AddMoneyBoxTransaction(cashierCtx(), daily.ID, domain.MoneyBoxTransactionRequest{
		Type:   domain.MoneyTxAdjustment,
		Amount: decimal.NewFromInt(100),
	}); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("cashier adjustment: err = %v", err)
	}
}

func TestListMoneyBoxTransactionsUnknownBox(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.ListMoneyBoxTransactions(adminCtx(), "mbox-missing", 0); !errors.Is(err, store.ErrBoxNotFound) {
		t.Fatalf("err = %v, want ErrBoxNotFound", err)
	}
}
