package service

import (
	"context"
	"fmt"
	"strings"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
)

func (s *Service) CreateMoneyBox(ctx context.Context, req domain.MoneyBoxCreateRequest) (domain.MoneyBox, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.MoneyBox{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.MoneyBox{}, store.ErrInvalidInput
	}
	if req.OpeningBalance.IsNegative() {
		return domain.MoneyBox{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateMoneyBox(ctx, domain.MoneyBox{
		Name:        req.Name,
		Balance:     req.OpeningBalance,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		return domain.MoneyBox{}, err
	}

	s.logAudit(ctx, "moneybox_create", "money_box", created.ID, fmt.Sprintf("name=%s,opening=%s", created.Name, req.OpeningBalance.String()))
	return *created, nil
}

func (s *Service) GetMoneyBox(ctx context.Context, id string) (domain.MoneyBox, error) {
	box, err := s.repo.GetMoneyBox(ctx, id)
	if err != nil {
		return domain.MoneyBox{}, err
	}
	return *box, nil
}

func (s *Service) ListMoneyBoxes(ctx context.Context) ([]domain.MoneyBox, error) {
	return s.repo.ListMoneyBoxes(ctx)
}

func manualMoneyTxKind(t domain.MoneyTxType) bool {
	switch t {
	case domain.MoneyTxDeposit, domain.MoneyTxWithdrawal, domain.MoneyTxExpense, domain.MoneyTxAdjustment:
		return true
	}
	return false
}

func (s *Service) AddMoneyBoxTransaction(ctx context.Context, boxID string, req domain.MoneyBoxTransactionRequest) (domain.MoneyBoxTransaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.MoneyBoxTransaction{}, err
	}
	if !manualMoneyTxKind(req.Type) {
		return domain.MoneyBoxTransaction{}, store.ErrInvalidInput
	}
	if req.Amount.IsZero() {
		return domain.MoneyBoxTransaction{}, store.ErrAmountZero
	}
	if req.Amount.IsNegative() {
		return domain.MoneyBoxTransaction{}, store.ErrInvalidInput
	}
	if req.Type == domain.MoneyTxAdjustment && actor.Role != "admin" {
		return domain.MoneyBoxTransaction{}, fmt.Errorf("admin role required")
	}

	// Money boxes never go negative, no per-user policy applies.
	entry, err := s.repo.AppendMoneyBoxTransaction(ctx, domain.MoneyBoxTransaction{
		MoneyBoxID: boxID,
		Type:       req.Type,
		Amount:     req.Amount,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedBy:  actor.Username,
	}, false)
	if err != nil {
		return domain.MoneyBoxTransaction{}, err
	}

	s.logAudit(ctx, "moneybox_tx", "money_box_transaction", entry.ID, fmt.Sprintf("box=%s,type=%s,amount=%s,after=%s", boxID, entry.Type, entry.Amount.String(), entry.BalanceAfter.String()))
	s.invalidateSummary(ctx)
	return *entry, nil
}

// TransferMoneyBox moves funds between two money boxes as exactly two legs
// that reference each other. The pair is balance-neutral across the system.
func (s *Service) TransferMoneyBox(ctx context.Context, req domain.MoneyBoxTransferRequest) (domain.MoneyBoxTransferResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.MoneyBoxTransferResponse{}, err
	}
	if req.FromBoxID == "" || req.ToBoxID == "" {
		return domain.MoneyBoxTransferResponse{}, store.ErrInvalidTransfer
	}

	outLeg, inLeg, err := s.repo.TransferMoneyBox(ctx, req.FromBoxID, req.ToBoxID, req.Amount, strings.TrimSpace(req.Notes), actor.Username)
	if err != nil {
		return domain.MoneyBoxTransferResponse{}, err
	}

	s.logAudit(ctx, "moneybox_transfer", "money_box", req.FromBoxID, fmt.Sprintf("to=%s,amount=%s", req.ToBoxID, req.Amount.String()))
	s.invalidateSummary(ctx)
	return domain.MoneyBoxTransferResponse{OutLeg: *outLeg, InLeg: *inLeg}, nil
}

func (s *Service) ListMoneyBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.MoneyBoxTransaction, error) {
	if _, err := s.repo.GetMoneyBox(ctx, boxID); err != nil {
		return nil, err
	}
	return s.repo.ListMoneyBoxTransactions(ctx, boxID, limit)
}
