package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
)

// settingsFor returns the cash box policy for a user. A user without a
// settings row gets the safe defaults.
func (s *Service) settingsFor(ctx context.Context, username string) (domain.CashBoxSettings, error) {
	settings, err := s.repo.GetCashBoxSettings(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DefaultCashBoxSettings(username), nil
	}
	if err != nil {
		return domain.CashBoxSettings{}, err
	}
	return *settings, nil
}

func (s *Service) OpenCashBox(ctx context.Context, req domain.CashBoxOpenRequest) (domain.CashBox, *domain.CashBoxTransaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	settings, err := s.settingsFor(ctx, actor.Username)
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	opening := settings.DefaultOpeningAmount
	if req.OpeningAmount != nil {
		opening = *req.OpeningAmount
	} else if settings.RequireOpeningAmount {
		return domain.CashBox{}, nil, fmt.Errorf("%w: opening amount is required for %s", store.ErrInvalidInput, actor.Username)
	}
	if opening.IsNegative() {
		return domain.CashBox{}, nil, store.ErrInvalidInput
	}

	box, openingTx, err := s.repo.OpenCashBox(ctx, domain.CashBox{
		OwnerUsername: actor.Username,
		InitialAmount: opening,
		Notes:         strings.TrimSpace(req.Notes),
		OpenedBy:      actor.Username,
	})
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	s.logAudit(ctx, "cashbox_open", "cash_box", box.ID, fmt.Sprintf("opening=%s", opening.String()))
	return *box, openingTx, nil
}

func (s *Service) GetMyCashBox(ctx context.Context) (domain.CashBox, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashBox{}, err
	}
	box, err := s.repo.GetOpenCashBoxByUser(ctx, actor.Username)
	if err != nil {
		return domain.CashBox{}, err
	}
	return *box, nil
}

func (s *Service) ListCashBoxes(ctx context.Context, status string, limit int) ([]domain.CashBox, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	// Cashiers only see their own boxes.
	username := actor.Username
	if actor.Role == "admin" {
		username = ""
	}
	return s.repo.ListCashBoxes(ctx, username, status, limit)
}

func (s *Service) CloseCashBox(ctx context.Context, req domain.CashBoxCloseRequest) (domain.CashBox, *domain.CashBoxTransaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	box, err := s.repo.GetOpenCashBoxByUser(ctx, actor.Username)
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	settings, err := s.settingsFor(ctx, actor.Username)
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	declared := box.CurrentAmount
	if req.DeclaredAmount != nil {
		declared = *req.DeclaredAmount
	} else if settings.RequireClosingAmount {
		return domain.CashBox{}, nil, fmt.Errorf("%w: counted closing amount is required for %s", store.ErrInvalidInput, actor.Username)
	}

	closed, closingTx, err := s.repo.CloseCashBox(ctx, box.ID, declared, actor.Username, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.CashBox{}, nil, err
	}

	detail := fmt.Sprintf("declared=%s,final=%s", declared.String(), closed.CurrentAmount.String())
	if closingTx != nil {
		detail += fmt.Sprintf(",discrepancy=%s", closingTx.Amount.String())
	}
	s.logAudit(ctx, "cashbox_close", "cash_box", closed.ID, detail)
	s.invalidateSummary(ctx)
	return *closed, closingTx, nil
}

// ForceCloseCashBox closes another user's box administratively. A positive
// residual is drained into the target money box; without a target (or with a
// negative residual) the residual is written off as an explicit closing
// adjustment. Either way the box ends at zero and the residual is on the
// ledger.
func (s *Service) ForceCloseCashBox(ctx context.Context, boxID string, req domain.CashBoxForceCloseRequest) (domain.CashBox, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.CashBox{}, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.CashBox{}, fmt.Errorf("%w: force close requires a reason", store.ErrInvalidInput)
	}

	if req.TargetMoneyBoxID != "" {
		if _, err := s.repo.GetMoneyBox(ctx, req.TargetMoneyBoxID); err != nil {
			return domain.CashBox{}, fmt.Errorf("target money box %s: %w", req.TargetMoneyBoxID, err)
		}
	}

	closed, err := s.repo.ForceCloseCashBox(ctx, boxID, req.TargetMoneyBoxID, actor.Username, strings.TrimSpace(req.Reason), time.Now().UTC())
	if err != nil {
		return domain.CashBox{}, err
	}

	s.logAudit(ctx, "cashbox_force_close", "cash_box", closed.ID, fmt.Sprintf("reason=%s,target=%s", req.Reason, req.TargetMoneyBoxID))
	s.invalidateSummary(ctx)
	return *closed, nil
}

// manualCashTxKinds are the kinds a user may post directly. Everything else
// is produced by the box lifecycle or the posting engine.
func manualCashTxKind(t domain.CashTxType) bool {
	switch t {
	case domain.CashTxDeposit, domain.CashTxWithdrawal, domain.CashTxExpense, domain.CashTxAdjustment:
		return true
	}
	return false
}

func (s *Service) AddCashBoxTransaction(ctx context.Context, req domain.CashBoxTransactionRequest) (domain.CashBoxTransaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashBoxTransaction{}, err
	}
	if !manualCashTxKind(req.Type) {
		return domain.CashBoxTransaction{}, store.ErrInvalidInput
	}
	if req.Amount.IsZero() {
		return domain.CashBoxTransaction{}, store.ErrAmountZero
	}
	if req.Amount.IsNegative() {
		return domain.CashBoxTransaction{}, store.ErrInvalidInput
	}

	box, err := s.repo.GetOpenCashBoxByUser(ctx, actor.Username)
	if err != nil {
		return domain.CashBoxTransaction{}, err
	}

	settings, err := s.settingsFor(ctx, actor.Username)
	if err != nil {
		return domain.CashBoxTransaction{}, err
	}

	if req.Type == domain.CashTxWithdrawal {
		if settings.MaxWithdrawalAmount != nil && req.Amount.GreaterThan(*settings.MaxWithdrawalAmount) {
			return domain.CashBoxTransaction{}, fmt.Errorf("%w: cap %s, requested %s", store.ErrWithdrawalCapExceeded, settings.MaxWithdrawalAmount.String(), req.Amount.String())
		}
		if settings.RequireWithdrawalApprove && actor.Role != "admin" {
			return domain.CashBoxTransaction{}, store.ErrApprovalRequired
		}
	}
	if req.Type == domain.CashTxAdjustment && actor.Role != "admin" {
		return domain.CashBoxTransaction{}, fmt.Errorf("admin role required")
	}

	entry, err := s.repo.AppendCashBoxTransaction(ctx, domain.CashBoxTransaction{
		CashBoxID:   box.ID,
		Type:        req.Type,
		Amount:      req.Amount,
		ReferenceID: strings.TrimSpace(req.Reference),
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   actor.Username,
	}, settings.AllowNegativeBalance)
	if err != nil {
		return domain.CashBoxTransaction{}, err
	}

	s.logAudit(ctx, "cashbox_tx", "cash_box_transaction", entry.ID, fmt.Sprintf("type=%s,amount=%s,after=%s", entry.Type, entry.Amount.String(), entry.BalanceAfter.String()))
	s.invalidateSummary(ctx)
	return *entry, nil
}

func (s *Service) ListCashBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.CashBoxTransaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}

	box, err := s.repo.GetCashBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "admin" && box.OwnerUsername != actor.Username {
		return nil, fmt.Errorf("admin role required")
	}

	return s.repo.ListCashBoxTransactions(ctx, boxID, limit)
}

func (s *Service) GetCashBoxSettings(ctx context.Context, username string) (domain.CashBoxSettings, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashBoxSettings{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = actor.Username
	}
	if actor.Role != "admin" && username != actor.Username {
		return domain.CashBoxSettings{}, fmt.Errorf("admin role required")
	}
	return s.settingsFor(ctx, username)
}

func (s *Service) UpdateCashBoxSettings(ctx context.Context, settings domain.CashBoxSettings) (domain.CashBoxSettings, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.CashBoxSettings{}, err
	}
	if settings.DefaultOpeningAmount.IsNegative() {
		return domain.CashBoxSettings{}, store.ErrInvalidInput
	}

	saved, err := s.repo.UpsertCashBoxSettings(ctx, settings)
	if err != nil {
		return domain.CashBoxSettings{}, err
	}

	s.logAudit(ctx, "cashbox_settings_update", "cash_box_settings", saved.Username, settingsDetail(*saved))
	return *saved, nil
}

func settingsDetail(settings domain.CashBoxSettings) string {
	cap := "none"
	if settings.MaxWithdrawalAmount != nil {
		cap = settings.MaxWithdrawalAmount.String()
	}
	return fmt.Sprintf("negative=%t,cap=%s,approval=%t", settings.AllowNegativeBalance, cap, settings.RequireWithdrawalApprove)
}
