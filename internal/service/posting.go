package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
)

// PostDocument validates and posts a commercial document as one atomic unit:
// the document, its stock movements, the counterparty balance change and (for
// a paid amount) exactly one ledger transaction. When a money box is named as
// the payment destination and cannot be found, the whole posting fails; the
// payment is never silently redirected to the actor's cash box.
func (s *Service) PostDocument(ctx context.Context, req domain.PostDocumentRequest) (domain.PostingResult, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.PostingResult{}, err
	}

	if !req.Kind.Valid() {
		return domain.PostingResult{}, store.ErrInvalidInput
	}
	if len(req.Lines) == 0 {
		return domain.PostingResult{}, fmt.Errorf("%w: document needs at least one line", store.ErrInvalidInput)
	}
	if req.PaidAmount.IsNegative() {
		return domain.PostingResult{}, store.ErrInvalidInput
	}
	if req.LocationID == "" {
		req.LocationID = s.defaultLocationID
	}

	if _, err := s.repo.GetParty(ctx, req.PartyID); err != nil {
		return domain.PostingResult{}, err
	}

	skus := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		req.Lines[i].SKU = strings.ToUpper(strings.TrimSpace(req.Lines[i].SKU))
		skus = append(skus, req.Lines[i].SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.PostingResult{}, err
	}

	total := decimal.Zero
	for i, line := range req.Lines {
		product, ok := products[line.SKU]
		if !ok {
			return domain.PostingResult{}, fmt.Errorf("%w: unknown sku %s", store.ErrInvalidInput, line.SKU)
		}
		if line.Quantity < 1 {
			return domain.PostingResult{}, fmt.Errorf("%w: quantity for %s must be positive", store.ErrInvalidInput, line.SKU)
		}
		if line.UnitPrice.IsZero() {
			req.Lines[i].UnitPrice = product.UnitPrice
		} else if line.UnitPrice.IsNegative() {
			return domain.PostingResult{}, store.ErrInvalidInput
		}
		total = total.Add(req.Lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if req.PaidAmount.GreaterThan(total) {
		return domain.PostingResult{}, fmt.Errorf("%w: billed %s, paid %s, remaining %s",
			store.ErrOverpayment, total.String(), req.PaidAmount.String(), total.String())
	}

	ledger, allowNegative, err := s.resolveLedger(ctx, actor, req.Kind, req.MoneyBoxID, req.PaidAmount)
	if err != nil {
		return domain.PostingResult{}, err
	}

	result, err := s.repo.PostDocument(ctx, domain.Document{
		Kind:       req.Kind,
		PartyID:    req.PartyID,
		LocationID: req.LocationID,
		Lines:      req.Lines,
		PaidAmount: req.PaidAmount,
		DueDate:    req.DueDate,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedBy:  actor.Username,
	}, ledger, allowNegative)
	if err != nil {
		return domain.PostingResult{}, err
	}

	s.logAudit(ctx, "document_post", "document", result.Document.ID,
		fmt.Sprintf("kind=%s,invoice=%s,total=%s,paid=%s", result.Document.Kind, result.Document.InvoiceNumber, result.Document.Total.String(), result.Document.PaidAmount.String()))

	// Post-commit side effects: the receipt and the cache invalidation ride
	// outside the atomic unit; a failure here is logged, never propagated.
	if result.Document.PaidAmount.IsPositive() {
		method := strings.TrimSpace(req.PaymentMethod)
		if method == "" {
			method = "cash"
		}
		if _, err := s.repo.CreateReceipt(ctx, domain.Receipt{
			PartyID:    result.Document.PartyID,
			DocumentID: result.Document.ID,
			Amount:     result.Document.PaidAmount,
			Method:     method,
			LedgerTxID: result.LedgerTxID,
			CreatedBy:  actor.Username,
		}); err != nil {
			s.log.WithError(err).WithField("document_id", result.Document.ID).Warn("receipt issue failed after posting")
		}
	}
	s.invalidateSummary(ctx)

	return *result, nil
}

// resolveLedger picks the ledger a payment lands on. Explicit money box wins
// and must exist; otherwise the actor's open cash box is used. A zero paid
// amount produces no ledger instruction at all.
func (s *Service) resolveLedger(ctx context.Context, actor domain.Actor, kind domain.DocumentKind, moneyBoxID string, paid decimal.Decimal) (*domain.LedgerInstruction, bool, error) {
	if !paid.IsPositive() {
		return nil, false, nil
	}

	if moneyBoxID != "" {
		if _, err := s.repo.GetMoneyBox(ctx, moneyBoxID); err != nil {
			return nil, false, fmt.Errorf("payment money box %s: %w", moneyBoxID, err)
		}
		moneyType, ok := domain.MoneyTxTypeForDocument(kind)
		if !ok {
			return nil, false, store.ErrInvalidInput
		}
		return &domain.LedgerInstruction{
			MoneyBoxID:  moneyBoxID,
			MoneyType:   moneyType,
			Amount:      paid,
			Description: fmt.Sprintf("%s payment", kind),
			CreatedBy:   actor.Username,
		}, false, nil
	}

	box, err := s.repo.GetOpenCashBoxByUser(ctx, actor.Username)
	if err != nil {
		return nil, false, err
	}
	settings, err := s.settingsFor(ctx, actor.Username)
	if err != nil {
		return nil, false, err
	}
	cashType, ok := domain.CashTxTypeForDocument(kind)
	if !ok {
		return nil, false, store.ErrInvalidInput
	}
	return &domain.LedgerInstruction{
		CashBoxID:   box.ID,
		CashType:    cashType,
		Amount:      paid,
		Description: fmt.Sprintf("%s payment", kind),
		CreatedBy:   actor.Username,
	}, settings.AllowNegativeBalance, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	return *doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, kind string, partyID string, status string, limit int) ([]domain.Document, error) {
	return s.repo.ListDocuments(ctx, kind, partyID, status, limit)
}

// UpdateDocumentPayment changes the paid amount on a posted document. The
// prior ledger effect is reversed first, then the new payment is applied, all
// inside one transaction. Overpayment is rejected up front with the exact
// figures.
func (s *Service) UpdateDocumentPayment(ctx context.Context, docID string, req domain.UpdatePaymentRequest) (domain.PostingResult, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.PostingResult{}, err
	}
	if req.PaidAmount.IsNegative() {
		return domain.PostingResult{}, store.ErrInvalidInput
	}

	doc, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return domain.PostingResult{}, err
	}
	if doc.Status != domain.DocStatusPosted {
		return domain.PostingResult{}, fmt.Errorf("%w: document %s is %s", store.ErrInvalidInput, doc.InvoiceNumber, doc.Status)
	}
	if req.PaidAmount.GreaterThan(doc.Total) {
		return domain.PostingResult{}, fmt.Errorf("%w: billed %s, previously paid %s, remaining %s",
			store.ErrOverpayment, doc.Total.String(), doc.PaidAmount.String(), doc.Total.Sub(doc.PaidAmount).String())
	}

	destination := req.MoneyBoxID
	if destination == "" {
		destination = doc.MoneyBoxID
	}
	newLedger, allowNegative, err := s.resolveLedger(ctx, actor, doc.Kind, destination, req.PaidAmount)
	if err != nil {
		return domain.PostingResult{}, err
	}

	result, err := s.repo.UpdateDocumentPayment(ctx, docID, req.PaidAmount, newLedger, allowNegative)
	if err != nil {
		return domain.PostingResult{}, err
	}

	s.logAudit(ctx, "document_payment_update", "document", docID,
		fmt.Sprintf("invoice=%s,old_paid=%s,new_paid=%s", doc.InvoiceNumber, doc.PaidAmount.String(), req.PaidAmount.String()))
	s.invalidateSummary(ctx)
	return *result, nil
}

// CancelDocument soft-cancels by default: the document is marked cancelled
// and its ledger transaction stays on the books. With Force set (admin only)
// the stock and counterparty effects are reversed and any payment is backed
// out by an opposite-direction ledger entry; ledger rows themselves are
// still never deleted.
func (s *Service) CancelDocument(ctx context.Context, docID string, req domain.CancelDocumentRequest) (domain.Document, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Document{}, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.Document{}, fmt.Errorf("%w: cancellation requires a reason", store.ErrInvalidInput)
	}

	if req.Force {
		if actor.Role != "admin" {
			return domain.Document{}, fmt.Errorf("admin role required")
		}
		deleted, err := s.repo.ForceDeleteDocument(ctx, docID, strings.TrimSpace(req.Reason), actor.Username, nowUTC())
		if err != nil {
			return domain.Document{}, err
		}
		s.logAudit(ctx, "document_force_delete", "document", docID, fmt.Sprintf("invoice=%s,reason=%s", deleted.InvoiceNumber, req.Reason))
		s.invalidateSummary(ctx)
		return *deleted, nil
	}

	cancelled, err := s.repo.CancelDocument(ctx, docID, strings.TrimSpace(req.Reason), actor.Username, nowUTC())
	if err != nil {
		return domain.Document{}, err
	}
	s.logAudit(ctx, "document_cancel", "document", docID, fmt.Sprintf("invoice=%s,reason=%s", cancelled.InvoiceNumber, req.Reason))
	return *cancelled, nil
}

// IssueReceipt records a standalone settlement against a party: a customer
// paying down receivables or the shop paying a supplier. The ledger
// transaction, the party balance change and the receipt row commit as one
// repository unit.
func (s *Service) IssueReceipt(ctx context.Context, req domain.IssueReceiptRequest) (domain.Receipt, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Receipt{}, err
	}
	if !req.Amount.IsPositive() {
		return domain.Receipt{}, store.ErrAmountZero
	}

	party, err := s.repo.GetParty(ctx, req.PartyID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if req.DocumentID != "" {
		if _, err := s.repo.GetDocument(ctx, req.DocumentID); err != nil {
			return domain.Receipt{}, err
		}
	}

	cashType := domain.CashTxCustomerReceipt
	moneyType := domain.MoneyTxCustomerReceipt
	if party.Kind == domain.PartyKindSupplier {
		cashType = domain.CashTxSupplierPayment
		moneyType = domain.MoneyTxSupplierPayment
	}

	ledger := domain.LedgerInstruction{
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Notes),
		CreatedBy:   actor.Username,
	}
	allowNegative := false
	if req.MoneyBoxID != "" {
		if _, err := s.repo.GetMoneyBox(ctx, req.MoneyBoxID); err != nil {
			return domain.Receipt{}, fmt.Errorf("receipt money box %s: %w", req.MoneyBoxID, err)
		}
		ledger.MoneyBoxID = req.MoneyBoxID
		ledger.MoneyType = moneyType
	} else {
		box, err := s.repo.GetOpenCashBoxByUser(ctx, actor.Username)
		if err != nil {
			return domain.Receipt{}, err
		}
		settings, err := s.settingsFor(ctx, actor.Username)
		if err != nil {
			return domain.Receipt{}, err
		}
		ledger.CashBoxID = box.ID
		ledger.CashType = cashType
		allowNegative = settings.AllowNegativeBalance
	}

	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = "cash"
	}
	// Settlement reduces what the party owes (customer) or is owed (supplier).
	receipt, err := s.repo.SettleReceipt(ctx, domain.Receipt{
		PartyID:    party.ID,
		DocumentID: req.DocumentID,
		Amount:     req.Amount,
		Method:     method,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedBy:  actor.Username,
	}, ledger, req.Amount.Neg(), allowNegative)
	if err != nil {
		return domain.Receipt{}, err
	}

	s.logAudit(ctx, "receipt_issue", "receipt", receipt.ID, fmt.Sprintf("party=%s,amount=%s,method=%s", party.ID, req.Amount.String(), method))
	s.invalidateSummary(ctx)
	return *receipt, nil
}

func (s *Service) ListReceipts(ctx context.Context, partyID string, limit int) ([]domain.Receipt, error) {
	return s.repo.ListReceipts(ctx, partyID, limit)
}
