package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
	"kasbook/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	cashBoxesByID     map[string]domain.CashBox
	openCashBoxByUser map[string]string
	cashTxsByBox      map[string][]domain.CashBoxTransaction
	moneyBoxesByID    map[string]domain.MoneyBox
	moneyBoxIDByName  map[string]string
	moneyTxsByBox     map[string][]domain.MoneyBoxTransaction
	settingsByUser    map[string]domain.CashBoxSettings
	partiesByID       map[string]domain.Party
	products          map[string]domain.Product
	stock             map[string]map[string]int
	stockMovements    []domain.StockMovement
	documentsByID     map[string]*domain.Document
	receiptsByID      map[string]domain.Receipt
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
	invoiceSeq        map[domain.DocumentKind]int
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables, with dev defaults and a warning when unset. These
// credentials are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", UnitPrice: decimal.NewFromInt(3500), Active: true},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", UnitPrice: decimal.NewFromInt(26500), Active: true},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", UnitPrice: decimal.NewFromInt(18900), Active: true},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", UnitPrice: decimal.NewFromInt(17800), Active: true},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", UnitPrice: decimal.NewFromInt(2600), Active: true},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", UnitPrice: decimal.NewFromInt(17400), Active: true},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Category: "beverage", UnitPrice: decimal.NewFromInt(3900), Active: true},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Category: "household", UnitPrice: decimal.NewFromInt(7400), Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	stock := map[string]map[string]int{"main": {}}
	for _, p := range products {
		productMap[p.SKU] = p
		stock["main"][p.SKU] = 120
	}

	dailyBox := domain.MoneyBox{
		ID:          xid.New("mbox"),
		Name:        "Daily",
		Balance:     decimal.Zero,
		Description: "pooled daily takings",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	parties := []domain.Party{
		{ID: xid.New("party"), Kind: domain.PartyKindCustomer, Name: "Pelanggan Umum", Balance: decimal.Zero, Active: true, CreatedAt: now},
		{ID: xid.New("party"), Kind: domain.PartyKindSupplier, Name: "PT Sumber Sembako", Phone: "0812-0000-1111", Balance: decimal.Zero, Active: true, CreatedAt: now},
	}
	partyMap := make(map[string]domain.Party, len(parties))
	for _, p := range parties {
		partyMap[p.ID] = p
	}

	return &Store{
		cashBoxesByID:     make(map[string]domain.CashBox),
		openCashBoxByUser: make(map[string]string),
		cashTxsByBox:      make(map[string][]domain.CashBoxTransaction),
		moneyBoxesByID:    map[string]domain.MoneyBox{dailyBox.ID: dailyBox},
		moneyBoxIDByName:  map[string]string{dailyBox.Name: dailyBox.ID},
		moneyTxsByBox:     make(map[string][]domain.MoneyBoxTransaction),
		settingsByUser:    make(map[string]domain.CashBoxSettings),
		partiesByID:       partyMap,
		products:          productMap,
		stock:             stock,
		stockMovements:    make([]domain.StockMovement, 0, 128),
		documentsByID:     make(map[string]*domain.Document),
		receiptsByID:      make(map[string]domain.Receipt),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		usersByUsername:   seedUsers(),
		invoiceSeq:        make(map[domain.DocumentKind]int),
	}
}

// appendCashTxLocked validates and applies one cash box ledger entry. The
// caller must hold the write lock; the box row, the transaction row and the
// cached balance change together or not at all.
func (s *Store) appendCashTxLocked(entry domain.CashBoxTransaction, allowNegative bool) (*domain.CashBoxTransaction, error) {
	box, ok := s.cashBoxesByID[entry.CashBoxID]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	if box.Status != domain.CashBoxStatusOpen {
		return nil, store.ErrBoxClosed
	}
	if !entry.Type.Valid() {
		return nil, store.ErrInvalidInput
	}
	if entry.Amount.IsZero() {
		return nil, store.ErrAmountZero
	}
	if entry.Type != domain.CashTxClosing && entry.Amount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	entry.BalanceBefore = box.CurrentAmount
	entry.BalanceAfter = entry.Type.Apply(box.CurrentAmount, entry.Amount)
	if entry.BalanceAfter.IsNegative() && !allowNegative {
		return nil, store.ErrNegativeBalance
	}

	if entry.ID == "" {
		entry.ID = xid.New("cbt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	box.CurrentAmount = entry.BalanceAfter
	s.cashBoxesByID[entry.CashBoxID] = box
	s.cashTxsByBox[entry.CashBoxID] = append(s.cashTxsByBox[entry.CashBoxID], entry)
	return &entry, nil
}

// cashTxWouldSucceed performs the same checks as appendCashTxLocked without
// mutating anything; used to validate multi-step units up front.
func (s *Store) cashTxWouldSucceed(entry domain.CashBoxTransaction, allowNegative bool) error {
	box, ok := s.cashBoxesByID[entry.CashBoxID]
	if !ok {
		return store.ErrBoxNotFound
	}
	_, err := s.cashTxWouldSucceedFrom(entry, box.CurrentAmount, allowNegative)
	return err
}

// cashTxWouldSucceedFrom runs the append checks against a caller-supplied
// starting balance and returns the balance the entry would leave behind.
// Units that stack more than one leg on the same box chain these projections
// so the later leg is validated against the state the earlier one produces.
func (s *Store) cashTxWouldSucceedFrom(entry domain.CashBoxTransaction, starting decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	box, ok := s.cashBoxesByID[entry.CashBoxID]
	if !ok {
		return decimal.Zero, store.ErrBoxNotFound
	}
	if box.Status != domain.CashBoxStatusOpen {
		return decimal.Zero, store.ErrBoxClosed
	}
	if !entry.Type.Valid() {
		return decimal.Zero, store.ErrInvalidInput
	}
	if entry.Amount.IsZero() {
		return decimal.Zero, store.ErrAmountZero
	}
	if entry.Type != domain.CashTxClosing && entry.Amount.IsNegative() {
		return decimal.Zero, store.ErrInvalidInput
	}
	after := entry.Type.Apply(starting, entry.Amount)
	if after.IsNegative() && !allowNegative {
		return decimal.Zero, store.ErrNegativeBalance
	}
	return after, nil
}

func (s *Store) appendMoneyTxLocked(entry domain.MoneyBoxTransaction, allowNegative bool) (*domain.MoneyBoxTransaction, error) {
	box, ok := s.moneyBoxesByID[entry.MoneyBoxID]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	if !entry.Type.Valid() {
		return nil, store.ErrInvalidInput
	}
	if entry.Amount.IsZero() {
		return nil, store.ErrAmountZero
	}
	if entry.Amount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	entry.BalanceBefore = box.Balance
	entry.BalanceAfter = entry.Type.Apply(box.Balance, entry.Amount)
	if entry.BalanceAfter.IsNegative() && !allowNegative {
		return nil, store.ErrNegativeBalance
	}

	if entry.ID == "" {
		entry.ID = xid.New("mbt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	box.Balance = entry.BalanceAfter
	box.UpdatedAt = entry.CreatedAt
	s.moneyBoxesByID[entry.MoneyBoxID] = box
	s.moneyTxsByBox[entry.MoneyBoxID] = append(s.moneyTxsByBox[entry.MoneyBoxID], entry)
	return &entry, nil
}

func (s *Store) moneyTxWouldSucceed(entry domain.MoneyBoxTransaction, allowNegative bool) error {
	box, ok := s.moneyBoxesByID[entry.MoneyBoxID]
	if !ok {
		return store.ErrBoxNotFound
	}
	_, err := s.moneyTxWouldSucceedFrom(entry, box.Balance, allowNegative)
	return err
}

func (s *Store) moneyTxWouldSucceedFrom(entry domain.MoneyBoxTransaction, starting decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	if _, ok := s.moneyBoxesByID[entry.MoneyBoxID]; !ok {
		return decimal.Zero, store.ErrBoxNotFound
	}
	if !entry.Type.Valid() {
		return decimal.Zero, store.ErrInvalidInput
	}
	if entry.Amount.IsZero() {
		return decimal.Zero, store.ErrAmountZero
	}
	if entry.Amount.IsNegative() {
		return decimal.Zero, store.ErrInvalidInput
	}
	after := entry.Type.Apply(starting, entry.Amount)
	if after.IsNegative() && !allowNegative {
		return decimal.Zero, store.ErrNegativeBalance
	}
	return after, nil
}

func (s *Store) OpenCashBox(_ context.Context, box domain.CashBox) (*domain.CashBox, *domain.CashBoxTransaction, error) {
	box.OwnerUsername = strings.TrimSpace(box.OwnerUsername)
	if box.OwnerUsername == "" {
		return nil, nil, store.ErrInvalidInput
	}
	if box.InitialAmount.IsNegative() {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openCashBoxByUser[box.OwnerUsername]; exists {
		return nil, nil, store.ErrAlreadyOpen
	}

	if box.ID == "" {
		box.ID = xid.New("cbox")
	}
	if box.OpenedAt.IsZero() {
		box.OpenedAt = time.Now().UTC()
	}
	if box.OpenedBy == "" {
		box.OpenedBy = box.OwnerUsername
	}
	box.Status = domain.CashBoxStatusOpen
	box.CurrentAmount = decimal.Zero
	box.ClosedAt = nil
	box.ClosedBy = ""

	s.cashBoxesByID[box.ID] = box
	s.openCashBoxByUser[box.OwnerUsername] = box.ID

	var opening *domain.CashBoxTransaction
	if box.InitialAmount.IsPositive() {
		entry, err := s.appendCashTxLocked(domain.CashBoxTransaction{
			CashBoxID:   box.ID,
			Type:        domain.CashTxOpening,
			Amount:      box.InitialAmount,
			Description: "opening float",
			CreatedBy:   box.OpenedBy,
			CreatedAt:   box.OpenedAt,
		}, false)
		if err != nil {
			delete(s.cashBoxesByID, box.ID)
			delete(s.openCashBoxByUser, box.OwnerUsername)
			return nil, nil, err
		}
		opening = entry
	}

	saved := s.cashBoxesByID[box.ID]
	return &saved, opening, nil
}

func (s *Store) GetCashBox(_ context.Context, id string) (*domain.CashBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.cashBoxesByID[id]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	copyBox := box
	return &copyBox, nil
}

func (s *Store) GetOpenCashBoxByUser(_ context.Context, username string) (*domain.CashBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	boxID, ok := s.openCashBoxByUser[strings.TrimSpace(username)]
	if !ok {
		return nil, store.ErrNoOpenBox
	}
	box := s.cashBoxesByID[boxID]
	copyBox := box
	return &copyBox, nil
}

func (s *Store) ListCashBoxes(_ context.Context, username string, status string, limit int) ([]domain.CashBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashBox, 0, len(s.cashBoxesByID))
	for _, box := range s.cashBoxesByID {
		if username != "" && box.OwnerUsername != username {
			continue
		}
		if status != "" && box.Status != status {
			continue
		}
		result = append(result, box)
	}
	slices.SortFunc(result, func(a, b domain.CashBox) int {
		if a.OpenedAt.Equal(b.OpenedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.OpenedAt.After(b.OpenedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AppendCashBoxTransaction(_ context.Context, entry domain.CashBoxTransaction, allowNegative bool) (*domain.CashBoxTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCashTxLocked(entry, allowNegative)
}

func (s *Store) CloseCashBox(_ context.Context, boxID string, declaredAmount decimal.Decimal, closedBy string, notes string, closedAt time.Time) (*domain.CashBox, *domain.CashBoxTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.cashBoxesByID[boxID]
	if !ok {
		return nil, nil, store.ErrBoxNotFound
	}
	if box.Status != domain.CashBoxStatusOpen {
		return nil, nil, store.ErrBoxClosed
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var closing *domain.CashBoxTransaction
	difference := declaredAmount.Sub(box.CurrentAmount)
	if !difference.IsZero() {
		entry, err := s.appendCashTxLocked(domain.CashBoxTransaction{
			CashBoxID:   boxID,
			Type:        domain.CashTxClosing,
			Amount:      difference,
			Description: fmt.Sprintf("closing discrepancy (declared %s)", declaredAmount.String()),
			CreatedBy:   closedBy,
			CreatedAt:   closedAt,
		}, true)
		if err != nil {
			return nil, nil, err
		}
		closing = entry
		box = s.cashBoxesByID[boxID]
	}

	box.Status = domain.CashBoxStatusClosed
	box.ClosedBy = closedBy
	box.ClosedAt = &closedAt
	if notes != "" {
		box.Notes = notes
	}
	s.cashBoxesByID[boxID] = box
	delete(s.openCashBoxByUser, box.OwnerUsername)

	copyBox := box
	return &copyBox, closing, nil
}

func (s *Store) ForceCloseCashBox(_ context.Context, boxID string, targetMoneyBoxID string, closedBy string, reason string, closedAt time.Time) (*domain.CashBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.cashBoxesByID[boxID]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	if box.Status != domain.CashBoxStatusOpen {
		return nil, store.ErrBoxClosed
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	residual := box.CurrentAmount
	if residual.IsPositive() && targetMoneyBoxID != "" {
		if _, exists := s.moneyBoxesByID[targetMoneyBoxID]; !exists {
			return nil, store.ErrBoxNotFound
		}
		outLeg, err := s.appendCashTxLocked(domain.CashBoxTransaction{
			CashBoxID:     boxID,
			Type:          domain.CashTxTransferToMoney,
			Amount:        residual,
			ReferenceKind: "money_box",
			ReferenceID:   targetMoneyBoxID,
			Description:   "residual drained on force close: " + reason,
			CreatedBy:     closedBy,
			CreatedAt:     closedAt,
		}, false)
		if err != nil {
			return nil, err
		}
		if _, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
			MoneyBoxID:    targetMoneyBoxID,
			Type:          domain.MoneyTxDeposit,
			Amount:        residual,
			ReferenceKind: "cash_box",
			ReferenceID:   boxID,
			CounterpartID: outLeg.ID,
			Notes:         "residual from force-closed cash box",
			CreatedBy:     closedBy,
			CreatedAt:     closedAt,
		}, false); err != nil {
			// Undo the cash leg so the unit stays atomic.
			s.cashTxsByBox[boxID] = s.cashTxsByBox[boxID][:len(s.cashTxsByBox[boxID])-1]
			box.CurrentAmount = outLeg.BalanceBefore
			s.cashBoxesByID[boxID] = box
			return nil, err
		}
	} else if !residual.IsZero() {
		// No drain target (or negative residual): record the residual as an
		// explicit closing adjustment so it is never silently dropped.
		if _, err := s.appendCashTxLocked(domain.CashBoxTransaction{
			CashBoxID:   boxID,
			Type:        domain.CashTxClosing,
			Amount:      residual.Neg(),
			Description: "force close residual write-off: " + reason,
			CreatedBy:   closedBy,
			CreatedAt:   closedAt,
		}, true); err != nil {
			return nil, err
		}
	}

	box = s.cashBoxesByID[boxID]
	box.Status = domain.CashBoxStatusClosed
	box.ClosedBy = closedBy
	box.ClosedAt = &closedAt
	s.cashBoxesByID[boxID] = box
	delete(s.openCashBoxByUser, box.OwnerUsername)

	copyBox := box
	return &copyBox, nil
}

func (s *Store) ListCashBoxTransactions(_ context.Context, boxID string, limit int) ([]domain.CashBoxTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.cashTxsByBox[boxID]
	result := make([]domain.CashBoxTransaction, len(txs))
	copy(result, txs)
	slices.SortFunc(result, func(a, b domain.CashBoxTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetCashBoxSettings(_ context.Context, username string) (*domain.CashBoxSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settingsByUser[strings.TrimSpace(username)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySettings := settings
	return &copySettings, nil
}

func (s *Store) UpsertCashBoxSettings(_ context.Context, settings domain.CashBoxSettings) (*domain.CashBoxSettings, error) {
	settings.Username = strings.TrimSpace(settings.Username)
	if settings.Username == "" {
		return nil, store.ErrInvalidInput
	}
	if settings.MaxWithdrawalAmount != nil && !settings.MaxWithdrawalAmount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = time.Now().UTC()
	s.settingsByUser[settings.Username] = settings
	copySettings := settings
	return &copySettings, nil
}

func (s *Store) CreateMoneyBox(_ context.Context, box domain.MoneyBox) (*domain.MoneyBox, error) {
	box.Name = strings.TrimSpace(box.Name)
	if box.Name == "" {
		return nil, store.ErrInvalidInput
	}
	opening := box.Balance
	if opening.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.moneyBoxIDByName[box.Name]; exists {
		return nil, store.ErrInvalidInput
	}

	if box.ID == "" {
		box.ID = xid.New("mbox")
	}
	now := time.Now().UTC()
	if box.CreatedAt.IsZero() {
		box.CreatedAt = now
	}
	box.UpdatedAt = box.CreatedAt
	box.Balance = decimal.Zero

	s.moneyBoxesByID[box.ID] = box
	s.moneyBoxIDByName[box.Name] = box.ID

	if opening.IsPositive() {
		if _, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
			MoneyBoxID: box.ID,
			Type:       domain.MoneyTxDeposit,
			Amount:     opening,
			Notes:      "opening balance",
			CreatedBy:  "system",
			CreatedAt:  box.CreatedAt,
		}, false); err != nil {
			delete(s.moneyBoxesByID, box.ID)
			delete(s.moneyBoxIDByName, box.Name)
			return nil, err
		}
	}

	saved := s.moneyBoxesByID[box.ID]
	return &saved, nil
}

func (s *Store) GetMoneyBox(_ context.Context, id string) (*domain.MoneyBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.moneyBoxesByID[id]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	copyBox := box
	return &copyBox, nil
}

func (s *Store) GetMoneyBoxByName(_ context.Context, name string) (*domain.MoneyBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	boxID, ok := s.moneyBoxIDByName[strings.TrimSpace(name)]
	if !ok {
		return nil, store.ErrBoxNotFound
	}
	box := s.moneyBoxesByID[boxID]
	copyBox := box
	return &copyBox, nil
}

func (s *Store) ListMoneyBoxes(_ context.Context) ([]domain.MoneyBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MoneyBox, 0, len(s.moneyBoxesByID))
	for _, box := range s.moneyBoxesByID {
		result = append(result, box)
	}
	slices.SortFunc(result, func(a, b domain.MoneyBox) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) AppendMoneyBoxTransaction(_ context.Context, entry domain.MoneyBoxTransaction, allowNegative bool) (*domain.MoneyBoxTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMoneyTxLocked(entry, allowNegative)
}

func (s *Store) TransferMoneyBox(_ context.Context, fromID string, toID string, amount decimal.Decimal, notes string, createdBy string) (*domain.MoneyBoxTransaction, *domain.MoneyBoxTransaction, error) {
	if fromID == toID {
		return nil, nil, store.ErrInvalidTransfer
	}
	if !amount.IsPositive() {
		return nil, nil, store.ErrInvalidTransfer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.moneyBoxesByID[fromID]
	if !ok {
		return nil, nil, store.ErrBoxNotFound
	}
	if _, ok := s.moneyBoxesByID[toID]; !ok {
		return nil, nil, store.ErrBoxNotFound
	}
	if from.Balance.LessThan(amount) {
		return nil, nil, fmt.Errorf("%w: source balance %s below %s", store.ErrInvalidTransfer, from.Balance.String(), amount.String())
	}

	now := time.Now().UTC()
	outID := xid.New("mbt")
	inID := xid.New("mbt")

	outLeg, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
		ID:            outID,
		MoneyBoxID:    fromID,
		Type:          domain.MoneyTxTransferOut,
		Amount:        amount,
		CounterpartID: inID,
		ReferenceKind: "money_box",
		ReferenceID:   toID,
		Notes:         notes,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}, false)
	if err != nil {
		return nil, nil, err
	}

	inLeg, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
		ID:            inID,
		MoneyBoxID:    toID,
		Type:          domain.MoneyTxTransferIn,
		Amount:        amount,
		CounterpartID: outID,
		ReferenceKind: "money_box",
		ReferenceID:   fromID,
		Notes:         notes,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}, false)
	if err != nil {
		// Roll back the first leg; one-legged transfers must never persist.
		s.moneyTxsByBox[fromID] = s.moneyTxsByBox[fromID][:len(s.moneyTxsByBox[fromID])-1]
		from = s.moneyBoxesByID[fromID]
		from.Balance = outLeg.BalanceBefore
		s.moneyBoxesByID[fromID] = from
		return nil, nil, err
	}

	return outLeg, inLeg, nil
}

func (s *Store) ListMoneyBoxTransactions(_ context.Context, boxID string, limit int) ([]domain.MoneyBoxTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.moneyTxsByBox[boxID]
	result := make([]domain.MoneyBoxTransaction, len(txs))
	copy(result, txs)
	slices.SortFunc(result, func(a, b domain.MoneyBoxTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateParty(_ context.Context, party domain.Party) (*domain.Party, error) {
	party.Name = strings.TrimSpace(party.Name)
	if party.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if party.Kind != domain.PartyKindCustomer && party.Kind != domain.PartyKindSupplier {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if party.ID == "" {
		party.ID = xid.New("party")
	}
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now().UTC()
	}
	party.Active = true
	s.partiesByID[party.ID] = party
	copyParty := party
	return &copyParty, nil
}

func (s *Store) GetParty(_ context.Context, id string) (*domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	party, ok := s.partiesByID[id]
	if !ok {
		return nil, store.ErrPartyNotFound
	}
	copyParty := party
	return &copyParty, nil
}

func (s *Store) ListParties(_ context.Context, kind string) ([]domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Party, 0, len(s.partiesByID))
	for _, party := range s.partiesByID {
		if kind != "" && party.Kind != kind {
			continue
		}
		result = append(result, party)
	}
	slices.SortFunc(result, func(a, b domain.Party) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) AdjustPartyBalance(_ context.Context, partyID string, delta decimal.Decimal) (*domain.Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustPartyBalanceLocked(partyID, delta)
}

func (s *Store) adjustPartyBalanceLocked(partyID string, delta decimal.Decimal) (*domain.Party, error) {
	party, ok := s.partiesByID[partyID]
	if !ok {
		return nil, store.ErrPartyNotFound
	}
	party.Balance = party.Balance.Add(delta)
	s.partiesByID[partyID] = party
	copyParty := party
	return &copyParty, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrInvalidInput
	}

	product.Active = true
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[sku]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetStockLevels(_ context.Context, locationID string, skus []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make(map[string]int, len(skus))
	locationStock := s.stock[locationID]
	for _, sku := range skus {
		if locationStock == nil {
			levels[sku] = 0
			continue
		}
		levels[sku] = locationStock[sku]
	}
	return levels, nil
}

func (s *Store) AdjustStock(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.SKU == "" || movement.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if (movement.FromLocationID == "") == (movement.ToLocationID == "") {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[movement.SKU]; !exists {
		return nil, store.ErrNotFound
	}

	if movement.FromLocationID != "" {
		locationStock := s.stock[movement.FromLocationID]
		if locationStock == nil || locationStock[movement.SKU]-movement.Quantity < 0 {
			return nil, store.ErrInsufficientStock
		}
		locationStock[movement.SKU] -= movement.Quantity
	} else {
		locationStock, ok := s.stock[movement.ToLocationID]
		if !ok {
			locationStock = make(map[string]int)
			s.stock[movement.ToLocationID] = locationStock
		}
		locationStock[movement.SKU] += movement.Quantity
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	if movement.MovementType == "" {
		movement.MovementType = domain.MovementAdjustment
	}
	s.stockMovements = append(s.stockMovements, movement)
	saved := movement
	return &saved, nil
}

func (s *Store) ListStockMovements(_ context.Context, locationID string, sku string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, mov := range s.stockMovements {
		if locationID != "" && mov.FromLocationID != locationID && mov.ToLocationID != locationID {
			continue
		}
		if sku != "" && mov.SKU != sku {
			continue
		}
		result = append(result, mov)
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PostDocument(_ context.Context, doc domain.Document, ledger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error) {
	if !doc.Kind.Valid() {
		return nil, store.ErrInvalidInput
	}
	if len(doc.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if doc.PaidAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partiesByID[doc.PartyID]; !ok {
		return nil, store.ErrPartyNotFound
	}

	total := decimal.Zero
	for _, line := range doc.Lines {
		if line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return nil, store.ErrInvalidInput
		}
		if _, exists := s.products[line.SKU]; !exists {
			return nil, fmt.Errorf("sku %s unavailable", line.SKU)
		}
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	doc.Total = total

	if doc.PaidAmount.GreaterThan(total) {
		return nil, fmt.Errorf("%w: billed %s, paid %s", store.ErrOverpayment, total.String(), doc.PaidAmount.String())
	}

	// All checks happen before any mutation so a failed posting leaves no
	// partial state behind.
	if !doc.Kind.IncreasesStock() {
		locationStock := s.stock[doc.LocationID]
		for _, line := range doc.Lines {
			available := 0
			if locationStock != nil {
				available = locationStock[line.SKU]
			}
			if available-line.Quantity < 0 {
				return nil, store.ErrInsufficientStock
			}
		}
	}

	if ledger != nil {
		if ledger.CashBoxID != "" {
			if err := s.cashTxWouldSucceed(domain.CashBoxTransaction{
				CashBoxID: ledger.CashBoxID,
				Type:      ledger.CashType,
				Amount:    ledger.Amount,
			}, allowNegative); err != nil {
				return nil, err
			}
		} else {
			if err := s.moneyTxWouldSucceed(domain.MoneyBoxTransaction{
				MoneyBoxID: ledger.MoneyBoxID,
				Type:       ledger.MoneyType,
				Amount:     ledger.Amount,
			}, allowNegative); err != nil {
				return nil, err
			}
		}
	}

	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.InvoiceNumber == "" {
		s.invoiceSeq[doc.Kind]++
		doc.InvoiceNumber = fmt.Sprintf("%s-%04d", doc.Kind.InvoicePrefix(), s.invoiceSeq[doc.Kind])
	}
	doc.Status = domain.DocStatusPosted

	movementIDs := make([]string, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		mov := stockMovementForLine(doc, line)
		if doc.Kind.IncreasesStock() {
			locationStock, ok := s.stock[doc.LocationID]
			if !ok {
				locationStock = make(map[string]int)
				s.stock[doc.LocationID] = locationStock
			}
			locationStock[line.SKU] += line.Quantity
		} else {
			s.stock[doc.LocationID][line.SKU] -= line.Quantity
		}
		s.stockMovements = append(s.stockMovements, mov)
		movementIDs = append(movementIDs, mov.ID)
	}

	if _, err := s.adjustPartyBalanceLocked(doc.PartyID, partyBalanceDelta(doc.Kind, total, doc.PaidAmount)); err != nil {
		return nil, err
	}

	var ledgerTxID string
	if ledger != nil {
		if ledger.CashBoxID != "" {
			entry, err := s.appendCashTxLocked(domain.CashBoxTransaction{
				CashBoxID:     ledger.CashBoxID,
				Type:          ledger.CashType,
				Amount:        ledger.Amount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Description:   ledger.Description,
				CreatedBy:     ledger.CreatedBy,
				CreatedAt:     doc.CreatedAt,
			}, allowNegative)
			if err != nil {
				return nil, err
			}
			ledgerTxID = entry.ID
			doc.CashBoxID = ledger.CashBoxID
		} else {
			entry, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
				MoneyBoxID:    ledger.MoneyBoxID,
				Type:          ledger.MoneyType,
				Amount:        ledger.Amount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Notes:         ledger.Description,
				CreatedBy:     ledger.CreatedBy,
				CreatedAt:     doc.CreatedAt,
			}, allowNegative)
			if err != nil {
				return nil, err
			}
			ledgerTxID = entry.ID
			doc.MoneyBoxID = ledger.MoneyBoxID
		}
		doc.LedgerTxID = ledgerTxID
	}

	s.documentsByID[doc.ID] = cloneDocument(&doc)
	return &domain.PostingResult{
		Document:         *cloneDocument(&doc),
		LedgerTxID:       ledgerTxID,
		StockMovementIDs: movementIDs,
	}, nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documentsByID[id]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	return cloneDocument(doc), nil
}

func (s *Store) ListDocuments(_ context.Context, kind string, partyID string, status string, limit int) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Document, 0, len(s.documentsByID))
	for _, doc := range s.documentsByID {
		if kind != "" && string(doc.Kind) != kind {
			continue
		}
		if partyID != "" && doc.PartyID != partyID {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		result = append(result, *cloneDocument(doc))
	}
	slices.SortFunc(result, func(a, b domain.Document) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateDocumentPayment(_ context.Context, docID string, newPaid decimal.Decimal, newLedger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error) {
	if newPaid.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documentsByID[docID]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	if doc.Status != domain.DocStatusPosted {
		return nil, store.ErrInvalidInput
	}
	if newPaid.GreaterThan(doc.Total) {
		remaining := doc.Total.Sub(doc.PaidAmount)
		return nil, fmt.Errorf("%w: billed %s, previously paid %s, remaining %s", store.ErrOverpayment, doc.Total.String(), doc.PaidAmount.String(), remaining.String())
	}

	if _, ok := s.partiesByID[doc.PartyID]; !ok {
		return nil, store.ErrPartyNotFound
	}

	// Build the reversal of the prior ledger effect and the new leg, and
	// validate both before anything is written. When both land on the same
	// box the new leg is checked against the balance the reversal leaves
	// behind, not the current one.
	var reversal *domain.CashBoxTransaction
	var moneyReversal *domain.MoneyBoxTransaction
	var reversalAfter decimal.Decimal
	if doc.LedgerTxID != "" && doc.PaidAmount.IsPositive() {
		if doc.CashBoxID != "" {
			txType, ok := domain.CashTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			candidate := domain.CashBoxTransaction{
				CashBoxID:     doc.CashBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Description:   "reversal of payment on " + doc.InvoiceNumber,
			}
			after, err := s.cashTxWouldSucceedFrom(candidate, s.cashBoxesByID[doc.CashBoxID].CurrentAmount, allowNegative)
			if err != nil {
				return nil, err
			}
			reversal = &candidate
			reversalAfter = after
		} else {
			txType, ok := domain.MoneyTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			candidate := domain.MoneyBoxTransaction{
				MoneyBoxID:    doc.MoneyBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Notes:         "reversal of payment on " + doc.InvoiceNumber,
			}
			after, err := s.moneyTxWouldSucceedFrom(candidate, s.moneyBoxesByID[doc.MoneyBoxID].Balance, allowNegative)
			if err != nil {
				return nil, err
			}
			moneyReversal = &candidate
			reversalAfter = after
		}
	}

	var newCashLeg *domain.CashBoxTransaction
	var newMoneyLeg *domain.MoneyBoxTransaction
	if newLedger != nil && newPaid.IsPositive() {
		if newLedger.CashBoxID != "" {
			candidate := domain.CashBoxTransaction{
				CashBoxID:     newLedger.CashBoxID,
				Type:          newLedger.CashType,
				Amount:        newPaid,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Description:   newLedger.Description,
				CreatedBy:     newLedger.CreatedBy,
			}
			starting := decimal.Zero
			if box, ok := s.cashBoxesByID[candidate.CashBoxID]; ok {
				starting = box.CurrentAmount
			}
			if reversal != nil && reversal.CashBoxID == candidate.CashBoxID {
				starting = reversalAfter
			}
			if _, err := s.cashTxWouldSucceedFrom(candidate, starting, allowNegative); err != nil {
				return nil, err
			}
			newCashLeg = &candidate
		} else {
			candidate := domain.MoneyBoxTransaction{
				MoneyBoxID:    newLedger.MoneyBoxID,
				Type:          newLedger.MoneyType,
				Amount:        newPaid,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Notes:         newLedger.Description,
				CreatedBy:     newLedger.CreatedBy,
			}
			starting := decimal.Zero
			if box, ok := s.moneyBoxesByID[candidate.MoneyBoxID]; ok {
				starting = box.Balance
			}
			if moneyReversal != nil && moneyReversal.MoneyBoxID == candidate.MoneyBoxID {
				starting = reversalAfter
			}
			if _, err := s.moneyTxWouldSucceedFrom(candidate, starting, allowNegative); err != nil {
				return nil, err
			}
			newMoneyLeg = &candidate
		}
	}

	// Everything validated; apply to a clone so a partial update can never
	// leak through the shared document.
	if reversal != nil {
		if _, err := s.appendCashTxLocked(*reversal, allowNegative); err != nil {
			return nil, err
		}
	}
	if moneyReversal != nil {
		if _, err := s.appendMoneyTxLocked(*moneyReversal, allowNegative); err != nil {
			return nil, err
		}
	}

	updated := cloneDocument(doc)
	oldPaid := updated.PaidAmount
	updated.PaidAmount = newPaid
	updated.CashBoxID = ""
	updated.MoneyBoxID = ""
	updated.LedgerTxID = ""

	var ledgerTxID string
	if newCashLeg != nil {
		entry, err := s.appendCashTxLocked(*newCashLeg, allowNegative)
		if err != nil {
			return nil, err
		}
		ledgerTxID = entry.ID
		updated.CashBoxID = newCashLeg.CashBoxID
	}
	if newMoneyLeg != nil {
		entry, err := s.appendMoneyTxLocked(*newMoneyLeg, allowNegative)
		if err != nil {
			return nil, err
		}
		ledgerTxID = entry.ID
		updated.MoneyBoxID = newMoneyLeg.MoneyBoxID
	}
	if ledgerTxID != "" {
		updated.LedgerTxID = ledgerTxID
	}

	// More paid means less owed, and vice versa.
	paidDelta := newPaid.Sub(oldPaid)
	balanceDelta := paidDelta.Neg()
	if updated.Kind == domain.DocSaleReturn || updated.Kind == domain.DocPurchaseReturn {
		balanceDelta = paidDelta
	}
	if _, err := s.adjustPartyBalanceLocked(updated.PartyID, balanceDelta); err != nil {
		return nil, err
	}

	s.documentsByID[docID] = updated
	return &domain.PostingResult{
		Document:   *cloneDocument(updated),
		LedgerTxID: ledgerTxID,
	}, nil
}

func (s *Store) CancelDocument(_ context.Context, docID string, reason string, cancelledBy string, at time.Time) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documentsByID[docID]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	if doc.Status != domain.DocStatusPosted {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	doc.Status = domain.DocStatusCancelled
	doc.CancelledBy = cancelledBy
	doc.CancelledAt = &at
	doc.CancelReason = reason
	return cloneDocument(doc), nil
}

func (s *Store) ForceDeleteDocument(_ context.Context, docID string, reason string, deletedBy string, at time.Time) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documentsByID[docID]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	if doc.Status == domain.DocStatusDeleted {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if _, ok := s.partiesByID[doc.PartyID]; !ok {
		return nil, store.ErrPartyNotFound
	}

	// Reversing a restock must not drive the location negative.
	if doc.Kind.IncreasesStock() {
		locationStock := s.stock[doc.LocationID]
		for _, line := range doc.Lines {
			available := 0
			if locationStock != nil {
				available = locationStock[line.SKU]
			}
			if available-line.Quantity < 0 {
				return nil, store.ErrInsufficientStock
			}
		}
	}

	// Any payment is backed out by appending the opposite-direction entry;
	// the original ledger rows stay on the books. The reversal obeys the
	// usual balance rules, so deleting a paid sale whose cash has already
	// left the box fails rather than overdrawing it.
	var reversal *domain.CashBoxTransaction
	var moneyReversal *domain.MoneyBoxTransaction
	if doc.LedgerTxID != "" && doc.PaidAmount.IsPositive() {
		if doc.CashBoxID != "" {
			txType, ok := domain.CashTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			candidate := domain.CashBoxTransaction{
				CashBoxID:     doc.CashBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document_delete",
				ReferenceID:   doc.ID,
				Description:   "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     deletedBy,
				CreatedAt:     at,
			}
			if err := s.cashTxWouldSucceed(candidate, false); err != nil {
				return nil, err
			}
			reversal = &candidate
		} else {
			txType, ok := domain.MoneyTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			candidate := domain.MoneyBoxTransaction{
				MoneyBoxID:    doc.MoneyBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document_delete",
				ReferenceID:   doc.ID,
				Notes:         "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     deletedBy,
				CreatedAt:     at,
			}
			if err := s.moneyTxWouldSucceed(candidate, false); err != nil {
				return nil, err
			}
			moneyReversal = &candidate
		}
	}

	for _, line := range doc.Lines {
		mov := domain.StockMovement{
			ID:            xid.New("mov"),
			SKU:           line.SKU,
			Quantity:      line.Quantity,
			MovementType:  domain.MovementAdjustment,
			ReferenceKind: "document_delete",
			ReferenceID:   doc.ID,
			CreatedAt:     at,
		}
		if doc.Kind.IncreasesStock() {
			mov.FromLocationID = doc.LocationID
			s.stock[doc.LocationID][line.SKU] -= line.Quantity
		} else {
			mov.ToLocationID = doc.LocationID
			locationStock, ok := s.stock[doc.LocationID]
			if !ok {
				locationStock = make(map[string]int)
				s.stock[doc.LocationID] = locationStock
			}
			locationStock[line.SKU] += line.Quantity
		}
		s.stockMovements = append(s.stockMovements, mov)
	}

	if reversal != nil {
		if _, err := s.appendCashTxLocked(*reversal, false); err != nil {
			return nil, err
		}
	}
	if moneyReversal != nil {
		if _, err := s.appendMoneyTxLocked(*moneyReversal, false); err != nil {
			return nil, err
		}
	}

	if _, err := s.adjustPartyBalanceLocked(doc.PartyID, partyBalanceDelta(doc.Kind, doc.Total, doc.PaidAmount).Neg()); err != nil {
		return nil, err
	}

	doc.Status = domain.DocStatusDeleted
	doc.CancelledBy = deletedBy
	doc.CancelledAt = &at
	doc.CancelReason = reason
	return cloneDocument(doc), nil
}

// SettleReceipt writes the ledger leg, the party balance change and the
// receipt row under one lock so a standalone settlement can never land
// half-applied.
func (s *Store) SettleReceipt(_ context.Context, receipt domain.Receipt, ledger domain.LedgerInstruction, partyDelta decimal.Decimal, allowNegative bool) (*domain.Receipt, error) {
	if receipt.PartyID == "" || !receipt.Amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partiesByID[receipt.PartyID]; !ok {
		return nil, store.ErrPartyNotFound
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	if ledger.CashBoxID != "" {
		entry, err := s.appendCashTxLocked(domain.CashBoxTransaction{
			CashBoxID:     ledger.CashBoxID,
			Type:          ledger.CashType,
			Amount:        ledger.Amount,
			ReferenceKind: "party",
			ReferenceID:   receipt.PartyID,
			Description:   ledger.Description,
			CreatedBy:     ledger.CreatedBy,
			CreatedAt:     receipt.CreatedAt,
		}, allowNegative)
		if err != nil {
			return nil, err
		}
		receipt.LedgerTxID = entry.ID
	} else {
		entry, err := s.appendMoneyTxLocked(domain.MoneyBoxTransaction{
			MoneyBoxID:    ledger.MoneyBoxID,
			Type:          ledger.MoneyType,
			Amount:        ledger.Amount,
			ReferenceKind: "party",
			ReferenceID:   receipt.PartyID,
			Notes:         ledger.Description,
			CreatedBy:     ledger.CreatedBy,
			CreatedAt:     receipt.CreatedAt,
		}, allowNegative)
		if err != nil {
			return nil, err
		}
		receipt.LedgerTxID = entry.ID
	}

	if _, err := s.adjustPartyBalanceLocked(receipt.PartyID, partyDelta); err != nil {
		return nil, err
	}

	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	s.receiptsByID[receipt.ID] = receipt
	copyReceipt := receipt
	return &copyReceipt, nil
}

func (s *Store) CreateReceipt(_ context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if receipt.PartyID == "" || !receipt.Amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partiesByID[receipt.PartyID]; !ok {
		return nil, store.ErrPartyNotFound
	}
	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	s.receiptsByID[receipt.ID] = receipt
	copyReceipt := receipt
	return &copyReceipt, nil
}

func (s *Store) ListReceipts(_ context.Context, partyID string, limit int) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Receipt, 0, len(s.receiptsByID))
	for _, receipt := range s.receiptsByID {
		if partyID != "" && receipt.PartyID != partyID {
			continue
		}
		result = append(result, receipt)
	}
	slices.SortFunc(result, func(a, b domain.Receipt) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetCashSummary(_ context.Context, dayStart time.Time, dayEnd time.Time) (domain.CashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.CashSummary{
		CashBoxInflow:   decimal.Zero,
		CashBoxOutflow:  decimal.Zero,
		MoneyBoxInflow:  decimal.Zero,
		MoneyBoxOutflow: decimal.Zero,
	}

	for _, txs := range s.cashTxsByBox {
		for _, tx := range txs {
			if tx.CreatedAt.Before(dayStart) || !tx.CreatedAt.Before(dayEnd) {
				continue
			}
			delta := tx.BalanceAfter.Sub(tx.BalanceBefore)
			if delta.IsNegative() {
				summary.CashBoxOutflow = summary.CashBoxOutflow.Add(delta.Neg())
			} else {
				summary.CashBoxInflow = summary.CashBoxInflow.Add(delta)
			}
		}
	}
	for _, txs := range s.moneyTxsByBox {
		for _, tx := range txs {
			if tx.CreatedAt.Before(dayStart) || !tx.CreatedAt.Before(dayEnd) {
				continue
			}
			delta := tx.BalanceAfter.Sub(tx.BalanceBefore)
			if delta.IsNegative() {
				summary.MoneyBoxOutflow = summary.MoneyBoxOutflow.Add(delta.Neg())
			} else {
				summary.MoneyBoxInflow = summary.MoneyBoxInflow.Add(delta)
			}
		}
	}
	summary.OpenCashBoxes = len(s.openCashBoxByUser)

	return summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func stockMovementForLine(doc domain.Document, line domain.DocumentLine) domain.StockMovement {
	mov := domain.StockMovement{
		ID:            xid.New("mov"),
		SKU:           line.SKU,
		Quantity:      line.Quantity,
		MovementType:  string(doc.Kind),
		ReferenceKind: "document",
		ReferenceID:   doc.ID,
		CreatedAt:     doc.CreatedAt,
	}
	if doc.Kind.IncreasesStock() {
		mov.ToLocationID = doc.LocationID
	} else {
		mov.FromLocationID = doc.LocationID
	}
	return mov
}

// partyBalanceDelta is the running-balance effect of posting a document: the
// unpaid remainder becomes receivable (sales) or payable (purchases), and
// returns reduce what the party owes or is owed.
func partyBalanceDelta(kind domain.DocumentKind, total decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	remainder := total.Sub(paid)
	if kind == domain.DocSaleReturn || kind == domain.DocPurchaseReturn {
		return remainder.Neg()
	}
	return remainder
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneDocument(src *domain.Document) *domain.Document {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.DocumentLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return &dup
}
