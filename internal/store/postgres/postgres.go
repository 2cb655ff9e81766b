package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
	"kasbook/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Cash boxes.

func (s *Store) OpenCashBox(ctx context.Context, box domain.CashBox) (*domain.CashBox, *domain.CashBoxTransaction, error) {
	box.OwnerUsername = strings.TrimSpace(box.OwnerUsername)
	if box.OwnerUsername == "" || box.InitialAmount.IsNegative() {
		return nil, nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

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

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cash_boxes (id, owner_username, initial_amount, current_amount, status, notes, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, box.ID, box.OwnerUsername, box.InitialAmount, box.CurrentAmount, box.Status, nullIfEmpty(box.Notes), box.OpenedBy, box.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrAlreadyOpen
		}
		return nil, nil, err
	}

	var opening *domain.CashBoxTransaction
	if box.InitialAmount.IsPositive() {
		entry, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
			CashBoxID:   box.ID,
			Type:        domain.CashTxOpening,
			Amount:      box.InitialAmount,
			Description: "opening float",
			CreatedBy:   box.OpenedBy,
			CreatedAt:   box.OpenedAt,
		}, false)
		if err != nil {
			return nil, nil, err
		}
		opening = entry
		box.CurrentAmount = entry.BalanceAfter
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return &box, opening, nil
}

func (s *Store) GetCashBox(ctx context.Context, id string) (*domain.CashBox, error) {
	box, err := scanCashBox(s.db.QueryRowContext(ctx, `
		SELECT id, owner_username, initial_amount, current_amount, status, COALESCE(notes,''), opened_by, opened_at, COALESCE(closed_by,''), closed_at
		FROM cash_boxes
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrBoxNotFound
	}
	return box, err
}

func (s *Store) GetOpenCashBoxByUser(ctx context.Context, username string) (*domain.CashBox, error) {
	box, err := scanCashBox(s.db.QueryRowContext(ctx, `
		SELECT id, owner_username, initial_amount, current_amount, status, COALESCE(notes,''), opened_by, opened_at, COALESCE(closed_by,''), closed_at
		FROM cash_boxes
		WHERE owner_username = $1 AND status = 'open'
	`, strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoOpenBox
	}
	return box, err
}

func (s *Store) ListCashBoxes(ctx context.Context, username string, status string, limit int) ([]domain.CashBox, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_username, initial_amount, current_amount, status, COALESCE(notes,''), opened_by, opened_at, COALESCE(closed_by,''), closed_at
		FROM cash_boxes
		WHERE ($1 = '' OR owner_username = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY opened_at DESC
		LIMIT $3
	`, username, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	boxes := make([]domain.CashBox, 0, limit)
	for rows.Next() {
		box, err := scanCashBox(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, *box)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return boxes, nil
}

func (s *Store) AppendCashBoxTransaction(ctx context.Context, entry domain.CashBoxTransaction, allowNegative bool) (*domain.CashBoxTransaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	saved, err := appendCashTx(ctx, pgTx, entry, allowNegative)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) CloseCashBox(ctx context.Context, boxID string, declaredAmount decimal.Decimal, closedBy string, notes string, closedAt time.Time) (*domain.CashBox, *domain.CashBoxTransaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	box, err := lockCashBox(ctx, pgTx, boxID)
	if err != nil {
		return nil, nil, err
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
		entry, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
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
		box.CurrentAmount = entry.BalanceAfter
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_boxes
		SET status = 'closed', closed_by = $1, closed_at = $2, notes = COALESCE(NULLIF($3,''), notes)
		WHERE id = $4
	`, closedBy, closedAt, notes, boxID)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}

	box.Status = domain.CashBoxStatusClosed
	box.ClosedBy = closedBy
	box.ClosedAt = &closedAt
	if notes != "" {
		box.Notes = notes
	}
	return box, closing, nil
}

func (s *Store) ForceCloseCashBox(ctx context.Context, boxID string, targetMoneyBoxID string, closedBy string, reason string, closedAt time.Time) (*domain.CashBox, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	box, err := lockCashBox(ctx, pgTx, boxID)
	if err != nil {
		return nil, err
	}
	if box.Status != domain.CashBoxStatusOpen {
		return nil, store.ErrBoxClosed
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	residual := box.CurrentAmount
	switch {
	case residual.IsPositive() && targetMoneyBoxID != "":
		outLeg, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
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
		if _, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
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
			return nil, err
		}
	case !residual.IsZero():
		if _, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
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

	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_boxes
		SET status = 'closed', closed_by = $1, closed_at = $2
		WHERE id = $3
	`, closedBy, closedAt, boxID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	box.Status = domain.CashBoxStatusClosed
	box.CurrentAmount = decimal.Zero
	box.ClosedBy = closedBy
	box.ClosedAt = &closedAt
	return box, nil
}

func (s *Store) ListCashBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.CashBoxTransaction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cash_box_id, type, amount, balance_before, balance_after,
		       COALESCE(reference_kind,''), COALESCE(reference_id,''), COALESCE(description,''), created_by, created_at
		FROM cash_box_transactions
		WHERE cash_box_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, boxID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.CashBoxTransaction, 0, limit)
	for rows.Next() {
		var entry domain.CashBoxTransaction
		if err := rows.Scan(&entry.ID, &entry.CashBoxID, &entry.Type, &entry.Amount, &entry.BalanceBefore, &entry.BalanceAfter,
			&entry.ReferenceKind, &entry.ReferenceID, &entry.Description, &entry.CreatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// Cash box policy.

func (s *Store) GetCashBoxSettings(ctx context.Context, username string) (*domain.CashBoxSettings, error) {
	var settings domain.CashBoxSettings
	var cap decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, `
		SELECT username, default_opening_amount, require_opening_amount, require_closing_amount,
		       allow_negative_balance, max_withdrawal_amount, require_withdrawal_approval, COALESCE(auto_close_time,''), updated_at
		FROM cash_box_settings
		WHERE username = $1
	`, strings.TrimSpace(username)).Scan(&settings.Username, &settings.DefaultOpeningAmount, &settings.RequireOpeningAmount,
		&settings.RequireClosingAmount, &settings.AllowNegativeBalance, &cap, &settings.RequireWithdrawalApprove,
		&settings.AutoCloseTime, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if cap.Valid {
		settings.MaxWithdrawalAmount = &cap.Decimal
	}
	return &settings, nil
}

func (s *Store) UpsertCashBoxSettings(ctx context.Context, settings domain.CashBoxSettings) (*domain.CashBoxSettings, error) {
	settings.Username = strings.TrimSpace(settings.Username)
	if settings.Username == "" {
		return nil, store.ErrInvalidInput
	}
	if settings.MaxWithdrawalAmount != nil && !settings.MaxWithdrawalAmount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	settings.UpdatedAt = time.Now().UTC()
	var cap any
	if settings.MaxWithdrawalAmount != nil {
		cap = *settings.MaxWithdrawalAmount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_box_settings (username, default_opening_amount, require_opening_amount, require_closing_amount,
			allow_negative_balance, max_withdrawal_amount, require_withdrawal_approval, auto_close_time, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (username) DO UPDATE SET
			default_opening_amount = EXCLUDED.default_opening_amount,
			require_opening_amount = EXCLUDED.require_opening_amount,
			require_closing_amount = EXCLUDED.require_closing_amount,
			allow_negative_balance = EXCLUDED.allow_negative_balance,
			max_withdrawal_amount = EXCLUDED.max_withdrawal_amount,
			require_withdrawal_approval = EXCLUDED.require_withdrawal_approval,
			auto_close_time = EXCLUDED.auto_close_time,
			updated_at = EXCLUDED.updated_at
	`, settings.Username, settings.DefaultOpeningAmount, settings.RequireOpeningAmount, settings.RequireClosingAmount,
		settings.AllowNegativeBalance, cap, settings.RequireWithdrawalApprove, nullIfEmpty(settings.AutoCloseTime), settings.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := settings
	return &saved, nil
}

// Money boxes.

func (s *Store) CreateMoneyBox(ctx context.Context, box domain.MoneyBox) (*domain.MoneyBox, error) {
	box.Name = strings.TrimSpace(box.Name)
	if box.Name == "" || box.Balance.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	opening := box.Balance
	if box.ID == "" {
		box.ID = xid.New("mbox")
	}
	if box.CreatedAt.IsZero() {
		box.CreatedAt = time.Now().UTC()
	}
	box.UpdatedAt = box.CreatedAt
	box.Balance = decimal.Zero

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO money_boxes (id, name, balance, description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, box.ID, box.Name, box.Balance, nullIfEmpty(box.Description), box.CreatedAt, box.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	if opening.IsPositive() {
		entry, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
			MoneyBoxID: box.ID,
			Type:       domain.MoneyTxDeposit,
			Amount:     opening,
			Notes:      "opening balance",
			CreatedBy:  "system",
			CreatedAt:  box.CreatedAt,
		}, false)
		if err != nil {
			return nil, err
		}
		box.Balance = entry.BalanceAfter
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &box, nil
}

func (s *Store) GetMoneyBox(ctx context.Context, id string) (*domain.MoneyBox, error) {
	return s.getMoneyBoxBy(ctx, "id", id)
}

func (s *Store) GetMoneyBoxByName(ctx context.Context, name string) (*domain.MoneyBox, error) {
	return s.getMoneyBoxBy(ctx, "name", strings.TrimSpace(name))
}

func (s *Store) getMoneyBoxBy(ctx context.Context, column string, value string) (*domain.MoneyBox, error) {
	var box domain.MoneyBox
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, balance, COALESCE(description,''), created_at, updated_at
		FROM money_boxes
		WHERE %s = $1
	`, column), value).Scan(&box.ID, &box.Name, &box.Balance, &box.Description, &box.CreatedAt, &box.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBoxNotFound
		}
		return nil, err
	}
	return &box, nil
}

func (s *Store) ListMoneyBoxes(ctx context.Context) ([]domain.MoneyBox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, balance, COALESCE(description,''), created_at, updated_at
		FROM money_boxes
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	boxes := make([]domain.MoneyBox, 0, 16)
	for rows.Next() {
		var box domain.MoneyBox
		if err := rows.Scan(&box.ID, &box.Name, &box.Balance, &box.Description, &box.CreatedAt, &box.UpdatedAt); err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return boxes, nil
}

func (s *Store) AppendMoneyBoxTransaction(ctx context.Context, entry domain.MoneyBoxTransaction, allowNegative bool) (*domain.MoneyBoxTransaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	saved, err := appendMoneyTx(ctx, pgTx, entry, allowNegative)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) TransferMoneyBox(ctx context.Context, fromID string, toID string, amount decimal.Decimal, notes string, createdBy string) (*domain.MoneyBoxTransaction, *domain.MoneyBoxTransaction, error) {
	if fromID == toID || !amount.IsPositive() {
		return nil, nil, store.ErrInvalidTransfer
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Lock both boxes in id order so concurrent opposing transfers cannot
	// deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := lockMoneyBox(ctx, pgTx, id); err != nil {
			return nil, nil, err
		}
	}

	from, err := lockMoneyBox(ctx, pgTx, fromID)
	if err != nil {
		return nil, nil, err
	}
	if from.Balance.LessThan(amount) {
		return nil, nil, fmt.Errorf("%w: source balance %s below %s", store.ErrInvalidTransfer, from.Balance.String(), amount.String())
	}

	now := time.Now().UTC()
	outID := xid.New("mbt")
	inID := xid.New("mbt")

	outLeg, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
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

	inLeg, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
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
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return outLeg, inLeg, nil
}

func (s *Store) ListMoneyBoxTransactions(ctx context.Context, boxID string, limit int) ([]domain.MoneyBoxTransaction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, money_box_id, type, amount, balance_before, balance_after, COALESCE(counterpart_id,''),
		       COALESCE(reference_kind,''), COALESCE(reference_id,''), COALESCE(notes,''), created_by, created_at
		FROM money_box_transactions
		WHERE money_box_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, boxID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.MoneyBoxTransaction, 0, limit)
	for rows.Next() {
		var entry domain.MoneyBoxTransaction
		if err := rows.Scan(&entry.ID, &entry.MoneyBoxID, &entry.Type, &entry.Amount, &entry.BalanceBefore, &entry.BalanceAfter,
			&entry.CounterpartID, &entry.ReferenceKind, &entry.ReferenceID, &entry.Notes, &entry.CreatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// Counterparties.

func (s *Store) CreateParty(ctx context.Context, party domain.Party) (*domain.Party, error) {
	party.Name = strings.TrimSpace(party.Name)
	if party.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if party.Kind != domain.PartyKindCustomer && party.Kind != domain.PartyKindSupplier {
		return nil, store.ErrInvalidInput
	}

	if party.ID == "" {
		party.ID = xid.New("party")
	}
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now().UTC()
	}
	party.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (id, kind, name, phone, balance, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, party.ID, party.Kind, party.Name, nullIfEmpty(party.Phone), party.Balance, party.Active, party.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := party
	return &created, nil
}

func (s *Store) GetParty(ctx context.Context, id string) (*domain.Party, error) {
	var party domain.Party
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, COALESCE(phone,''), balance, active, created_at
		FROM parties
		WHERE id = $1
	`, id).Scan(&party.ID, &party.Kind, &party.Name, &party.Phone, &party.Balance, &party.Active, &party.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPartyNotFound
		}
		return nil, err
	}
	return &party, nil
}

func (s *Store) ListParties(ctx context.Context, kind string) ([]domain.Party, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, COALESCE(phone,''), balance, active, created_at
		FROM parties
		WHERE ($1 = '' OR kind = $1)
		ORDER BY name
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parties := make([]domain.Party, 0, 64)
	for rows.Next() {
		var party domain.Party
		if err := rows.Scan(&party.ID, &party.Kind, &party.Name, &party.Phone, &party.Balance, &party.Active, &party.CreatedAt); err != nil {
			return nil, err
		}
		parties = append(parties, party)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return parties, nil
}

func (s *Store) AdjustPartyBalance(ctx context.Context, partyID string, delta decimal.Decimal) (*domain.Party, error) {
	var party domain.Party
	err := s.db.QueryRowContext(ctx, `
		UPDATE parties
		SET balance = balance + $1
		WHERE id = $2
		RETURNING id, kind, name, COALESCE(phone,''), balance, active, created_at
	`, delta, partyID).Scan(&party.ID, &party.Kind, &party.Name, &party.Phone, &party.Balance, &party.Active, &party.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPartyNotFound
		}
		return nil, err
	}
	return &party, nil
}

// Products and stock.

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, unit_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
	`, product.SKU, product.Name, product.Category, product.UnitPrice, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, unit_price, active
		FROM products
		WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.Category, &product.UnitPrice, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	if len(skus) == 0 {
		return map[string]domain.Product{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, unit_price, active
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(skus))
	for rows.Next() {
		var product domain.Product
		if err := rows.Scan(&product.SKU, &product.Name, &product.Category, &product.UnitPrice, &product.Active); err != nil {
			return nil, err
		}
		products[product.SKU] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, unit_price, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.UnitPrice, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetStockLevels(ctx context.Context, locationID string, skus []string) (map[string]int, error) {
	levels := make(map[string]int, len(skus))
	for _, sku := range skus {
		levels[sku] = 0
	}
	if len(skus) == 0 {
		return levels, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty
		FROM stock_levels
		WHERE location_id = $1 AND sku = ANY($2)
	`, locationID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		levels[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) AdjustStock(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.SKU == "" || movement.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if (movement.FromLocationID == "") == (movement.ToLocationID == "") {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1)`, movement.SKU).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	if movement.FromLocationID != "" {
		if err := decrementStock(ctx, pgTx, movement.FromLocationID, movement.SKU, movement.Quantity); err != nil {
			return nil, err
		}
	} else {
		if err := incrementStock(ctx, pgTx, movement.ToLocationID, movement.SKU, movement.Quantity); err != nil {
			return nil, err
		}
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
	if err := insertStockMovement(ctx, pgTx, movement); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	saved := movement
	return &saved, nil
}

func (s *Store) ListStockMovements(ctx context.Context, locationID string, sku string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, COALESCE(from_location_id,''), COALESCE(to_location_id,''), qty, movement_type,
		       COALESCE(reference_kind,''), COALESCE(reference_id,''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR from_location_id = $1 OR to_location_id = $1)
		  AND ($2 = '' OR sku = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, locationID, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var mov domain.StockMovement
		if err := rows.Scan(&mov.ID, &mov.SKU, &mov.FromLocationID, &mov.ToLocationID, &mov.Quantity, &mov.MovementType,
			&mov.ReferenceKind, &mov.ReferenceID, &mov.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, mov)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// Bill posting.

func (s *Store) PostDocument(ctx context.Context, doc domain.Document, ledger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error) {
	if !doc.Kind.Valid() || len(doc.Lines) == 0 || doc.PaidAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var partyExists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id = $1)`, doc.PartyID).Scan(&partyExists); err != nil {
		return nil, err
	}
	if !partyExists {
		return nil, store.ErrPartyNotFound
	}

	total := decimal.Zero
	for _, line := range doc.Lines {
		if line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return nil, store.ErrInvalidInput
		}
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1 AND active = true)`, line.SKU).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("sku %s unavailable", line.SKU)
		}
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	doc.Total = total

	if doc.PaidAmount.GreaterThan(total) {
		return nil, fmt.Errorf("%w: billed %s, paid %s", store.ErrOverpayment, total.String(), doc.PaidAmount.String())
	}

	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.Status = domain.DocStatusPosted
	if doc.InvoiceNumber == "" {
		var seq int
		err := pgTx.QueryRowContext(ctx, `
			INSERT INTO invoice_counters (kind, seq)
			VALUES ($1, 1)
			ON CONFLICT (kind) DO UPDATE SET seq = invoice_counters.seq + 1
			RETURNING seq
		`, string(doc.Kind)).Scan(&seq)
		if err != nil {
			return nil, err
		}
		doc.InvoiceNumber = fmt.Sprintf("%s-%04d", doc.Kind.InvoicePrefix(), seq)
	}

	movementIDs := make([]string, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		if doc.Kind.IncreasesStock() {
			if err := incrementStock(ctx, pgTx, doc.LocationID, line.SKU, line.Quantity); err != nil {
				return nil, err
			}
		} else {
			if err := decrementStock(ctx, pgTx, doc.LocationID, line.SKU, line.Quantity); err != nil {
				return nil, err
			}
		}
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
		if err := insertStockMovement(ctx, pgTx, mov); err != nil {
			return nil, err
		}
		movementIDs = append(movementIDs, mov.ID)
	}

	if err := adjustPartyBalanceTx(ctx, pgTx, doc.PartyID, partyBalanceDelta(doc.Kind, total, doc.PaidAmount)); err != nil {
		return nil, err
	}

	var ledgerTxID string
	if ledger != nil {
		if ledger.CashBoxID != "" {
			entry, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
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
			entry, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
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

	if err := insertDocument(ctx, pgTx, doc); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.PostingResult{
		Document:         doc,
		LedgerTxID:       ledgerTxID,
		StockMovementIDs: movementIDs,
	}, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, kind, invoice_number, party_id, location_id, total, paid_amount, due_date, status,
		       COALESCE(cash_box_id,''), COALESCE(money_box_id,''), COALESCE(ledger_tx_id,''), COALESCE(notes,''),
		       created_by, created_at, COALESCE(cancelled_by,''), cancelled_at, COALESCE(cancel_reason,'')
		FROM documents
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	lines, err := s.documentLines(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Lines = lines
	return doc, nil
}

func (s *Store) documentLines(ctx context.Context, docID string) ([]domain.DocumentLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty, unit_price
		FROM document_lines
		WHERE document_id = $1
		ORDER BY line_no
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.DocumentLine, 0, 8)
	for rows.Next() {
		var line domain.DocumentLine
		if err := rows.Scan(&line.SKU, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListDocuments(ctx context.Context, kind string, partyID string, status string, limit int) ([]domain.Document, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, invoice_number, party_id, location_id, total, paid_amount, due_date, status,
		       COALESCE(cash_box_id,''), COALESCE(money_box_id,''), COALESCE(ledger_tx_id,''), COALESCE(notes,''),
		       created_by, created_at, COALESCE(cancelled_by,''), cancelled_at, COALESCE(cancel_reason,'')
		FROM documents
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR party_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, kind, partyID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) UpdateDocumentPayment(ctx context.Context, docID string, newPaid decimal.Decimal, newLedger *domain.LedgerInstruction, allowNegative bool) (*domain.PostingResult, error) {
	if newPaid.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	doc, err := lockDocument(ctx, pgTx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocStatusPosted {
		return nil, store.ErrInvalidInput
	}
	if newPaid.GreaterThan(doc.Total) {
		remaining := doc.Total.Sub(doc.PaidAmount)
		return nil, fmt.Errorf("%w: billed %s, previously paid %s, remaining %s", store.ErrOverpayment, doc.Total.String(), doc.PaidAmount.String(), remaining.String())
	}

	// Reverse the prior ledger effect by appending the opposite-direction
	// entry; ledger rows themselves are never touched.
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
			if _, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
				CashBoxID:     doc.CashBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Description:   "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     "system",
			}, allowNegative); err != nil {
				return nil, err
			}
		} else {
			txType, ok := domain.MoneyTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			if _, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
				MoneyBoxID:    doc.MoneyBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Notes:         "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     "system",
			}, allowNegative); err != nil {
				return nil, err
			}
		}
	}

	oldPaid := doc.PaidAmount
	doc.PaidAmount = newPaid
	doc.CashBoxID = ""
	doc.MoneyBoxID = ""
	doc.LedgerTxID = ""

	var ledgerTxID string
	if newLedger != nil && newPaid.IsPositive() {
		if newLedger.CashBoxID != "" {
			entry, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
				CashBoxID:     newLedger.CashBoxID,
				Type:          newLedger.CashType,
				Amount:        newPaid,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Description:   newLedger.Description,
				CreatedBy:     newLedger.CreatedBy,
			}, allowNegative)
			if err != nil {
				return nil, err
			}
			ledgerTxID = entry.ID
			doc.CashBoxID = newLedger.CashBoxID
		} else {
			entry, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
				MoneyBoxID:    newLedger.MoneyBoxID,
				Type:          newLedger.MoneyType,
				Amount:        newPaid,
				ReferenceKind: "document",
				ReferenceID:   doc.ID,
				Notes:         newLedger.Description,
				CreatedBy:     newLedger.CreatedBy,
			}, allowNegative)
			if err != nil {
				return nil, err
			}
			ledgerTxID = entry.ID
			doc.MoneyBoxID = newLedger.MoneyBoxID
		}
		doc.LedgerTxID = ledgerTxID
	}

	paidDelta := newPaid.Sub(oldPaid)
	balanceDelta := paidDelta.Neg()
	if doc.Kind == domain.DocSaleReturn || doc.Kind == domain.DocPurchaseReturn {
		balanceDelta = paidDelta
	}
	if err := adjustPartyBalanceTx(ctx, pgTx, doc.PartyID, balanceDelta); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE documents
		SET paid_amount = $1, cash_box_id = $2, money_box_id = $3, ledger_tx_id = $4
		WHERE id = $5
	`, doc.PaidAmount, nullIfEmpty(doc.CashBoxID), nullIfEmpty(doc.MoneyBoxID), nullIfEmpty(doc.LedgerTxID), doc.ID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.PostingResult{Document: *doc, LedgerTxID: ledgerTxID}, nil
}

func (s *Store) CancelDocument(ctx context.Context, docID string, reason string, cancelledBy string, at time.Time) (*domain.Document, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	doc, err := lockDocument(ctx, pgTx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocStatusPosted {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE documents
		SET status = 'cancelled', cancelled_by = $1, cancelled_at = $2, cancel_reason = $3
		WHERE id = $4
	`, cancelledBy, at, reason, docID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	doc.Status = domain.DocStatusCancelled
	doc.CancelledBy = cancelledBy
	doc.CancelledAt = &at
	doc.CancelReason = reason
	return doc, nil
}

func (s *Store) ForceDeleteDocument(ctx context.Context, docID string, reason string, deletedBy string, at time.Time) (*domain.Document, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	doc, err := lockDocument(ctx, pgTx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status == domain.DocStatusDeleted {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	lines, err := s.documentLines(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.Lines = lines

	// Any payment is backed out by appending the opposite-direction entry
	// inside the same transaction; ledger rows are never deleted.
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
			if _, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
				CashBoxID:     doc.CashBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document_delete",
				ReferenceID:   doc.ID,
				Description:   "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     deletedBy,
			}, false); err != nil {
				return nil, err
			}
		} else {
			txType, ok := domain.MoneyTxTypeForDocument(doc.Kind)
			if !ok {
				return nil, store.ErrInvalidInput
			}
			inverse, ok := txType.Inverse()
			if !ok {
				return nil, store.ErrInvalidInput
			}
			if _, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
				MoneyBoxID:    doc.MoneyBoxID,
				Type:          inverse,
				Amount:        doc.PaidAmount,
				ReferenceKind: "document_delete",
				ReferenceID:   doc.ID,
				Notes:         "reversal of payment on " + doc.InvoiceNumber,
				CreatedBy:     deletedBy,
			}, false); err != nil {
				return nil, err
			}
		}
	}

	for _, line := range lines {
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
			if err := decrementStock(ctx, pgTx, doc.LocationID, line.SKU, line.Quantity); err != nil {
				return nil, err
			}
		} else {
			mov.ToLocationID = doc.LocationID
			if err := incrementStock(ctx, pgTx, doc.LocationID, line.SKU, line.Quantity); err != nil {
				return nil, err
			}
		}
		if err := insertStockMovement(ctx, pgTx, mov); err != nil {
			return nil, err
		}
	}

	if err := adjustPartyBalanceTx(ctx, pgTx, doc.PartyID, partyBalanceDelta(doc.Kind, doc.Total, doc.PaidAmount).Neg()); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE documents
		SET status = 'deleted', cancelled_by = $1, cancelled_at = $2, cancel_reason = $3
		WHERE id = $4
	`, deletedBy, at, reason, docID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	doc.Status = domain.DocStatusDeleted
	doc.CancelledBy = deletedBy
	doc.CancelledAt = &at
	doc.CancelReason = reason
	return doc, nil
}

// Receipts.

// SettleReceipt commits the ledger leg, the party balance change and the
// receipt row in one transaction.
func (s *Store) SettleReceipt(ctx context.Context, receipt domain.Receipt, ledger domain.LedgerInstruction, partyDelta decimal.Decimal, allowNegative bool) (*domain.Receipt, error) {
	if receipt.PartyID == "" || !receipt.Amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if ledger.CashBoxID != "" {
		entry, err := appendCashTx(ctx, pgTx, domain.CashBoxTransaction{
			CashBoxID:     ledger.CashBoxID,
			Type:          ledger.CashType,
			Amount:        ledger.Amount,
			ReferenceKind: "party",
			ReferenceID:   receipt.PartyID,
			Description:   ledger.Description,
			CreatedBy:     ledger.CreatedBy,
		}, allowNegative)
		if err != nil {
			return nil, err
		}
		receipt.LedgerTxID = entry.ID
	} else {
		entry, err := appendMoneyTx(ctx, pgTx, domain.MoneyBoxTransaction{
			MoneyBoxID:    ledger.MoneyBoxID,
			Type:          ledger.MoneyType,
			Amount:        ledger.Amount,
			ReferenceKind: "party",
			ReferenceID:   receipt.PartyID,
			Notes:         ledger.Description,
			CreatedBy:     ledger.CreatedBy,
		}, allowNegative)
		if err != nil {
			return nil, err
		}
		receipt.LedgerTxID = entry.ID
	}

	if err := adjustPartyBalanceTx(ctx, pgTx, receipt.PartyID, partyDelta); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO receipts (id, party_id, document_id, amount, method, ledger_tx_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, receipt.ID, receipt.PartyID, nullIfEmpty(receipt.DocumentID), receipt.Amount, receipt.Method,
		nullIfEmpty(receipt.LedgerTxID), nullIfEmpty(receipt.Notes), receipt.CreatedBy, receipt.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := receipt
	return &created, nil
}

func (s *Store) CreateReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if receipt.PartyID == "" || !receipt.Amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, party_id, document_id, amount, method, ledger_tx_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, receipt.ID, receipt.PartyID, nullIfEmpty(receipt.DocumentID), receipt.Amount, receipt.Method,
		nullIfEmpty(receipt.LedgerTxID), nullIfEmpty(receipt.Notes), receipt.CreatedBy, receipt.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := receipt
	return &created, nil
}

func (s *Store) ListReceipts(ctx context.Context, partyID string, limit int) ([]domain.Receipt, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, party_id, COALESCE(document_id,''), amount, method, COALESCE(ledger_tx_id,''), COALESCE(notes,''), created_by, created_at
		FROM receipts
		WHERE ($1 = '' OR party_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]domain.Receipt, 0, limit)
	for rows.Next() {
		var receipt domain.Receipt
		if err := rows.Scan(&receipt.ID, &receipt.PartyID, &receipt.DocumentID, &receipt.Amount, &receipt.Method,
			&receipt.LedgerTxID, &receipt.Notes, &receipt.CreatedBy, &receipt.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// Reporting.

func (s *Store) GetCashSummary(ctx context.Context, dayStart time.Time, dayEnd time.Time) (domain.CashSummary, error) {
	summary := domain.CashSummary{
		CashBoxInflow:   decimal.Zero,
		CashBoxOutflow:  decimal.Zero,
		MoneyBoxInflow:  decimal.Zero,
		MoneyBoxOutflow: decimal.Zero,
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN balance_after > balance_before THEN balance_after - balance_before ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN balance_after < balance_before THEN balance_before - balance_after ELSE 0 END), 0)
		FROM cash_box_transactions
		WHERE created_at >= $1 AND created_at < $2
	`, dayStart, dayEnd).Scan(&summary.CashBoxInflow, &summary.CashBoxOutflow)
	if err != nil {
		return domain.CashSummary{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN balance_after > balance_before THEN balance_after - balance_before ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN balance_after < balance_before THEN balance_before - balance_after ELSE 0 END), 0)
		FROM money_box_transactions
		WHERE created_at >= $1 AND created_at < $2
	`, dayStart, dayEnd).Scan(&summary.MoneyBoxInflow, &summary.MoneyBoxOutflow)
	if err != nil {
		return domain.CashSummary{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cash_boxes WHERE status = 'open'
	`).Scan(&summary.OpenCashBoxes)
	if err != nil {
		return domain.CashSummary{}, err
	}

	return summary, nil
}

// Audit trail.

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// Auth accounts.

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Transaction-scoped helpers.

// appendCashTx locks the box row, validates the entry against the sign table
// and writes the ledger row and the cached balance together.
func appendCashTx(ctx context.Context, pgTx *sql.Tx, entry domain.CashBoxTransaction, allowNegative bool) (*domain.CashBoxTransaction, error) {
	box, err := lockCashBox(ctx, pgTx, entry.CashBoxID)
	if err != nil {
		return nil, err
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
	if entry.CreatedBy == "" {
		entry.CreatedBy = "system"
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cash_box_transactions (id, cash_box_id, type, amount, balance_before, balance_after,
			reference_kind, reference_id, description, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.CashBoxID, string(entry.Type), entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		nullIfEmpty(entry.ReferenceKind), nullIfEmpty(entry.ReferenceID), nullIfEmpty(entry.Description), entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_boxes SET current_amount = $1 WHERE id = $2
	`, entry.BalanceAfter, entry.CashBoxID)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func appendMoneyTx(ctx context.Context, pgTx *sql.Tx, entry domain.MoneyBoxTransaction, allowNegative bool) (*domain.MoneyBoxTransaction, error) {
	box, err := lockMoneyBox(ctx, pgTx, entry.MoneyBoxID)
	if err != nil {
		return nil, err
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
	if entry.CreatedBy == "" {
		entry.CreatedBy = "system"
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO money_box_transactions (id, money_box_id, type, amount, balance_before, balance_after,
			counterpart_id, reference_kind, reference_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.MoneyBoxID, string(entry.Type), entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		nullIfEmpty(entry.CounterpartID), nullIfEmpty(entry.ReferenceKind), nullIfEmpty(entry.ReferenceID),
		nullIfEmpty(entry.Notes), entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE money_boxes SET balance = $1, updated_at = $2 WHERE id = $3
	`, entry.BalanceAfter, entry.CreatedAt, entry.MoneyBoxID)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func lockCashBox(ctx context.Context, pgTx *sql.Tx, id string) (*domain.CashBox, error) {
	box, err := scanCashBox(pgTx.QueryRowContext(ctx, `
		SELECT id, owner_username, initial_amount, current_amount, status, COALESCE(notes,''), opened_by, opened_at, COALESCE(closed_by,''), closed_at
		FROM cash_boxes
		WHERE id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrBoxNotFound
	}
	return box, err
}

func lockMoneyBox(ctx context.Context, pgTx *sql.Tx, id string) (*domain.MoneyBox, error) {
	var box domain.MoneyBox
	err := pgTx.QueryRowContext(ctx, `
		SELECT id, name, balance, COALESCE(description,''), created_at, updated_at
		FROM money_boxes
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&box.ID, &box.Name, &box.Balance, &box.Description, &box.CreatedAt, &box.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBoxNotFound
		}
		return nil, err
	}
	return &box, nil
}

func lockDocument(ctx context.Context, pgTx *sql.Tx, id string) (*domain.Document, error) {
	doc, err := scanDocument(pgTx.QueryRowContext(ctx, `
		SELECT id, kind, invoice_number, party_id, location_id, total, paid_amount, due_date, status,
		       COALESCE(cash_box_id,''), COALESCE(money_box_id,''), COALESCE(ledger_tx_id,''), COALESCE(notes,''),
		       created_by, created_at, COALESCE(cancelled_by,''), cancelled_at, COALESCE(cancel_reason,'')
		FROM documents
		WHERE id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrDocumentNotFound
	}
	return doc, err
}

func adjustPartyBalanceTx(ctx context.Context, pgTx *sql.Tx, partyID string, delta decimal.Decimal) error {
	result, err := pgTx.ExecContext(ctx, `
		UPDATE parties SET balance = balance + $1 WHERE id = $2
	`, delta, partyID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrPartyNotFound
	}
	return nil
}

func incrementStock(ctx context.Context, pgTx *sql.Tx, locationID string, sku string, qty int) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_levels (location_id, sku, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (location_id, sku) DO UPDATE SET qty = stock_levels.qty + EXCLUDED.qty, updated_at = now()
	`, locationID, sku, qty)
	return err
}

func decrementStock(ctx context.Context, pgTx *sql.Tx, locationID string, sku string, qty int) error {
	var current int
	err := pgTx.QueryRowContext(ctx, `
		SELECT qty FROM stock_levels WHERE location_id = $1 AND sku = $2 FOR UPDATE
	`, locationID, sku).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrInsufficientStock
		}
		return err
	}
	if current < qty {
		return store.ErrInsufficientStock
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_levels SET qty = qty - $1, updated_at = now() WHERE location_id = $2 AND sku = $3
	`, qty, locationID, sku)
	return err
}

func insertStockMovement(ctx context.Context, pgTx *sql.Tx, movement domain.StockMovement) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, sku, from_location_id, to_location_id, qty, movement_type, reference_kind, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.SKU, nullIfEmpty(movement.FromLocationID), nullIfEmpty(movement.ToLocationID),
		movement.Quantity, movement.MovementType, nullIfEmpty(movement.ReferenceKind), nullIfEmpty(movement.ReferenceID), movement.CreatedAt)
	return err
}

func insertDocument(ctx context.Context, pgTx *sql.Tx, doc domain.Document) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO documents (id, kind, invoice_number, party_id, location_id, total, paid_amount, due_date, status,
			cash_box_id, money_box_id, ledger_tx_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, doc.ID, string(doc.Kind), doc.InvoiceNumber, doc.PartyID, doc.LocationID, doc.Total, doc.PaidAmount,
		nullTime(doc.DueDate), doc.Status, nullIfEmpty(doc.CashBoxID), nullIfEmpty(doc.MoneyBoxID),
		nullIfEmpty(doc.LedgerTxID), nullIfEmpty(doc.Notes), doc.CreatedBy, doc.CreatedAt)
	if err != nil {
		return err
	}
	for i, line := range doc.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO document_lines (document_id, line_no, sku, qty, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, doc.ID, i+1, line.SKU, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCashBox(row rowScanner) (*domain.CashBox, error) {
	var box domain.CashBox
	var closedAt sql.NullTime
	err := row.Scan(&box.ID, &box.OwnerUsername, &box.InitialAmount, &box.CurrentAmount, &box.Status,
		&box.Notes, &box.OpenedBy, &box.OpenedAt, &box.ClosedBy, &closedAt)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		box.ClosedAt = &t
	}
	return &box, nil
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var kind string
	var dueDate, cancelledAt sql.NullTime
	err := row.Scan(&doc.ID, &kind, &doc.InvoiceNumber, &doc.PartyID, &doc.LocationID, &doc.Total, &doc.PaidAmount,
		&dueDate, &doc.Status, &doc.CashBoxID, &doc.MoneyBoxID, &doc.LedgerTxID, &doc.Notes,
		&doc.CreatedBy, &doc.CreatedAt, &doc.CancelledBy, &cancelledAt, &doc.CancelReason)
	if err != nil {
		return nil, err
	}
	doc.Kind = domain.DocumentKind(kind)
	if dueDate.Valid {
		t := dueDate.Time.UTC()
		doc.DueDate = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		doc.CancelledAt = &t
	}
	return &doc, nil
}

// partyBalanceDelta mirrors the balance rule used by the posting engine: the
// unpaid remainder of a sale or purchase becomes receivable or payable, and
// returns reduce it.
func partyBalanceDelta(kind domain.DocumentKind, total decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	remainder := total.Sub(paid)
	if kind == domain.DocSaleReturn || kind == domain.DocPurchaseReturn {
		return remainder.Neg()
	}
	return remainder
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
