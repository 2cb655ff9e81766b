package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kasbook/backend/internal/cache"
	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store"
	"kasbook/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	summaryCache      cache.SummaryCache
	log               *logrus.Logger
	defaultLocationID string
}

func New(repo store.Repository, summaryCache cache.SummaryCache, logger *logrus.Logger, defaultLocationID string) *Service {
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if defaultLocationID == "" {
		defaultLocationID = "main"
	}

	return &Service{
		repo:              repo,
		summaryCache:      summaryCache,
		log:               logger,
		defaultLocationID: defaultLocationID,
	}
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authenticated actor required")
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, fmt.Errorf("admin role required")
	}
	return actor, nil
}

// Counterparties.

func (s *Service) CreateParty(ctx context.Context, req domain.PartyCreateRequest) (domain.Party, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Party{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Party{}, store.ErrInvalidInput
	}
	if req.Kind != domain.PartyKindCustomer && req.Kind != domain.PartyKindSupplier {
		return domain.Party{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateParty(ctx, domain.Party{
		Kind:  req.Kind,
		Name:  req.Name,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Party{}, err
	}

	s.logAudit(ctx, "party_create", "party", created.ID, fmt.Sprintf("kind=%s,name=%s,by=%s", created.Kind, created.Name, actor.Username))
	return *created, nil
}

func (s *Service) GetParty(ctx context.Context, id string) (domain.Party, error) {
	party, err := s.repo.GetParty(ctx, id)
	if err != nil {
		return domain.Party{}, err
	}
	return *party, nil
}

func (s *Service) ListParties(ctx context.Context, kind string) ([]domain.Party, error) {
	return s.repo.ListParties(ctx, kind)
}

// Products and stock.

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.LocationID == "" {
		req.LocationID = s.defaultLocationID
	}

	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if !req.UnitPrice.IsPositive() || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:       req.SKU,
		Name:      req.Name,
		Category:  req.Category,
		UnitPrice: req.UnitPrice,
		Active:    true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		if _, err := s.repo.AdjustStock(ctx, domain.StockMovement{
			SKU:           created.SKU,
			ToLocationID:  req.LocationID,
			Quantity:      req.InitialStock,
			MovementType:  domain.MovementAdjustment,
			ReferenceKind: "product_create",
			ReferenceID:   created.SKU,
		}); err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.UnitPrice.String(), req.InitialStock))
	return *created, nil
}

func (s *Service) GetStockLevels(ctx context.Context, locationID string, skus []string) (map[string]int, error) {
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	if len(skus) == 0 {
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			skus = append(skus, p.SKU)
		}
	}
	return s.repo.GetStockLevels(ctx, locationID, skus)
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.StockMovement{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" || req.Delta == 0 {
		return domain.StockMovement{}, store.ErrInvalidInput
	}
	if req.LocationID == "" {
		req.LocationID = s.defaultLocationID
	}

	movement := domain.StockMovement{
		SKU:           req.SKU,
		MovementType:  domain.MovementAdjustment,
		ReferenceKind: "manual_adjustment",
		ReferenceID:   req.Reason,
	}
	if req.Delta > 0 {
		movement.ToLocationID = req.LocationID
		movement.Quantity = req.Delta
	} else {
		movement.FromLocationID = req.LocationID
		movement.Quantity = -req.Delta
	}

	saved, err := s.repo.AdjustStock(ctx, movement)
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, "stock_adjust", "stock", req.SKU, fmt.Sprintf("location=%s,delta=%d,reason=%s,by=%s", req.LocationID, req.Delta, req.Reason, actor.Username))
	return *saved, nil
}

func (s *Service) ListStockMovements(ctx context.Context, locationID string, sku string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, locationID, strings.ToUpper(strings.TrimSpace(sku)), limit)
}

// Reporting.

const summaryCacheTTL = 60 * time.Second

// CashSummary aggregates both ledgers for one calendar day (UTC). Summaries
// are served from cache when available; balances themselves never are.
func (s *Service) CashSummary(ctx context.Context, date string) (domain.CashSummary, error) {
	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.CashSummary{}, store.ErrInvalidInput
		}
		day = parsed
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	key := summaryCacheKey(dayStart)

	if cached, ok, err := s.summaryCache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.log.WithError(err).Warn("cash summary cache read failed")
	}

	summary, err := s.repo.GetCashSummary(ctx, dayStart, dayEnd)
	if err != nil {
		return domain.CashSummary{}, err
	}
	summary.Date = dayStart.Format("2006-01-02")
	summary.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	if err := s.summaryCache.Set(ctx, key, &summary, summaryCacheTTL); err != nil {
		s.log.WithError(err).Warn("cash summary cache write failed")
	}
	return summary, nil
}

func summaryCacheKey(dayStart time.Time) string {
	return "cash-summary:" + dayStart.Format("2006-01-02")
}

// invalidateSummary drops today's cached summary after a ledger write. Purely
// best-effort; a stale report self-heals when the TTL lapses.
func (s *Service) invalidateSummary(ctx context.Context) {
	now := time.Now().UTC()
	key := summaryCacheKey(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err := s.summaryCache.Delete(ctx, key); err != nil {
		s.log.WithError(err).Warn("cash summary cache invalidation failed")
	}
}

// Audit trail.

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.WithError(err).WithField("action", action).Warn("audit log write failed")
	}
}
