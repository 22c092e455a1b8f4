package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"almacen/internal/domain"
	"almacen/internal/repository"
)

const statsKey = "estadisticas"

// Stats сводка по складу
type Stats struct {
	TotalProducts int             `json:"total_productos"`
	LowStock      int             `json:"stock_bajo"`
	TotalValue    decimal.Decimal `json:"valor_total"`
}

// ProductService справочник инструментов: CRUD, поиск по коду, низкий остаток
type ProductService struct {
	repo    repository.ProductRepository
	history repository.HistoryRepository
	tx      repository.TxManager
	stats   *cache.Cache
}

func NewProductService(repo repository.ProductRepository, history repository.HistoryRepository, tx repository.TxManager, statsTTL time.Duration) *ProductService {
	return &ProductService{
		repo:    repo,
		history: history,
		tx:      tx,
		stats:   cache.New(statsTTL, 2*statsTTL),
	}
}

var ErrInvalidInput = errors.New("invalid input")

func validateProduct(p domain.Product) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return domain.Validationf("El nombre es obligatorio")
	case p.Quantity < 0:
		return domain.Validationf("La cantidad no puede ser negativa")
	case p.MinQuantity < 0:
		return domain.Validationf("La cantidad mínima no puede ser negativa")
	case p.UnitPrice.IsNegative():
		return domain.Validationf("El precio unitario no puede ser negativo")
	}
	return nil
}

func normalizeProduct(p *domain.Product) {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.Location = strings.TrimSpace(p.Location)
	p.Category = strings.TrimSpace(p.Category)
	p.Barcode = strings.TrimSpace(p.Barcode)
}

func duplicateBarcode(err error) error {
	if errors.Is(err, repository.ErrDuplicate) {
		return domain.Validationf("El código de barras ya existe")
	}
	return err
}

// Create заполняет штрихкод, ячейку и QR-содержимое, если они не заданы
func (s *ProductService) Create(ctx context.Context, actor domain.User, p domain.Product) (*domain.Product, error) {
	normalizeProduct(&p)
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	cp := p
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, &cp); err != nil {
			return duplicateBarcode(err)
		}
		if cp.Barcode == "" {
			cp.Barcode = domain.DefaultBarcode(cp.ID)
		}
		if cp.Location == "" {
			cp.Location = domain.DefaultLocation(cp.ID)
		}
		cp.QRPayload = domain.QRPayload(cp)
		if err := s.repo.Update(ctx, &cp); err != nil {
			// generated barcode collided with a manual one
			_ = s.repo.Delete(ctx, cp.ID)
			return duplicateBarcode(err)
		}
		return s.record(ctx, actor, domain.HistoryProductCreated, cp.ID, 0, 0, cp.Quantity, "")
	})
	if err != nil {
		return nil, err
	}
	s.StockChanged()
	return &cp, nil
}

func (s *ProductService) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

// Update: пустой штрихкод означает «оставить прежний»
func (s *ProductService) Update(ctx context.Context, actor domain.User, p domain.Product) (*domain.Product, error) {
	if p.ID <= 0 {
		return nil, ErrInvalidInput
	}
	normalizeProduct(&p)
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	cp := p
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		old, err := s.repo.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if cp.Barcode == "" {
			cp.Barcode = old.Barcode
		}
		if cp.Location == "" {
			cp.Location = old.Location
		}
		cp.QRPayload = domain.QRPayload(cp)
		if err := s.repo.Update(ctx, &cp); err != nil {
			return duplicateBarcode(err)
		}
		return s.record(ctx, actor, domain.HistoryProductUpdated, cp.ID, 0, old.Quantity, cp.Quantity, "")
	})
	if err != nil {
		return nil, err
	}
	s.StockChanged()
	return &cp, nil
}

func (s *ProductService) Delete(ctx context.Context, actor domain.User, id int64) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		old, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, actor, domain.HistoryProductDeleted, id, 0, old.Quantity, 0, old.Name)
	})
	if err != nil {
		return err
	}
	s.StockChanged()
	return nil
}

func (s *ProductService) List(ctx context.Context, f repository.ProductFilter) ([]domain.Product, error) {
	return s.repo.List(ctx, f)
}

// FindByScanCode: содержимое QR с ID ищется по id, остальное по точному совпадением штрихкода
func (s *ProductService) FindByScanCode(ctx context.Context, code string) (*domain.Product, error) {
	sc := domain.ParseScanCode(code)
	if sc.Raw == "" {
		return nil, domain.Validationf("El código es obligatorio")
	}
	return findByScanCode(ctx, s.repo, sc)
}

func findByScanCode(ctx context.Context, repo repository.ProductRepository, sc domain.ScanCode) (*domain.Product, error) {
	if sc.ProductID > 0 {
		p, err := repo.GetByID(ctx, sc.ProductID)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return p, err
		}
	}
	if p, err := repo.GetByBarcode(ctx, sc.Raw); err == nil {
		return p, nil
	}
	if sc.Barcode != "" && sc.Barcode != sc.Raw {
		return repo.GetByBarcode(ctx, sc.Barcode)
	}
	return nil, repository.ErrNotFound
}

// Stats кэшируется; кэш сбрасывается при любом изменении остатков
func (s *ProductService) Stats(ctx context.Context) (Stats, error) {
	if v, ok := s.stats.Get(statsKey); ok {
		return v.(Stats), nil
	}
	list, err := s.repo.List(ctx, repository.ProductFilter{})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalProducts: len(list), TotalValue: decimal.Zero}
	for _, p := range list {
		if p.IsLowStock() {
			st.LowStock++
		}
		st.TotalValue = st.TotalValue.Add(p.UnitPrice.Mul(decimal.NewFromInt(p.Quantity)))
	}
	st.TotalValue = st.TotalValue.Round(2)
	s.stats.SetDefault(statsKey, st)
	return st, nil
}

// StockChanged вызывается сервисом тикетов после выдачи и возврата
func (s *ProductService) StockChanged() {
	s.stats.Delete(statsKey)
}

func (s *ProductService) History(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	return s.history.List(ctx, limit)
}

func (s *ProductService) record(ctx context.Context, actor domain.User, action domain.HistoryAction, productID, ticketID, prev, next int64, details string) error {
	return s.history.Append(ctx, domain.HistoryEntry{
		ID:          uuid.New(),
		Action:      action,
		ProductID:   productID,
		TicketID:    ticketID,
		PreviousQty: prev,
		NewQty:      next,
		UserID:      actor.ID,
		UserName:    actor.Name,
		At:          time.Now().UTC(),
		Details:     details,
	})
}
