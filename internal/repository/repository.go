package repository

import (
	"context"
	"errors"
	"strings"

	"almacen/internal/domain"
)

var (
	// ErrNotFound возвращается, когда сущность не найдена
	ErrNotFound = errors.New("not found")
	// ErrDuplicate нарушение уникальности (штрихкод)
	ErrDuplicate = errors.New("duplicate")
)

// ProductFilter параметры фильтрации списка инструментов
type ProductFilter struct {
	Query    string
	Category string
	LowStock bool
}

// TicketFilter параметры фильтрации тикетов
type TicketFilter struct {
	Status      domain.TicketStatus
	RequesterID domain.UserID
}

// ProductRepository интерфейс репозитория инструментов
type ProductRepository interface {
	Create(ctx context.Context, p *domain.Product) error
	GetByID(ctx context.Context, id int64) (*domain.Product, error)
	GetByBarcode(ctx context.Context, code string) (*domain.Product, error)
	Update(ctx context.Context, p *domain.Product) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f ProductFilter) ([]domain.Product, error)
}

// TicketRepository интерфейс репозитория тикетов. Позиции хранятся внутри тикета.
type TicketRepository interface {
	Create(ctx context.Context, t *domain.Ticket) error
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	Update(ctx context.Context, t *domain.Ticket) error
	List(ctx context.Context, f TicketFilter) ([]domain.Ticket, error)
}

// HistoryRepository журнал движений
type HistoryRepository interface {
	Append(ctx context.Context, e domain.HistoryEntry) error
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

// TxManager абстракция транзакции. Для in-memory это глобальная блокировка записи.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// helper: case-insensitive contains
func containsIgnoreCase(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func (f ProductFilter) match(p domain.Product) bool {
	if f.Query != "" &&
		!containsIgnoreCase(p.Name, f.Query) &&
		!containsIgnoreCase(p.Description, f.Query) &&
		!containsIgnoreCase(p.Category, f.Query) &&
		!containsIgnoreCase(p.Location, f.Query) &&
		!containsIgnoreCase(p.Barcode, f.Query) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
		return false
	}
	if f.LowStock && !p.IsLowStock() {
		return false
	}
	return true
}

func (f TicketFilter) match(t domain.Ticket) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.RequesterID != 0 && t.RequesterID != f.RequesterID {
		return false
	}
	return true
}
