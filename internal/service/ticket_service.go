package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"almacen/internal/domain"
	"almacen/internal/events"
	"almacen/internal/repository"
)

// ItemRequest позиция заявки при создании тикета
type ItemRequest struct {
	ProductID int64 `json:"producto_id"`
	Quantity  int64 `json:"cantidad_solicitada"`
}

// StockObserver уведомляется, когда выдача или возврат меняют остатки
type StockObserver interface {
	StockChanged()
}

// TicketService реализует жизненный цикл тикета:
// pendiente → entregado → devuelto, pendiente → cancelado.
type TicketService struct {
	products repository.ProductRepository
	tickets  repository.TicketRepository
	history  repository.HistoryRepository
	tx       repository.TxManager
	events   events.Publisher
	stock    StockObserver
	log      *slog.Logger
	now      func() time.Time
	locks    ticketLocks
}

type TicketOption func(*TicketService)

// WithClock подменяет часы (для тестов)
func WithClock(now func() time.Time) TicketOption {
	return func(s *TicketService) { s.now = now }
}

func WithStockObserver(o StockObserver) TicketOption {
	return func(s *TicketService) { s.stock = o }
}

func NewTicketService(products repository.ProductRepository, tickets repository.TicketRepository, history repository.HistoryRepository, tx repository.TxManager, pub events.Publisher, log *slog.Logger, opts ...TicketOption) *TicketService {
	s := &TicketService{
		products: products,
		tickets:  tickets,
		history:  history,
		tx:       tx,
		events:   pub,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    ticketLocks{m: make(map[int64]*ticketLock)},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create создаёт тикет в статусе pendiente от имени actor.
// Одинаковые товары в заявке складываются в одну позицию.
func (s *TicketService) Create(ctx context.Context, actor domain.User, productionOrder, justification string, items []ItemRequest) (*domain.Ticket, error) {
	if actor.Role != domain.RoleSupervisor && actor.Role != domain.RoleOperator {
		return nil, &domain.AuthorizationError{Reason: "Solo supervisores y operadores pueden crear tickets"}
	}
	productionOrder = strings.TrimSpace(productionOrder)
	justification = strings.TrimSpace(justification)
	if productionOrder == "" {
		return nil, domain.Validationf("La orden de producción es obligatoria")
	}
	if justification == "" {
		return nil, domain.Validationf("La justificación es obligatoria")
	}
	if len(items) == 0 {
		return nil, domain.Validationf("Debe agregar al menos una herramienta")
	}
	// merge duplicates, first-seen order
	merged := make([]ItemRequest, 0, len(items))
	index := make(map[int64]int)
	for _, it := range items {
		if it.ProductID <= 0 {
			return nil, domain.Validationf("Producto inválido")
		}
		if it.Quantity < 1 {
			return nil, domain.Validationf("La cantidad solicitada debe ser al menos 1")
		}
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}

	var created *domain.Ticket
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		t := domain.Ticket{
			RequesterID:     actor.ID,
			RequesterName:   actor.Name,
			RequesterRole:   actor.Role,
			ProductionOrder: productionOrder,
			Justification:   justification,
			Status:          domain.TicketStatusPending,
			RequestedAt:     s.now(),
			Items:           make([]domain.LineItem, 0, len(merged)),
		}
		for _, it := range merged {
			p, err := s.products.GetByID(ctx, it.ProductID)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Validationf("El producto %d no existe", it.ProductID)
			}
			if err != nil {
				return err
			}
			t.Items = append(t.Items, domain.LineItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				Requested:   it.Quantity,
				UnitPrice:   p.UnitPrice,
			})
		}
		if err := s.tickets.Create(ctx, &t); err != nil {
			return err
		}
		if err := s.record(ctx, actor, domain.HistoryTicketCreated, 0, t.ID, 0, 0, t.Number); err != nil {
			return err
		}
		created = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "ticket created",
		slog.Int64("ticket_id", created.ID), slog.String("numero", created.Number), slog.Int64("actor", int64(actor.ID)))
	s.publish(ctx, events.TicketCreated, created, actor, 0)
	return created, nil
}

// Get возвращает тикет по id
func (s *TicketService) Get(ctx context.Context, id int64) (*domain.Ticket, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	return s.tickets.GetByID(ctx, id)
}

// List: оператор видит только свои тикеты
func (s *TicketService) List(ctx context.Context, actor domain.User, f repository.TicketFilter) ([]domain.Ticket, error) {
	if actor.Role == domain.RoleOperator {
		f.RequesterID = actor.ID
	}
	return s.tickets.List(ctx, f)
}

// Deliver выдаёт по позициям указанные количества (itemID → qty) и списывает остаток.
// Возвращает число выданных единиц.
func (s *TicketService) Deliver(ctx context.Context, actor domain.User, ticketID int64, quantities map[int64]int64, comments string) (*domain.Ticket, int64, error) {
	if ticketID <= 0 {
		return nil, 0, ErrInvalidInput
	}
	unlock := s.locks.lock(ticketID)
	defer unlock()

	var (
		updated *domain.Ticket
		total   int64
	)
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		t, err := s.tickets.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != domain.TicketStatusPending {
			return &domain.InvalidTransitionError{Op: "entregar", Status: t.Status}
		}
		if actor.Role != domain.RoleAdmin {
			return &domain.AuthorizationError{Reason: "Solo un administrador puede entregar tickets"}
		}

		// validate everything before writing anything
		byItem := make(map[int64]int, len(t.Items))
		for i, it := range t.Items {
			byItem[it.ID] = i
		}
		for itemID, qty := range quantities {
			i, ok := byItem[itemID]
			if !ok {
				return domain.Validationf("La línea %d no pertenece al ticket %s", itemID, t.Number)
			}
			if qty < 0 {
				return domain.Validationf("La cantidad a entregar no puede ser negativa")
			}
			if qty > t.Items[i].Requested {
				return domain.Validationf("No se pueden entregar %d unidades de %s: se solicitaron %d",
					qty, t.Items[i].ProductName, t.Items[i].Requested)
			}
			total += qty
		}
		if total == 0 {
			return domain.Validationf("Debe especificar al menos una cantidad a entregar")
		}
		products := make(map[int64]*domain.Product)
		for i := range t.Items {
			it := &t.Items[i]
			qty := quantities[it.ID]
			if qty == 0 {
				continue
			}
			p, err := s.products.GetByID(ctx, it.ProductID)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Validationf("La herramienta %s ya no existe en el inventario", it.ProductName)
			}
			if err != nil {
				return err
			}
			if p.Quantity < qty {
				return domain.Validationf("Stock insuficiente de %s: disponible %d, solicitado %d", p.Name, p.Quantity, qty)
			}
			products[it.ID] = p
		}

		now := s.now()
		for i := range t.Items {
			it := &t.Items[i]
			p, ok := products[it.ID]
			if !ok {
				continue
			}
			qty := quantities[it.ID]
			prev := p.Quantity
			p.Quantity -= qty
			if err := s.products.Update(ctx, p); err != nil {
				return err
			}
			it.Delivered = qty
			details := fmt.Sprintf("%s: %d de %d", t.Number, qty, it.Requested)
			if err := s.record(ctx, actor, domain.HistoryDelivery, p.ID, t.ID, prev, p.Quantity, details); err != nil {
				return err
			}
		}
		t.Status = domain.TicketStatusDelivered
		t.DeliveredByID = actor.ID
		t.DeliveredByName = actor.Name
		t.DeliveredAt = &now
		t.DeliveryComments = strings.TrimSpace(comments)
		if err := s.tickets.Update(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	s.log.InfoContext(ctx, "ticket delivered",
		slog.Int64("ticket_id", updated.ID), slog.String("numero", updated.Number),
		slog.Int64("unidades", total), slog.Int64("actor", int64(actor.ID)))
	s.stockChanged()
	s.publish(ctx, events.TicketDelivered, updated, actor, total)
	return updated, total, nil
}

// ReturnUnits регистрирует возврат quantity единиц товара с кодом code.
// buen_estado возвращает единицы на склад, mal_estado списывает.
func (s *TicketService) ReturnUnits(ctx context.Context, actor domain.User, ticketID int64, code string, quantity int64, condition domain.Condition) (*domain.Ticket, error) {
	if ticketID <= 0 {
		return nil, ErrInvalidInput
	}
	if condition == "" {
		condition = domain.ConditionGood
	}
	unlock := s.locks.lock(ticketID)
	defer unlock()

	var updated *domain.Ticket
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		t, err := s.tickets.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != domain.TicketStatusDelivered {
			return &domain.InvalidTransitionError{Op: "devolver", Status: t.Status}
		}
		if actor.Role != domain.RoleSupervisor && !domain.IsRequester(t, actor) {
			return &domain.AuthorizationError{Reason: "Solo el solicitante o un supervisor pueden registrar devoluciones"}
		}
		if !condition.Valid() {
			return domain.Validationf("Estado de devolución inválido: %s", condition)
		}
		if quantity < 1 {
			return domain.Validationf("La cantidad a devolver debe ser al menos 1")
		}
		sc := domain.ParseScanCode(code)
		if sc.Raw == "" {
			return domain.Validationf("El código es obligatorio")
		}
		productID := sc.ProductID
		if productID == 0 {
			p, err := findByScanCode(ctx, s.products, sc)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Validationf("Producto no encontrado en el inventario")
			}
			if err != nil {
				return err
			}
			productID = p.ID
		}
		i := t.ItemByProduct(productID)
		if i < 0 {
			return domain.Validationf("La herramienta no pertenece al ticket %s", t.Number)
		}
		it := &t.Items[i]
		if quantity > it.Returnable() {
			return domain.Validationf("Solo quedan %d unidades de %s por devolver", it.Returnable(), it.ProductName)
		}

		var prev, next int64
		if condition == domain.ConditionGood {
			p, err := s.products.GetByID(ctx, productID)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Validationf("La herramienta %s ya no existe en el inventario", it.ProductName)
			}
			if err != nil {
				return err
			}
			prev = p.Quantity
			p.Quantity += quantity
			next = p.Quantity
			if err := s.products.Update(ctx, p); err != nil {
				return err
			}
			it.ReturnedGood += quantity
		} else {
			it.ReturnedBad += quantity
		}
		it.Returned += quantity

		now := s.now()
		t.ReturnedByID = actor.ID
		t.ReturnedByName = actor.Name
		t.ReturnedAt = &now
		if t.FullyReturned() {
			t.Status = domain.TicketStatusReturned
		}
		if err := s.tickets.Update(ctx, t); err != nil {
			return err
		}
		details := fmt.Sprintf("%s: %d x %s", t.Number, quantity, it.ProductName)
		if err := s.record(ctx, actor, domain.ReturnAction(condition), productID, t.ID, prev, next, details); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "ticket return",
		slog.Int64("ticket_id", updated.ID), slog.String("numero", updated.Number),
		slog.Int64("unidades", quantity), slog.String("estado", string(condition)),
		slog.String("ticket_estado", string(updated.Status)), slog.Int64("actor", int64(actor.ID)))
	if condition == domain.ConditionGood {
		s.stockChanged()
	}
	s.publish(ctx, events.TicketReturned, updated, actor, quantity)
	return updated, nil
}

// Cancel отменяет ожидающий тикет; доступно только заявителю
func (s *TicketService) Cancel(ctx context.Context, actor domain.User, ticketID int64) (*domain.Ticket, error) {
	if ticketID <= 0 {
		return nil, ErrInvalidInput
	}
	unlock := s.locks.lock(ticketID)
	defer unlock()

	var updated *domain.Ticket
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		t, err := s.tickets.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != domain.TicketStatusPending {
			return &domain.InvalidTransitionError{Op: "cancelar", Status: t.Status}
		}
		if !domain.IsRequester(t, actor) {
			return &domain.AuthorizationError{Reason: "Solo el solicitante puede cancelar el ticket"}
		}
		t.Status = domain.TicketStatusCancelled
		if err := s.tickets.Update(ctx, t); err != nil {
			return err
		}
		if err := s.record(ctx, actor, domain.HistoryTicketCanceled, 0, t.ID, 0, 0, t.Number); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "ticket cancelled",
		slog.Int64("ticket_id", updated.ID), slog.String("numero", updated.Number), slog.Int64("actor", int64(actor.ID)))
	s.publish(ctx, events.TicketCancelled, updated, actor, 0)
	return updated, nil
}

func (s *TicketService) record(ctx context.Context, actor domain.User, action domain.HistoryAction, productID, ticketID, prev, next int64, details string) error {
	return s.history.Append(ctx, domain.HistoryEntry{
		ID:          uuid.New(),
		Action:      action,
		ProductID:   productID,
		TicketID:    ticketID,
		PreviousQty: prev,
		NewQty:      next,
		UserID:      actor.ID,
		UserName:    actor.Name,
		At:          s.now(),
		Details:     details,
	})
}

func (s *TicketService) stockChanged() {
	if s.stock != nil {
		s.stock.StockChanged()
	}
}

// publish не влияет на результат операции: изменения уже зафиксированы
func (s *TicketService) publish(ctx context.Context, typ string, t *domain.Ticket, actor domain.User, units int64) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, events.Event{
		Type:     typ,
		TicketID: t.ID,
		Number:   t.Number,
		Status:   t.Status,
		ActorID:  actor.ID,
		Units:    units,
		At:       s.now(),
	})
	if err != nil {
		s.log.WarnContext(ctx, "publish ticket event", slog.String("event", typ), slog.Int64("ticket_id", t.ID), slog.Any("error", err))
	}
}

// ticketLocks сериализует изменения одного тикета
type ticketLocks struct {
	mu sync.Mutex
	m  map[int64]*ticketLock
}

type ticketLock struct {
	mu   sync.Mutex
	refs int
}

func (l *ticketLocks) lock(id int64) func() {
	l.mu.Lock()
	tl, ok := l.m[id]
	if !ok {
		tl = &ticketLock{}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
