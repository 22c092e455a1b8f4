// Package intake накапливает отсканированные товары и отправляет их на сервер.
//
// Количество в заявке и в пакете возврата задаётся только сканированием:
// повторный скан увеличивает счётчик на 1, ручного ввода количества нет.
package intake

import (
	"sync"

	"github.com/shopspring/decimal"

	"almacen/internal/apiclient"
	"almacen/internal/domain"
)

// Entry накопленная позиция; цена фиксируется при первом скане
type Entry struct {
	Product   domain.Product
	Count     int64
	UnitPrice decimal.Decimal
}

func (e Entry) Subtotal() decimal.Decimal {
	return e.UnitPrice.Mul(decimal.NewFromInt(e.Count))
}

// ledger упорядоченное отображение product id → позиция
type ledger struct {
	order   []int64
	entries map[int64]*Entry
}

func (l *ledger) add(p domain.Product) *Entry {
	if l.entries == nil {
		l.entries = make(map[int64]*Entry)
	}
	if e, ok := l.entries[p.ID]; ok {
		e.Count++
		return e
	}
	e := &Entry{Product: p, Count: 1, UnitPrice: p.UnitPrice}
	l.entries[p.ID] = e
	l.order = append(l.order, p.ID)
	return e
}

func (l *ledger) remove(id int64) bool {
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *ledger) reset() {
	l.order = nil
	l.entries = nil
}

// Draft черновик заявки до отправки
type Draft struct {
	mu sync.Mutex
	l  ledger
}

func NewDraft() *Draft { return &Draft{} }

// Add учитывает один скан товара и возвращает новое количество
func (d *Draft) Add(p domain.Product) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.l.add(p).Count
}

// Remove удаляет позицию целиком
func (d *Draft) Remove(productID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.l.remove(productID)
}

// Items в порядке первого скана
func (d *Draft) Items() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.l.order))
	for _, id := range d.l.order {
		out = append(out, *d.l.entries[id])
	}
	return out
}

func (d *Draft) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.l.order)
}

func (d *Draft) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range d.Items() {
		total = total.Add(e.Subtotal())
	}
	return total
}

func (d *Draft) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.l.reset()
}

// lineItems тело POST /api/tickets
func (d *Draft) lineItems() []apiclient.TicketItem {
	items := d.Items()
	out := make([]apiclient.TicketItem, 0, len(items))
	for _, e := range items {
		out = append(out, apiclient.TicketItem{ProductID: e.Product.ID, Quantity: e.Count})
	}
	return out
}

type ReturnEntry struct {
	Entry
	Condition domain.Condition
}

// ReturnBatch пакет возврата по одному тикету; состояние по умолчанию buen_estado
type ReturnBatch struct {
	mu         sync.Mutex
	ticketID   int64
	l          ledger
	conditions map[int64]domain.Condition
}

func NewReturnBatch() *ReturnBatch { return &ReturnBatch{} }

// Bind закрепляет пакет за тикетом. Непустой пакет другого тикета не перепривязывается.
func (b *ReturnBatch) Bind(ticketID int64) error {
	if ticketID <= 0 {
		return domain.Validationf("Ticket inválido")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticketID == ticketID {
		return nil
	}
	if len(b.l.order) > 0 {
		return domain.Validationf("La devolución pendiente pertenece al ticket %d", b.ticketID)
	}
	b.ticketID = ticketID
	b.conditions = nil
	return nil
}

// TicketID 0, пока пакет не привязан
func (b *ReturnBatch) TicketID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticketID
}

func (b *ReturnBatch) Add(p domain.Product) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.add(p).Count
}

func (b *ReturnBatch) SetCondition(productID int64, c domain.Condition) error {
	if !c.Valid() {
		return domain.Validationf("Estado de devolución inválido: %s", c)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.l.entries[productID]; !ok {
		return domain.Validationf("La herramienta no está en la devolución")
	}
	if b.conditions == nil {
		b.conditions = make(map[int64]domain.Condition)
	}
	b.conditions[productID] = c
	return nil
}

func (b *ReturnBatch) Remove(productID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conditions, productID)
	return b.l.remove(productID)
}

// Take вычитает n отправленных единиц; позиция исчезает, когда счётчик доходит до нуля
func (b *ReturnBatch) Take(productID, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.l.entries[productID]
	if !ok {
		return
	}
	e.Count -= n
	if e.Count <= 0 {
		b.l.remove(productID)
		delete(b.conditions, productID)
	}
}

func (b *ReturnBatch) Entries() []ReturnEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ReturnEntry, 0, len(b.l.order))
	for _, id := range b.l.order {
		c, ok := b.conditions[id]
		if !ok {
			c = domain.ConditionGood
		}
		out = append(out, ReturnEntry{Entry: *b.l.entries[id], Condition: c})
	}
	return out
}

func (b *ReturnBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.l.order)
}

func (b *ReturnBatch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.l.reset()
	b.conditions = nil
	b.ticketID = 0
}
