package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"almacen/internal/domain"
)

// MemoryStore объединённое in-memory хранилище и простой генератор ID
type MemoryStore struct {
	mu           sync.RWMutex
	nextProdID   int64
	nextTicketID int64
	nextItemID   int64
	productsByID map[int64]domain.Product
	ticketsByID  map[int64]domain.Ticket
	history      []domain.HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextProdID:   1,
		nextTicketID: 1,
		nextItemID:   1,
		productsByID: make(map[int64]domain.Product),
		ticketsByID:  make(map[int64]domain.Ticket),
	}
}

// transaction-aware locking helpers
type txKey struct{}

func isTx(ctx context.Context) bool {
	v := ctx.Value(txKey{})
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (m *MemoryStore) rlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RLock()
	}
}
func (m *MemoryStore) runlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RUnlock()
	}
}
func (m *MemoryStore) wlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Lock()
	}
}
func (m *MemoryStore) wunlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Unlock()
	}
}

// Ensure interfaces
var _ ProductRepository = (*MemoryStore)(nil)

// ProductRepository implementation
func (m *MemoryStore) Create(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if p.Barcode != "" && m.barcodeTaken(p.Barcode, 0) {
		return ErrDuplicate
	}
	p.ID = m.nextProdID
	m.nextProdID++
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.productsByID[p.ID] = *p
	return nil
}

func (m *MemoryStore) barcodeTaken(code string, exceptID int64) bool {
	for id, p := range m.productsByID {
		if id != exceptID && p.Barcode == code {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	p, ok := m.productsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	cp := p
	return &cp, nil
}

func (m *MemoryStore) GetByBarcode(ctx context.Context, code string) (*domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	if code == "" {
		return nil, ErrNotFound
	}
	for _, p := range m.productsByID {
		if p.Barcode == code || p.QRPayload == code {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	old, ok := m.productsByID[p.ID]
	if !ok {
		return ErrNotFound
	}
	if p.Barcode != "" && m.barcodeTaken(p.Barcode, p.ID) {
		return ErrDuplicate
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.productsByID[p.ID] = *p
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.productsByID[id]; !ok {
		return ErrNotFound
	}
	delete(m.productsByID, id)
	return nil
}

// List сортирует по имени, как прежний бэкенд
func (m *MemoryStore) List(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Product, 0)
	for _, p := range m.productsByID {
		if f.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// TicketRepository implementation on wrapper type
type MemoryTickets struct{ store *MemoryStore }

func NewMemoryTickets(store *MemoryStore) *MemoryTickets { return &MemoryTickets{store: store} }

var _ TicketRepository = (*MemoryTickets)(nil)

func cloneTicket(t domain.Ticket) domain.Ticket {
	t.Items = append([]domain.LineItem(nil), t.Items...)
	if t.DeliveredAt != nil {
		at := *t.DeliveredAt
		t.DeliveredAt = &at
	}
	if t.ReturnedAt != nil {
		at := *t.ReturnedAt
		t.ReturnedAt = &at
	}
	return t
}

func (mt *MemoryTickets) Create(ctx context.Context, t *domain.Ticket) error {
	mt.store.wlock(ctx)
	defer mt.store.wunlock(ctx)
	t.ID = mt.store.nextTicketID
	mt.store.nextTicketID++
	t.Number = domain.TicketNumber(t.ID)
	if t.RequestedAt.IsZero() {
		t.RequestedAt = time.Now().UTC()
	}
	for i := range t.Items {
		t.Items[i].ID = mt.store.nextItemID
		mt.store.nextItemID++
		t.Items[i].TicketID = t.ID
	}
	mt.store.ticketsByID[t.ID] = cloneTicket(*t)
	return nil
}

func (mt *MemoryTickets) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	mt.store.rlock(ctx)
	defer mt.store.runlock(ctx)
	t, ok := mt.store.ticketsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneTicket(t)
	return &cp, nil
}

func (mt *MemoryTickets) Update(ctx context.Context, t *domain.Ticket) error {
	mt.store.wlock(ctx)
	defer mt.store.wunlock(ctx)
	if _, ok := mt.store.ticketsByID[t.ID]; !ok {
		return ErrNotFound
	}
	mt.store.ticketsByID[t.ID] = cloneTicket(*t)
	return nil
}

// List новые тикеты первыми
func (mt *MemoryTickets) List(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	mt.store.rlock(ctx)
	defer mt.store.runlock(ctx)
	out := make([]domain.Ticket, 0)
	for _, t := range mt.store.ticketsByID {
		if f.match(t) {
			out = append(out, cloneTicket(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// HistoryRepository implementation
type MemoryHistory struct{ store *MemoryStore }

func NewMemoryHistory(store *MemoryStore) *MemoryHistory { return &MemoryHistory{store: store} }

var _ HistoryRepository = (*MemoryHistory)(nil)

func (mh *MemoryHistory) Append(ctx context.Context, e domain.HistoryEntry) error {
	mh.store.wlock(ctx)
	defer mh.store.wunlock(ctx)
	mh.store.history = append(mh.store.history, e)
	return nil
}

// List последние записи, новые первыми. при limit <= 0 все.
func (mh *MemoryHistory) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	mh.store.rlock(ctx)
	defer mh.store.runlock(ctx)
	n := len(mh.store.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, mh.store.history[i])
	}
	return out, nil
}

// Tx manager using write lock to emulate transaction boundary
type MemoryTx struct{ store *MemoryStore }

func NewMemoryTx(store *MemoryStore) *MemoryTx { return &MemoryTx{store: store} }

// WithTransaction не откатывает записи: сервисы сначала проверяют всё, затем пишут.
func (tx *MemoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// Для in-memory используем блокировку записи и помечаем контекст, чтобы репозитории пропускали внутренние локи
	if isTx(ctx) {
		return fn(ctx)
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	ctx = context.WithValue(ctx, txKey{}, true)
	return fn(ctx)
}
