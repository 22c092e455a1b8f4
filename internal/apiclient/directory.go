package apiclient

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"almacen/internal/domain"
)

// Directory кэширует поиск товаров по коду скана.
// После выдачи или возврата кэш сбрасывается: остатки изменились.
type Directory struct {
	*Client
	cache *cache.Cache
}

func NewDirectory(c *Client, ttl time.Duration) *Directory {
	return &Directory{Client: c, cache: cache.New(ttl, 2*ttl)}
}

func (d *Directory) FindProduct(ctx context.Context, code string) (*domain.Product, error) {
	key := strings.TrimSpace(code)
	if v, ok := d.cache.Get(key); ok {
		p := v.(domain.Product)
		return &p, nil
	}
	p, err := d.Client.FindProduct(ctx, key)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(key, *p)
	return p, nil
}

func (d *Directory) DeliverTicket(ctx context.Context, id int64, items []DeliverItem, comments string) (*Ticket, int64, error) {
	t, n, err := d.Client.DeliverTicket(ctx, id, items, comments)
	if err == nil {
		d.Flush()
	}
	return t, n, err
}

func (d *Directory) ReturnUnits(ctx context.Context, id int64, code string, quantity int64, cond domain.Condition) (*Ticket, error) {
	t, err := d.Client.ReturnUnits(ctx, id, code, quantity, cond)
	if err == nil {
		d.Flush()
	}
	return t, err
}

func (d *Directory) Flush() { d.cache.Flush() }
