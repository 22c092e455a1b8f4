// Package apiclient клиент REST API склада для CLI и intake.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"almacen/internal/domain"
)

// APIError ответ сервера с кодом не 2xx; Detail показывается пользователю как есть
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string { return e.Detail }

// NetworkError запрос не дошёл до сервера или ответ не прочитан
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsStatus сообщает, что err это APIError с данным кодом
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

type Config struct {
	BaseURL string
	Token   string
	// HTTPClient, по умолчанию http.DefaultClient
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("apiclient: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("apiclient: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), token: cfg.Token, hc: hc, log: log}, nil
}

// do выполняет запрос и декодирует 2xx-ответ в out (если out != nil)
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	c.log.DebugContext(ctx, "api call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Ticket тикет с действиями, доступными текущему пользователю
type Ticket struct {
	domain.Ticket
	Actions []domain.Action `json:"acciones"`
}

type TicketItem struct {
	ProductID int64 `json:"producto_id"`
	Quantity  int64 `json:"cantidad_solicitada"`
}

type NewTicket struct {
	ProductionOrder string       `json:"orden_produccion"`
	Justification   string       `json:"justificacion"`
	Items           []TicketItem `json:"items"`
}

type DeliverItem struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"cantidad_entregada"`
}

type ProductQuery struct {
	Query    string
	Category string
	LowStock bool
}

type Stats struct {
	TotalProducts int64           `json:"total_productos"`
	LowStock      int64           `json:"stock_bajo"`
	TotalValue    decimal.Decimal `json:"valor_total"`
}

// Check: GET /api/auth/check; ok=false для анонимного запроса
func (c *Client) Check(ctx context.Context) (domain.User, bool, error) {
	var resp struct {
		Authenticated bool         `json:"autenticado"`
		User          *domain.User `json:"usuario"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/check", nil, &resp); err != nil {
		return domain.User{}, false, err
	}
	if !resp.Authenticated || resp.User == nil {
		return domain.User{}, false, nil
	}
	return *resp.User, true, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func (c *Client) ListProducts(ctx context.Context, q ProductQuery) ([]domain.Product, error) {
	v := url.Values{}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Category != "" {
		v.Set("categoria", q.Category)
	}
	if q.LowStock {
		v.Set("stock_bajo", "true")
	}
	path := "/api/productos"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp struct {
		Products []domain.Product `json:"productos"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

func (c *Client) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	if err := c.do(ctx, http.MethodGet, "/api/productos/"+strconv.FormatInt(id, 10), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindProduct: POST /api/productos/buscar
func (c *Client) FindProduct(ctx context.Context, code string) (*domain.Product, error) {
	var resp struct {
		Product domain.Product `json:"producto"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/productos/buscar", map[string]string{"codigo": code}, &resp); err != nil {
		return nil, err
	}
	return &resp.Product, nil
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.do(ctx, http.MethodGet, "/api/estadisticas", nil, &st)
	return st, err
}

// ListTickets: при status "" все доступные
func (c *Client) ListTickets(ctx context.Context, status domain.TicketStatus) ([]Ticket, error) {
	path := "/api/tickets"
	if status != "" {
		path += "?estado=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Tickets []Ticket `json:"tickets"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tickets, nil
}

func (c *Client) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var t Ticket
	if err := c.do(ctx, http.MethodGet, ticketPath(id, ""), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CreateTicket(ctx context.Context, req NewTicket) (*Ticket, error) {
	var resp struct {
		Ticket Ticket `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tickets", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Ticket, nil
}

// DeliverTicket возвращает обновлённый тикет и число выданных единиц
func (c *Client) DeliverTicket(ctx context.Context, id int64, items []DeliverItem, comments string) (*Ticket, int64, error) {
	body := struct {
		Items    []DeliverItem `json:"items"`
		Comments string        `json:"comentarios_entrega,omitempty"`
	}{Items: items, Comments: comments}
	var resp struct {
		Units  int64  `json:"unidades_entregadas"`
		Ticket Ticket `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPut, ticketPath(id, "/entregar"), body, &resp); err != nil {
		return nil, 0, err
	}
	return &resp.Ticket, resp.Units, nil
}

func (c *Client) CancelTicket(ctx context.Context, id int64) (*Ticket, error) {
	var resp struct {
		Ticket Ticket `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPut, ticketPath(id, "/cancelar"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Ticket, nil
}

func (c *Client) ReturnUnits(ctx context.Context, id int64, code string, quantity int64, cond domain.Condition) (*Ticket, error) {
	body := struct {
		Code      string           `json:"codigo"`
		Quantity  int64            `json:"cantidad"`
		Condition domain.Condition `json:"estado,omitempty"`
	}{Code: code, Quantity: quantity, Condition: cond}
	var resp struct {
		Ticket Ticket `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPost, ticketPath(id, "/devolver"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Ticket, nil
}

func ticketPath(id int64, suffix string) string {
	return "/api/tickets/" + strconv.FormatInt(id, 10) + suffix
}
