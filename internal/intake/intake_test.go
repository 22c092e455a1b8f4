package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almacen/internal/apiclient"
	"almacen/internal/domain"
	"almacen/internal/scan"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func product(id int64, name string, price int64) domain.Product {
	p := domain.Product{ID: id, Name: name, UnitPrice: decimal.NewFromInt(price), Barcode: domain.DefaultBarcode(id)}
	p.QRPayload = domain.QRPayload(p)
	return p
}

type returnCall struct {
	TicketID int64
	Code     string
	Qty      int64
	Cond     domain.Condition
}

type fakeAPI struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	created  []apiclient.NewTicket
	returns  []returnCall
	// failReturn: product id → error
	failReturn map[int64]error
	// gate блокирует DeliverTicket, пока не закрыт
	gate    chan struct{}
	entered chan struct{}
	// findErr возвращается из FindProduct вместо поиска
	findErr error
	// onReturn вызывается в начале ReturnUnits
	onReturn func()
}

func newFakeAPI(ps ...domain.Product) *fakeAPI {
	f := &fakeAPI{products: map[int64]domain.Product{}, failReturn: map[int64]error{}}
	for _, p := range ps {
		f.products[p.ID] = p
	}
	return f
}

func (f *fakeAPI) FindProduct(_ context.Context, code string) (*domain.Product, error) {
	sc := domain.ParseScanCode(code)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, p := range f.products {
		if p.ID == sc.ProductID || (sc.Barcode != "" && p.Barcode == sc.Barcode) {
			cp := p
			return &cp, nil
		}
	}
	return nil, &apiclient.APIError{Status: http.StatusNotFound, Detail: "Producto no encontrado"}
}

func (f *fakeAPI) CreateTicket(_ context.Context, req apiclient.NewTicket) (*apiclient.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	t := &apiclient.Ticket{}
	t.ID = int64(len(f.created))
	t.Number = domain.TicketNumber(t.ID)
	t.Status = domain.TicketStatusPending
	return t, nil
}

func (f *fakeAPI) DeliverTicket(_ context.Context, id int64, items []apiclient.DeliverItem, _ string) (*apiclient.Ticket, int64, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	var n int64
	for _, it := range items {
		n += it.Quantity
	}
	t := &apiclient.Ticket{}
	t.ID = id
	t.Status = domain.TicketStatusDelivered
	return t, n, nil
}

func (f *fakeAPI) CancelTicket(_ context.Context, id int64) (*apiclient.Ticket, error) {
	t := &apiclient.Ticket{}
	t.ID = id
	t.Status = domain.TicketStatusCancelled
	return t, nil
}

func (f *fakeAPI) ReturnUnits(_ context.Context, id int64, code string, qty int64, cond domain.Condition) (*apiclient.Ticket, error) {
	if f.onReturn != nil {
		f.onReturn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, returnCall{TicketID: id, Code: code, Qty: qty, Cond: cond})
	if err := f.failReturn[domain.ParseScanCode(code).ProductID]; err != nil {
		return nil, err
	}
	t := &apiclient.Ticket{}
	t.ID = id
	t.Status = domain.TicketStatusDelivered
	return t, nil
}

func TestDraft_RepeatedScanIncrements(t *testing.T) {
	d := NewDraft()
	p7 := product(7, "Llave", 10)
	assert.EqualValues(t, 1, d.Add(p7))
	assert.EqualValues(t, 2, d.Add(p7))

	items := d.Items()
	require.Len(t, items, 1)
	assert.EqualValues(t, 2, items[0].Count)
}

func TestDraft_RemoveThenRescanStartsAtOne(t *testing.T) {
	d := NewDraft()
	p := product(1, "Taladro", 5)
	d.Add(p)
	d.Add(p)
	assert.True(t, d.Remove(p.ID))
	assert.False(t, d.Remove(p.ID))
	assert.EqualValues(t, 1, d.Add(p))
	assert.EqualValues(t, 1, d.Items()[0].Count)
}

func TestDraft_PriceFrozenAtFirstScanAndOrder(t *testing.T) {
	d := NewDraft()
	a, b := product(2, "A", 10), product(1, "B", 3)
	d.Add(a)
	d.Add(b)
	a.UnitPrice = decimal.NewFromInt(99)
	d.Add(a)

	items := d.Items()
	require.Len(t, items, 2)
	assert.EqualValues(t, 2, items[0].Product.ID, "first-scanned order")
	assert.True(t, items[0].UnitPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, d.Total().Equal(decimal.NewFromInt(23)), d.Total().String())

	d.Reset()
	assert.Zero(t, d.Len())
}

func TestReturnBatch_Conditions(t *testing.T) {
	b := NewReturnBatch()
	p := product(3, "Sierra", 1)
	b.Add(p)
	b.Add(p)

	e := b.Entries()
	require.Len(t, e, 1)
	assert.Equal(t, domain.ConditionGood, e[0].Condition)
	assert.EqualValues(t, 2, e[0].Count)

	require.NoError(t, b.SetCondition(3, domain.ConditionBad))
	assert.Equal(t, domain.ConditionBad, b.Entries()[0].Condition)
	assert.True(t, domain.IsValidation(b.SetCondition(3, "roto")))
	assert.True(t, domain.IsValidation(b.SetCondition(99, domain.ConditionGood)))

	// condition does not survive removal
	b.Remove(3)
	b.Add(p)
	assert.Equal(t, domain.ConditionGood, b.Entries()[0].Condition)
}

func TestOnScan_DispatchesOnExplicitMode(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1), product(2, "B", 1))
	c := NewController(api, discard)
	ctx := context.Background()

	_, err := c.OnScan(ctx, scan.ModeCreateTicket, "ID:1|Nombre:A")
	require.NoError(t, err)
	require.NoError(t, c.BeginReturn(1))
	_, err = c.OnScan(ctx, scan.ModeReturnBatch, domain.DefaultBarcode(2))
	require.NoError(t, err)

	require.Len(t, c.Draft().Items(), 1)
	assert.EqualValues(t, 1, c.Draft().Items()[0].Product.ID)
	require.Len(t, c.Returns().Entries(), 1)
	assert.EqualValues(t, 2, c.Returns().Entries()[0].Product.ID)

	_, err = c.OnScan(ctx, scan.ModeCreateTicket, "desconocido")
	assert.True(t, apiclient.IsStatus(err, http.StatusNotFound))
	_, err = c.OnScan(ctx, scan.ModeCreateTicket, " ")
	assert.True(t, domain.IsValidation(err))
	_, err = c.OnScan(ctx, scan.Mode(42), "ID:1")
	assert.Error(t, err)
	assert.Equal(t, 1, c.Draft().Len(), "failed scans leave the draft alone")
}

// OP-100: P1 (id=7) scanned twice gives one line item with quantity 2
func TestSubmitDraft_PostsAccumulatedItems(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/productos/buscar":
			_, _ = io.WriteString(w, `{"producto":{"id":7,"nombre":"P1","cantidad":10,"precio_unitario":4.5}}`)
		case "/api/tickets":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"ticket":{"id":1,"numero_ticket":"TICK-000001","estado":"pendiente","items":[]},"id":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	c := NewController(client, discard)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.OnScan(ctx, scan.ModeCreateTicket, "ID:7|Nombre:P1")
		require.NoError(t, err)
	}
	tk, err := c.SubmitDraft(ctx, "OP-100", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "TICK-000001", tk.Number)

	assert.Equal(t, "OP-100", body["orden_produccion"])
	assert.Equal(t, "maintenance", body["justificacion"])
	assert.Equal(t, []any{map[string]any{"producto_id": float64(7), "cantidad_solicitada": float64(2)}}, body["items"])
	assert.Zero(t, c.Draft().Len(), "draft discarded after submit")
}

func TestSubmitDraft_Validation(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1))
	c := NewController(api, discard)
	ctx := context.Background()

	_, err := c.SubmitDraft(ctx, "OP-1", "x")
	assert.True(t, domain.IsValidation(err), "empty draft")

	_, err = c.OnScan(ctx, scan.ModeCreateTicket, "ID:1")
	require.NoError(t, err)
	_, err = c.SubmitDraft(ctx, " ", "x")
	assert.True(t, domain.IsValidation(err))
	_, err = c.SubmitDraft(ctx, "OP-1", "")
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, api.created)
	assert.Equal(t, 1, c.Draft().Len())
}

func TestSubmitReturns_PartialFailureIsReported(t *testing.T) {
	a, b, x := product(1, "A", 1), product(2, "B", 1), product(3, "C", 1)
	api := newFakeAPI(a, b, x)
	api.failReturn[2] = &apiclient.APIError{Status: http.StatusBadRequest, Detail: "Solo quedan 1 unidades de B por devolver"}
	c := NewController(api, discard)
	ctx := context.Background()
	require.NoError(t, c.BeginReturn(5))

	for _, code := range []string{"ID:1", "ID:1", "ID:2", "ID:2", "ID:3"} {
		_, err := c.OnScan(ctx, scan.ModeReturnBatch, code)
		require.NoError(t, err)
	}
	require.NoError(t, c.Returns().SetCondition(3, domain.ConditionBad))

	rep, err := c.SubmitReturns(ctx, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rep.SucceededUnits)
	assert.EqualValues(t, 2, rep.FailedUnits)
	assert.EqualValues(t, 2, rep.GoodUnits)
	assert.EqualValues(t, 1, rep.BadUnits)
	assert.True(t, rep.Partial())
	require.Len(t, rep.Failures, 1)
	assert.EqualValues(t, 2, rep.Failures[0].ProductID)
	assert.Equal(t, "Solo quedan 1 unidades de B por devolver", rep.Failures[0].Err.Error())

	// sequential, one call per entry, in scan order
	require.Len(t, api.returns, 3)
	assert.Equal(t, returnCall{TicketID: 5, Code: domain.QRPayload(a), Qty: 2, Cond: domain.ConditionGood}, api.returns[0])
	assert.Equal(t, domain.ConditionBad, api.returns[2].Cond)

	// only the failed entry remains for a retry
	left := c.Returns().Entries()
	require.Len(t, left, 1)
	assert.EqualValues(t, 2, left[0].Product.ID)
}

func TestSubmitReturns_Empty(t *testing.T) {
	c := NewController(newFakeAPI(), discard)
	_, err := c.SubmitReturns(context.Background(), 1)
	assert.True(t, domain.IsValidation(err))
}

func TestSubmitReturns_CancelledContextFailsRemaining(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1))
	c := NewController(api, discard)
	require.NoError(t, c.BeginReturn(1))
	_, err := c.OnScan(context.Background(), scan.ModeReturnBatch, "ID:1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := c.SubmitReturns(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.FailedUnits)
	assert.ErrorIs(t, rep.Failures[0].Err, context.Canceled)
	assert.Empty(t, api.returns)
}

func TestInFlightGuardPerTicket(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1))
	api.gate = make(chan struct{})
	api.entered = make(chan struct{})
	c := NewController(api, discard)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Deliver(ctx, 9, []apiclient.DeliverItem{{ItemID: 1, Quantity: 1}}, "")
		done <- err
	}()
	<-api.entered

	_, _, err := c.Deliver(ctx, 9, nil, "")
	assert.ErrorIs(t, err, ErrTicketBusy)
	_, err = c.Cancel(ctx, 9)
	assert.ErrorIs(t, err, ErrTicketBusy)
	require.NoError(t, c.BeginReturn(9))
	_, err = c.OnScan(ctx, scan.ModeReturnBatch, "ID:1")
	require.NoError(t, err)
	_, err = c.SubmitReturns(ctx, 9)
	assert.ErrorIs(t, err, ErrTicketBusy)

	// other tickets are not blocked
	tk, err := c.Cancel(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusCancelled, tk.Status)

	close(api.gate)
	require.NoError(t, <-done)
	_, err = c.Cancel(ctx, 9)
	assert.NoError(t, err, "guard released after the call resolves")
}

func TestScanHandlerFeedsController(t *testing.T) {
	api := newFakeAPI(product(4, "Broca", 2))
	c := NewController(api, discard)
	dev := &scan.LineDevice{Reader: strings.NewReader("ID:4\nID:4\n")}
	s := scan.NewScanner(dev, scan.TextDecoder{}, scan.WithLogger(discard))
	sess, err := s.Start(context.Background(), scan.ModeCreateTicket, c.ScanHandler(nil))
	require.NoError(t, err)
	require.NoError(t, sess.Wait())

	items := c.Draft().Items()
	require.Len(t, items, 1)
	assert.EqualValues(t, 2, items[0].Count, fmt.Sprintf("%+v", items))
	assert.Zero(t, c.Returns().Len())
}

func TestScanHandler_UnknownCodesKeepSessionAndDraft(t *testing.T) {
	api := newFakeAPI(product(4, "Broca", 2))
	c := NewController(api, discard)
	var rejected []string
	report := func(code string, p *domain.Product, err error) {
		if err != nil {
			rejected = append(rejected, code)
		}
	}
	dev := &scan.LineDevice{Reader: strings.NewReader("ID:4\nX1\nX2\nX3\nX4\nID:4\n")}
	s := scan.NewScanner(dev, scan.TextDecoder{}, scan.WithRetry(3, 0), scan.WithLogger(discard))
	sess, err := s.Start(context.Background(), scan.ModeCreateTicket, c.ScanHandler(report))
	require.NoError(t, err)
	require.NoError(t, sess.Wait(), "unknown codes must not end the session")

	assert.Equal(t, []string{"X1", "X2", "X3", "X4"}, rejected)
	items := c.Draft().Items()
	require.Len(t, items, 1)
	assert.EqualValues(t, 4, items[0].Product.ID)
	assert.EqualValues(t, 2, items[0].Count)
}

func TestScanHandler_NetworkFailuresStillCount(t *testing.T) {
	api := newFakeAPI(product(4, "Broca", 2))
	api.findErr = &apiclient.NetworkError{Method: http.MethodPost, Path: "/api/productos/buscar", Err: io.ErrUnexpectedEOF}
	c := NewController(api, discard)
	dev := &scan.LineDevice{Reader: strings.NewReader("ID:4\nID:4\nID:4\nID:4\n")}
	s := scan.NewScanner(dev, scan.TextDecoder{}, scan.WithRetry(3, 0), scan.WithLogger(discard))
	sess, err := s.Start(context.Background(), scan.ModeCreateTicket, c.ScanHandler(nil))
	require.NoError(t, err)

	var re *scan.RetryError
	require.ErrorAs(t, sess.Wait(), &re)
	assert.Equal(t, 3, re.Attempts)
	assert.Zero(t, c.Draft().Len())
}

func TestRejected(t *testing.T) {
	assert.True(t, Rejected(&apiclient.APIError{Status: http.StatusNotFound}))
	assert.True(t, Rejected(&apiclient.APIError{Status: http.StatusBadRequest}))
	assert.True(t, Rejected(domain.Validationf("x")))
	assert.False(t, Rejected(&apiclient.APIError{Status: http.StatusInternalServerError}))
	assert.False(t, Rejected(&apiclient.NetworkError{Err: io.EOF}))
	assert.False(t, Rejected(context.Canceled))
}

func TestReturnBatch_BoundToOneTicket(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1))
	c := NewController(api, discard)
	ctx := context.Background()

	_, err := c.OnScan(ctx, scan.ModeReturnBatch, "ID:1")
	assert.True(t, domain.IsValidation(err), "scan before choosing a ticket")
	assert.Zero(t, c.Returns().Len())

	require.NoError(t, c.BeginReturn(5))
	require.NoError(t, c.BeginReturn(5), "same ticket again is fine")
	_, err = c.OnScan(ctx, scan.ModeReturnBatch, "ID:1")
	require.NoError(t, err)

	assert.True(t, domain.IsValidation(c.BeginReturn(6)), "non-empty batch keeps its ticket")
	_, err = c.SubmitReturns(ctx, 6)
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, api.returns, "nothing sent to the wrong ticket")
	assert.EqualValues(t, 5, c.Returns().TicketID())

	rep, err := c.SubmitReturns(ctx, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.SucceededUnits)
	require.Len(t, api.returns, 1)
	assert.EqualValues(t, 5, api.returns[0].TicketID)

	// empty again, can move to another ticket
	require.NoError(t, c.BeginReturn(6))
	assert.EqualValues(t, 6, c.Returns().TicketID())
}

func TestSubmitReturns_KeepsScansAddedDuringSubmit(t *testing.T) {
	api := newFakeAPI(product(1, "A", 1))
	c := NewController(api, discard)
	ctx := context.Background()
	require.NoError(t, c.BeginReturn(3))
	for i := 0; i < 2; i++ {
		_, err := c.OnScan(ctx, scan.ModeReturnBatch, "ID:1")
		require.NoError(t, err)
	}
	api.onReturn = func() {
		api.onReturn = nil
		_, err := c.OnScan(ctx, scan.ModeReturnBatch, "ID:1")
		assert.NoError(t, err)
	}

	rep, err := c.SubmitReturns(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rep.SucceededUnits)
	require.Len(t, api.returns, 1)
	assert.EqualValues(t, 2, api.returns[0].Qty)

	left := c.Returns().Entries()
	require.Len(t, left, 1, "the late scan is still pending")
	assert.EqualValues(t, 1, left[0].Count)
}

func TestReturnBatch_Take(t *testing.T) {
	b := NewReturnBatch()
	p := product(2, "B", 1)
	for i := 0; i < 3; i++ {
		b.Add(p)
	}
	require.NoError(t, b.SetCondition(2, domain.ConditionBad))
	b.Take(2, 2)
	require.Len(t, b.Entries(), 1)
	assert.EqualValues(t, 1, b.Entries()[0].Count)
	assert.Equal(t, domain.ConditionBad, b.Entries()[0].Condition)
	b.Take(2, 1)
	assert.Zero(t, b.Len())
	b.Take(99, 1)
}

var (
	_ API = (*apiclient.Client)(nil)
	_ API = (*apiclient.Directory)(nil)
)
