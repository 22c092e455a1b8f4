package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"almacen/internal/apiclient"
	"almacen/internal/domain"
	"almacen/internal/scan"
)

// API часть REST-клиента, которой пользуется контроллер
type API interface {
	FindProduct(ctx context.Context, code string) (*domain.Product, error)
	CreateTicket(ctx context.Context, req apiclient.NewTicket) (*apiclient.Ticket, error)
	DeliverTicket(ctx context.Context, id int64, items []apiclient.DeliverItem, comments string) (*apiclient.Ticket, int64, error)
	CancelTicket(ctx context.Context, id int64) (*apiclient.Ticket, error)
	ReturnUnits(ctx context.Context, id int64, code string, quantity int64, cond domain.Condition) (*apiclient.Ticket, error)
}

// ErrTicketBusy по тикету уже выполняется изменяющий запрос
var ErrTicketBusy = errors.New("intake: ticket has a request in flight")

type Controller struct {
	api     API
	log     *slog.Logger
	draft   *Draft
	returns *ReturnBatch

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewController(api API, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		api:      api,
		log:      log,
		draft:    NewDraft(),
		returns:  NewReturnBatch(),
		inFlight: make(map[int64]struct{}),
	}
}

func (c *Controller) Draft() *Draft         { return c.draft }
func (c *Controller) Returns() *ReturnBatch { return c.returns }

// BeginReturn привязывает пакет возврата к тикету до начала сканирования
func (c *Controller) BeginReturn(ticketID int64) error {
	return c.returns.Bind(ticketID)
}

// Rejected: код прочитан, но сервер его не принял (не найден или некорректен)
func Rejected(err error) bool {
	return domain.IsValidation(err) ||
		apiclient.IsStatus(err, http.StatusNotFound) ||
		apiclient.IsStatus(err, http.StatusBadRequest)
}

// ScanReport вызывается после каждого прочитанного кода; p == nil при ошибке
type ScanReport func(code string, p *domain.Product, err error)

// ScanHandler обработчик для scan.Scanner. Отклонённый код только сообщается
// через report и не считается неудачной попыткой: сессия продолжается,
// накопленное не теряется. Сетевые ошибки по-прежнему считаются.
func (c *Controller) ScanHandler(report ScanReport) scan.Handler {
	return func(ctx context.Context, mode scan.Mode, code string) error {
		p, err := c.OnScan(ctx, mode, code)
		if report != nil {
			report(code, p, err)
		}
		if err != nil && Rejected(err) {
			c.log.WarnContext(ctx, "scanned code rejected", "mode", mode.String(), "code", code, "error", err)
			return nil
		}
		return err
	}
}

// OnScan находит товар по коду и добавляет его туда, куда указывает mode
func (c *Controller) OnScan(ctx context.Context, mode scan.Mode, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.Validationf("El código es obligatorio")
	}
	p, err := c.api.FindProduct(ctx, code)
	if err != nil {
		return nil, err
	}
	var n int64
	switch mode {
	case scan.ModeCreateTicket:
		n = c.draft.Add(*p)
	case scan.ModeReturnBatch:
		if c.returns.TicketID() == 0 {
			return nil, domain.Validationf("Seleccione el ticket a devolver")
		}
		n = c.returns.Add(*p)
	default:
		return nil, fmt.Errorf("intake: unknown scan mode %s", mode)
	}
	c.log.DebugContext(ctx, "product scanned", "mode", mode.String(), "producto_id", p.ID, "count", n)
	return p, nil
}

// SubmitDraft отправляет черновик; при успехе черновик очищается
func (c *Controller) SubmitDraft(ctx context.Context, productionOrder, justification string) (*apiclient.Ticket, error) {
	productionOrder = strings.TrimSpace(productionOrder)
	justification = strings.TrimSpace(justification)
	switch {
	case productionOrder == "":
		return nil, domain.Validationf("La orden de producción es obligatoria")
	case justification == "":
		return nil, domain.Validationf("La justificación es obligatoria")
	case c.draft.Len() == 0:
		return nil, domain.Validationf("Debe agregar al menos una herramienta")
	}
	t, err := c.api.CreateTicket(ctx, apiclient.NewTicket{
		ProductionOrder: productionOrder,
		Justification:   justification,
		Items:           c.draft.lineItems(),
	})
	if err != nil {
		return nil, err
	}
	c.draft.Reset()
	c.log.InfoContext(ctx, "ticket submitted", "ticket_id", t.ID, "numero", t.Number)
	return t, nil
}

type ReturnFailure struct {
	ProductID   int64
	ProductName string
	Units       int64
	Err         error
}

// ReturnReport итог пакета возврата. Пакет не атомарен: успешные позиции не откатываются.
type ReturnReport struct {
	SucceededUnits int64
	FailedUnits    int64
	GoodUnits      int64
	BadUnits       int64
	Failures       []ReturnFailure
	// Ticket состояние после последнего успешного возврата
	Ticket *apiclient.Ticket
}

func (r ReturnReport) Partial() bool { return r.SucceededUnits > 0 && r.FailedUnits > 0 }

// SubmitReturns отправляет позиции пакета по одной, по очереди.
// Отправленные единицы вычитаются из пакета, неудачные позиции остаются для повтора.
func (c *Controller) SubmitReturns(ctx context.Context, ticketID int64) (ReturnReport, error) {
	var rep ReturnReport
	entries := c.returns.Entries()
	if len(entries) == 0 {
		return rep, domain.Validationf("No hay herramientas para devolver")
	}
	if bound := c.returns.TicketID(); bound != ticketID {
		return rep, domain.Validationf("La devolución pendiente pertenece al ticket %d", bound)
	}
	release, err := c.acquire(ticketID)
	if err != nil {
		return rep, err
	}
	defer release()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			rep.fail(e, err)
			continue
		}
		t, err := c.api.ReturnUnits(ctx, ticketID, domain.QRPayload(e.Product), e.Count, e.Condition)
		if err != nil {
			rep.fail(e, err)
			continue
		}
		rep.Ticket = t
		rep.SucceededUnits += e.Count
		if e.Condition == domain.ConditionBad {
			rep.BadUnits += e.Count
		} else {
			rep.GoodUnits += e.Count
		}
		c.returns.Take(e.Product.ID, e.Count)
	}
	c.log.InfoContext(ctx, "return batch submitted", "ticket_id", ticketID,
		"succeeded", rep.SucceededUnits, "failed", rep.FailedUnits)
	return rep, nil
}

func (r *ReturnReport) fail(e ReturnEntry, err error) {
	r.FailedUnits += e.Count
	r.Failures = append(r.Failures, ReturnFailure{ProductID: e.Product.ID, ProductName: e.Product.Name, Units: e.Count, Err: err})
}

func (c *Controller) Deliver(ctx context.Context, ticketID int64, items []apiclient.DeliverItem, comments string) (*apiclient.Ticket, int64, error) {
	release, err := c.acquire(ticketID)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	return c.api.DeliverTicket(ctx, ticketID, items, comments)
}

func (c *Controller) Cancel(ctx context.Context, ticketID int64) (*apiclient.Ticket, error) {
	release, err := c.acquire(ticketID)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.api.CancelTicket(ctx, ticketID)
}

// acquire не ждёт: второй запрос по тому же тикету сразу получает ErrTicketBusy
func (c *Controller) acquire(ticketID int64) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[ticketID]; busy {
		return nil, ErrTicketBusy
	}
	c.inFlight[ticketID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inFlight, ticketID)
		c.mu.Unlock()
	}, nil
}
