package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// precio_unitario уходит в JSON числом, как отдавал прежний бэкенд
	decimal.MarshalJSONWithoutQuotes = true
}

// Product представляет инструмент на складе
type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"nombre"`
	Description string          `json:"descripcion,omitempty"`
	Quantity    int64           `json:"cantidad"`
	MinQuantity int64           `json:"cantidad_minima"`
	Location    string          `json:"ubicacion,omitempty"`
	Category    string          `json:"categoria,omitempty"`
	UnitPrice   decimal.Decimal `json:"precio_unitario"`
	Barcode     string          `json:"codigo_barras,omitempty"`
	QRPayload   string          `json:"codigo_qr,omitempty"`
	CreatedAt   time.Time       `json:"fecha_creacion"`
	UpdatedAt   time.Time       `json:"fecha_actualizacion"`
}

// IsLowStock: порог 0 означает «без порога»
func (p Product) IsLowStock() bool {
	return p.MinQuantity > 0 && p.Quantity <= p.MinQuantity
}

// Role роль пользователя
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleOperator   Role = "operador"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleOperator:
		return true
	}
	return false
}

// UserID идентификатор пользователя. Источники присылают его то строкой,
// то числом, поэтому при разборе обе формы приводятся к int64.
type UserID int64

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// "7.0" из некоторых клиентов
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid user id %q", string(b))
		}
		n = int64(f)
	}
	*id = UserID(n)
	return nil
}

// User действующий пользователь сессии
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"nombre_completo"`
	Role Role   `json:"rol"`
}

// TicketStatus статус тикета
type TicketStatus string

const (
	TicketStatusPending   TicketStatus = "pendiente"
	TicketStatusDelivered TicketStatus = "entregado"
	TicketStatusReturned  TicketStatus = "devuelto"
	TicketStatusCancelled TicketStatus = "cancelado"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusPending, TicketStatusDelivered, TicketStatusReturned, TicketStatusCancelled:
		return true
	}
	return false
}

// Condition состояние возвращённого инструмента
type Condition string

const (
	ConditionGood Condition = "buen_estado"
	ConditionBad  Condition = "mal_estado"
)

func (c Condition) Valid() bool {
	return c == ConditionGood || c == ConditionBad
}

// LineItem позиция тикета
type LineItem struct {
	ID           int64           `json:"id"`
	TicketID     int64           `json:"ticket_id"`
	ProductID    int64           `json:"producto_id"`
	ProductName  string          `json:"producto_nombre"`
	Requested    int64           `json:"cantidad_solicitada"`
	Delivered    int64           `json:"cantidad_entregada"`
	Returned     int64           `json:"cantidad_devuelta"`
	ReturnedGood int64           `json:"cantidad_buen_estado"`
	ReturnedBad  int64           `json:"cantidad_mal_estado"`
	UnitPrice    decimal.Decimal `json:"precio_unitario"`
}

// Returnable сколько единиц ещё можно вернуть
func (it LineItem) Returnable() int64 { return it.Delivered - it.Returned }

// Ticket заявка на выдачу инструмента под производственный заказ
type Ticket struct {
	ID               int64        `json:"id"`
	Number           string       `json:"numero_ticket"`
	RequesterID      UserID       `json:"solicitante_id"`
	RequesterName    string       `json:"solicitante_nombre"`
	RequesterRole    Role         `json:"solicitante_rol"`
	ProductionOrder  string       `json:"orden_produccion"`
	Justification    string       `json:"justificacion"`
	Status           TicketStatus `json:"estado"`
	RequestedAt      time.Time    `json:"fecha_solicitud"`
	DeliveredByID    UserID       `json:"entregado_por_id,omitempty"`
	DeliveredByName  string       `json:"entregado_por_nombre,omitempty"`
	DeliveredAt      *time.Time   `json:"fecha_entrega,omitempty"`
	DeliveryComments string       `json:"comentarios_entrega,omitempty"`
	ReturnedByID     UserID       `json:"devuelto_por_id,omitempty"`
	ReturnedByName   string       `json:"devuelto_por_nombre,omitempty"`
	ReturnedAt       *time.Time   `json:"fecha_devolucion,omitempty"`
	Items            []LineItem   `json:"items"`
}

// ItemByProduct возвращает индекс позиции с данным товаром или -1
func (t *Ticket) ItemByProduct(productID int64) int {
	for i := range t.Items {
		if t.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// FullyReturned: всё выданное вернулось
func (t *Ticket) FullyReturned() bool {
	var delivered int64
	for _, it := range t.Items {
		if it.Returned != it.Delivered {
			return false
		}
		delivered += it.Delivered
	}
	return delivered > 0
}

// TicketNumber человекочитаемый номер тикета
func TicketNumber(id int64) string {
	return fmt.Sprintf("TICK-%06d", id)
}

// HistoryAction тип записи журнала
type HistoryAction string

const (
	HistoryProductCreated HistoryAction = "crear"
	HistoryProductUpdated HistoryAction = "actualizar"
	HistoryProductDeleted HistoryAction = "eliminar"
	HistoryTicketCreated  HistoryAction = "crear_ticket"
	HistoryDelivery       HistoryAction = "entrega"
	HistoryReturnGood     HistoryAction = "devolucion_buen_estado"
	HistoryReturnBad      HistoryAction = "devolucion_mal_estado"
	HistoryTicketCanceled HistoryAction = "cancelar_ticket"
)

// ReturnAction запись журнала для возврата в данном состоянии
func ReturnAction(c Condition) HistoryAction {
	if c == ConditionBad {
		return HistoryReturnBad
	}
	return HistoryReturnGood
}

// HistoryEntry запись журнала движения
type HistoryEntry struct {
	ID          uuid.UUID     `json:"id"`
	Action      HistoryAction `json:"accion"`
	ProductID   int64         `json:"producto_id,omitempty"`
	TicketID    int64         `json:"ticket_id,omitempty"`
	PreviousQty int64         `json:"cantidad_anterior"`
	NewQty      int64         `json:"cantidad_nueva"`
	UserID      UserID        `json:"usuario_id"`
	UserName    string        `json:"usuario_nombre"`
	At          time.Time     `json:"fecha"`
	Details     string        `json:"detalles,omitempty"`
}
