package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"almacen/internal/domain"
	"almacen/internal/repository"
	"almacen/internal/service"
)

// ticketView тикет плюс кнопки, доступные текущему пользователю
type ticketView struct {
	domain.Ticket
	Actions []domain.Action `json:"acciones"`
}

func viewOf(t domain.Ticket, u domain.User) ticketView {
	return ticketView{Ticket: t, Actions: domain.VisibleActions(&t, u)}
}

type createTicketReq struct {
	ProductionOrder string                `json:"orden_produccion"`
	Justification   string                `json:"justificacion"`
	Items           []service.ItemRequest `json:"items"`
}

type deliverItem struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"cantidad_entregada"`
}

type deliverReq struct {
	Items    []deliverItem `json:"items"`
	Comments string        `json:"comentarios_entrega"`
}

type returnReq struct {
	Code      string           `json:"codigo"`
	Quantity  int64            `json:"cantidad"`
	Condition domain.Condition `json:"estado"`
}

// @Summary List tickets
// @Tags tickets
// @Produce json
// @Param estado query string false "Status filter"
// @Success 200 {object} map[string][]ticketView
// @Router /tickets [get]
func (s *Server) listTickets(c *gin.Context) {
	u, _ := currentUser(c)
	f := repository.TicketFilter{Status: domain.TicketStatus(c.Query("estado"))}
	list, err := s.tickets.List(c, u, f)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	out := make([]ticketView, 0, len(list))
	for _, t := range list {
		out = append(out, viewOf(t, u))
	}
	c.JSON(http.StatusOK, gin.H{"tickets": out})
}

// @Summary Get ticket
// @Tags tickets
// @Produce json
// @Param id path int true "Ticket ID"
// @Success 200 {object} ticketView
// @Failure 404 {object} map[string]string
// @Router /tickets/{id} [get]
func (s *Server) getTicket(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	u, _ := currentUser(c)
	t, err := s.tickets.Get(c, id)
	if err != nil {
		s.fail(c, err, "Ticket no encontrado")
		return
	}
	// operador видит только свои тикеты
	if u.Role == domain.RoleOperator && !domain.IsRequester(t, u) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Ticket no encontrado"})
		return
	}
	c.JSON(http.StatusOK, viewOf(*t, u))
}

// @Summary Create ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Param input body createTicketReq true "Ticket"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /tickets [post]
func (s *Server) createTicket(c *gin.Context) {
	var req createTicketReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON inválido"})
		return
	}
	u, _ := currentUser(c)
	t, err := s.tickets.Create(c, u, req.ProductionOrder, req.Justification, req.Items)
	if err != nil {
		s.fail(c, err, "Producto no encontrado")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"mensaje":       "Ticket creado exitosamente",
		"id":            t.ID,
		"numero_ticket": t.Number,
		"ticket":        viewOf(*t, u),
	})
}

// @Summary Deliver ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path int true "Ticket ID"
// @Param input body deliverReq true "Delivered quantities per line item"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /tickets/{id}/entregar [put]
func (s *Server) deliverTicket(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	var req deliverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON inválido"})
		return
	}
	qty := make(map[int64]int64, len(req.Items))
	for _, it := range req.Items {
		if it.Quantity < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "La cantidad a entregar no puede ser negativa"})
			return
		}
		if _, dup := qty[it.ItemID]; dup {
			c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("La línea %d aparece más de una vez", it.ItemID)})
			return
		}
		qty[it.ItemID] = it.Quantity
	}
	u, _ := currentUser(c)
	t, units, err := s.tickets.Deliver(c, u, id, qty, req.Comments)
	if err != nil {
		s.fail(c, err, "Ticket no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mensaje":             "Ticket entregado exitosamente",
		"numero_ticket":       t.Number,
		"unidades_entregadas": units,
		"ticket":              viewOf(*t, u),
	})
}

// @Summary Cancel ticket
// @Tags tickets
// @Produce json
// @Param id path int true "Ticket ID"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /tickets/{id}/cancelar [put]
func (s *Server) cancelTicket(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	u, _ := currentUser(c)
	t, err := s.tickets.Cancel(c, u, id)
	if err != nil {
		s.fail(c, err, "Ticket no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mensaje": "Ticket cancelado exitosamente", "ticket": viewOf(*t, u)})
}

// @Summary Return units of a delivered ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path int true "Ticket ID"
// @Param input body returnReq true "Scanned code, quantity and condition"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /tickets/{id}/devolver [post]
func (s *Server) returnTicket(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	var req returnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON inválido"})
		return
	}
	u, _ := currentUser(c)
	t, err := s.tickets.ReturnUnits(c, u, id, req.Code, req.Quantity, req.Condition)
	if err != nil {
		s.fail(c, err, "Ticket no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mensaje": "Devolución registrada exitosamente", "ticket": viewOf(*t, u)})
}
