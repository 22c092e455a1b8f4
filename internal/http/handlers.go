package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"almacen/internal/domain"
	"almacen/internal/repository"
	"almacen/internal/service"
)

// Options настройки HTTP-слоя
type Options struct {
	// RateLimit запросов в секунду на IP, 0 без ограничения
	RateLimit float64
	Burst     int
}

type Server struct {
	engine   *gin.Engine
	products *service.ProductService
	tickets  *service.TicketService
	sessions *Sessions
	log      *slog.Logger
	limiter  *ipLimiter
}

func NewServer(products *service.ProductService, tickets *service.TicketService, sessions *Sessions, log *slog.Logger, opts Options) *Server {
	r := gin.New()
	r.Use(requestLogger(log), gin.Recovery())
	s := &Server{engine: r, products: products, tickets: tickets, sessions: sessions, log: log}
	if opts.RateLimit > 0 {
		s.limiter = newIPLimiter(opts.RateLimit, opts.Burst)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := s.engine.Group("/api", s.identify)
	if s.limiter != nil {
		api.Use(s.limiter.middleware())
	}
	{
		auth := api.Group("/auth")
		auth.GET("/check", s.authCheck)
		auth.GET("/me", requireUser, s.authMe)
		auth.POST("/logout", s.authLogout)

		products := api.Group("/productos", requireUser)
		products.GET("", s.listProducts)
		products.POST("/buscar", s.findProduct)
		products.GET("/:id", s.getProduct)
		products.GET("/:id/qr", s.getProductQR)
		products.POST("", requireRole(domain.RoleAdmin), s.createProduct)
		products.PUT("/:id", requireRole(domain.RoleAdmin), s.updateProduct)
		products.DELETE("/:id", requireRole(domain.RoleAdmin), s.deleteProduct)

		tickets := api.Group("/tickets", requireUser)
		tickets.GET("", s.listTickets)
		tickets.POST("", s.createTicket)
		tickets.GET("/:id", s.getTicket)
		tickets.PUT("/:id/entregar", s.deliverTicket)
		tickets.PUT("/:id/cancelar", s.cancelTicket)
		tickets.POST("/:id/devolver", s.returnTicket)

		api.GET("/historial", requireUser, s.listHistory)
		api.GET("/estadisticas", requireUser, s.stats)
	}
}

// Product handlers
type productReq struct {
	Name        string          `json:"nombre"`
	Description string          `json:"descripcion"`
	Quantity    int64           `json:"cantidad"`
	MinQuantity int64           `json:"cantidad_minima"`
	Location    string          `json:"ubicacion"`
	Category    string          `json:"categoria"`
	UnitPrice   decimal.Decimal `json:"precio_unitario"`
	Barcode     string          `json:"codigo_barras"`
}

func (r productReq) toDomain(id int64) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        r.Name,
		Description: r.Description,
		Quantity:    r.Quantity,
		MinQuantity: r.MinQuantity,
		Location:    r.Location,
		Category:    r.Category,
		UnitPrice:   r.UnitPrice,
		Barcode:     r.Barcode,
	}
}

// @Summary Create product
// @Tags productos
// @Accept json
// @Produce json
// @Param input body productReq true "Product"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /productos [post]
func (s *Server) createProduct(c *gin.Context) {
	var req productReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON inválido"})
		return
	}
	u, _ := currentUser(c)
	p, err := s.products.Create(c, u, req.toDomain(0))
	if err != nil {
		s.fail(c, err, "Herramienta no encontrada")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mensaje": "Herramienta creada exitosamente", "id": p.ID, "producto": p})
}

// @Summary Get product by id
// @Tags productos
// @Produce json
// @Param id path int true "Product ID"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /productos/{id} [get]
func (s *Server) getProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	p, err := s.products.GetByID(c, id)
	if err != nil {
		s.fail(c, err, "Herramienta no encontrada")
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary Product QR payload
// @Tags productos
// @Produce json
// @Param id path int true "Product ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /productos/{id}/qr [get]
func (s *Server) getProductQR(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	p, err := s.products.GetByID(c, id)
	if err != nil {
		s.fail(c, err, "Producto no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr": domain.QRPayload(*p)})
}

// @Summary Update product
// @Tags productos
// @Accept json
// @Produce json
// @Param id path int true "Product ID"
// @Param input body productReq true "Update"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /productos/{id} [put]
func (s *Server) updateProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	var req productReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON inválido"})
		return
	}
	u, _ := currentUser(c)
	p, err := s.products.Update(c, u, req.toDomain(id))
	if err != nil {
		s.fail(c, err, "Producto no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mensaje": "Herramienta actualizada exitosamente", "producto": p})
}

// @Summary Delete product
// @Tags productos
// @Param id path int true "Product ID"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /productos/{id} [delete]
func (s *Server) deleteProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "id inválido"})
		return
	}
	u, _ := currentUser(c)
	if err := s.products.Delete(c, u, id); err != nil {
		s.fail(c, err, "Herramienta no encontrada")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mensaje": "Herramienta eliminada exitosamente"})
}

// @Summary List products
// @Tags productos
// @Produce json
// @Param q query string false "Text search"
// @Param categoria query string false "Category"
// @Param stock_bajo query bool false "Only low stock"
// @Success 200 {object} map[string][]domain.Product
// @Router /productos [get]
func (s *Server) listProducts(c *gin.Context) {
	f := repository.ProductFilter{
		Query:    c.Query("q"),
		Category: c.Query("categoria"),
	}
	if v := c.Query("stock_bajo"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.LowStock = b
		}
	}
	list, err := s.products.List(c, f)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"productos": list})
}

type findProductReq struct {
	Code string `json:"codigo" binding:"required"`
}

// @Summary Find product by scanned code
// @Tags productos
// @Accept json
// @Produce json
// @Param input body findProductReq true "Scanned code"
// @Success 200 {object} map[string]domain.Product
// @Failure 404 {object} map[string]string
// @Router /productos/buscar [post]
func (s *Server) findProduct(c *gin.Context) {
	var req findProductReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "El código es obligatorio"})
		return
	}
	p, err := s.products.FindByScanCode(c, req.Code)
	if err != nil {
		s.fail(c, err, "Producto no encontrado")
		return
	}
	c.JSON(http.StatusOK, gin.H{"producto": p})
}

// @Summary History
// @Tags historial
// @Produce json
// @Param limit query int false "Max entries (default 100)"
// @Success 200 {object} map[string][]domain.HistoryEntry
// @Router /historial [get]
func (s *Server) listHistory(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.products.History(c, limit)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"historial": list})
}

// @Summary Warehouse statistics
// @Tags estadisticas
// @Produce json
// @Success 200 {object} service.Stats
// @Router /estadisticas [get]
func (s *Server) stats(c *gin.Context) {
	st, err := s.products.Stats(c)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, st)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case domain.IsAuthorization(err):
		return http.StatusForbidden
	case domain.IsInvalidTransition(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail отдаёт {"detail": ...}; текст доменных ошибок уходит пользователю без изменений
func (s *Server) fail(c *gin.Context, err error, notFound string) {
	status := mapErrorToStatus(err)
	detail := err.Error()
	switch status {
	case http.StatusNotFound:
		if notFound != "" {
			detail = notFound
		}
	case http.StatusInternalServerError:
		s.log.ErrorContext(c, "request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		detail = "Error interno del servidor"
	}
	c.JSON(status, gin.H{"detail": detail})
}
