package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"almacen/internal/domain"
)

const (
	sessionCookie = "session_token"
	userKey       = "usuario"
)

// Sessions сопоставляет токен сессии пользователю. Сама аутентификация
// (логин, пароли, выдача токенов) живёт вне этого сервиса.
type Sessions struct {
	byToken map[string]domain.User
}

func NewSessions(byToken map[string]domain.User) *Sessions {
	m := make(map[string]domain.User, len(byToken))
	for k, v := range byToken {
		m[k] = v
	}
	return &Sessions{byToken: m}
}

// Resolve: cookie session_token или Authorization: Bearer
func (s *Sessions) Resolve(r *http.Request) (domain.User, bool) {
	token := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if token == "" {
		return domain.User{}, false
	}
	u, ok := s.byToken[token]
	return u, ok
}

func (s *Server) identify(c *gin.Context) {
	if u, ok := s.sessions.Resolve(c.Request); ok {
		c.Set(userKey, u)
	}
	c.Next()
}

func currentUser(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return domain.User{}, false
	}
	u, ok := v.(domain.User)
	return u, ok
}

func requireUser(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "No autenticado"})
		return
	}
	c.Next()
}

func requireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := currentUser(c)
		for _, r := range roles {
			if u.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "No tiene permisos para esta acción"})
	}
}

// @Summary Check session
// @Tags auth
// @Produce json
// @Success 200 {object} authCheckResp
// @Router /auth/check [get]
func (s *Server) authCheck(c *gin.Context) {
	u, ok := currentUser(c)
	resp := authCheckResp{Authenticated: ok}
	if ok {
		resp.User = &u
	}
	c.JSON(http.StatusOK, resp)
}

type authCheckResp struct {
	Authenticated bool         `json:"autenticado"`
	User          *domain.User `json:"usuario"`
}

// @Summary Current user
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]domain.User
// @Failure 401 {object} map[string]string
// @Router /auth/me [get]
func (s *Server) authMe(c *gin.Context) {
	u, _ := currentUser(c)
	c.JSON(http.StatusOK, gin.H{"usuario": u})
}

// @Summary Logout
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string
// @Router /auth/logout [post]
func (s *Server) authLogout(c *gin.Context) {
	if u, ok := currentUser(c); ok {
		s.log.InfoContext(c, "logout", "usuario_id", int64(u.ID), "ip", c.ClientIP())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"mensaje": "Sesión cerrada exitosamente"})
}
