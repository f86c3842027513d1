package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/service"
)

// SessionHandler expone el listado y la revocacion de sesiones.
type SessionHandler struct {
	logger   *zap.Logger
	sessions *service.SessionService
}

func NewSessionHandler(logger *zap.Logger, sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{
		logger:   logger,
		sessions: sessions,
	}
}

// List maneja GET /sessions. Un admin puede pasar ?user_id=.
func (h *SessionHandler) List(c *gin.Context) {
	caller, ok := GetCaller(c)
	if !ok {
		abortUnauthorized(c, domain.AuthErrorInvalidToken, "missing token")
		return
	}

	list, err := h.sessions.ListSessions(c.Request.Context(), caller, c.Query("user_id"))
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		h.logger.Error("list sessions failed", zap.String("user_id", caller.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// Revoke maneja DELETE /sessions/:id. Una sesion ajena responde igual que
// una inexistente.
func (h *SessionHandler) Revoke(c *gin.Context) {
	caller, ok := GetCaller(c)
	if !ok {
		abortUnauthorized(c, domain.AuthErrorInvalidToken, "missing token")
		return
	}

	err := h.sessions.RevokeSession(c.Request.Context(), caller, c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		h.logger.Error("revoke session failed", zap.String("user_id", caller.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not revoke session"})
	}
}

// RevokeOthers maneja DELETE /sessions.
func (h *SessionHandler) RevokeOthers(c *gin.Context) {
	caller, ok := GetCaller(c)
	if !ok {
		abortUnauthorized(c, domain.AuthErrorInvalidToken, "missing token")
		return
	}

	if _, err := h.sessions.RevokeAllOtherSessions(c.Request.Context(), caller); err != nil {
		h.logger.Error("revoke other sessions failed", zap.String("user_id", caller.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not revoke sessions"})
		return
	}
	c.Status(http.StatusNoContent)
}
