package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/service"
)

const callerKey = "auth_caller"

// Authenticator valida un access token contra su sesion.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (domain.Caller, error)
}

// SessionAuthMiddleware valida el access token y la sesion que lo respalda, y
// guarda el Caller en el contexto. Los 401 llevan X-Auth-Error para que el
// cliente distinga un token vencido de uno invalido.
func SessionAuthMiddleware(auth Authenticator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if auth == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
			c.Abort()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, domain.AuthErrorInvalidToken, "missing token")
			return
		}

		caller, err := auth.Authenticate(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, service.ErrJWTExpired):
			abortUnauthorized(c, domain.AuthErrorTokenExpired, "token expired")
			return
		case errors.Is(err, service.ErrJWTInvalid):
			abortUnauthorized(c, domain.AuthErrorInvalidToken, "invalid token")
			return
		case errors.Is(err, service.ErrSessionNotFound):
			abortUnauthorized(c, domain.AuthErrorSessionInvalid, "session invalid")
			return
		default:
			logger.Error("session validation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not validate session"})
			c.Abort()
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.Header(domain.AuthErrorHeader, code)
	c.JSON(http.StatusUnauthorized, gin.H{"error": message, "code": code})
	c.Abort()
}

// GetCaller obtiene el Caller autenticado desde el contexto.
func GetCaller(c *gin.Context) (domain.Caller, bool) {
	val, ok := c.Get(callerKey)
	if !ok {
		return domain.Caller{}, false
	}
	caller, ok := val.(domain.Caller)
	return caller, ok
}
