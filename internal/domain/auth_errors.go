package domain

// Codigos de error de autenticacion compartidos entre servidor y cliente.
// El cliente solo intenta un refresh reactivo ante AuthErrorTokenExpired.
const (
	AuthErrorHeader = "X-Auth-Error"

	AuthErrorTokenExpired    = "token_expired"
	AuthErrorInvalidToken    = "invalid_token"
	AuthErrorSessionInvalid  = "session_invalid"
	AuthErrorRefreshRejected = "refresh_rejected"
)
