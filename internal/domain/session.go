package domain

import "time"

// SessionStatus indica si una sesion sigue autorizando requests.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionInvalidated SessionStatus = "invalidated"
)

// InvalidationReason explica por que una sesion dejo de estar activa.
type InvalidationReason string

const (
	ReasonUserLogout          InvalidationReason = "user_logout"
	ReasonAdminRevoke         InvalidationReason = "admin_revoke"
	ReasonMaxSessionsExceeded InvalidationReason = "max_sessions_exceeded"
	ReasonExpired             InvalidationReason = "expired"
)

// Valid reporta si la razon pertenece al conjunto cerrado de razones.
func (r InvalidationReason) Valid() bool {
	switch r {
	case ReasonUserLogout, ReasonAdminRevoke, ReasonMaxSessionsExceeded, ReasonExpired:
		return true
	}
	return false
}

// Session es el registro autoritativo de un dispositivo autenticado.
type Session struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Role               Role               `json:"role"`
	DeviceInfo         string             `json:"device_info"`
	IPAddress          string             `json:"ip_address"`
	UserAgent          string             `json:"user_agent"`
	CreatedAt          time.Time          `json:"created_at"`
	LastActivityAt     time.Time          `json:"last_activity_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
	Status             SessionStatus      `json:"status"`
	InvalidationReason InvalidationReason `json:"invalidation_reason,omitempty"`
	InvalidatedAt      *time.Time         `json:"invalidated_at,omitempty"`
}

// DeviceMetadata agrupa los datos descriptivos que el store no interpreta.
type DeviceMetadata struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// IsActive es true si la sesion no fue invalidada y no vencio en now.
func (s Session) IsActive(now time.Time) bool {
	return s.Status == SessionActive && !now.After(s.ExpiresAt)
}

// Remaining devuelve el tiempo que le queda a la sesion antes de vencer.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Invalidated devuelve una copia de la sesion en estado terminal.
func (s Session) Invalidated(reason InvalidationReason, at time.Time) Session {
	s.Status = SessionInvalidated
	s.InvalidationReason = reason
	at = at.UTC()
	s.InvalidatedAt = &at
	return s
}
