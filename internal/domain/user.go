package domain

import (
	"strings"
	"time"
)

// Role es el rol del principal; define la politica de sesiones.
type Role string

const (
	RoleGuest         Role = "guest"
	RoleStaff         Role = "staff"
	RoleHotelEmployee Role = "hotel_employee"
	RoleVendorAdmin   Role = "vendor_admin"
	RoleAdmin         Role = "admin"
)

// NormalizeRole limpia espacios y mayusculas de un rol recibido de afuera.
func NormalizeRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// User es la vista minima del principal que expone el directorio externo.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Caller identifica a quien hace un request autenticado.
type Caller struct {
	UserID    string
	SessionID string
	Role      Role
}
