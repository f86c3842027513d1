package service

import (
	"time"

	"session-lifecycle/internal/domain"
)

// SessionPolicy son los limites de sesion de un rol.
type SessionPolicy struct {
	Timeout        time.Duration
	MaxSessions    int
	Administrative bool
}

// PolicyTable resuelve rol -> politica. Es una funcion total sobre un
// conjunto cerrado de roles: un rol desconocido cae en la politica mas
// restrictiva definida, nunca en "ilimitado".
type PolicyTable struct {
	policies    map[domain.Role]SessionPolicy
	restrictive SessionPolicy
}

// DefaultPolicies es la tabla de produccion. Agregar un rol es agregar una fila.
var DefaultPolicies = map[domain.Role]SessionPolicy{
	domain.RoleGuest:         {Timeout: 24 * time.Hour, MaxSessions: 5},
	domain.RoleStaff:         {Timeout: 12 * time.Hour, MaxSessions: 3},
	domain.RoleHotelEmployee: {Timeout: 12 * time.Hour, MaxSessions: 3},
	domain.RoleVendorAdmin:   {Timeout: 8 * time.Hour, MaxSessions: 3},
	domain.RoleAdmin:         {Timeout: 4 * time.Hour, MaxSessions: 2, Administrative: true},
}

// NewPolicyTable copia la tabla y precalcula la politica de fallback.
// Filas con timeout o cap no positivos se descartan.
func NewPolicyTable(policies map[domain.Role]SessionPolicy) *PolicyTable {
	t := &PolicyTable{policies: make(map[domain.Role]SessionPolicy, len(policies))}
	first := true
	for role, p := range policies {
		if p.Timeout <= 0 || p.MaxSessions <= 0 {
			continue
		}
		t.policies[domain.NormalizeRole(string(role))] = p
		if first || moreRestrictive(p, t.restrictive) {
			t.restrictive = p
			first = false
		}
	}
	if first {
		t.restrictive = SessionPolicy{Timeout: 15 * time.Minute, MaxSessions: 1}
	}
	// El fallback nunca concede permisos administrativos.
	t.restrictive.Administrative = false
	return t
}

func moreRestrictive(a, b SessionPolicy) bool {
	if a.MaxSessions != b.MaxSessions {
		return a.MaxSessions < b.MaxSessions
	}
	return a.Timeout < b.Timeout
}

// Policy devuelve la politica del rol o la mas restrictiva si no existe.
func (t *PolicyTable) Policy(role domain.Role) SessionPolicy {
	if p, ok := t.policies[domain.NormalizeRole(string(role))]; ok {
		return p
	}
	return t.restrictive
}

func (t *PolicyTable) Timeout(role domain.Role) time.Duration {
	return t.Policy(role).Timeout
}

func (t *PolicyTable) MaxSessions(role domain.Role) int {
	return t.Policy(role).MaxSessions
}

func (t *PolicyTable) IsAdministrative(role domain.Role) bool {
	return t.Policy(role).Administrative
}
