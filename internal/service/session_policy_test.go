package service

import (
	"testing"
	"time"

	"session-lifecycle/internal/domain"
)

func TestPolicyTable_KnownRoles(t *testing.T) {
	table := NewPolicyTable(DefaultPolicies)

	if got := table.MaxSessions(domain.RoleGuest); got != 5 {
		t.Fatalf("expected guest max 5, got %d", got)
	}
	if got := table.Timeout(domain.RoleGuest); got != 24*time.Hour {
		t.Fatalf("expected guest timeout 24h, got %v", got)
	}
	if !table.IsAdministrative(domain.RoleAdmin) {
		t.Fatalf("expected admin to be administrative")
	}
	if table.IsAdministrative(domain.RoleStaff) {
		t.Fatalf("staff must not be administrative")
	}
	if got := table.MaxSessions(" GUEST "); got != 5 {
		t.Fatalf("expected normalized role lookup, got %d", got)
	}
}

func TestPolicyTable_UnknownRoleFailsClosed(t *testing.T) {
	table := NewPolicyTable(DefaultPolicies)

	p := table.Policy("root")
	if p.MaxSessions != 2 || p.Timeout != 4*time.Hour {
		t.Fatalf("expected most restrictive policy, got %+v", p)
	}
	if p.Administrative {
		t.Fatalf("fallback policy must never be administrative")
	}
	for role, defined := range DefaultPolicies {
		if p.MaxSessions > defined.MaxSessions {
			t.Fatalf("fallback allows more sessions than %s", role)
		}
	}
}

func TestPolicyTable_TieBreaksOnTimeoutAndSkipsInvalidRows(t *testing.T) {
	table := NewPolicyTable(map[domain.Role]SessionPolicy{
		"a":   {Timeout: 2 * time.Hour, MaxSessions: 1},
		"b":   {Timeout: time.Hour, MaxSessions: 1},
		"bad": {Timeout: 0, MaxSessions: 0},
	})
	if got := table.Timeout("unknown"); got != time.Hour {
		t.Fatalf("expected shortest timeout on tie, got %v", got)
	}
	if got := table.MaxSessions("bad"); got != 1 {
		t.Fatalf("invalid row should resolve to fallback, got %d", got)
	}
}

func TestPolicyTable_EmptyTableStillBounded(t *testing.T) {
	table := NewPolicyTable(nil)
	if table.MaxSessions(domain.RoleGuest) != 1 || table.Timeout(domain.RoleGuest) <= 0 {
		t.Fatalf("empty table must still return a bounded policy")
	}
}
