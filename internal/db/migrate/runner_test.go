package migrate

import "testing"

func TestRunRejectsBadInput(t *testing.T) {
	if err := Run("", "up"); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if err := Run("postgres://localhost/x", "sideways"); err == nil {
		t.Fatalf("expected error for unknown direction")
	}
}
