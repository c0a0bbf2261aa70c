package platform

import "testing"

func TestWithSearchPath(t *testing.T) {
	got := WithSearchPath("postgres://u:p@host/db?sslmode=disable", "tenant_acme")
	want := "postgres://u:p@host/db?sslmode=disable&search_path=tenant_acme"
	if got != want {
		t.Errorf("WithSearchPath() = %q, want %q", got, want)
	}
}
