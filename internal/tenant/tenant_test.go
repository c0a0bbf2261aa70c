package tenant

import "testing"

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("SchemaName(acme) = %q, want tenant_acme", got)
	}
}

func TestSlugValidation(t *testing.T) {
	valid := []string{"acme", "a1", "devco_west", "z0123456789"}
	for _, slug := range valid {
		if !slugRegex.MatchString(slug) {
			t.Errorf("slug %q should be valid", slug)
		}
	}

	invalid := []string{
		"",
		"A",            // uppercase
		"1acme",        // must start with a letter
		"a",            // too short
		"acme-west",    // hyphens would break the schema name
		"acme.west",    // dots are SQL-significant
		"tenant_x; --", // anything SQL-significant
	}
	for _, slug := range invalid {
		if slugRegex.MatchString(slug) {
			t.Errorf("slug %q should be rejected", slug)
		}
	}
}
