package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Variant names the generation of column names a customers table exposes.
// It is detected from the table itself, never configured.
type Variant string

const (
	VariantCurrent Variant = "current"
	VariantLegacy  Variant = "legacy"
)

// Logical field names used by the repository. The adapter resolves each to
// a physical column independently, so a table may sit between generations.
const (
	FieldID               = "id"
	FieldTenantName       = "tenant_name"
	FieldTenantDomain     = "tenant_domain"
	FieldContactEmail     = "contact_email"
	FieldStatus           = "status"
	FieldAppRegistration  = "app_registration"
	FieldAppSecretCipher  = "app_secret_ciphertext"
	FieldAppSecretNonce   = "app_secret_nonce"
	FieldCreatedAt        = "created_at"
	FieldUpdatedAt        = "updated_at"
	FieldDeletedAt        = "deleted_at"
	FieldLastAssessment   = "last_assessment_at"
	FieldTotalAssessments = "total_assessments"
)

// columnCandidates lists physical column names per logical field, current
// generation first. Fields with a single candidate exist only in the
// current variant and are optional unless listed in requiredFields.
var columnCandidates = map[string][]string{
	FieldID:               {"id"},
	FieldTenantName:       {"tenant_name", "name", "display_name"},
	FieldTenantDomain:     {"tenant_domain", "domain"},
	FieldContactEmail:     {"contact_email"},
	FieldStatus:           {"status"},
	FieldAppRegistration:  {"app_registration"},
	FieldAppSecretCipher:  {"app_secret_ciphertext"},
	FieldAppSecretNonce:   {"app_secret_nonce"},
	FieldCreatedAt:        {"created_at"},
	FieldUpdatedAt:        {"updated_at"},
	FieldDeletedAt:        {"deleted_at"},
	FieldLastAssessment:   {"last_assessment_at"},
	FieldTotalAssessments: {"total_assessments"},
}

// requiredFields must resolve in every known variant. A table missing one
// is not a supported customers table, and the repository refuses to start
// against it rather than degrading request by request.
var requiredFields = []string{FieldID, FieldTenantName, FieldTenantDomain, FieldStatus, FieldCreatedAt}

// ColumnMap is the resolved logical-to-physical column mapping for one
// customers table. Resolved once per repository lifetime.
type ColumnMap struct {
	columns map[string]string
	variant Variant
}

// DetectColumns maps logical fields onto the physical column set reported
// by the store, preferring current-generation names and falling back to
// legacy names per field. Unresolvable optional fields are simply absent
// from the map; unresolvable required fields are an error.
func DetectColumns(physical []string) (*ColumnMap, error) {
	present := make(map[string]bool, len(physical))
	for _, c := range physical {
		present[strings.ToLower(c)] = true
	}

	m := &ColumnMap{columns: make(map[string]string), variant: VariantCurrent}
	for logical, candidates := range columnCandidates {
		for i, candidate := range candidates {
			if present[candidate] {
				m.columns[logical] = candidate
				if i > 0 {
					m.variant = VariantLegacy
				}
				break
			}
		}
	}

	for _, f := range requiredFields {
		if _, ok := m.columns[f]; ok {
			continue
		}
		return nil, fmt.Errorf("customers table exposes no column for required field %q", f)
	}

	return m, nil
}

// resolveColumns probes information_schema for the customers table and
// detects the schema variant.
func resolveColumns(ctx context.Context, db *sql.DB) (*ColumnMap, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = 'customers' AND table_schema = current_schema()`)
	if err != nil {
		return nil, fmt.Errorf("resolveColumns: probe: %w", err)
	}
	defer rows.Close()

	var physical []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("resolveColumns: scan: %w", err)
		}
		physical = append(physical, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolveColumns: rows: %w", err)
	}

	m, err := DetectColumns(physical)
	if err != nil {
		return nil, err
	}
	log.Info().Str("variant", string(m.variant)).Int("columns", len(physical)).
		Msg("Resolved customers schema variant")
	return m, nil
}

// Variant reports which generation the mapping resolved to. Legacy means
// at least one field fell back to a legacy column name.
func (m *ColumnMap) Variant() Variant { return m.variant }

// Physical returns the physical column for a logical field, if the table
// has one.
func (m *ColumnMap) Physical(logical string) (string, bool) {
	col, ok := m.columns[logical]
	return col, ok
}

// Has reports whether the table exposes a column for the logical field.
func (m *ColumnMap) Has(logical string) bool {
	_, ok := m.columns[logical]
	return ok
}

// SelectExpr returns the physical column for SELECT lists, or a typed NULL
// when the variant lacks the field, so scans see a consistent shape.
func (m *ColumnMap) SelectExpr(logical, sqlType string) string {
	if col, ok := m.columns[logical]; ok {
		return col
	}
	return "NULL::" + sqlType
}

// Assignment pairs a logical field with the value an update wants to set.
type Assignment struct {
	Field string
	Value interface{}
}

// PlanUpdate turns requested assignments into SET clauses against the
// resolved mapping. Fields without a physical column are skipped and
// reported, never failed: losing an optional write is acceptable, failing
// the rest of the update is not. Placeholders start at $firstArg.
func (m *ColumnMap) PlanUpdate(assignments []Assignment, firstArg int) (set []string, args []interface{}, applied []string, skipped []string) {
	n := firstArg
	for _, a := range assignments {
		col, ok := m.columns[a.Field]
		if !ok {
			skipped = append(skipped, a.Field)
			continue
		}
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, a.Value)
		applied = append(applied, a.Field)
		n++
	}
	return set, args, applied, skipped
}
