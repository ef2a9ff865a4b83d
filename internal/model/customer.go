package model

import (
	"time"

	"github.com/google/uuid"
)

// Customer statuses. A soft-deleted customer is marked inactive and keeps
// its row; reactivation is an explicit update back to active.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Customer represents a tenant under assessment in the customers table.
type Customer struct {
	ID               uuid.UUID  `json:"id"`
	TenantName       string     `json:"tenantName"`
	TenantDomain     string     `json:"tenantDomain"`
	ContactEmail     string     `json:"contactEmail,omitempty"`
	Status           string     `json:"status"`
	AppRegistration  string     `json:"appRegistration,omitempty"`
	AppSecret        string     `json:"-"` // Plaintext (transient, not stored in DB)
	AppSecretCipher  []byte     `json:"-"` // Stored in DB
	AppSecretNonce   []byte     `json:"-"` // Stored in DB
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
	LastAssessmentAt *time.Time `json:"lastAssessmentAt,omitempty"`
	TotalAssessments int        `json:"totalAssessments"`
}

// CustomerUpdate is a partial field set for PUT-style updates. Nil pointers
// mean "leave unchanged"; present fields are applied only when the store's
// schema variant exposes a matching column.
type CustomerUpdate struct {
	TenantName      *string `json:"tenantName,omitempty"`
	TenantDomain    *string `json:"tenantDomain,omitempty"`
	ContactEmail    *string `json:"contactEmail,omitempty"`
	Status          *string `json:"status,omitempty"`
	AppRegistration *string `json:"appRegistration,omitempty"`
	AppSecret       *string `json:"appSecret,omitempty"`
}

// UpdateResult reports which requested fields reached the store. A field
// lands in Skipped when the active schema variant has no column for it;
// that is not an error (see store.DetectColumns).
type UpdateResult struct {
	Customer *Customer `json:"customer"`
	Applied  []string  `json:"appliedFields"`
	Skipped  []string  `json:"skippedFields,omitempty"`
}

// CustomerPage is one page of a customer listing plus the total match
// count, computed in the same store round trip as the rows.
type CustomerPage struct {
	Items      []*Customer `json:"items"`
	TotalCount int         `json:"totalCount"`
}

// ListFilter narrows a customer listing. An empty Status matches all.
type ListFilter struct {
	Status string
}
