package api_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-security/customer-registry-service/internal/api"
	"github.com/veridian-security/customer-registry-service/internal/cache"
	"github.com/veridian-security/customer-registry-service/internal/model"
)

// ---------------------------------------------------------------------------
// Mock CustomerStore
// ---------------------------------------------------------------------------

type mockStore struct {
	getByIDFunc          func(ctx context.Context, id uuid.UUID) (*model.Customer, error)
	createFunc           func(ctx context.Context, c *model.Customer) error
	updateFunc           func(ctx context.Context, id uuid.UUID, upd model.CustomerUpdate) (*model.UpdateResult, error)
	deleteFunc           func(ctx context.Context, id uuid.UUID) error
	recordAssessmentFunc func(ctx context.Context, id uuid.UUID) (*model.Customer, error)
}

func (m *mockStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockStore) Create(ctx context.Context, c *model.Customer) error {
	return m.createFunc(ctx, c)
}

func (m *mockStore) Update(ctx context.Context, id uuid.UUID, upd model.CustomerUpdate) (*model.UpdateResult, error) {
	return m.updateFunc(ctx, id, upd)
}

func (m *mockStore) Delete(ctx context.Context, id uuid.UUID) error {
	return m.deleteFunc(ctx, id)
}

func (m *mockStore) RecordAssessment(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	return m.recordAssessmentFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock ListCache
// ---------------------------------------------------------------------------

type mockLists struct {
	getFunc     func(ctx context.Context, key cache.Key) (*model.CustomerPage, error)
	lastKey     cache.Key
	invalidated int
}

func (m *mockLists) Get(ctx context.Context, key cache.Key) (*model.CustomerPage, error) {
	m.lastKey = key
	return m.getFunc(ctx, key)
}

func (m *mockLists) InvalidateAll() { m.invalidated++ }

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

func principalHeader() string {
	return base64.StdEncoding.EncodeToString([]byte(
		`{"identityProvider":"aad","userId":"u-1","userDetails":"analyst@veridian.example","userRoles":["authenticated"]}`))
}

func doRequest(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("x-ms-client-principal", principalHeader())
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func samplePage(n int) *model.CustomerPage {
	items := make([]*model.Customer, 0, n)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		items = append(items, &model.Customer{
			ID:           uuid.MustParse(uuidForIndex(i)),
			TenantName:   "Tenant",
			TenantDomain: "tenant.onmicrosoft.com",
			Status:       model.StatusActive,
			CreatedAt:    base.Add(-time.Duration(i) * time.Hour),
			UpdatedAt:    base.Add(-time.Duration(i) * time.Hour),
		})
	}
	return &model.CustomerPage{Items: items, TotalCount: n}
}

func uuidForIndex(i int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(i)}).String()
}

func newTestRouter(st api.CustomerStore, lists api.ListCache) http.Handler {
	return api.NewRouter(api.NewHandler(st, lists), nil)
}
