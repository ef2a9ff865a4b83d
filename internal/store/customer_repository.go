package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"

	"github.com/veridian-security/customer-registry-service/internal/crypto"
	"github.com/veridian-security/customer-registry-service/internal/model"
)

// List pagination bounds. Requests above MaxListLimit are clamped, not
// rejected.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// recordCacheTTL bounds how long a single customer record may live in
// Redis between write invalidations.
const recordCacheTTL = 1 * time.Hour

// fieldAppSecret is the name update results report for the secret. Callers
// send one secret field; the ciphertext and nonce columns it lands in are
// storage detail.
const fieldAppSecret = "app_secret"

type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// CustomerRepository executes paginated reads and single-row mutations of
// customer records. It holds no mutable state beyond its connections; the
// resolved column map is fixed at construction.
type CustomerRepository struct {
	db    *sql.DB
	redis RedisClient
	enc   *crypto.Encryptor
	cols  *ColumnMap
}

// NewCustomerRepository connects to the database, resolves the schema
// variant once, and wires the Redis record cache.
func NewCustomerRepository(ctx context.Context, dsn, redisAddr string, enc *crypto.Encryptor) (*CustomerRepository, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("customerRepo: parse dsn: %w", err)
	}

	db := stdlib.OpenDB(*config)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("customerRepo: ping: %w", err)
	}

	cols, err := resolveColumns(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	return &CustomerRepository{db: db, redis: rdb, enc: enc, cols: cols}, nil
}

// Close closes the database and cache connections.
func (r *CustomerRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return err
	}
	return r.redis.Close()
}

// Variant reports the schema generation the repository resolved against.
func (r *CustomerRepository) Variant() Variant { return r.cols.Variant() }

func cacheKey(id uuid.UUID) string {
	return fmt.Sprintf("customer:%s", id.String())
}

// selectList yields a stable column order regardless of variant; missing
// columns surface as typed NULLs.
func (r *CustomerRepository) selectList() string {
	return strings.Join([]string{
		r.cols.SelectExpr(FieldID, "uuid"),
		r.cols.SelectExpr(FieldTenantName, "text"),
		r.cols.SelectExpr(FieldTenantDomain, "text"),
		r.cols.SelectExpr(FieldContactEmail, "text"),
		r.cols.SelectExpr(FieldStatus, "text"),
		r.cols.SelectExpr(FieldAppRegistration, "text"),
		r.cols.SelectExpr(FieldAppSecretCipher, "bytea"),
		r.cols.SelectExpr(FieldAppSecretNonce, "bytea"),
		r.cols.SelectExpr(FieldCreatedAt, "timestamptz"),
		r.cols.SelectExpr(FieldUpdatedAt, "timestamptz"),
		r.cols.SelectExpr(FieldDeletedAt, "timestamptz"),
		r.cols.SelectExpr(FieldLastAssessment, "timestamptz"),
		r.cols.SelectExpr(FieldTotalAssessments, "integer"),
	}, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *CustomerRepository) scanCustomer(row rowScanner) (*model.Customer, error) {
	var (
		c            model.Customer
		contactEmail sql.NullString
		appReg       sql.NullString
		updatedAt    sql.NullTime
		deletedAt    sql.NullTime
		lastAssessed sql.NullTime
		totalRuns    sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.TenantName, &c.TenantDomain, &contactEmail, &c.Status,
		&appReg, &c.AppSecretCipher, &c.AppSecretNonce,
		&c.CreatedAt, &updatedAt, &deletedAt, &lastAssessed, &totalRuns,
	)
	if err != nil {
		return nil, err
	}

	c.ContactEmail = contactEmail.String
	c.AppRegistration = appReg.String
	c.UpdatedAt = c.CreatedAt
	if updatedAt.Valid {
		c.UpdatedAt = updatedAt.Time
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	if lastAssessed.Valid {
		t := lastAssessed.Time
		c.LastAssessmentAt = &t
	}
	c.TotalAssessments = int(totalRuns.Int64)
	return &c, nil
}

// List returns one page of customers ordered by creation time descending
// (identifier ascending on ties, so pagination stays stable) plus the
// total match count, in a single round trip via a window function.
func (r *CustomerRepository) List(ctx context.Context, filter model.ListFilter, limit, offset int) (*model.CustomerPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	// Soft-deleted rows stay listable: deletion is a status flip, so they
	// surface under status=inactive like any other inactive customer.
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		statusCol, _ := r.cols.Physical(FieldStatus)
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("%s = $%d", statusCol, len(args)))
	}

	query := "SELECT " + r.selectList() + ", COUNT(*) OVER() AS total FROM customers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	createdCol, _ := r.cols.Physical(FieldCreatedAt)
	idCol, _ := r.cols.Physical(FieldID)
	query += fmt.Sprintf(" ORDER BY %s DESC, %s ASC LIMIT $%d OFFSET $%d",
		createdCol, idCol, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("customerRepo.List: %w", err)
	}
	defer rows.Close()

	page := &model.CustomerPage{Items: []*model.Customer{}}
	for rows.Next() {
		var (
			c            model.Customer
			contactEmail sql.NullString
			appReg       sql.NullString
			updatedAt    sql.NullTime
			deletedAt    sql.NullTime
			lastAssessed sql.NullTime
			totalRuns    sql.NullInt64
			total        int
		)
		err := rows.Scan(
			&c.ID, &c.TenantName, &c.TenantDomain, &contactEmail, &c.Status,
			&appReg, &c.AppSecretCipher, &c.AppSecretNonce,
			&c.CreatedAt, &updatedAt, &deletedAt, &lastAssessed, &totalRuns,
			&total,
		)
		if err != nil {
			return nil, fmt.Errorf("customerRepo.List: scan: %w", err)
		}
		c.ContactEmail = contactEmail.String
		c.AppRegistration = appReg.String
		c.UpdatedAt = c.CreatedAt
		if updatedAt.Valid {
			c.UpdatedAt = updatedAt.Time
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			c.DeletedAt = &t
		}
		if lastAssessed.Valid {
			t := lastAssessed.Time
			c.LastAssessmentAt = &t
		}
		c.TotalAssessments = int(totalRuns.Int64)
		c.AppSecretCipher, c.AppSecretNonce = nil, nil
		page.Items = append(page.Items, &c)
		page.TotalCount = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("customerRepo.List: rows: %w", err)
	}

	return page, nil
}

// cachedCustomer is the Redis payload for a single record. The plaintext
// secret never leaves the process: only the ciphertext and nonce travel,
// and a cache hit decrypts them the same way a database read does.
type cachedCustomer struct {
	Customer     *model.Customer `json:"customer"`
	SecretCipher []byte          `json:"secretCipher,omitempty"`
	SecretNonce  []byte          `json:"secretNonce,omitempty"`
}

// GetByID retrieves one customer, reading through the Redis record cache.
// Cache hits and database reads return the same record, decrypted secret
// included.
func (r *CustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	key := cacheKey(id)
	if data, err := r.redis.Get(ctx, key).Result(); err == nil {
		var cached cachedCustomer
		if err := json.Unmarshal([]byte(data), &cached); err == nil && cached.Customer != nil {
			c := cached.Customer
			if len(cached.SecretCipher) > 0 && len(cached.SecretNonce) > 0 {
				secret, err := r.enc.Decrypt(cached.SecretCipher, cached.SecretNonce)
				if err != nil {
					return nil, fmt.Errorf("customerRepo.GetByID: decrypt cached secret: %w", err)
				}
				c.AppSecret = secret
			}
			return c, nil
		}
	}

	c, err := r.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}

	entry := cachedCustomer{Customer: c, SecretCipher: c.AppSecretCipher, SecretNonce: c.AppSecretNonce}
	if data, err := json.Marshal(entry); err == nil {
		r.redis.SetEx(ctx, key, data, recordCacheTTL)
	}
	return c, nil
}

func (r *CustomerRepository) getFromDB(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	idCol, _ := r.cols.Physical(FieldID)
	query := fmt.Sprintf("SELECT %s FROM customers WHERE %s = $1", r.selectList(), idCol)

	c, err := r.scanCustomer(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customerRepo.GetByID: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("customerRepo.GetByID: %w", err)
	}

	if len(c.AppSecretCipher) > 0 && len(c.AppSecretNonce) > 0 {
		secret, err := r.enc.Decrypt(c.AppSecretCipher, c.AppSecretNonce)
		if err != nil {
			return nil, fmt.Errorf("customerRepo.GetByID: decrypt secret: %w", err)
		}
		c.AppSecret = secret
	}
	return c, nil
}

// Create inserts a new customer, writing only the columns the resolved
// variant exposes.
func (r *CustomerRepository) Create(ctx context.Context, c *model.Customer) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = model.StatusActive
	}

	if c.AppSecret != "" {
		cipher, nonce, err := r.enc.Encrypt(c.AppSecret)
		if err != nil {
			return fmt.Errorf("customerRepo.Create: encrypt secret: %w", err)
		}
		c.AppSecretCipher = cipher
		c.AppSecretNonce = nonce
	}

	values := []Assignment{
		{FieldID, c.ID},
		{FieldTenantName, c.TenantName},
		{FieldTenantDomain, c.TenantDomain},
		{FieldContactEmail, c.ContactEmail},
		{FieldStatus, c.Status},
		{FieldAppRegistration, c.AppRegistration},
		{FieldAppSecretCipher, c.AppSecretCipher},
		{FieldAppSecretNonce, c.AppSecretNonce},
		{FieldCreatedAt, c.CreatedAt},
		{FieldUpdatedAt, c.UpdatedAt},
		{FieldTotalAssessments, 0},
	}

	var (
		cols         []string
		placeholders []string
		args         []interface{}
	)
	for _, v := range values {
		col, ok := r.cols.Physical(v.Field)
		if !ok {
			continue
		}
		args = append(args, v.Value)
		cols = append(cols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf("INSERT INTO customers (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("customerRepo.Create: %w", err)
	}

	r.redis.Del(ctx, cacheKey(c.ID))
	return nil
}

// Update applies a partial field set through the column map. Fields the
// variant cannot store are reported as skipped, never failed; the updated
// record reflects what actually landed.
func (r *CustomerRepository) Update(ctx context.Context, id uuid.UUID, upd model.CustomerUpdate) (*model.UpdateResult, error) {
	var assignments []Assignment
	if upd.TenantName != nil {
		assignments = append(assignments, Assignment{FieldTenantName, *upd.TenantName})
	}
	if upd.TenantDomain != nil {
		assignments = append(assignments, Assignment{FieldTenantDomain, *upd.TenantDomain})
	}
	if upd.ContactEmail != nil {
		assignments = append(assignments, Assignment{FieldContactEmail, *upd.ContactEmail})
	}
	if upd.Status != nil {
		assignments = append(assignments, Assignment{FieldStatus, *upd.Status})
	}
	if upd.AppRegistration != nil {
		assignments = append(assignments, Assignment{FieldAppRegistration, *upd.AppRegistration})
	}

	var skippedSecret bool
	if upd.AppSecret != nil {
		if r.cols.Has(FieldAppSecretCipher) && r.cols.Has(FieldAppSecretNonce) {
			cipher, nonce, err := r.enc.Encrypt(*upd.AppSecret)
			if err != nil {
				return nil, fmt.Errorf("customerRepo.Update: encrypt secret: %w", err)
			}
			assignments = append(assignments,
				Assignment{FieldAppSecretCipher, cipher},
				Assignment{FieldAppSecretNonce, nonce},
			)
		} else {
			skippedSecret = true
		}
	}

	set, args, applied, skipped := r.cols.PlanUpdate(assignments, 2)
	applied = collapseSecretFields(applied)
	if skippedSecret {
		skipped = append(skipped, fieldAppSecret)
	}

	// Setting the record back to active is the reactivation path: the
	// deletion stamp comes off so the row reads like any live customer.
	if upd.Status != nil && *upd.Status == model.StatusActive {
		if col, ok := r.cols.Physical(FieldDeletedAt); ok {
			set = append(set, col+" = NULL")
		}
	}

	// The mutable timestamp is best effort: legacy tables that lack the
	// column still take the rest of the update.
	if col, ok := r.cols.Physical(FieldUpdatedAt); ok && len(set) > 0 {
		set = append(set, col+" = now()")
	}

	if len(set) > 0 {
		where := fmt.Sprintf("%s = $1", mustCol(r.cols, FieldID))
		query := fmt.Sprintf("UPDATE customers SET %s WHERE %s", strings.Join(set, ", "), where)
		execArgs := append([]interface{}{id}, args...)

		res, err := r.db.ExecContext(ctx, query, execArgs...)
		if err != nil {
			return nil, fmt.Errorf("customerRepo.Update: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("customerRepo.Update: %w", err)
		}
		if rows == 0 {
			return nil, fmt.Errorf("customerRepo.Update: %w", model.ErrNotFound)
		}
		r.redis.Del(ctx, cacheKey(id))
	}

	updated, err := r.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(skipped) > 0 {
		log.Warn().Str("customer_id", id.String()).Strs("skipped", skipped).
			Str("variant", string(r.cols.Variant())).
			Msg("Schema variant lacks columns for some update fields")
	}

	return &model.UpdateResult{Customer: updated, Applied: applied, Skipped: skipped}, nil
}

// Delete soft-deletes a customer: the status flips to inactive, with
// deleted_at stamped for audit when the variant has it. Rows are never
// physically purged, stay listable under status=inactive, and come back
// through an explicit update to active.
func (r *CustomerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	statusCol, _ := r.cols.Physical(FieldStatus)
	set := []string{fmt.Sprintf("%s = $2", statusCol)}
	if col, ok := r.cols.Physical(FieldDeletedAt); ok {
		set = append(set, col+" = now()")
	}
	if col, ok := r.cols.Physical(FieldUpdatedAt); ok {
		set = append(set, col+" = now()")
	}

	// Deleting an already-inactive customer is a no-op the caller should
	// hear about, so the match requires a live row.
	where := fmt.Sprintf("%s = $1 AND %s != $2", mustCol(r.cols, FieldID), statusCol)

	query := fmt.Sprintf("UPDATE customers SET %s WHERE %s", strings.Join(set, ", "), where)
	res, err := r.db.ExecContext(ctx, query, id, model.StatusInactive)
	if err != nil {
		return fmt.Errorf("customerRepo.Delete: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("customerRepo.Delete: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("customerRepo.Delete: %w", model.ErrNotFound)
	}

	r.redis.Del(ctx, cacheKey(id))
	return nil
}

// RecordAssessment stamps a completed assessment on the customer: bumps
// the run counter and the last-assessment timestamp where the variant has
// the columns.
func (r *CustomerRepository) RecordAssessment(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	var set []string
	if col, ok := r.cols.Physical(FieldLastAssessment); ok {
		set = append(set, col+" = now()")
	}
	if col, ok := r.cols.Physical(FieldTotalAssessments); ok {
		set = append(set, fmt.Sprintf("%s = COALESCE(%s, 0) + 1", col, col))
	}
	if col, ok := r.cols.Physical(FieldUpdatedAt); ok {
		set = append(set, col+" = now()")
	}

	if len(set) == 0 {
		// Legacy table tracks no assessment state; verify existence only.
		return r.getFromDB(ctx, id)
	}

	where := fmt.Sprintf("%s = $1", mustCol(r.cols, FieldID))
	query := fmt.Sprintf("UPDATE customers SET %s WHERE %s", strings.Join(set, ", "), where)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("customerRepo.RecordAssessment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("customerRepo.RecordAssessment: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("customerRepo.RecordAssessment: %w", model.ErrNotFound)
	}

	r.redis.Del(ctx, cacheKey(id))
	return r.getFromDB(ctx, id)
}

// collapseSecretFields folds the two secret storage columns into the single
// field the caller asked to change, so applied/skipped lists read as a diff
// of the request.
func collapseSecretFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case FieldAppSecretCipher:
			out = append(out, fieldAppSecret)
		case FieldAppSecretNonce:
			// Folded into fieldAppSecret.
		default:
			out = append(out, f)
		}
	}
	return out
}

func mustCol(m *ColumnMap, logical string) string {
	col, ok := m.Physical(logical)
	if !ok {
		// Required fields are validated at construction.
		panic("unresolved required field: " + logical)
	}
	return col
}
