package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/infobot/infobot/pkg/models"
)

// PostgresStore implements Store on top of PostgreSQL via pgx.
// Connection URL comes from DATABASE_URL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates all tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			full_name   TEXT NOT NULL DEFAULT '',
			username    TEXT NOT NULL DEFAULT '',
			phone       TEXT NOT NULL DEFAULT '',
			llm_model   TEXT NOT NULL DEFAULT '',
			llm_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS llm_usage (
			user_id TEXT PRIMARY KEY REFERENCES users (id),
			used    INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
			"limit" INTEGER NOT NULL DEFAULT 10
		);

		CREATE TABLE IF NOT EXISTS llm_config (
			id      SMALLINT PRIMARY KEY CHECK (id = 1),
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS llm_requests (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users (id),
			prompt     TEXT NOT NULL,
			response   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_llm_requests_user ON llm_requests (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS llm_models (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS logs (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS feedbacks (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users (id),
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS user_images (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users (id),
			image_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS categories (
			id            BIGSERIAL PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			description   TEXT NOT NULL DEFAULT '',
			display_order INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS subtopics (
			id            BIGSERIAL PRIMARY KEY,
			category_id   BIGINT NOT NULL REFERENCES categories (id),
			name          TEXT NOT NULL,
			content       TEXT NOT NULL DEFAULT '',
			media_path    TEXT NOT NULL DEFAULT '',
			display_order INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_subtopics_category ON subtopics (category_id, display_order, id);
	`

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Profiles ────────────────────────────────────────────────

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.pool.QueryRow(ctx,
		`SELECT id, full_name, username, phone, llm_model, llm_enabled, created_at
		 FROM users WHERE id = $1`, userID).
		Scan(&p.ID, &p.FullName, &p.Username, &p.Phone, &p.LLMModel, &p.LLMEnabled, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "profile", Key: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile *models.UserProfile) error {
	// First contact: insert with defaults. Later contacts only refresh the
	// transport-provided identity fields, never the admin-managed LLM fields.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, full_name, username, phone, llm_model, llm_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			username  = EXCLUDED.username,
			phone     = EXCLUDED.phone`,
		profile.ID, profile.FullName, profile.Username, profile.Phone,
		profile.LLMModel, profile.LLMEnabled)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, offset, limit int) ([]models.UserProfile, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, full_name, username, phone, llm_model, llm_enabled, created_at
		 FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []models.UserProfile
	for rows.Next() {
		var p models.UserProfile
		if err := rows.Scan(&p.ID, &p.FullName, &p.Username, &p.Phone, &p.LLMModel, &p.LLMEnabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountProfiles(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SetProfileModel(ctx context.Context, userID, model string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET llm_model = $2 WHERE id = $1`, userID, model)
	if err != nil {
		return fmt.Errorf("set profile model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "profile", Key: userID}
	}
	return nil
}

func (s *PostgresStore) SetProfileLLMEnabled(ctx context.Context, userID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET llm_enabled = $2 WHERE id = $1`, userID, enabled)
	if err != nil {
		return fmt.Errorf("set profile llm_enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "profile", Key: userID}
	}
	return nil
}

// ── Quotas ──────────────────────────────────────────────────

func (s *PostgresStore) GetQuota(ctx context.Context, userID string) (*models.Quota, error) {
	var q models.Quota
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, used, "limit" FROM llm_usage WHERE user_id = $1`, userID).
		Scan(&q.UserID, &q.Used, &q.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "quota", Key: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) EnsureQuota(ctx context.Context, userID string, defaultLimit int) (*models.Quota, error) {
	// ON CONFLICT DO NOTHING makes concurrent ensures create at most one row.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_usage (user_id, used, "limit") VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("ensure quota: %w", err)
	}
	return s.GetQuota(ctx, userID)
}

func (s *PostgresStore) ConsumeQuota(ctx context.Context, userID string) (bool, error) {
	// Single guarded UPDATE: the row lock serializes concurrent consumes,
	// so used can never pass the limit.
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_usage SET used = used + 1 WHERE user_id = $1 AND used < "limit"`, userID)
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// No row updated: either exhausted or missing.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM llm_usage WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	if !exists {
		return false, &ErrNotFound{Entity: "quota", Key: userID}
	}
	return false, nil
}

func (s *PostgresStore) ReleaseQuota(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_usage SET used = GREATEST(used - 1, 0) WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "quota", Key: userID}
	}
	return nil
}

func (s *PostgresStore) SetQuotaLimit(ctx context.Context, userID string, limit int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_usage (user_id, used, "limit") VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO UPDATE SET "limit" = EXCLUDED."limit"`, userID, limit)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

// ── Global Switch ───────────────────────────────────────────

func (s *PostgresStore) GetGlobalSwitch(ctx context.Context) (bool, error) {
	// Materialize the singleton row as enabled on first read.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_config (id, enabled) VALUES (1, TRUE) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("init global switch: %w", err)
	}

	var enabled bool
	if err := s.pool.QueryRow(ctx, `SELECT enabled FROM llm_config WHERE id = 1`).Scan(&enabled); err != nil {
		return false, fmt.Errorf("get global switch: %w", err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetGlobalSwitch(ctx context.Context, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_config (id, enabled) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled`, enabled)
	if err != nil {
		return fmt.Errorf("set global switch: %w", err)
	}
	return nil
}

// ── Exchanges ───────────────────────────────────────────────

func (s *PostgresStore) AppendExchange(ctx context.Context, exchange *models.Exchange) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO llm_requests (user_id, prompt, response)
		 VALUES ($1, $2, $3) RETURNING id, created_at`,
		exchange.UserID, exchange.Prompt, exchange.Response).
		Scan(&exchange.ID, &exchange.CreatedAt)
	if err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExchanges(ctx context.Context, userID string, limit int) ([]models.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, prompt, response, created_at
		 FROM llm_requests WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []models.Exchange
	for rows.Next() {
		var e models.Exchange
		if err := rows.Scan(&e.ID, &e.UserID, &e.Prompt, &e.Response, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExchangesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM llm_requests WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete exchanges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Audit / Feedback / Images ───────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, userID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (user_id, message) VALUES ($1, $2)`, userID, message)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendFeedback(ctx context.Context, userID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedbacks (user_id, message) VALUES ($1, $2)`, userID, message)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendImage(ctx context.Context, userID, path string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_images (user_id, image_path) VALUES ($1, $2)`, userID, path)
	if err != nil {
		return fmt.Errorf("append image: %w", err)
	}
	return nil
}

// ── Model Catalog ───────────────────────────────────────────

func (s *PostgresStore) ListModels(ctx context.Context) ([]models.LLMModel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description FROM llm_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []models.LLMModel
	for rows.Next() {
		var m models.LLMModel
		if err := rows.Scan(&m.ID, &m.Name, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModelByName(ctx context.Context, name string) (*models.LLMModel, error) {
	var m models.LLMModel
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description FROM llm_models WHERE LOWER(name) = LOWER($1)`, name).
		Scan(&m.ID, &m.Name, &m.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, model *models.LLMModel) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO llm_models (name, description) VALUES ($1, $2) RETURNING id`,
		model.Name, model.Description).Scan(&model.ID)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "model", Key: model.Name}
	}
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	return nil
}

// ── Content Tree ────────────────────────────────────────────

func (s *PostgresStore) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, display_order
		 FROM categories ORDER BY display_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.DisplayOrder); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	var c models.Category
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, display_order FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Description, &c.DisplayOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "category", Key: idKey(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetCategoryByName(ctx context.Context, name string) (*models.Category, error) {
	var c models.Category
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, display_order FROM categories WHERE name = $1`, name).
		Scan(&c.ID, &c.Name, &c.Description, &c.DisplayOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "category", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get category by name: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListSubtopics(ctx context.Context, categoryID int64) ([]models.Subtopic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, category_id, name, content, media_path, display_order
		 FROM subtopics WHERE category_id = $1 ORDER BY display_order, id`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list subtopics: %w", err)
	}
	defer rows.Close()

	var out []models.Subtopic
	for rows.Next() {
		var st models.Subtopic
		if err := rows.Scan(&st.ID, &st.CategoryID, &st.Name, &st.Content, &st.MediaPath, &st.DisplayOrder); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSubtopic(ctx context.Context, id int64) (*models.Subtopic, error) {
	var st models.Subtopic
	err := s.pool.QueryRow(ctx,
		`SELECT id, category_id, name, content, media_path, display_order
		 FROM subtopics WHERE id = $1`, id).
		Scan(&st.ID, &st.CategoryID, &st.Name, &st.Content, &st.MediaPath, &st.DisplayOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "subtopic", Key: idKey(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get subtopic: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) CreateCategory(ctx context.Context, category *models.Category) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO categories (name, description, display_order)
		 VALUES ($1, $2, $3) RETURNING id`,
		category.Name, category.Description, category.DisplayOrder).Scan(&category.ID)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "category", Key: category.Name}
	}
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSubtopic(ctx context.Context, subtopic *models.Subtopic) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subtopics (category_id, name, content, media_path, display_order)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		subtopic.CategoryID, subtopic.Name, subtopic.Content, subtopic.MediaPath, subtopic.DisplayOrder).
		Scan(&subtopic.ID)
	if err != nil {
		return fmt.Errorf("create subtopic: %w", err)
	}
	return nil
}

func idKey(id int64) string {
	return fmt.Sprintf("%d", id)
}
