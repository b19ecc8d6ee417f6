package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "postbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postColumns = `id, user_id, account_id, content, scheduled_at, status, image_url,
	geo_lat, geo_lng, geo_place_id, location, external_id, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (Post, error) {
	var (
		p                                        Post
		scheduled, created, updated              int64
		image, placeID, location, extID, lastErr sql.NullString
		lat, lng                                 sql.NullFloat64
		status                                   string
	)
	if err := r.Scan(&p.ID, &p.UserID, &p.AccountID, &p.Content, &scheduled, &status, &image,
		&lat, &lng, &placeID, &location, &extID, &lastErr, &created, &updated); err != nil {
		return Post{}, err
	}
	p.Status = Status(status)
	p.ScheduledAt = time.UnixMilli(scheduled).UTC()
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	p.ImageURL = image.String
	p.Location = location.String
	p.ExternalID = extID.String
	p.LastError = lastErr.String
	if lat.Valid || lng.Valid || placeID.String != "" {
		p.Geo = &Geo{Lat: lat.Float64, Lng: lng.Float64, PlaceID: placeID.String}
	}
	return p, nil
}

func geoArgs(g *Geo) (lat, lng, placeID any) {
	if g == nil {
		return nil, nil, nil
	}
	return g.Lat, g.Lng, nullStr(g.PlaceID)
}

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) CreatePost(ctx context.Context, p Post) (Post, error) {
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = StatusScheduled
	}
	p.ScheduledAt = p.ScheduledAt.UTC()
	p.CreatedAt = now.Truncate(time.Millisecond)
	p.UpdatedAt = p.CreatedAt
	lat, lng, placeID := geoArgs(p.Geo)

	var idArg any
	if p.ID != 0 {
		idArg = p.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(id, user_id, account_id, content, scheduled_at, status, image_url,
			geo_lat, geo_lng, geo_place_id, location, external_id, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		idArg, p.UserID, p.AccountID, p.Content, p.ScheduledAt.UnixMilli(), string(p.Status), nullStr(p.ImageURL),
		lat, lng, placeID, nullStr(p.Location), nullStr(p.ExternalID), nullStr(p.LastError),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Post{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Post{}, err
	}
	p.ID = id
	return s.GetPost(ctx, id)
}

func (s *sqliteStore) UpdatePost(ctx context.Context, p Post) (Post, error) {
	lat, lng, placeID := geoArgs(p.Geo)
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET account_id=?, content=?, scheduled_at=?, image_url=?, geo_lat=?, geo_lng=?,
			geo_place_id=?, location=?, status=COALESCE(?, status), updated_at=?
		 WHERE id=?`,
		p.AccountID, p.Content, p.ScheduledAt.UTC().UnixMilli(), nullStr(p.ImageURL), lat, lng,
		placeID, nullStr(p.Location), nullStr(string(p.Status)), time.Now().UTC().UnixMilli(), p.ID,
	)
	if err := affectedOne(res, err, "post", p.ID); err != nil {
		return Post{}, err
	}
	return s.GetPost(ctx, p.ID)
}

func (s *sqliteStore) DeletePost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, id)
	return affectedOne(res, err, "post", id)
}

func (s *sqliteStore) UpdatePostStatus(ctx context.Context, id int64, status Status, externalID, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, external_id=COALESCE(?, external_id), last_error=?, updated_at=? WHERE id=?`,
		string(status), nullStr(externalID), nullStr(lastError), time.Now().UTC().UnixMilli(), id,
	)
	return affectedOne(res, err, "post", id)
}

func (s *sqliteStore) FindPostsByStatus(ctx context.Context, statuses ...Status) ([]Post, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) +
		`) ORDER BY scheduled_at ASC, id ASC`
	return s.queryPosts(ctx, q, args...)
}

func (s *sqliteStore) FindDuePosts(ctx context.Context, status Status, before time.Time) ([]Post, error) {
	return s.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC, id ASC`,
		string(status), before.UTC().UnixMilli(),
	)
}

func (s *sqliteStore) ListPosts(ctx context.Context, userID int64) ([]Post, error) {
	return s.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = ? ORDER BY scheduled_at ASC, id ASC`, userID)
}

func (s *sqliteStore) queryPosts(ctx context.Context, q string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	var (
		a              Account
		platform       string
		secret, refreh sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, external_account_id, access_token, access_token_secret, refresh_token
		 FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &platform, &a.ExternalAccountID, &a.AccessToken, &secret, &refreh)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	a.Platform = Platform(platform)
	a.AccessTokenSecret = secret.String
	a.RefreshToken = refreh.String
	return a, nil
}

func (s *sqliteStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	var idArg any
	if a.ID != 0 {
		idArg = a.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, user_id, platform, external_account_id, access_token, access_token_secret, refresh_token)
		 VALUES(?,?,?,?,?,?,?)`,
		idArg, a.UserID, string(a.Platform), a.ExternalAccountID, a.AccessToken,
		nullStr(a.AccessTokenSecret), nullStr(a.RefreshToken),
	)
	if err != nil {
		return Account{}, err
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, post_id, platform, action, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.PostID, nullStr(e.Platform), e.Action, ok, nullStr(e.Error), e.TookMS,
	)
	return err
}

func affectedOne(res sql.Result, err error, kind string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
