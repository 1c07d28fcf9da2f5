// Package sqlstore implements the store contract on Postgres or SQLite
// through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

var _ store.Store = (*Store)(nil)

// Store is a SQL-backed store.
type Store struct {
	db         *sqlx.DB
	lowestRole string
	nowFn      func() time.Time
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn, lowestRole string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; serialising on a single connection
		// avoids SQLITE_BUSY under concurrent promotions.
		db.SetMaxOpenConns(1)
	}
	s := NewWithDB(db, lowestRole)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without migrating.
func NewWithDB(db *sqlx.DB, lowestRole string) *Store {
	return &Store{db: db, lowestRole: lowestRole, nowFn: time.Now}
}

// WithClock overrides the time source used for server timestamps.
func (s *Store) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

type userRow struct {
	ID               string         `db:"id"`
	FullName         string         `db:"full_name"`
	Email            string         `db:"email"`
	Phone            string         `db:"phone"`
	State            string         `db:"state"`
	District         string         `db:"district"`
	Mandal           string         `db:"mandal"`
	Village          string         `db:"village"`
	ReferredBy       string         `db:"referred_by"`
	ReferralCode     string         `db:"referral_code"`
	RoleName         string         `db:"role_name"`
	MembershipActive bool           `db:"membership_active"`
	Stats            sql.NullString `db:"stats"`
	SchemaVersion    int            `db:"schema_version"`
	RegisteredAt     int64          `db:"registered_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

type historyRow struct {
	UserID     string `db:"user_id"`
	Seq        int    `db:"seq"`
	FromRole   string `db:"from_role"`
	ToRole     string `db:"to_role"`
	PromotedAt int64  `db:"promoted_at"`
}

type codeRow struct {
	Code        string `db:"code"`
	OwnerID     string `db:"owner_id"`
	Active      bool   `db:"active"`
	Clicks      int64  `db:"clicks"`
	Conversions int64  `db:"conversions"`
	CreatedAt   int64  `db:"created_at"`
}

const userColumns = `id, full_name, email, phone, state, district, mandal, village, referred_by,
	referral_code, role_name, membership_active, stats, schema_version, registered_at, updated_at`

const upsertUserSQL = `INSERT INTO users (` + userColumns + `)
	VALUES (:id, :full_name, :email, :phone, :state, :district, :mandal, :village, :referred_by,
		:referral_code, :role_name, :membership_active, :stats, :schema_version, :registered_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		full_name = excluded.full_name,
		email = excluded.email,
		phone = excluded.phone,
		state = excluded.state,
		district = excluded.district,
		mandal = excluded.mandal,
		village = excluded.village,
		referred_by = excluded.referred_by,
		referral_code = excluded.referral_code,
		role_name = excluded.role_name,
		membership_active = excluded.membership_active,
		stats = excluded.stats,
		schema_version = excluded.schema_version,
		registered_at = excluded.registered_at,
		updated_at = excluded.updated_at`

const insertUserSQL = `INSERT INTO users (` + userColumns + `)
	VALUES (:id, :full_name, :email, :phone, :state, :district, :mandal, :village, :referred_by,
		:referral_code, :role_name, :membership_active, :stats, :schema_version, :registered_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

const upsertCodeSQL = `INSERT INTO referral_codes (code, owner_id, active, clicks, conversions, created_at)
	VALUES (:code, :owner_id, :active, :clicks, :conversions, :created_at)
	ON CONFLICT (code) DO UPDATE SET
		owner_id = excluded.owner_id,
		active = excluded.active,
		clicks = excluded.clicks,
		conversions = excluded.conversions,
		created_at = excluded.created_at`

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, store.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	history, err := s.loadHistory(ctx, s.db, []string{id})
	if err != nil {
		return domain.User{}, err
	}
	return s.toDomain(row, history[id])
}

func (s *Store) QueryUsers(ctx context.Context, q store.UserQuery) ([]domain.User, error) {
	var (
		clauses []string
		args    []any
	)
	if q.ReferredBy != "" {
		clauses = append(clauses, "referred_by = ?")
		args = append(args, q.ReferredBy)
	}
	if q.CurrentRole != "" {
		clauses = append(clauses, "role_name = ?")
		args = append(args, q.CurrentRole)
	}
	if q.RegisteredFrom != nil {
		clauses = append(clauses, "registered_at >= ?")
		args = append(args, q.RegisteredFrom.UnixNano())
	}
	if q.RegisteredTo != nil {
		clauses = append(clauses, "registered_at <= ?")
		args = append(args, q.RegisteredTo.UnixNano())
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY registered_at, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	history, err := s.loadHistory(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		u, err := s.toDomain(r, history[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	row, err := s.fromDomain(user)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, insertUserSQL, row)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", user.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert user %s: %w", user.ID, err)
		}
		if n == 0 {
			return store.ErrAlreadyExists
		}
		for i, rec := range user.PromotionHistory {
			if err := insertHistory(ctx, tx, user.ID, i, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutUser(ctx context.Context, user domain.User) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.putUser(ctx, tx, user)
	})
}

func (s *Store) putUser(ctx context.Context, tx *sqlx.Tx, user domain.User) error {
	row, err := s.fromDomain(user)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, upsertUserSQL, row); err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM promotion_history WHERE user_id = ?`), user.ID); err != nil {
		return fmt.Errorf("reset history for %s: %w", user.ID, err)
	}
	for i, rec := range user.PromotionHistory {
		if err := insertHistory(ctx, tx, user.ID, i, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, update store.UserUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.nowFn().UTC().UnixNano()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if update.FullName != nil {
		add("full_name", *update.FullName)
	}
	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.Phone != nil {
		add("phone", *update.Phone)
	}
	if update.Location != nil {
		add("state", update.Location.State)
		add("district", update.Location.District)
		add("mandal", update.Location.Mandal)
		add("village", update.Location.Village)
	}
	if update.MembershipActive != nil {
		add("membership_active", *update.MembershipActive)
	}
	if update.ReferralCode != nil {
		add("referral_code", *update.ReferralCode)
	}
	if update.Stats != nil {
		raw, err := json.Marshal(update.Stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		add("stats", string(raw))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PromoteUser(ctx context.Context, id, fromRole string, rec domain.PromotionRecord) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE users SET role_name = ?, updated_at = ? WHERE id = ? AND role_name = ?`),
			rec.To, s.nowFn().UTC().UnixNano(), id, fromRole)
		if err != nil {
			return fmt.Errorf("promote user %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote user %s: %w", id, err)
		}
		if n == 0 {
			var exists int
			err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM users WHERE id = ?`), id)
			if err != nil {
				return fmt.Errorf("promote user %s: %w", id, err)
			}
			if exists == 0 {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}

		var seq int
		if err := tx.GetContext(ctx, &seq, tx.Rebind(`SELECT COUNT(*) FROM promotion_history WHERE user_id = ?`), id); err != nil {
			return fmt.Errorf("count history for %s: %w", id, err)
		}
		return insertHistory(ctx, tx, id, seq, rec)
	})
}

func (s *Store) GetCode(ctx context.Context, code string) (domain.ReferralCode, error) {
	var row codeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT code, owner_id, active, clicks, conversions, created_at FROM referral_codes WHERE code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReferralCode{}, store.ErrNotFound
	}
	if err != nil {
		return domain.ReferralCode{}, fmt.Errorf("get code %s: %w", code, err)
	}
	return domain.ReferralCode{
		Code:        row.Code,
		OwnerID:     row.OwnerID,
		Active:      row.Active,
		Clicks:      row.Clicks,
		Conversions: row.Conversions,
		CreatedAt:   fromNanos(row.CreatedAt),
	}, nil
}

func (s *Store) CreateCode(ctx context.Context, code domain.ReferralCode) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO referral_codes (code, owner_id, active, clicks, conversions, created_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (code) DO NOTHING`),
		code.Code, code.OwnerID, code.Active, code.Clicks, code.Conversions, toNanos(code.CreatedAt))
	if err != nil {
		return fmt.Errorf("create code %s: %w", code.Code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create code %s: %w", code.Code, err)
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) IncrementCodeCounter(ctx context.Context, code string, counter store.Counter, delta int64) error {
	var column string
	switch counter {
	case store.CounterClicks:
		column = "clicks"
	case store.CounterConversions:
		column = "conversions"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE referral_codes SET `+column+` = `+column+` + ? WHERE code = ?`), delta, code)
	if err != nil {
		return fmt.Errorf("increment %s for %s: %w", column, code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment %s for %s: %w", column, code, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) BatchWrite(ctx context.Context, ops []store.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, op := range ops {
			switch {
			case op.User != nil:
				if err := s.putUser(ctx, tx, *op.User); err != nil {
					return err
				}
			case op.Code != nil:
				row := codeRow{
					Code:        op.Code.Code,
					OwnerID:     op.Code.OwnerID,
					Active:      op.Code.Active,
					Clicks:      op.Code.Clicks,
					Conversions: op.Code.Conversions,
					CreatedAt:   toNanos(op.Code.CreatedAt),
				}
				if _, err := tx.NamedExecContext(ctx, upsertCodeSQL, row); err != nil {
					return fmt.Errorf("upsert code %s: %w", row.Code, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// historyChunk bounds the ids bound into one IN list; SQLite rejects
// statements with more than 32766 variables.
var historyChunk = 500

func (s *Store) loadHistory(ctx context.Context, q sqlx.QueryerContext, ids []string) (map[string][]domain.PromotionRecord, error) {
	out := make(map[string][]domain.PromotionRecord, len(ids))
	for start := 0; start < len(ids); start += historyChunk {
		end := min(start+historyChunk, len(ids))
		query, args, err := sqlx.In(`SELECT user_id, seq, from_role, to_role, promoted_at
			FROM promotion_history WHERE user_id IN (?) ORDER BY user_id, seq`, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("build history query: %w", err)
		}
		var rows []historyRow
		if err := sqlx.SelectContext(ctx, q, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("load promotion history: %w", err)
		}
		for _, r := range rows {
			out[r.UserID] = append(out[r.UserID], domain.PromotionRecord{
				From: r.FromRole,
				To:   r.ToRole,
				At:   fromNanos(r.PromotedAt),
			})
		}
	}
	return out, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, userID string, seq int, rec domain.PromotionRecord) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO promotion_history (user_id, seq, from_role, to_role, promoted_at) VALUES (?, ?, ?, ?, ?)`),
		userID, seq, rec.From, rec.To, toNanos(rec.At))
	if err != nil {
		return fmt.Errorf("append history for %s: %w", userID, err)
	}
	return nil
}

func (s *Store) fromDomain(u domain.User) (userRow, error) {
	row := userRow{
		ID:               u.ID,
		FullName:         u.FullName,
		Email:            u.Email,
		Phone:            u.Phone,
		State:            u.Location.State,
		District:         u.Location.District,
		Mandal:           u.Location.Mandal,
		Village:          u.Location.Village,
		ReferredBy:       u.ReferredBy,
		ReferralCode:     u.ReferralCode,
		RoleName:         u.CurrentRole,
		MembershipActive: u.MembershipActive,
		SchemaVersion:    u.SchemaVersion,
		RegisteredAt:     toNanos(u.RegisteredAt),
		UpdatedAt:        toNanos(u.UpdatedAt),
	}
	if row.RoleName == "" {
		row.RoleName = s.lowestRole
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = s.nowFn().UTC().UnixNano()
	}
	if u.Stats != nil {
		raw, err := json.Marshal(u.Stats)
		if err != nil {
			return userRow{}, fmt.Errorf("encode stats for %s: %w", u.ID, err)
		}
		row.Stats = sql.NullString{String: string(raw), Valid: true}
	}
	return row, nil
}

func (s *Store) toDomain(row userRow, history []domain.PromotionRecord) (domain.User, error) {
	u := domain.User{
		ID:       row.ID,
		FullName: row.FullName,
		Email:    row.Email,
		Phone:    row.Phone,
		Location: domain.Location{
			State:    row.State,
			District: row.District,
			Mandal:   row.Mandal,
			Village:  row.Village,
		},
		ReferredBy:       row.ReferredBy,
		ReferralCode:     row.ReferralCode,
		CurrentRole:      row.RoleName,
		MembershipActive: row.MembershipActive,
		PromotionHistory: history,
		SchemaVersion:    row.SchemaVersion,
		RegisteredAt:     fromNanos(row.RegisteredAt),
		UpdatedAt:        fromNanos(row.UpdatedAt),
	}
	if row.Stats.Valid && row.Stats.String != "" {
		var st domain.StoredStats
		if err := json.Unmarshal([]byte(row.Stats.String), &st); err != nil {
			return domain.User{}, fmt.Errorf("decode stats for %s: %w", row.ID, err)
		}
		u.Stats = &st
	}
	return u.WithDefaults(s.lowestRole), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
