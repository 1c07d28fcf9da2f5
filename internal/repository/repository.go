// Package repository implements the store contract on a Neo4j-compatible
// graph, keeping REFERRED_BY edges alongside the referredBy property.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/graph"
	"github.com/vanshika/refnet/backend/internal/store"
)

var _ store.Store = (*Repository)(nil)

// Repository encapsulates graph persistence operations.
type Repository struct {
	client     graph.Client
	lowestRole string
	nowFn      func() time.Time
}

// New instantiates a Repository backed by the supplied graph client.
func New(client graph.Client, lowestRole string) *Repository {
	return &Repository{client: client, lowestRole: lowestRole, nowFn: time.Now}
}

// WithClock overrides the time source used for server timestamps.
func (r *Repository) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		r.nowFn = nowFn
	}
}

// EnsureSchema creates the uniqueness constraints and indexes the
// repository relies on.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{ensureUserConstraintCypher, ensureCodeConstraintCypher, ensureReferredByIndexCypher} {
		if _, err := r.client.ExecuteWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (domain.User, error) {
	res, err := r.client.ExecuteRead(ctx, getUserCypher, map[string]any{"userId": id})
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	rec, ok := res.First()
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return r.decodeUser(rec["user"])
}

func (r *Repository) QueryUsers(ctx context.Context, q store.UserQuery) ([]domain.User, error) {
	var clauses []string
	params := map[string]any{}
	if q.ReferredBy != "" {
		clauses = append(clauses, "u.referredBy = $referredBy")
		params["referredBy"] = q.ReferredBy
	}
	if q.CurrentRole != "" {
		clauses = append(clauses, "coalesce(u.currentRole, $lowestRole) = $currentRole")
		params["currentRole"] = q.CurrentRole
		params["lowestRole"] = r.lowestRole
	}
	if q.RegisteredFrom != nil {
		clauses = append(clauses, "u.registeredAt >= $registeredFrom")
		params["registeredFrom"] = q.RegisteredFrom.UTC()
	}
	if q.RegisteredTo != nil {
		clauses = append(clauses, "u.registeredAt <= $registeredTo")
		params["registeredTo"] = q.RegisteredTo.UTC()
	}

	var b strings.Builder
	b.WriteString("MATCH (u:User)\n")
	if len(clauses) > 0 {
		b.WriteString("WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
		b.WriteString("\n")
	}
	b.WriteString("RETURN u {.*} AS user\nORDER BY u.registeredAt, u.userId")
	if q.Limit > 0 {
		b.WriteString("\nLIMIT $limit")
		params["limit"] = int64(q.Limit)
	}

	res, err := r.client.ExecuteRead(ctx, b.String(), params)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	users := make([]domain.User, 0, len(res.Records))
	for _, rec := range res.Records {
		u, err := r.decodeUser(rec["user"])
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (r *Repository) CreateUser(ctx context.Context, user domain.User) error {
	st, err := r.putUserStatement(user)
	if err != nil {
		return err
	}
	res, err := r.client.ExecuteWrite(ctx, createUserCypher, st.Params)
	if errors.Is(err, graph.ErrConstraintViolation) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user %s: %w", user.ID, err)
	}
	if len(res.Records) == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (r *Repository) PutUser(ctx context.Context, user domain.User) error {
	st, err := r.putUserStatement(user)
	if err != nil {
		return err
	}
	if _, err := r.client.ExecuteWrite(ctx, st.Cypher, st.Params); err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (r *Repository) UpdateUser(ctx context.Context, id string, update store.UserUpdate) error {
	props := map[string]any{"updatedAt": r.nowFn().UTC()}
	if update.FullName != nil {
		props["fullName"] = *update.FullName
	}
	if update.Email != nil {
		props["email"] = *update.Email
	}
	if update.Phone != nil {
		props["phone"] = *update.Phone
	}
	if update.Location != nil {
		for k, v := range locationProperties(*update.Location) {
			props[k] = v
		}
	}
	if update.MembershipActive != nil {
		props["membershipActive"] = *update.MembershipActive
	}
	if update.ReferralCode != nil {
		props["referralCode"] = *update.ReferralCode
	}
	if update.Stats != nil {
		raw, err := json.Marshal(update.Stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		props["statsJson"] = string(raw)
	}

	res, err := r.client.ExecuteWrite(ctx, updateUserCypher, map[string]any{"userId": id, "props": props})
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	if len(res.Records) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) PromoteUser(ctx context.Context, id, fromRole string, rec domain.PromotionRecord) error {
	res, err := r.client.ExecuteWrite(ctx, promoteUserCypher, map[string]any{
		"userId":     id,
		"fromRole":   fromRole,
		"toRole":     rec.To,
		"lowestRole": r.lowestRole,
		"at":         rec.At.UTC(),
		"updatedAt":  r.nowFn().UTC(),
	})
	if err != nil {
		return fmt.Errorf("promote user %s: %w", id, err)
	}
	if len(res.Records) > 0 {
		return nil
	}

	exists, err := r.client.ExecuteRead(ctx, userExistsCypher, map[string]any{"userId": id})
	if err != nil {
		return fmt.Errorf("promote user %s: %w", id, err)
	}
	if first, ok := exists.First(); ok && toInt64(first["total"]) > 0 {
		return store.ErrConflict
	}
	return store.ErrNotFound
}

func (r *Repository) GetCode(ctx context.Context, code string) (domain.ReferralCode, error) {
	res, err := r.client.ExecuteRead(ctx, getCodeCypher, map[string]any{"code": code})
	if err != nil {
		return domain.ReferralCode{}, fmt.Errorf("get code %s: %w", code, err)
	}
	rec, ok := res.First()
	if !ok {
		return domain.ReferralCode{}, store.ErrNotFound
	}
	props, _ := rec["code"].(map[string]any)
	return domain.ReferralCode{
		Code:        toString(props["code"]),
		OwnerID:     toString(props["ownerId"]),
		Active:      toBool(props["active"]),
		Clicks:      toInt64(props["clicks"]),
		Conversions: toInt64(props["conversions"]),
		CreatedAt:   toTime(props["createdAt"]),
	}, nil
}

func (r *Repository) CreateCode(ctx context.Context, code domain.ReferralCode) error {
	res, err := r.client.ExecuteWrite(ctx, createCodeCypher, map[string]any{
		"code":  code.Code,
		"props": codeProperties(code),
	})
	if errors.Is(err, graph.ErrConstraintViolation) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create code %s: %w", code.Code, err)
	}
	if len(res.Records) == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (r *Repository) IncrementCodeCounter(ctx context.Context, code string, counter store.Counter, delta int64) error {
	if counter != store.CounterClicks && counter != store.CounterConversions {
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := r.client.ExecuteWrite(ctx, incrementCodeCypher, map[string]any{
		"code":    code,
		"counter": string(counter),
		"delta":   delta,
	})
	if err != nil {
		return fmt.Errorf("increment %s for %s: %w", counter, code, err)
	}
	if len(res.Records) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) BatchWrite(ctx context.Context, ops []store.WriteOp) error {
	statements := make([]graph.Statement, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.User != nil:
			st, err := r.putUserStatement(*op.User)
			if err != nil {
				return err
			}
			statements = append(statements, st)
		case op.Code != nil:
			statements = append(statements, graph.Statement{
				Cypher: upsertCodeCypher,
				Params: map[string]any{"code": op.Code.Code, "props": codeProperties(*op.Code)},
			})
		}
	}
	if err := r.client.ExecuteWriteBatch(ctx, statements); err != nil {
		return fmt.Errorf("batch write %d ops: %w", len(ops), err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.VerifyConnectivity(ctx); err != nil {
		return err
	}
	_, err := r.client.ExecuteRead(ctx, pingCypher, nil)
	return err
}

func (r *Repository) Close() error {
	return r.client.Close(context.Background())
}

func (r *Repository) putUserStatement(user domain.User) (graph.Statement, error) {
	if user.ID == "" {
		return graph.Statement{}, errors.New("user id is required")
	}
	props, err := r.userProperties(user)
	if err != nil {
		return graph.Statement{}, err
	}
	return graph.Statement{
		Cypher: upsertUserCypher,
		Params: map[string]any{"userId": user.ID, "props": props},
	}, nil
}

func (r *Repository) userProperties(u domain.User) (map[string]any, error) {
	role := u.CurrentRole
	if role == "" {
		role = r.lowestRole
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.nowFn()
	}
	props := map[string]any{
		"fullName":         u.FullName,
		"email":            u.Email,
		"phone":            u.Phone,
		"referredBy":       u.ReferredBy,
		"referralCode":     u.ReferralCode,
		"currentRole":      role,
		"membershipActive": u.MembershipActive,
		"schemaVersion":    int64(u.SchemaVersion),
		"updatedAt":        updatedAt.UTC(),
	}
	if !u.RegisteredAt.IsZero() {
		props["registeredAt"] = u.RegisteredAt.UTC()
	}
	for k, v := range locationProperties(u.Location) {
		props[k] = v
	}

	from := make([]string, 0, len(u.PromotionHistory))
	to := make([]string, 0, len(u.PromotionHistory))
	at := make([]time.Time, 0, len(u.PromotionHistory))
	for _, rec := range u.PromotionHistory {
		from = append(from, rec.From)
		to = append(to, rec.To)
		at = append(at, rec.At.UTC())
	}
	props["historyFrom"] = from
	props["historyTo"] = to
	props["historyAt"] = at

	if u.Stats != nil {
		raw, err := json.Marshal(u.Stats)
		if err != nil {
			return nil, fmt.Errorf("encode stats for %s: %w", u.ID, err)
		}
		props["statsJson"] = string(raw)
	}
	return props, nil
}

func (r *Repository) decodeUser(val any) (domain.User, error) {
	props, ok := val.(map[string]any)
	if !ok {
		return domain.User{}, fmt.Errorf("unexpected user payload %T", val)
	}
	u := domain.User{
		ID:       toString(props["userId"]),
		FullName: toString(props["fullName"]),
		Email:    toString(props["email"]),
		Phone:    toString(props["phone"]),
		Location: domain.Location{
			State:    toString(props["state"]),
			District: toString(props["district"]),
			Mandal:   toString(props["mandal"]),
			Village:  toString(props["village"]),
		},
		ReferredBy:       toString(props["referredBy"]),
		ReferralCode:     toString(props["referralCode"]),
		CurrentRole:      toString(props["currentRole"]),
		MembershipActive: toBool(props["membershipActive"]),
		SchemaVersion:    int(toInt64(props["schemaVersion"])),
		RegisteredAt:     toTime(props["registeredAt"]),
		UpdatedAt:        toTime(props["updatedAt"]),
	}

	from := toSlice(props["historyFrom"])
	to := toSlice(props["historyTo"])
	at := toSlice(props["historyAt"])
	for i := range from {
		if i >= len(to) || i >= len(at) {
			break
		}
		u.PromotionHistory = append(u.PromotionHistory, domain.PromotionRecord{
			From: toString(from[i]),
			To:   toString(to[i]),
			At:   toTime(at[i]),
		})
	}

	if raw := toString(props["statsJson"]); raw != "" {
		var st domain.StoredStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return domain.User{}, fmt.Errorf("decode stats for %s: %w", u.ID, err)
		}
		u.Stats = &st
	}
	return u.WithDefaults(r.lowestRole), nil
}

func locationProperties(l domain.Location) map[string]any {
	return map[string]any{
		"state":    l.State,
		"district": l.District,
		"mandal":   l.Mandal,
		"village":  l.Village,
	}
}

func codeProperties(c domain.ReferralCode) map[string]any {
	props := map[string]any{
		"ownerId":     c.OwnerID,
		"active":      c.Active,
		"clicks":      c.Clicks,
		"conversions": c.Conversions,
	}
	if !c.CreatedAt.IsZero() {
		props["createdAt"] = c.CreatedAt.UTC()
	}
	return props
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func toBool(val any) bool {
	b, _ := val.(bool)
	return b
}

func toSlice(val any) []any {
	switch v := val.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []time.Time:
		out := make([]any, len(v))
		for i, t := range v {
			out[i] = t
		}
		return out
	default:
		return nil
	}
}

func toTime(val any) time.Time {
	switch v := val.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if v == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
