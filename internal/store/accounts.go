package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
)

// Token is a stored access token with its last persisted rate limit.
type Token struct {
	UserID    int64
	Login     string
	Token     string
	Admin     bool
	RateLimit github.RateLimit
}

const upsertAccountSQL = `INSERT INTO accounts(id, login, type, name, email) VALUES(?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		login = excluded.login,
		type = COALESCE(excluded.type, accounts.type),
		name = COALESCE(excluded.name, accounts.name),
		email = COALESCE(excluded.email, accounts.email)
	WHERE accounts.login IS NOT excluded.login
		OR (excluded.type IS NOT NULL AND accounts.type IS NOT excluded.type)
		OR (excluded.name IS NOT NULL AND accounts.name IS NOT excluded.name)
		OR (excluded.email IS NOT NULL AND accounts.email IS NOT excluded.email)`

// dedupeAccounts merges references to the same account by numeric ID,
// keeping first-seen order. Later references fill in blank fields.
func dedupeAccounts(accounts []github.Account) []github.Account {
	index := make(map[int64]int, len(accounts))
	out := make([]github.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == 0 {
			continue
		}
		i, ok := index[a.ID]
		if !ok {
			index[a.ID] = len(out)
			out = append(out, a)
			continue
		}
		merged := &out[i]
		if a.Login != "" {
			merged.Login = a.Login
		}
		if merged.Type == "" {
			merged.Type = a.Type
		}
		if merged.Name == "" {
			merged.Name = a.Name
		}
		if merged.Email == "" {
			merged.Email = a.Email
		}
	}
	return out
}

func accountKind(a github.Account) changes.Kind {
	if a.Type == github.AccountOrganization {
		return changes.Organizations
	}
	return changes.Accounts
}

func upsertAccounts(ctx context.Context, tx *sql.Tx, accounts []github.Account) (changes.Summary, error) {
	var summary changes.Summary
	for _, a := range dedupeAccounts(accounts) {
		changed, err := execChanged(ctx, tx, upsertAccountSQL,
			a.ID, a.Login, nullIfEmpty(string(a.Type)), nullIfEmpty(a.Name), nullIfEmpty(a.Email))
		if err != nil {
			return changes.Empty, fmt.Errorf("upsert account %d: %w", a.ID, err)
		}
		if changed {
			summary.Add(accountKind(a), a.ID)
		}
	}
	return summary, nil
}

// UpsertAccounts stores users and organizations.
func (s *Store) UpsertAccounts(ctx context.Context, accounts []github.Account) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		summary, err = upsertAccounts(ctx, tx, accounts)
		return err
	})
	return summary, err
}

// Account loads one account.
func (s *Store) Account(ctx context.Context, id int64) (github.Account, error) {
	var (
		a           github.Account
		accountType sql.NullString
		name, email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, login, type, name, email FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Login, &accountType, &name, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return github.Account{}, ErrNotFound
	}
	if err != nil {
		return github.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.Type = github.AccountType(accountType.String)
	a.Name = name.String
	a.Email = email.String
	return a, nil
}

// SetUserOrganizations replaces the set of organizations userID belongs to.
// Admin flags of memberships that survive are kept.
func (s *Store) SetUserOrganizations(ctx context.Context, userID int64, orgs []github.Account) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		orgs = slices.Clone(orgs)
		for i := range orgs {
			orgs[i].Type = github.AccountOrganization
		}
		upserted, err := upsertAccounts(ctx, tx, orgs)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		current, err := queryIDs(ctx, tx, `SELECT organization_id FROM organization_members WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("load memberships: %w", err)
		}
		wanted := make(map[int64]bool, len(orgs))
		for _, org := range orgs {
			wanted[org.ID] = true
			if current[org.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO organization_members(organization_id, user_id, admin) VALUES(?, ?, 0)`,
				org.ID, userID); err != nil {
				return fmt.Errorf("add membership: %w", err)
			}
			summary.Add(changes.Organizations, org.ID)
			summary.Add(changes.Accounts, userID)
		}
		for orgID := range current {
			if wanted[orgID] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM organization_members WHERE organization_id = ? AND user_id = ?`,
				orgID, userID); err != nil {
				return fmt.Errorf("remove membership: %w", err)
			}
			summary.Add(changes.Organizations, orgID)
			summary.Add(changes.Accounts, userID)
		}
		return nil
	})
	return summary, err
}

// UserOrganizations lists the organizations userID belongs to.
func (s *Store) UserOrganizations(ctx context.Context, userID int64) ([]github.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.login FROM organization_members m JOIN accounts a ON a.id = m.organization_id
		 WHERE m.user_id = ? ORDER BY a.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user organizations: %w", err)
	}
	defer rows.Close()
	var orgs []github.Account
	for rows.Next() {
		org := github.Account{Type: github.AccountOrganization}
		if err := rows.Scan(&org.ID, &org.Login); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter organizations: %w", err)
	}
	return orgs, nil
}

// SetOrganizationAdmins marks exactly admins as the organization's admins,
// adding memberships as needed.
func (s *Store) SetOrganizationAdmins(ctx context.Context, orgID int64, admins []github.Account) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		upserted, err := upsertAccounts(ctx, tx, admins)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		changed := false
		ids := make([]any, 0, len(admins)+1)
		ids = append(ids, orgID)
		for _, admin := range dedupeAccounts(admins) {
			ids = append(ids, admin.ID)
			added, err := execChanged(ctx, tx,
				`INSERT INTO organization_members(organization_id, user_id, admin) VALUES(?, ?, 1)
				 ON CONFLICT(organization_id, user_id) DO UPDATE SET admin = 1
				 WHERE organization_members.admin = 0`,
				orgID, admin.ID)
			if err != nil {
				return fmt.Errorf("mark admin: %w", err)
			}
			changed = changed || added
		}
		query := `UPDATE organization_members SET admin = 0 WHERE organization_id = ? AND admin = 1`
		if len(ids) > 1 {
			query += fmt.Sprintf(` AND user_id NOT IN (%s)`, placeholders(len(ids)-1))
		}
		demoted, err := execChanged(ctx, tx, query, ids...)
		if err != nil {
			return fmt.Errorf("clear admins: %w", err)
		}
		if changed || demoted {
			summary.Add(changes.Organizations, orgID)
		}
		return nil
	})
	return summary, err
}

// OrganizationMembers returns member user IDs with their admin flag.
func (s *Store) OrganizationMembers(ctx context.Context, orgID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, admin FROM organization_members WHERE organization_id = ?`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	members := make(map[int64]bool)
	for rows.Next() {
		var (
			id    int64
			admin bool
		)
		if err := rows.Scan(&id, &admin); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members[id] = admin
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter members: %w", err)
	}
	return members, nil
}

// SaveToken stores a user's token. A new token forgets the old rate limit.
func (s *Store) SaveToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_tokens(user_id, token) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET token = excluded.token,
			rate_limit = NULL, rate_remaining = NULL, rate_reset = NULL
		 WHERE access_tokens.token IS NOT excluded.token`,
		userID, token)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteToken revokes a user's stored token.
func (s *Store) DeleteToken(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRateLimit persists the latest observed budget for a user's token.
func (s *Store) SaveRateLimit(ctx context.Context, userID int64, rl github.RateLimit) error {
	if rl.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET rate_limit = ?, rate_remaining = ?, rate_reset = ? WHERE user_id = ?`,
		rl.Limit, rl.Remaining, rl.ResetAt.Unix(), userID)
	if err != nil {
		return fmt.Errorf("save rate limit: %w", err)
	}
	return nil
}

// UserToken loads one user's token.
func (s *Store) UserToken(ctx context.Context, userID int64) (Token, error) {
	tokens, err := s.queryTokens(ctx,
		`SELECT a.id, a.login, t.token, 0, t.rate_limit, t.rate_remaining, t.rate_reset
		 FROM access_tokens t JOIN accounts a ON a.id = t.user_id
		 WHERE t.user_id = ?`, userID)
	if err != nil {
		return Token{}, err
	}
	if len(tokens) == 0 {
		return Token{}, ErrNotFound
	}
	return tokens[0], nil
}

// OrganizationTokens returns tokens of the organization's members, admins
// first. Tokens whose persisted budget is at or below floor before its reset
// are left out.
func (s *Store) OrganizationTokens(ctx context.Context, orgID int64, floor int, now time.Time) ([]Token, error) {
	return s.queryTokens(ctx,
		`SELECT a.id, a.login, t.token, m.admin, t.rate_limit, t.rate_remaining, t.rate_reset
		 FROM organization_members m
		 JOIN access_tokens t ON t.user_id = m.user_id
		 JOIN accounts a ON a.id = m.user_id
		 WHERE m.organization_id = ?
			AND NOT (t.rate_remaining IS NOT NULL AND t.rate_remaining <= ? AND t.rate_reset > ?)
		 ORDER BY m.admin DESC, a.id`, orgID, floor, now.Unix())
}

// TokenUsers lists every account with a stored token.
func (s *Store) TokenUsers(ctx context.Context) ([]github.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.login FROM access_tokens t JOIN accounts a ON a.id = t.user_id ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list token users: %w", err)
	}
	defer rows.Close()
	var users []github.Account
	for rows.Next() {
		a := github.Account{Type: github.AccountUser}
		if err := rows.Scan(&a.ID, &a.Login); err != nil {
			return nil, fmt.Errorf("scan token user: %w", err)
		}
		users = append(users, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter token users: %w", err)
	}
	return users, nil
}

func (s *Store) queryTokens(ctx context.Context, query string, args ...any) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var tokens []Token
	for rows.Next() {
		var (
			t                       Token
			limit, remaining, reset sql.NullInt64
		)
		if err := rows.Scan(&t.UserID, &t.Login, &t.Token, &t.Admin, &limit, &remaining, &reset); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if limit.Valid && remaining.Valid && reset.Valid {
			t.RateLimit = github.RateLimit{
				Limit:     int(limit.Int64),
				Remaining: int(remaining.Int64),
				ResetAt:   time.Unix(reset.Int64, 0).UTC(),
			}
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter tokens: %w", err)
	}
	return tokens, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) (map[int64]bool, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
