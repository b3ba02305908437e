package tokendb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsst/gafaelfawr/pkg/token"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting read helpers run
// either standalone or inside an in-progress transaction.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func scopesFromColumn(s string) token.Scopes {
	if s == "" {
		return nil
	}
	return token.Scopes(strings.Split(s, ","))
}

// BeginTx starts a transaction used by C3 for create/modify/revoke
// operations, which must write the history row atomically with the token
// mutation (spec §4.2).
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// InsertToken inserts a new, live token row.
func InsertToken(ctx context.Context, x execer, info *token.Info) error {
	var name any
	if info.Name != "" {
		name = info.Name
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO token (key, username, token_type, token_name, scopes, created, expires, parent, last_used, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		info.Key, info.Username, string(info.Type), name, info.Scopes.Key(),
		info.Created.Unix(), unixOrNil(info.Expires), nullIfEmpty(info.Parent), unixOrNil(info.LastUsed),
	)
	if err != nil {
		return fmt.Errorf("tokendb: insert token %s: %w", info.Key, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ErrTokenNotFound is returned by GetToken when no live token with the
// given key exists.
var ErrTokenNotFound = errors.New("tokendb: token not found")

// GetToken returns the live token row for key, or ErrTokenNotFound.
func GetToken(ctx context.Context, x execer, key string) (*token.Info, error) {
	row := x.QueryRowContext(ctx, `
		SELECT key, username, token_type, token_name, scopes, created, expires, parent, last_used
		FROM token WHERE key = ? AND revoked = 0`, key)
	return scanToken(row)
}

func scanToken(row *sql.Row) (*token.Info, error) {
	var (
		info       token.Info
		typ        string
		name       sql.NullString
		scopes     string
		created    int64
		expires    sql.NullInt64
		parent     sql.NullString
		lastUsed   sql.NullInt64
	)
	if err := row.Scan(&info.Key, &info.Username, &typ, &name, &scopes, &created, &expires, &parent, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("tokendb: scan token: %w", err)
	}
	info.Type = token.Type(typ)
	info.Name = name.String
	info.Scopes = scopesFromColumn(scopes)
	info.Created = time.Unix(created, 0).UTC()
	info.Expires = timeFromUnix(expires)
	info.Parent = parent.String
	info.LastUsed = timeFromUnix(lastUsed)
	return &info, nil
}

// ListTokensForUser returns all live tokens owned by username.
func ListTokensForUser(ctx context.Context, x execer, username string) ([]*token.Info, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT key, username, token_type, token_name, scopes, created, expires, parent, last_used
		FROM token WHERE username = ? AND revoked = 0 ORDER BY created DESC`, username)
	if err != nil {
		return nil, fmt.Errorf("tokendb: list tokens for %s: %w", username, err)
	}
	defer rows.Close()
	return scanTokenRows(rows)
}

// ListChildren returns all live tokens whose parent is key (notebook and internal children).
func ListChildren(ctx context.Context, x execer, parentKey string) ([]*token.Info, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT key, username, token_type, token_name, scopes, created, expires, parent, last_used
		FROM token WHERE parent = ? AND revoked = 0`, parentKey)
	if err != nil {
		return nil, fmt.Errorf("tokendb: list children of %s: %w", parentKey, err)
	}
	defer rows.Close()
	return scanTokenRows(rows)
}

func scanTokenRows(rows *sql.Rows) ([]*token.Info, error) {
	var out []*token.Info
	for rows.Next() {
		var (
			info     token.Info
			typ      string
			name     sql.NullString
			scopes   string
			created  int64
			expires  sql.NullInt64
			parent   sql.NullString
			lastUsed sql.NullInt64
		)
		if err := rows.Scan(&info.Key, &info.Username, &typ, &name, &scopes, &created, &expires, &parent, &lastUsed); err != nil {
			return nil, fmt.Errorf("tokendb: scan token row: %w", err)
		}
		info.Type = token.Type(typ)
		info.Name = name.String
		info.Scopes = scopesFromColumn(scopes)
		info.Created = time.Unix(created, 0).UTC()
		info.Expires = timeFromUnix(expires)
		info.Parent = parent.String
		info.LastUsed = timeFromUnix(lastUsed)
		out = append(out, &info)
	}
	return out, rows.Err()
}

// FindNotebookChild returns the live notebook token for parentKey, if any.
func FindNotebookChild(ctx context.Context, x execer, parentKey string) (*token.Info, error) {
	row := x.QueryRowContext(ctx, `
		SELECT key, username, token_type, token_name, scopes, created, expires, parent, last_used
		FROM token WHERE parent = ? AND token_type = 'notebook' AND revoked = 0`, parentKey)
	info, err := scanToken(row)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, nil
	}
	return info, err
}

// FindInternalChild returns the live internal token for
// (parentKey, service, scopeKey), if any.
func FindInternalChild(ctx context.Context, x execer, parentKey, service, scopeKey string) (*token.Info, error) {
	row := x.QueryRowContext(ctx, `
		SELECT key, username, token_type, token_name, scopes, created, expires, parent, last_used
		FROM token WHERE parent = ? AND token_type = 'internal' AND token_name = ? AND scopes = ? AND revoked = 0`,
		parentKey, service, scopeKey)
	info, err := scanToken(row)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, nil
	}
	return info, err
}

// ModifyToken updates the name/scopes/expires of a live user token.
func ModifyToken(ctx context.Context, x execer, key string, name *string, scopes *token.Scopes, expires *time.Time, clearExpires bool) error {
	sets := []string{}
	args := []any{}
	if name != nil {
		sets = append(sets, "token_name = ?")
		args = append(args, *name)
	}
	if scopes != nil {
		sets = append(sets, "scopes = ?")
		args = append(args, scopes.Key())
	}
	if clearExpires {
		sets = append(sets, "expires = NULL")
	} else if expires != nil {
		sets = append(sets, "expires = ?")
		args = append(args, expires.Unix())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, key)
	query := fmt.Sprintf("UPDATE token SET %s WHERE key = ? AND revoked = 0", strings.Join(sets, ", "))
	res, err := x.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tokendb: modify token %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokendb: modify token %s: %w", key, err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// RevokeToken marks key as revoked. Revoking an already-revoked or
// nonexistent token is reported via ErrTokenNotFound.
func RevokeToken(ctx context.Context, x execer, key string) error {
	res, err := x.ExecContext(ctx, `UPDATE token SET revoked = 1 WHERE key = ? AND revoked = 0`, key)
	if err != nil {
		return fmt.Errorf("tokendb: revoke token %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokendb: revoke token %s: %w", key, err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// TouchLastUsed opportunistically records the last-used time for key. Errors
// are non-fatal to the caller's request; this is a best-effort update.
func TouchLastUsed(ctx context.Context, x execer, key string, when time.Time) error {
	_, err := x.ExecContext(ctx, `UPDATE token SET last_used = ? WHERE key = ? AND revoked = 0`, when.Unix(), key)
	return err
}
