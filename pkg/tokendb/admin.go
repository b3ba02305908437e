package tokendb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IsAdmin reports whether username is in the admin allow-list.
func IsAdmin(ctx context.Context, x execer, username string) (bool, error) {
	var exists int
	err := x.QueryRowContext(ctx, `SELECT 1 FROM admin WHERE username = ?`, username).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tokendb: check admin %s: %w", username, err)
	}
	return true, nil
}

// AddAdmin adds username to the allow-list, idempotently.
func AddAdmin(ctx context.Context, x execer, username string) error {
	_, err := x.ExecContext(ctx, `INSERT OR IGNORE INTO admin (username) VALUES (?)`, username)
	if err != nil {
		return fmt.Errorf("tokendb: add admin %s: %w", username, err)
	}
	return nil
}

// RemoveAdmin removes username from the allow-list.
func RemoveAdmin(ctx context.Context, x execer, username string) error {
	_, err := x.ExecContext(ctx, `DELETE FROM admin WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("tokendb: remove admin %s: %w", username, err)
	}
	return nil
}

// ListAdmins returns the full allow-list.
func ListAdmins(ctx context.Context, x execer) ([]string, error) {
	rows, err := x.QueryContext(ctx, `SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("tokendb: list admins: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("tokendb: scan admin row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// BootstrapAdmins seeds the allow-list from initialAdmins if it is
// currently empty, matching spec scenario 6 ("first request from alice with
// admin:token succeeds" given an empty admin table and configured initial_admins).
func BootstrapAdmins(ctx context.Context, x execer, initialAdmins []string) error {
	admins, err := ListAdmins(ctx, x)
	if err != nil {
		return err
	}
	if len(admins) > 0 {
		return nil
	}
	for _, username := range initialAdmins {
		if err := AddAdmin(ctx, x, username); err != nil {
			return err
		}
	}
	return nil
}
