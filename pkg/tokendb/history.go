package tokendb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/token"
)

// cursorPattern matches the opaque cursor encoding: an optional "p" prefix
// (paging backwards) followed by "<event_time_unix_seconds>_<id>" (spec §4.2).
var cursorPattern = regexp.MustCompile(`^p?\d+_\d+$`)

// EncodeCursor renders a position in the (event_time, id) total order as an
// opaque cursor string. previous selects the "page before this position"
// direction.
func EncodeCursor(previous bool, eventTime time.Time, id int64) string {
	body := fmt.Sprintf("%d_%d", eventTime.Unix(), id)
	if previous {
		return "p" + body
	}
	return body
}

// decodeCursor parses a cursor produced by EncodeCursor.
func decodeCursor(cursor string) (previous bool, eventTimeUnix int64, id int64, err error) {
	if !cursorPattern.MatchString(cursor) {
		return false, 0, 0, fmt.Errorf("malformed cursor")
	}
	body := cursor
	if strings.HasPrefix(cursor, "p") {
		previous = true
		body = cursor[1:]
	}
	parts := strings.SplitN(body, "_", 2)
	if len(parts) != 2 {
		return false, 0, 0, fmt.Errorf("malformed cursor")
	}
	eventTimeUnix, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false, 0, 0, fmt.Errorf("malformed cursor: %w", err)
	}
	id, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false, 0, 0, fmt.Errorf("malformed cursor: %w", err)
	}
	return previous, eventTimeUnix, id, nil
}

// HistoryFilter describes the selection and pagination parameters for a
// change-history query.
type HistoryFilter struct {
	Since     *time.Time
	Until     *time.Time
	Username  string
	Actor     string
	Key       string
	TokenType token.Type
	IPOrCIDR  string

	Cursor string
	Limit  int
}

// HistoryPage is one page of change-history results along with the cursors
// needed to fetch adjacent pages.
type HistoryPage struct {
	Entries []*token.HistoryEntry
	Next    string
	Prev    string
	Total   int
}

// AppendHistory inserts one append-only history row.
func AppendHistory(ctx context.Context, x execer, e *token.HistoryEntry) error {
	var oldName, oldScopes any
	var oldExpires any
	hasOldName, hasOldScopes, hasOldExpires := 0, 0, 0
	if e.OldName != nil {
		oldName = *e.OldName
		hasOldName = 1
	}
	if e.OldScopes != nil {
		oldScopes = e.OldScopes.Key()
		hasOldScopes = 1
	}
	if e.OldExpires != nil {
		oldExpires = e.OldExpires.Unix()
		hasOldExpires = 1
	}

	_, err := x.ExecContext(ctx, `
		INSERT INTO token_change_history
			(key, username, token_type, token_name, scopes, expires, actor, action, event_time, ip_or_cidr,
			 old_token_name, old_scopes, old_expires, has_old_name, has_old_scopes, has_old_expires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Username, string(e.Type), nullIfEmpty(e.Name), e.Scopes.Key(), unixOrNil(e.Expires),
		e.Actor, string(e.Action), e.EventTime.Unix(), nullIfEmpty(e.IPOrCIDR),
		oldName, oldScopes, oldExpires, hasOldName, hasOldScopes, hasOldExpires,
	)
	if err != nil {
		return fmt.Errorf("tokendb: append history for %s: %w", e.Key, err)
	}
	return nil
}

// QueryHistory returns a page of history entries matching filter.
func QueryHistory(ctx context.Context, x execer, filter HistoryFilter) (*HistoryPage, error) {
	var where []string
	var args []any

	if filter.Since != nil {
		where = append(where, "event_time >= ?")
		args = append(args, filter.Since.Unix())
	}
	if filter.Until != nil {
		where = append(where, "event_time <= ?")
		args = append(args, filter.Until.Unix())
	}
	if filter.Username != "" {
		where = append(where, "username = ?")
		args = append(args, filter.Username)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Key != "" {
		where = append(where, "key = ?")
		args = append(args, filter.Key)
	}
	if filter.TokenType != "" {
		where = append(where, "token_type = ?")
		args = append(args, string(filter.TokenType))
	}
	if filter.IPOrCIDR != "" {
		if _, _, err := net.ParseCIDR(filter.IPOrCIDR); err != nil {
			if net.ParseIP(filter.IPOrCIDR) == nil {
				return nil, apierrors.NewBadIPAddress("ip_or_cidr is not a valid address or CIDR block", "query", "ip_or_cidr")
			}
		}
		where = append(where, "ip_or_cidr = ?")
		args = append(args, filter.IPOrCIDR)
	}

	countQuery := "SELECT COUNT(*) FROM token_change_history"
	if len(where) > 0 {
		countQuery += " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := x.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("tokendb: count history: %w", err)
	}

	seekWhere := append([]string(nil), where...)
	seekArgs := append([]any(nil), args...)
	order := "ASC"
	if filter.Cursor != "" {
		previous, eventTimeUnix, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, apierrors.NewBadCursor("cursor is malformed", "query", "cursor")
		}
		if previous {
			seekWhere = append(seekWhere, "(event_time, id) < (?, ?)")
			order = "DESC"
		} else {
			seekWhere = append(seekWhere, "(event_time, id) > (?, ?)")
		}
		seekArgs = append(seekArgs, eventTimeUnix, id)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, key, username, token_type, token_name, scopes, expires, actor, action, event_time, ip_or_cidr,
		       old_token_name, old_scopes, old_expires, has_old_name, has_old_scopes, has_old_expires
		FROM token_change_history`)
	if len(seekWhere) > 0 {
		query += " WHERE " + strings.Join(seekWhere, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_time %s, id %s LIMIT ?", order, order)
	seekArgs = append(seekArgs, limit+1)

	rows, err := x.QueryContext(ctx, query, seekArgs...)
	if err != nil {
		return nil, fmt.Errorf("tokendb: query history: %w", err)
	}
	defer rows.Close()

	entries, err := scanHistoryRows(rows)
	if err != nil {
		return nil, err
	}

	if order == "DESC" {
		// Results were fetched in reverse to seek backwards; restore ascending order for display.
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	page := &HistoryPage{Total: total}
	hasMore := len(entries) > limit
	if hasMore {
		if order == "DESC" {
			entries = entries[1:]
		} else {
			entries = entries[:limit]
		}
	}
	page.Entries = entries

	if len(entries) > 0 {
		first, last := entries[0], entries[len(entries)-1]
		page.Prev = EncodeCursor(true, first.EventTime, first.ID)
		if hasMore || filter.Cursor != "" {
			page.Next = EncodeCursor(false, last.EventTime, last.ID)
		}
	}
	return page, nil
}

func scanHistoryRows(rows *sql.Rows) ([]*token.HistoryEntry, error) {
	var out []*token.HistoryEntry
	for rows.Next() {
		var (
			e                                                   token.HistoryEntry
			typ, action                                         string
			name, ipOrCIDR, oldName, oldScopes                  sql.NullString
			scopes                                              string
			expires, oldExpires                                 sql.NullInt64
			eventTime                                           int64
			hasOldName, hasOldScopes, hasOldExpires             int
		)
		if err := rows.Scan(&e.ID, &e.Key, &e.Username, &typ, &name, &scopes, &expires, &e.Actor, &action,
			&eventTime, &ipOrCIDR, &oldName, &oldScopes, &oldExpires, &hasOldName, &hasOldScopes, &hasOldExpires); err != nil {
			return nil, fmt.Errorf("tokendb: scan history row: %w", err)
		}
		e.Type = token.Type(typ)
		e.Name = name.String
		e.Scopes = scopesFromColumn(scopes)
		e.Expires = timeFromUnix(expires)
		e.Action = token.Action(action)
		e.EventTime = time.Unix(eventTime, 0).UTC()
		e.IPOrCIDR = ipOrCIDR.String
		if hasOldName == 1 {
			v := oldName.String
			e.OldName = &v
		}
		if hasOldScopes == 1 {
			v := scopesFromColumn(oldScopes.String)
			e.OldScopes = &v
		}
		if hasOldExpires == 1 {
			v := timeFromUnix(oldExpires)
			e.OldExpires = v
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
