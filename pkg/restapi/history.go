package restapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
)

// historyEntryResponse is the wire shape of a token.HistoryEntry.
type historyEntryResponse struct {
	Key        string   `json:"key"`
	Username   string   `json:"username"`
	TokenType  string   `json:"token_type"`
	TokenName  string   `json:"token_name,omitempty"`
	Scopes     []string `json:"scopes"`
	Expires    *int64   `json:"expires,omitempty"`
	Actor      string   `json:"actor"`
	Action     string   `json:"action"`
	EventTime  int64    `json:"event_time"`
	IPOrCIDR   string   `json:"ip_or_cidr,omitempty"`
	OldName    *string  `json:"old_token_name,omitempty"`
	OldScopes  []string `json:"old_scopes,omitempty"`
	OldExpires *int64   `json:"old_expires,omitempty"`
}

func newHistoryEntryResponse(e *token.HistoryEntry) historyEntryResponse {
	resp := historyEntryResponse{
		Key: e.Key, Username: e.Username, TokenType: string(e.Type), TokenName: e.Name,
		Scopes: []string(e.Scopes.Sorted()), Actor: e.Actor, Action: string(e.Action),
		EventTime: e.EventTime.Unix(), IPOrCIDR: e.IPOrCIDR,
	}
	if e.Expires != nil {
		v := e.Expires.Unix()
		resp.Expires = &v
	}
	if e.OldName != nil {
		resp.OldName = e.OldName
	}
	if e.OldScopes != nil {
		resp.OldScopes = []string(e.OldScopes.Sorted())
	}
	if e.OldExpires != nil {
		v := e.OldExpires.Unix()
		resp.OldExpires = &v
	}
	return resp
}

type historyPageResponse struct {
	Entries []historyEntryResponse `json:"entries"`
}

// parseHistoryFilter reads the common query parameters shared by all three
// history endpoints: cursor, limit, and the since/until/actor/token_type/
// ip_or_cidr filters of §4.2. Every endpoint accepts all of them; the
// per-user and per-token endpoints then fix Username (and Key) themselves.
func parseHistoryFilter(r *http.Request) (tokendb.HistoryFilter, error) {
	q := r.URL.Query()
	filter := tokendb.HistoryFilter{
		Cursor:    q.Get("cursor"),
		Actor:     q.Get("actor"),
		IPOrCIDR:  q.Get("ip_or_cidr"),
		TokenType: token.Type(q.Get("token_type")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return filter, apierrors.NewInvalidRequest("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if since := q.Get("since"); since != "" {
		t, err := parseUnixParam(since)
		if err != nil {
			return filter, apierrors.NewInvalidRequest("since must be a unix timestamp")
		}
		filter.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := parseUnixParam(until)
		if err != nil {
			return filter, apierrors.NewInvalidRequest("until must be a unix timestamp")
		}
		filter.Until = &t
	}
	return filter, nil
}

func parseUnixParam(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}

// writeHistoryPage renders page as JSON and sets the Link/X-Total-Count
// headers required by §4.2's pagination contract.
func writeHistoryPage(w http.ResponseWriter, r *http.Request, page *tokendb.HistoryPage) {
	base := r.URL.Path
	var links []string
	links = append(links, fmt.Sprintf(`<%s>; rel="first"`, base))
	if page.Prev != "" {
		links = append(links, fmt.Sprintf(`<%s?cursor=%s>; rel="prev"`, base, page.Prev))
	}
	if page.Next != "" {
		links = append(links, fmt.Sprintf(`<%s?cursor=%s>; rel="next"`, base, page.Next))
	}
	if len(links) > 0 {
		w.Header().Set("Link", joinLinks(links))
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))

	entries := make([]historyEntryResponse, 0, len(page.Entries))
	for _, e := range page.Entries {
		entries = append(entries, newHistoryEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, historyPageResponse{Entries: entries})
}

func joinLinks(links []string) string {
	out := links[0]
	for _, l := range links[1:] {
		out += ", " + l
	}
	return out
}

// TokenHistory serves GET /auth/api/v1/users/{username}/tokens/{key}/change-history.
func (h *Handler) TokenHistory(w http.ResponseWriter, r *http.Request) error {
	auth, _, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		return err
	}
	filter.Username = chi.URLParam(r, "username")
	filter.Key = chi.URLParam(r, "key")

	page, err := h.manager.GetChangeHistory(r.Context(), auth, filter)
	if err != nil {
		return err
	}
	writeHistoryPage(w, r, page)
	return nil
}

// UserHistory serves GET /auth/api/v1/users/{username}/token-change-history.
func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) error {
	auth, _, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		return err
	}
	filter.Username = chi.URLParam(r, "username")

	page, err := h.manager.GetChangeHistory(r.Context(), auth, filter)
	if err != nil {
		return err
	}
	writeHistoryPage(w, r, page)
	return nil
}

// GlobalHistory serves GET /auth/api/v1/history/token-changes (admin:token required).
func (h *Handler) GlobalHistory(w http.ResponseWriter, r *http.Request) error {
	auth, _, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		return err
	}

	page, err := h.manager.GetChangeHistory(r.Context(), auth, filter)
	if err != nil {
		return err
	}
	writeHistoryPage(w, r, page)
	return nil
}
