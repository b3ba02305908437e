// Package tokenmanager implements the token manager (C3): the authoritative
// lifecycle for opaque bearer tokens, orchestrating the token store (C1) and
// token database (C2).
package tokenmanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/logger"
	"github.com/lsst/gafaelfawr/pkg/metrics"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenstore"
)

// adminScope is granted to any username present in the admin allow-list.
const adminScope = "admin:token"

// minTokenNameLen and maxTokenNameLen bound token_name, per spec §4.3.
const (
	minTokenNameLen = 1
	maxTokenNameLen = 64
)

// Auth describes the authenticated caller making a token-manager request.
type Auth struct {
	Username string
	Scopes   token.Scopes
	IsAdmin  bool
}

func (a Auth) canActAs(owner string) bool {
	return a.Username == owner || a.Scopes.Contains(adminScope)
}

// Manager is the C3 token manager.
type Manager struct {
	store           *tokenstore.Store
	db              *tokendb.DB
	knownScopes     map[string]struct{}
	groupMapping    map[string][]string
	sessionLifetime time.Duration
	minExpiresLead  time.Duration
	group           singleflight.Group
}

// Config bundles the manager's static dependencies.
type Config struct {
	Store           *tokenstore.Store
	DB              *tokendb.DB
	KnownScopes     map[string]string
	GroupMapping    map[string][]string
	SessionLifetime time.Duration
	MinExpiresLead  time.Duration
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	known := make(map[string]struct{}, len(cfg.KnownScopes))
	for name := range cfg.KnownScopes {
		known[name] = struct{}{}
	}
	return &Manager{
		store:           cfg.Store,
		db:              cfg.DB,
		knownScopes:     known,
		groupMapping:    cfg.GroupMapping,
		sessionLifetime: cfg.SessionLifetime,
		minExpiresLead:  cfg.MinExpiresLead,
	}
}

// DeriveScopes computes the scope set for a freshly-authenticated user:
// the union of group_mapping entries for each of the user's groups, plus
// admin:token if isAdmin.
func (m *Manager) DeriveScopes(groups []string, isAdmin bool) token.Scopes {
	set := map[string]struct{}{}
	for _, group := range groups {
		for _, scope := range m.groupMapping[group] {
			set[scope] = struct{}{}
		}
	}
	if isAdmin {
		set[adminScope] = struct{}{}
	}
	out := make(token.Scopes, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out.Sorted()
}

func (m *Manager) validateScopes(requested token.Scopes, creatorScopes token.Scopes, adminRequest bool) error {
	for _, s := range requested {
		if _, ok := m.knownScopes[s]; !ok {
			return apierrors.NewBadScopes(fmt.Sprintf("scope %q is not a known scope", s), "body", "scopes")
		}
	}
	if !adminRequest && !requested.Subset(creatorScopes) {
		return apierrors.NewBadScopes("requested scopes exceed the creator's own scopes", "body", "scopes")
	}
	return nil
}

func (m *Manager) validateExpires(expires *time.Time, now time.Time) error {
	if expires == nil {
		return nil
	}
	if expires.Before(now.Add(m.minExpiresLead)) {
		return apierrors.NewBadExpires(
			fmt.Sprintf("expires must be at least %s in the future", m.minExpiresLead), "body", "expires")
	}
	return nil
}

func validateTokenName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(name) < minTokenNameLen || len(name) > maxTokenNameLen || trimmed == "" {
		return apierrors.NewBadScopes("token_name must be 1-64 characters and not all whitespace", "body", "token_name")
	}
	return nil
}

// CreateSessionToken mints a fresh session token from upstream user
// identity, storing it in both C1 and C2 and recording a create history entry.
func (m *Manager) CreateSessionToken(ctx context.Context, info token.UserInfo, scopes token.Scopes, ip string) (token.Token, error) {
	tok, err := token.New()
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to generate token", err)
	}

	now := time.Now().UTC()
	data := &token.Data{
		Token: tok, Username: info.Username, Type: token.TypeSession,
		Scopes: scopes.Sorted(), Created: now, UserInfo: info,
	}
	dbInfo := &token.Info{
		Key: tok.Key, Username: info.Username, Type: token.TypeSession,
		Scopes: scopes.Sorted(), Created: now,
	}

	if err := m.insertWithHistory(ctx, dbInfo, data, ip); err != nil {
		return token.Token{}, err
	}
	return tok, nil
}

// CreateUserToken mints a named, long-lived user token on behalf of owner.
func (m *Manager) CreateUserToken(
	ctx context.Context, auth Auth, owner, name string, scopes token.Scopes, expires *time.Time, ip string,
) (token.Token, error) {
	if !auth.canActAs(owner) {
		return token.Token{}, apierrors.NewPermissionDenied("cannot create tokens for another user")
	}
	if err := validateTokenName(name); err != nil {
		return token.Token{}, err
	}
	now := time.Now().UTC()
	if err := m.validateExpires(expires, now); err != nil {
		return token.Token{}, err
	}
	if err := m.validateScopes(scopes, auth.Scopes, auth.Scopes.Contains(adminScope)); err != nil {
		return token.Token{}, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to generate token", err)
	}

	data := &token.Data{
		Token: tok, Username: owner, Type: token.TypeUser,
		Scopes: scopes.Sorted(), Created: now, Expires: expires,
	}
	dbInfo := &token.Info{
		Key: tok.Key, Username: owner, Type: token.TypeUser, Name: name,
		Scopes: scopes.Sorted(), Created: now, Expires: expires,
	}

	if err := m.insertWithHistory(ctx, dbInfo, data, ip); err != nil {
		if isUniqueViolation(err) {
			return token.Token{}, apierrors.NewDuplicateTokenName(
				fmt.Sprintf("token_name %q is already in use", name), "body", "token_name")
		}
		return token.Token{}, err
	}
	metrics.TokenMutations.WithLabelValues("create").Inc()
	return tok, nil
}

// AdminTokenRequest describes an admin-minted token (spec §4.3
// create_token_from_admin_request): either a user or service principal.
type AdminTokenRequest struct {
	Username string
	Type     token.Type // TypeUser or TypeService
	Name     string
	Scopes   token.Scopes
	Expires  *time.Time
}

// CreateTokenFromAdminRequest mints a user or service token on an admin's behalf.
func (m *Manager) CreateTokenFromAdminRequest(ctx context.Context, auth Auth, req AdminTokenRequest, ip string) (token.Token, error) {
	if !auth.Scopes.Contains(adminScope) {
		return token.Token{}, apierrors.NewPermissionDenied("admin:token scope is required")
	}
	if req.Type != token.TypeUser && req.Type != token.TypeService {
		return token.Token{}, apierrors.NewBadScopes("type must be user or service", "body", "type")
	}
	if err := validateTokenName(req.Name); err != nil {
		return token.Token{}, err
	}
	now := time.Now().UTC()
	if err := m.validateExpires(req.Expires, now); err != nil {
		return token.Token{}, err
	}
	if err := m.validateScopes(req.Scopes, nil, true); err != nil {
		return token.Token{}, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to generate token", err)
	}

	data := &token.Data{
		Token: tok, Username: req.Username, Type: req.Type,
		Scopes: req.Scopes.Sorted(), Created: now, Expires: req.Expires,
	}
	dbInfo := &token.Info{
		Key: tok.Key, Username: req.Username, Type: req.Type, Name: req.Name,
		Scopes: req.Scopes.Sorted(), Created: now, Expires: req.Expires,
	}

	if err := m.insertWithHistory(ctx, dbInfo, data, ip); err != nil {
		if isUniqueViolation(err) {
			return token.Token{}, apierrors.NewDuplicateTokenName(
				fmt.Sprintf("token_name %q is already in use for %s", req.Name, req.Username), "body", "token_name")
		}
		return token.Token{}, err
	}
	metrics.TokenMutations.WithLabelValues("create").Inc()
	return tok, nil
}

// GetNotebookToken returns the idempotent per-parent notebook token,
// minting one if none exists yet.
func (m *Manager) GetNotebookToken(ctx context.Context, parent *token.Data, ip string) (token.Token, error) {
	dedupeKey := "notebook:" + parent.Token.Key
	v, err, _ := m.group.Do(dedupeKey, func() (any, error) {
		return m.getOrMintNotebook(ctx, parent, ip)
	})
	if err != nil {
		return token.Token{}, err
	}
	return v.(token.Token), nil
}

func (m *Manager) getOrMintNotebook(ctx context.Context, parent *token.Data, ip string) (token.Token, error) {
	existing, err := tokendb.FindNotebookChild(ctx, m.db.DB(), parent.Token.Key)
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to look up notebook token", err)
	}
	if existing != nil {
		return m.rehydrateChild(ctx, existing)
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to generate token", err)
	}
	now := time.Now().UTC()
	data := &token.Data{
		Token: tok, Username: parent.Username, Type: token.TypeNotebook,
		Scopes: parent.Scopes, Created: now, Expires: parent.Expires, Parent: parent.Token.Key,
		UserInfo: parent.UserInfo,
	}
	dbInfo := &token.Info{
		Key: tok.Key, Username: parent.Username, Type: token.TypeNotebook,
		Scopes: parent.Scopes, Created: now, Expires: parent.Expires, Parent: parent.Token.Key,
	}

	if err := m.insertWithHistory(ctx, dbInfo, data, ip); err != nil {
		if isUniqueViolation(err) {
			// Lost the race: another writer inserted first; return its token.
			existing, findErr := tokendb.FindNotebookChild(ctx, m.db.DB(), parent.Token.Key)
			if findErr != nil || existing == nil {
				return token.Token{}, apierrors.NewInternal("failed to resolve concurrent notebook token", findErr)
			}
			return m.rehydrateChild(ctx, existing)
		}
		return token.Token{}, err
	}
	return tok, nil
}

// GetInternalToken returns the idempotent per-(parent, service, scopes)
// internal token, minting one if none exists yet.
func (m *Manager) GetInternalToken(ctx context.Context, parent *token.Data, service string, scopes token.Scopes, ip string) (token.Token, error) {
	scopeKey := scopes.Key()
	dedupeKey := "internal:" + parent.Token.Key + ":" + service + ":" + scopeKey
	v, err, _ := m.group.Do(dedupeKey, func() (any, error) {
		return m.getOrMintInternal(ctx, parent, service, scopes, ip)
	})
	if err != nil {
		return token.Token{}, err
	}
	return v.(token.Token), nil
}

func (m *Manager) getOrMintInternal(ctx context.Context, parent *token.Data, service string, scopes token.Scopes, ip string) (token.Token, error) {
	scopeKey := scopes.Key()
	existing, err := tokendb.FindInternalChild(ctx, m.db.DB(), parent.Token.Key, service, scopeKey)
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to look up internal token", err)
	}
	if existing != nil {
		return m.rehydrateChild(ctx, existing)
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to generate token", err)
	}
	now := time.Now().UTC()
	data := &token.Data{
		Token: tok, Username: parent.Username, Type: token.TypeInternal,
		Scopes: scopes.Sorted(), Created: now, Expires: parent.Expires, Parent: parent.Token.Key,
		UserInfo: parent.UserInfo,
	}
	dbInfo := &token.Info{
		Key: tok.Key, Username: parent.Username, Type: token.TypeInternal, Name: service,
		Scopes: scopes.Sorted(), Created: now, Expires: parent.Expires, Parent: parent.Token.Key,
	}

	if err := m.insertWithHistory(ctx, dbInfo, data, ip); err != nil {
		if isUniqueViolation(err) {
			existing, findErr := tokendb.FindInternalChild(ctx, m.db.DB(), parent.Token.Key, service, scopeKey)
			if findErr != nil || existing == nil {
				return token.Token{}, apierrors.NewInternal("failed to resolve concurrent internal token", findErr)
			}
			return m.rehydrateChild(ctx, existing)
		}
		return token.Token{}, err
	}
	return tok, nil
}

// rehydrateChild looks up a child token's secret is not knowable from C2
// alone (C2 never stores secrets); an idempotent re-request must therefore
// re-read C1 for the winning row. If the cache entry has expired from C1
// (but C2 still shows it live), the caller will observe a cache miss on the
// next get_data, which is an accepted race under §5's idempotence contract.
func (m *Manager) rehydrateChild(ctx context.Context, info *token.Info) (token.Token, error) {
	data, err := m.store.Get(ctx, info.Key)
	if err != nil {
		return token.Token{}, apierrors.NewInternal("failed to read cached token", err)
	}
	if data == nil {
		logger.Warnf("tokenmanager: token %s present in database but missing from cache", info.Key)
		return token.Token{}, apierrors.NewNotFound("token not found")
	}
	return data.Token, nil
}

// GetData validates token and, if live, returns its cached data. Any
// mismatch, missing entry, or expiry returns (nil, nil) — not an error.
func (m *Manager) GetData(ctx context.Context, tok token.Token) (*token.Data, error) {
	data, err := m.store.Get(ctx, tok.Key)
	if err != nil {
		return nil, apierrors.NewInternal("failed to read token cache", err)
	}
	if data == nil {
		return nil, nil
	}
	if !token.SecretMatches(data.Token.Secret, tok.Secret) {
		return nil, nil
	}
	if data.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return data, nil
}

// GetTokenInfoUnchecked resolves a key to its durable TokenInfo without
// validating a secret, logging but masking the case where a key is present
// in C1 but absent from C2 (spec §9 "Open question" — preserved exactly).
func (m *Manager) GetTokenInfoUnchecked(ctx context.Context, key string) (*token.Info, error) {
	info, err := tokendb.GetToken(ctx, m.db.DB(), key)
	if err == tokendb.ErrTokenNotFound {
		cached, cacheErr := m.store.Get(ctx, key)
		if cacheErr == nil && cached != nil {
			logger.Warnf("tokenmanager: token %s present in cache but missing from database", key)
		}
		return nil, apierrors.NewNotFound("token not found")
	}
	if err != nil {
		return nil, apierrors.NewInternal("failed to read token database", err)
	}
	return info, nil
}

// ListTokens returns all tokens owned by owner, subject to ACL.
func (m *Manager) ListTokens(ctx context.Context, auth Auth, owner string) ([]*token.Info, error) {
	if !auth.canActAs(owner) {
		return nil, apierrors.NewPermissionDenied("cannot list tokens for another user")
	}
	infos, err := tokendb.ListTokensForUser(ctx, m.db.DB(), owner)
	if err != nil {
		return nil, apierrors.NewInternal("failed to list tokens", err)
	}
	return infos, nil
}

// ModifyFields describes the optional edits accepted by ModifyToken.
type ModifyFields struct {
	Name         *string
	Scopes       *token.Scopes
	Expires      *time.Time
	ClearExpires bool
}

// ModifyToken edits a live user token, recording an edit history entry with
// old_* snapshots for every changed field.
func (m *Manager) ModifyToken(ctx context.Context, auth Auth, owner, key string, fields ModifyFields, ip string) (*token.Info, error) {
	if !auth.canActAs(owner) {
		return nil, apierrors.NewPermissionDenied("cannot modify tokens for another user")
	}

	current, err := tokendb.GetToken(ctx, m.db.DB(), key)
	if err == tokendb.ErrTokenNotFound {
		return nil, apierrors.NewNotFound("token not found")
	}
	if err != nil {
		return nil, apierrors.NewInternal("failed to read token", err)
	}
	if current.Username != owner {
		return nil, apierrors.NewNotFound("token not found")
	}
	if current.Type != token.TypeUser {
		return nil, apierrors.NewPermissionDenied("only user tokens may be modified")
	}

	now := time.Now().UTC()
	if fields.Name != nil {
		if err := validateTokenName(*fields.Name); err != nil {
			return nil, err
		}
	}
	if fields.Scopes != nil {
		if err := m.validateScopes(*fields.Scopes, auth.Scopes, auth.Scopes.Contains(adminScope)); err != nil {
			return nil, err
		}
	}
	if !fields.ClearExpires && fields.Expires != nil {
		if err := m.validateExpires(fields.Expires, now); err != nil {
			return nil, err
		}
	}

	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return nil, apierrors.NewInternal("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	entry := &token.HistoryEntry{
		Key: key, Username: owner, Type: token.TypeUser, Name: current.Name, Scopes: current.Scopes,
		Expires: current.Expires, Actor: auth.Username, Action: token.ActionEdit, EventTime: now, IPOrCIDR: ip,
	}
	if fields.Name != nil && *fields.Name != current.Name {
		old := current.Name
		entry.OldName = &old
		entry.Name = *fields.Name
	}
	if fields.Scopes != nil {
		old := current.Scopes
		entry.OldScopes = &old
		entry.Scopes = fields.Scopes.Sorted()
	}
	if fields.ClearExpires {
		entry.OldExpires = current.Expires
		entry.Expires = nil
	} else if fields.Expires != nil {
		entry.OldExpires = current.Expires
		entry.Expires = fields.Expires
	}

	if err := tokendb.ModifyToken(ctx, tx, key, fields.Name, fields.Scopes, fields.Expires, fields.ClearExpires); err != nil {
		if isUniqueViolation(err) {
			return nil, apierrors.NewDuplicateTokenName("token_name is already in use", "body", "token_name")
		}
		return nil, apierrors.NewInternal("failed to modify token", err)
	}
	if err := tokendb.AppendHistory(ctx, tx, entry); err != nil {
		return nil, apierrors.NewInternal("failed to record history", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apierrors.NewInternal("failed to commit transaction", err)
	}

	metrics.TokenMutations.WithLabelValues("modify").Inc()
	return tokendb.GetToken(ctx, m.db.DB(), key)
}

// DeleteToken revokes key and cascades to any notebook/internal children,
// recording a revoke history entry for the token and each cascaded child.
func (m *Manager) DeleteToken(ctx context.Context, auth Auth, owner, key string, ip string) error {
	if !auth.canActAs(owner) {
		return apierrors.NewPermissionDenied("cannot delete tokens for another user")
	}

	current, err := tokendb.GetToken(ctx, m.db.DB(), key)
	if err == tokendb.ErrTokenNotFound {
		return apierrors.NewNotFound("token not found")
	}
	if err != nil {
		return apierrors.NewInternal("failed to read token", err)
	}
	if current.Username != owner {
		return apierrors.NewNotFound("token not found")
	}

	children, err := tokendb.ListChildren(ctx, m.db.DB(), key)
	if err != nil {
		return apierrors.NewInternal("failed to list token children", err)
	}

	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return apierrors.NewInternal("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	if err := m.revokeWithHistory(ctx, tx, current, auth.Username, ip, now); err != nil {
		return err
	}
	for _, child := range children {
		if err := m.revokeWithHistory(ctx, tx, child, auth.Username, ip, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apierrors.NewInternal("failed to commit transaction", err)
	}

	if err := m.store.Delete(ctx, key); err != nil {
		logger.Warnf("tokenmanager: failed to evict %s from cache after revocation: %v", key, err)
	}
	for _, child := range children {
		if err := m.store.Delete(ctx, child.Key); err != nil {
			logger.Warnf("tokenmanager: failed to evict %s from cache after cascade: %v", child.Key, err)
		}
	}
	metrics.TokenMutations.WithLabelValues("revoke").Inc()
	return nil
}

func (m *Manager) revokeWithHistory(ctx context.Context, tx *sql.Tx, info *token.Info, actor, ip string, now time.Time) error {
	if err := tokendb.RevokeToken(ctx, tx, info.Key); err != nil {
		return apierrors.NewInternal("failed to revoke token", err)
	}
	entry := &token.HistoryEntry{
		Key: info.Key, Username: info.Username, Type: info.Type, Name: info.Name, Scopes: info.Scopes,
		Expires: info.Expires, Actor: actor, Action: token.ActionRevoke, EventTime: now, IPOrCIDR: ip,
	}
	if err := tokendb.AppendHistory(ctx, tx, entry); err != nil {
		return apierrors.NewInternal("failed to record history", err)
	}
	return nil
}

// GetChangeHistory returns a page of the global change history, subject to
// ACL (only admins may omit a username filter that scopes to themselves).
func (m *Manager) GetChangeHistory(ctx context.Context, auth Auth, filter tokendb.HistoryFilter) (*tokendb.HistoryPage, error) {
	if filter.Username == "" && !auth.Scopes.Contains(adminScope) {
		return nil, apierrors.NewPermissionDenied("admin:token scope is required to view global history")
	}
	if filter.Username != "" && !auth.canActAs(filter.Username) {
		return nil, apierrors.NewPermissionDenied("cannot view another user's history")
	}
	page, err := tokendb.QueryHistory(ctx, m.db.DB(), filter)
	if err != nil {
		if _, ok := err.(*apierrors.Error); ok {
			return nil, err
		}
		return nil, apierrors.NewInternal("failed to query history", err)
	}
	return page, nil
}

func (m *Manager) insertWithHistory(ctx context.Context, info *token.Info, data *token.Data, ip string) error {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return apierrors.NewInternal("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tokendb.InsertToken(ctx, tx, info); err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return apierrors.NewInternal("failed to insert token", err)
	}

	entry := &token.HistoryEntry{
		Key: info.Key, Username: info.Username, Type: info.Type, Name: info.Name, Scopes: info.Scopes,
		Expires: info.Expires, Actor: info.Username, Action: token.ActionCreate,
		EventTime: info.Created, IPOrCIDR: ip,
	}
	if err := tokendb.AppendHistory(ctx, tx, entry); err != nil {
		return apierrors.NewInternal("failed to record history", err)
	}

	if err := tx.Commit(); err != nil {
		return apierrors.NewInternal("failed to commit transaction", err)
	}

	ttl := tokenstore.TTLForExpires(data.Expires, data.Created, m.sessionLifetime)
	if err := m.store.Put(ctx, data, ttl); err != nil {
		return apierrors.NewInternal("failed to cache token", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
