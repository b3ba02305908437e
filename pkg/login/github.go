package login

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/time/rate"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/logger"
	"github.com/lsst/gafaelfawr/pkg/token"
)

// userAgent identifies the gateway to upstream identity providers.
const userAgent = "gafaelfawr/1.0"

// GitHubProvider authenticates against github.com via OAuth2, fetching user
// identity and team membership after exchange rather than introspecting an
// opaque token (GitHub.com has no token introspection endpoint).
type GitHubProvider struct {
	oauth2      *oauth2.Config
	client      *http.Client
	rateLimiter *rate.Limiter
}

// NewGitHubProvider constructs a GitHubProvider.
func NewGitHubProvider(clientID, clientSecret, redirectURL string, scopes []string) *GitHubProvider {
	if len(scopes) == 0 {
		scopes = []string{"read:user", "read:org"}
	}
	return &GitHubProvider{
		oauth2: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     github.Endpoint,
		},
		client:      &http.Client{Timeout: 15 * time.Second},
		rateLimiter: rate.NewLimiter(50, 100),
	}
}

// UsesPKCE reports that GitHub.com does not support PKCE.
func (*GitHubProvider) UsesPKCE() bool { return false }

// AuthCodeURL returns GitHub's authorization URL for state.
func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.oauth2.AuthCodeURL(state)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubOrg struct {
	Login string `json:"login"`
}

// Exchange trades code for a GitHub access token, then fetches the
// authenticated user and their organizations to build identity and groups.
func (p *GitHubProvider) Exchange(ctx context.Context, code, _ string) (token.UserInfo, error) {
	tok, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return token.UserInfo{}, apierrors.NewProviderFailure("failed to exchange GitHub authorization code", err)
	}

	client := p.oauth2.Client(ctx, tok)
	client.Timeout = 15 * time.Second

	user, err := p.fetchUser(ctx, client)
	if err != nil {
		return token.UserInfo{}, err
	}
	groups, err := p.fetchOrgs(ctx, client)
	if err != nil {
		// Organization membership is best-effort: a user with no public
		// orgs, or a token missing read:org, should still be able to log in.
		logger.Warnf("login: failed to fetch GitHub organizations for %s: %v", user.Login, err)
	}

	return token.UserInfo{
		Username: user.Login,
		Name:     user.Name,
		UID:      strconv.FormatInt(user.ID, 10),
		Email:    user.Email,
		Groups:   groups,
	}, nil
}

func (p *GitHubProvider) fetchUser(ctx context.Context, client *http.Client) (*githubUser, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, apierrors.NewProviderFailure("rate limit wait failed", err)
	}
	var user githubUser
	if err := p.getJSON(ctx, client, "https://api.github.com/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, apierrors.NewProviderFailure("GitHub user response missing id", nil)
	}
	return &user, nil
}

func (p *GitHubProvider) fetchOrgs(ctx context.Context, client *http.Client) ([]string, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var orgs []githubOrg
	if err := p.getJSON(ctx, client, "https://api.github.com/user/orgs", &orgs); err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(orgs))
	for _, o := range orgs {
		groups = append(groups, o.Login)
	}
	return groups, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apierrors.NewProviderFailure("failed to build GitHub API request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return apierrors.NewProviderFailure(fmt.Sprintf("GitHub API request to %s failed", url), err)
	}
	defer resp.Body.Close()

	const maxResponseSize = 256 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return apierrors.NewProviderFailure("failed to read GitHub API response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apierrors.NewProviderFailure(fmt.Sprintf("GitHub API %s returned status %d", url, resp.StatusCode), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierrors.NewProviderFailure("failed to decode GitHub API response", err)
	}
	return nil
}
