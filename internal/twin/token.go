package twin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
)

// tokenProvider performs the client-credentials exchange. With caching off
// every call runs a full exchange; with caching on the token is reused until
// it is about to expire.
type tokenProvider struct {
	cc         *clientcredentials.Config
	httpClient *http.Client
	cached     oauth2.TokenSource
}

func newTokenProvider(cfg config.TwinConfig, httpClient *http.Client) *tokenProvider {
	tokenURL := cfg.TokenURL
	if strings.Contains(tokenURL, "%s") {
		tokenURL = fmt.Sprintf(tokenURL, url.PathEscape(cfg.TenantID))
	}

	p := &tokenProvider{
		cc: &clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       tokenURL,
			EndpointParams: url.Values{"resource": {cfg.Resource}},
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
	if cfg.CacheTokens {
		// The cached source keeps this context for every refresh; it only
		// carries the shared http.Client.
		p.cached = p.cc.TokenSource(p.clientContext(context.Background()))
	}
	return p
}

func (p *tokenProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *tokenProvider) token(ctx context.Context) (string, error) {
	var (
		tok *oauth2.Token
		err error
	)
	if p.cached != nil {
		tok, err = p.cached.Token()
	} else {
		tok, err = p.cc.Token(p.clientContext(ctx))
	}
	if err != nil {
		return "", classifyTokenError(err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", data.ErrAuth)
	}
	return tok.AccessToken, nil
}

func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return fmt.Errorf("%w: token endpoint returned %d: %v", data.ErrAuth, status, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: token endpoint: %v", data.ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", data.ErrAuth, err)
}
