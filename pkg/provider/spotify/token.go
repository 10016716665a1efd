package spotify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"trackgate/pkg/errs"
)

// DefaultTokenURL Spotify 账户服务的 token 地址
const DefaultTokenURL = "https://accounts.spotify.com/api/token"

// tokenEarlyExpiry token 到期前提前刷新的时间
const tokenEarlyExpiry = time.Minute

// newTokenSource 创建 client-credentials token 源，token 被缓存并在到期前刷新
func newTokenSource(clientID, clientSecret, tokenURL string, client *http.Client) oauth2.TokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	ctx := context.Background()
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(ctx), tokenEarlyExpiry)
}

// mapTokenError 将 token 获取失败转换为网关错误
func mapTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		switch {
		case status >= 500:
			return errs.Unavailable(providerName, true, err).WithStatus(status)
		case status == http.StatusTooManyRequests:
			return errs.Wrap(errs.CodeRateLimited, "token endpoint rate limited", err).
				WithProvider(providerName).WithStatus(status).AsRetryable()
		default:
			return errs.Wrap(errs.CodeAuthFailed, "spotify client credentials rejected", err).
				WithProvider(providerName).WithStatus(status)
		}
	}
	return errs.Unavailable(providerName, true, err)
}
