package youtube

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackgate/pkg/errs"
	"trackgate/pkg/provider/core"
)

const searchBody = `{
  "items": [
    {"id": {"kind": "youtube#video", "videoId": "abc123"},
     "snippet": {"title": "Shakira - Hips Don&#39;t Lie", "channelTitle": "shakiraVEVO",
                 "publishedAt": "2009-10-03T04:46:13Z", "liveBroadcastContent": "none",
                 "thumbnails": {"high": {"url": "https://i.ytimg.com/vi/abc123/hq.jpg"}}}},
    {"id": {"kind": "youtube#video", "videoId": "live1"},
     "snippet": {"title": "Shakira live now", "channelTitle": "Shakira", "liveBroadcastContent": "live"}},
    {"id": {"kind": "youtube#video", "videoId": "rx1"},
     "snippet": {"title": "Shakira reaction video", "channelTitle": "Reacts", "liveBroadcastContent": "none"}}
  ]
}`

const videosBody = `{
  "items": [
    {"id": "abc123",
     "snippet": {"title": "Hips Don't Lie", "channelTitle": "Shakira - Topic", "categoryId": "10",
                 "liveBroadcastContent": "none"},
     "contentDetails": {"duration": "PT3M38S"}},
    {"id": "vlog1",
     "snippet": {"title": "My day", "channelTitle": "Vlogger", "categoryId": "22", "liveBroadcastContent": "none"},
     "contentDetails": {"duration": "PT10M"}}
  ]
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFetcher(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		BlockedTerms: []string{"reaction"},
		HTTPClient:   srv.Client(),
	})
}

func TestFetcher_Search(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "shakira", r.URL.Query().Get("q"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "10", r.URL.Query().Get("videoCategoryId"))
		assert.Equal(t, "5", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "CO", r.URL.Query().Get("regionCode"))
		_, _ = w.Write([]byte(searchBody))
	})

	req, err := core.NewSearchRequest("Shakira", core.SearchOptions{Limit: 5, Region: "co"})
	require.NoError(t, err)

	tracks, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, tracks, 1)

	track := tracks[0]
	assert.Equal(t, "abc123", track.ID)
	assert.Equal(t, "youtube", track.Provider)
	assert.Equal(t, "Shakira", track.Artist)
	assert.Equal(t, "Hips Don't Lie", track.Title)
	assert.Equal(t, "https://i.ytimg.com/vi/abc123/hq.jpg", track.ThumbnailURL)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", track.URL)
	assert.Equal(t, 2009, track.PublishedAt.Year())
}

func TestFetcher_Details(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos", r.URL.Path)
		assert.Equal(t, "abc123", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(videosBody))
	})

	req, err := core.NewDetailsRequest("abc123")
	require.NoError(t, err)

	tracks, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "Shakira", tracks[0].Artist)
	assert.Equal(t, 3*time.Minute+38*time.Second, tracks[0].Duration)
}

func TestFetcher_DetailsNotFound(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": []}`))
	})

	req, _ := core.NewDetailsRequest("missing")
	_, err := f.Fetch(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestFetcher_TrendingFiltersNonMusic(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mostPopular", r.URL.Query().Get("chart"))
		_, _ = w.Write([]byte(videosBody))
	})

	tracks, err := f.Fetch(context.Background(), core.NewTrendingRequest("US", core.SearchOptions{}))
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "abc123", tracks[0].ID)
}

func TestFetcher_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		code      errs.ErrorCode
		retryable bool
		after     time.Duration
	}{
		{name: "quota", status: 403, body: `{"error":{"errors":[{"reason":"quotaExceeded"}],"message":"quota"}}`, code: errs.CodeQuotaExceeded},
		{name: "daily limit", status: 403, body: `{"error":{"errors":[{"reason":"dailyLimitExceeded"}]}}`, code: errs.CodeQuotaExceeded},
		{name: "rate limit", status: 403, body: `{"error":{"errors":[{"reason":"rateLimitExceeded"}]}}`, header: map[string]string{"Retry-After": "3"}, code: errs.CodeRateLimited, retryable: true, after: 3 * time.Second},
		{name: "bad key", status: 400, body: `{"error":{"errors":[{"reason":"keyInvalid"}]}}`, code: errs.CodeAuthFailed},
		{name: "unauthorized", status: 401, body: `{}`, code: errs.CodeAuthFailed},
		{name: "not found", status: 404, body: `{}`, code: errs.CodeNotFound},
		{name: "bad request", status: 400, body: `{"error":{"errors":[{"reason":"invalidParameter"}]}}`, code: errs.CodeInvalidRequest},
		{name: "server error", status: 503, body: `oops`, code: errs.CodeProviderUnavailable, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			req, _ := core.NewSearchRequest("x", core.SearchOptions{})
			_, err := f.Fetch(context.Background(), req)
			require.Error(t, err)

			var gwErr *errs.Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.code, gwErr.Code)
			assert.Equal(t, tt.retryable, gwErr.Retryable)
			assert.Equal(t, tt.after, gwErr.RetryAfter)
			assert.Equal(t, "youtube", gwErr.Provider)
			assert.Equal(t, tt.status, gwErr.StatusCode)
		})
	}
}

func TestFetcher_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := NewFetcher(Config{APIKey: "k", BaseURL: srv.URL})
	req, _ := core.NewSearchRequest("x", core.SearchOptions{})
	_, err := f.Fetch(context.Background(), req)

	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
	assert.True(t, errs.IsRetryable(err))
}

func TestFetcher_TransportErrorsOmitAPIKey(t *testing.T) {
	const secret = "AIzaSy-secret-key"

	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closed.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	for name, f := range map[string]*Fetcher{
		"连接拒绝":   NewFetcher(Config{APIKey: secret, BaseURL: closed.URL}),
		"单次往返超时": NewFetcher(Config{APIKey: secret, BaseURL: slow.URL, Timeout: 30 * time.Millisecond}),
		"非法地址":   NewFetcher(Config{APIKey: secret, BaseURL: "http://bad host\x7f"}),
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := core.NewSearchRequest("x", core.SearchOptions{})
			_, err := f.Fetch(context.Background(), req)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), secret)
			assert.NotContains(t, err.Error(), "key=")
		})
	}
}

func TestFetcher_CallerDeadline(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := core.NewSearchRequest("x", core.SearchOptions{})
	_, err := f.Fetch(ctx, req)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestFetcher_MissingKey(t *testing.T) {
	f := NewFetcher(Config{})
	assert.False(t, f.IsHealthy())

	req, _ := core.NewSearchRequest("x", core.SearchOptions{})
	_, err := f.Fetch(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrAuthFailed))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3*time.Minute+42*time.Second, ParseDuration("PT3M42S"))
	assert.Equal(t, time.Hour+5*time.Second, ParseDuration("PT1H5S"))
	assert.Equal(t, 24*time.Hour+time.Minute, ParseDuration("P1DT1M"))
	assert.Equal(t, time.Duration(0), ParseDuration("garbage"))
}

func TestSplitArtist(t *testing.T) {
	artist, song := splitArtist("Daft Punk - One More Time", "ignored")
	assert.Equal(t, "Daft Punk", artist)
	assert.Equal(t, "One More Time", song)

	artist, song = splitArtist("Believer", "Imagine Dragons - Topic")
	assert.Equal(t, "Imagine Dragons", artist)
	assert.Equal(t, "Believer", song)

	artist, _ = splitArtist("Bad Guy", "BillieEilishVEVO")
	assert.Equal(t, "BillieEilish", artist)
}
