package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPage = `<!DOCTYPE html>
<html>
<head><title>Example Publisher</title></head>
<body>
  <h1>Local news and analysis</h1>
  <p>Coverage of transit, budgets, and schools.</p>
  <a href="/privacy">Privacy</a>
  <a href="/terms">Terms</a>
  <a href="https://partner.example/out">Partner</a>
  <iframe src="https://tpc.googlesyndication.com/safeframe/1"></iframe>
  <iframe src="/embed/map"></iframe>
  <ins class="adsbygoogle" style="width:728px;height:90px" data-ad-slot="123"></ins>
  <div id="div-gpt-ad-12345" width="300" height="250" data-ad-refresh="30"></div>
</body>
</html>`

func TestFetch_ParsesPageSignals(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(testPage))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "auditor-test", Timeout: 5 * time.Second}, zap.NewNop())
	input, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, srv.URL, input.URL)
	require.Equal(t, "Example Publisher", input.Title)
	require.Contains(t, input.Text, "Local news and analysis")
	require.Len(t, input.Links, 3)
	require.Len(t, input.IFrames, 2)
	require.GreaterOrEqual(t, input.LoadTimeMs, int64(0))

	require.Len(t, input.AdElements, 2)
	adsense := input.AdElements[0]
	require.Equal(t, "adsense", adsense.Network)
	require.Equal(t, 728, adsense.Width)
	require.Equal(t, 90, adsense.Height)
	require.False(t, adsense.AutoRefresh)

	gpt := input.AdElements[1]
	require.Equal(t, 300, gpt.Width)
	require.Equal(t, 250, gpt.Height)
	require.True(t, gpt.AutoRefresh)
}

func TestFetch_ServerErrorIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetch_ContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second}, zap.NewNop())
	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParsePage_EmptyBody(t *testing.T) {
	t.Parallel()

	input, err := parsePage("https://example.com", nil)
	require.NoError(t, err)
	require.Empty(t, input.Text)
	require.Empty(t, input.Links)
}
