package embed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/vidway/vidway/internal/resolver/httpx"
)

// HTTPCreator creates embed surfaces by fetching the mirror's embed page
// and verifying it actually contains a player document. Mirror domains come
// and go, and a dead one often answers 200 with a parking page, so the
// document is inspected rather than trusted by status code alone.
type HTTPCreator struct {
	http   *httpx.Client
	logger *slog.Logger
}

// NewHTTPCreator creates an HTTP-backed embed surface creator
func NewHTTPCreator(timeout time.Duration, logger *slog.Logger) *HTTPCreator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCreator{
		http: httpx.New(httpx.Config{
			Timeout: timeout,
			// Mirror probing gets one shot per domain; the chain itself
			// is the retry mechanism.
			MaxRetries: 1,
		}),
		logger: logger,
	}
}

// Create fetches the embed URL and returns a surface on a playable document
func (c *HTTPCreator) Create(ctx context.Context, url string) (Surface, error) {
	resp, err := c.http.Get(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("embed fetch failed: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("embed page unparsable: %w", err)
	}
	if !hasPlayerMarkup(doc) {
		return nil, fmt.Errorf("embed page at %s has no player markup", url)
	}

	return &httpSurface{url: url, logger: c.logger}, nil
}

// hasPlayerMarkup reports whether the document looks like a real embed
// player rather than a parking or error page.
func hasPlayerMarkup(doc *goquery.Document) bool {
	if doc.Find("iframe").Length() > 0 {
		return true
	}
	if doc.Find("video").Length() > 0 {
		return true
	}
	found := false
	doc.Find("div[id], div[class]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, _ := sel.Attr("id")
		class, _ := sel.Attr("class")
		if containsPlayerHint(id) || containsPlayerHint(class) {
			found = true
			return false
		}
		return true
	})
	return found
}

// containsPlayerHint matches the container names embed players conventionally use
func containsPlayerHint(s string) bool {
	for _, hint := range []string{"player", "video", "embed"} {
		if s != "" && bytes.Contains(bytes.ToLower([]byte(s)), []byte(hint)) {
			return true
		}
	}
	return false
}

// httpSurface is the surface handle for a verified embed page. The page
// runs in an external webview; the handle only tracks geometry and release.
type httpSurface struct {
	url    string
	logger *slog.Logger
	width  int
	height int
}

func (s *httpSurface) Resize(width, height int) {
	s.width = width
	s.height = height
	s.logger.Debug("embed surface resized", "url", s.url, "width", width, "height", height)
}

func (s *httpSurface) Release() {
	s.logger.Debug("embed surface released", "url", s.url)
}

// URL returns the embed page address the surface points at
func (s *httpSurface) URL() string {
	return s.url
}
