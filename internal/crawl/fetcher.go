// Package crawl fetches a publisher landing page and extracts the structural
// signals the probes analyze.
package crawl

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
)

const defaultTimeout = 15 * time.Second

// adSlotSelector matches the common ad slot markup shapes.
const adSlotSelector = "ins.adsbygoogle, [data-ad-slot], [data-ad-unit], div[id^='div-gpt-ad']"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements audit.Fetcher using a Colly collector per visit.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Fetcher with a pooled HTTP transport shared across visits.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c, logger: logger}
}

// Fetch performs a single GET of url and parses the page into a CrawlInput.
func (f *Fetcher) Fetch(ctx context.Context, url string) (audit.CrawlInput, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	var (
		body     []byte
		fetchErr error
		loadTime time.Duration
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		loadTime = time.Since(start)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return audit.CrawlInput{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return audit.CrawlInput{}, fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return audit.CrawlInput{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
	}

	input, err := parsePage(url, body)
	if err != nil {
		return audit.CrawlInput{}, err
	}
	input.LoadTimeMs = loadTime.Milliseconds()
	f.logger.Debug("page fetched",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.Int("links", len(input.Links)),
		zap.Int("ad_elements", len(input.AdElements)),
	)
	return input, nil
}

// parsePage extracts title, text, links, iframes, and ad slots from the
// fetched document.
func parsePage(url string, body []byte) (audit.CrawlInput, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return audit.CrawlInput{}, fmt.Errorf("parse %s: %w", url, err)
	}

	input := audit.CrawlInput{
		URL:   url,
		HTML:  string(body),
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  normalizeText(doc.Find("body").Text()),
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			input.Links = append(input.Links, href)
		}
	})
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			input.IFrames = append(input.IFrames, src)
		}
	})
	doc.Find(adSlotSelector).Each(func(i int, s *goquery.Selection) {
		input.AdElements = append(input.AdElements, adElement(i, s))
	})
	return input, nil
}

func adElement(index int, s *goquery.Selection) audit.AdElement {
	el := audit.AdElement{
		Selector: fmt.Sprintf("%s:nth-ad(%d)", goquery.NodeName(s), index),
		Width:    intAttr(s, "width"),
		Height:   intAttr(s, "height"),
	}
	if s.HasClass("adsbygoogle") {
		el.Network = "adsense"
	} else if _, ok := s.Attr("data-ad-network"); ok {
		el.Network, _ = s.Attr("data-ad-network")
	}
	if refresh, ok := s.Attr("data-ad-refresh"); ok && refresh != "" && refresh != "0" {
		el.AutoRefresh = true
	}
	return el
}

func intAttr(s *goquery.Selection, name string) int {
	v, ok := s.Attr(name)
	if !ok {
		if style, has := s.Attr("style"); has {
			return intFromStyle(style, name)
		}
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(v, "px"))
	if err != nil {
		return 0
	}
	return n
}

// intFromStyle pulls "width:300px" style dimensions out of inline styles,
// which is how AdSense units usually declare their size.
func intFromStyle(style, name string) int {
	for _, part := range strings.Split(style, ";") {
		k, v, found := strings.Cut(part, ":")
		if !found || strings.TrimSpace(k) != name {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
