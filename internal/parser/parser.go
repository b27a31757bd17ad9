// Package parser turns fetched HTML into content metadata: canonical URL,
// title, body text, language, and publication date. Extraction is
// deliberately conservative; a wrong canonical URL pollutes deduplication
// downstream, so anything doubtful falls back to the fetch URL.
package parser

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

const extractionMethod = "goquery"

// minTextLength is the shortest body text accepted as an article. Shorter
// pages are almost always error pages, paywalls, or navigation stubs.
const minTextLength = 120

var shortenerHosts = map[string]bool{
	"bit.ly":      true,
	"t.co":        true,
	"goo.gl":      true,
	"tinyurl.com": true,
	"ow.ly":       true,
	"buff.ly":     true,
}

// Parser is the parse stage. Safe for concurrent use.
type Parser struct {
	logger *zap.Logger
}

// New builds a Parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Process extracts content metadata from one story's HTML and forwards the
// story downstream. The HTML rides along unchanged; the archiver needs it.
func (p *Parser) Process(ctx context.Context, s *story.Story, out worker.Sender) error {
	if len(s.RawHTML.HTML) == 0 {
		return worker.Quarantinef("story %s has no html", s.ID())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(s.RawHTML.HTML))
	if err != nil {
		return worker.Quarantinef("parse html: %v", err)
	}

	fetchURL := s.BestURL()
	canonical := canonicalURL(doc, fetchURL)
	text := bodyText(doc)
	if len(text) < minTextLength {
		return worker.Quarantinef("no article text at %s", canonical)
	}
	title := articleTitle(doc)

	cm := &s.ContentMetadata
	if s.RSSEntry.Link != nil {
		cm.OriginalURL = s.RSSEntry.Link
	} else {
		cm.OriginalURL = story.String(fetchURL)
	}
	cm.URL = story.String(canonical)
	cm.NormalizedURL = story.String(NormalizeURL(canonical))
	if d := canonicalDomain(canonical); d != "" {
		cm.CanonicalDomain = story.String(d)
	}
	cm.TextContent = story.String(text)
	cm.TextExtractionMethod = story.String(extractionMethod)
	if title != "" {
		cm.ArticleTitle = story.String(title)
		cm.NormalizedArticleTitle = story.String(NormalizeTitle(title))
	}
	if lang, full := language(doc); lang != "" {
		cm.Language = story.String(lang)
		cm.FullLanguage = story.String(full)
	}
	if pub := publicationDate(doc, s); pub != "" {
		cm.PublicationDate = story.String(pub)
	}
	cm.IsHomepage = story.Bool(isHomepage(canonical))
	cm.IsShortened = story.Bool(isShortened(s.RSSEntry.Link))
	cm.ParsedDate = story.String(time.Now().UTC().Format(time.RFC3339))

	return out.Send(ctx, s)
}

// canonicalURL prefers the page's own canonical declaration over the fetch
// URL, but only when it is absolute and on a real host.
func canonicalURL(doc *goquery.Document, fetchURL string) string {
	candidates := []string{
		doc.Find(`link[rel="canonical"]`).First().AttrOr("href", ""),
		doc.Find(`meta[property="og:url"]`).First().AttrOr("content", ""),
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		u, err := url.Parse(c)
		if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		return c
	}
	return fetchURL
}

func articleTitle(doc *goquery.Document) string {
	for _, sel := range []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"]`,
	} {
		if t := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); t != "" {
			return t
		}
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// bodyText joins the paragraph text of the page, preferring an article
// element when one exists.
func bodyText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	var parts []string
	root.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

// language returns the ISO 639-1 code and the full declared tag.
func language(doc *goquery.Document) (code, full string) {
	full = strings.TrimSpace(doc.Find("html").First().AttrOr("lang", ""))
	if full == "" {
		full = strings.TrimSpace(doc.Find(`meta[property="og:locale"]`).First().AttrOr("content", ""))
	}
	if full == "" {
		return "", ""
	}
	code = strings.ToLower(full)
	for _, sep := range []string{"-", "_"} {
		if i := strings.Index(code, sep); i > 0 {
			code = code[:i]
		}
	}
	return code, full
}

var metaDateSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="article:published_time"]`,
	`meta[name="publish-date"]`,
	`meta[name="date"]`,
	`meta[itemprop="datePublished"]`,
}

// publicationDate extracts a publication date as YYYY-MM-DD, falling back to
// the feed's pub_date.
func publicationDate(doc *goquery.Document, s *story.Story) string {
	candidates := make([]string, 0, len(metaDateSelectors)+2)
	for _, sel := range metaDateSelectors {
		candidates = append(candidates, doc.Find(sel).First().AttrOr("content", ""))
	}
	candidates = append(candidates, doc.Find("time[datetime]").First().AttrOr("datetime", ""))
	if s.RSSEntry.PubDate != nil {
		candidates = append(candidates, *s.RSSEntry.PubDate)
	}
	for _, c := range candidates {
		if d := parseDate(strings.TrimSpace(c)); d != "" {
			return d
		}
	}
	return ""
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
}

func parseDate(v string) string {
	if v == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format("2006-01-02")
		}
	}
	return ""
}

// trackingParams are query parameters stripped during URL normalization.
var trackingParams = regexp.MustCompile(`^(utm_.*|fbclid|gclid|mc_cid|mc_eid)$`)

// NormalizeURL maps URL variants of the same page onto one key: https and
// http collapse, the www prefix and fragments drop, tracking parameters go,
// and a bare trailing slash goes.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	q := u.Query()
	for key := range q {
		if trackingParams.MatchString(strings.ToLower(key)) {
			q.Del(key)
		}
	}
	path := u.EscapedPath()
	if path == "/" {
		path = ""
	}
	normalized := "http://" + host + path
	if enc := q.Encode(); enc != "" {
		normalized += "?" + enc
	}
	return normalized
}

var titleJunk = regexp.MustCompile(`\s+`)

// NormalizeTitle lowercases and collapses whitespace, and drops a trailing
// "| Site Name" style suffix.
func NormalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, sep := range []string{" | ", " - "} {
		if i := strings.LastIndex(t, sep); i > 0 {
			t = t[:i]
		}
	}
	return titleJunk.ReplaceAllString(strings.TrimSpace(t), " ")
}

func canonicalDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func isHomepage(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Path == "" || u.Path == "/") && u.RawQuery == ""
}

func isShortened(link *string) bool {
	if link == nil {
		return false
	}
	u, err := url.Parse(*link)
	if err != nil {
		return false
	}
	return shortenerHosts[strings.ToLower(u.Hostname())]
}
