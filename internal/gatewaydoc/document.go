// Package gatewaydoc wraps a parsed HTML document and defines the Parser
// contract that per-site scrapers implement against it. The core gateway
// only builds a Document from a fetched body (its challenge and
// origin-validation checks run on the raw body string); Title, Find and
// Select are helpers for callers, and extraction is the caller's parser's
// job.
package gatewaydoc

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Document is the parsed form of a fetched page: the goquery tree plus the
// metadata a Parser implementation needs to do its own extraction.
type Document struct {
	raw      string
	finalURL string
	root     *goquery.Document
}

// Parse builds a Document from raw HTML and the final URL it was fetched
// from (post-redirect). A malformed document still returns a Document with
// a nil root's equivalent empty selection rather than an error, since a
// best-effort title/selector scan over unparseable HTML is harmless.
func Parse(raw, finalURL string) (*Document, error) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return &Document{raw: raw, finalURL: finalURL, root: root}, nil
}

// Raw returns the original, unparsed HTML body.
func (d *Document) Raw() string { return d.raw }

// FinalURL returns the URL the document was ultimately fetched from, after
// any redirects.
func (d *Document) FinalURL() string { return d.finalURL }

// Root exposes the underlying goquery tree for Parser implementations that
// need CSS-selector access beyond what this package's helpers provide.
func (d *Document) Root() *goquery.Document { return d.root }

// Title returns the document's <title> text, trimmed, or "" if absent.
func (d *Document) Title() string {
	return strings.TrimSpace(d.root.Find("title").First().Text())
}

// Find is a thin passthrough to the underlying goquery selection, letting
// callers scan (e.g.) the whitelist title marker without reaching into
// Root() themselves.
func (d *Document) Find(selector string) *goquery.Selection {
	return d.root.Find(selector)
}

// Select compiles selector with cascadia directly (rather than through
// goquery's Find) and returns the concatenated outer HTML of every match,
// falling back to the raw document when nothing matches. This serves
// Parser implementations that need to cut a marker region — e.g. an
// origin's own "access denied" banner — out of a page without re-parsing
// the body through html.Parse a second time.
func (d *Document) Select(selector string) (string, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return "", err
	}
	matches := cascadia.QueryAll(d.root.Nodes[0], sel)
	if len(matches) == 0 {
		return d.raw, nil
	}
	var buf bytes.Buffer
	for _, node := range matches {
		if err := html.Render(&buf, node); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// ParsedItem is one entry in a listing page (main page or search results):
// a title, a detail-page URL, and whatever thumbnail/metadata a site's
// Parser chooses to attach.
type ParsedItem struct {
	Title    string
	URL      string
	Thumb    string
	Metadata map[string]string
}

// ParsedLoadData is the structured result of parsing a detail/"load" page:
// enough to drive an episode list or a direct player-URL extraction.
type ParsedLoadData struct {
	Title       string
	Description string
	CoverImage  string
	Seasons     []string
	Extra       map[string]string
}

// ParsedEpisode is one entry in an episode listing, optionally filtered to
// a single season by the caller.
type ParsedEpisode struct {
	Season   string
	Episode  string
	Title    string
	LoadURL  string
	Metadata map[string]string
}

// Parser is the pure-function contract the Gateway treats every per-site
// scraper as implementing: five methods operating on a parsed Document,
// none of which perform I/O of their own. Gateway.GetMainPage,
// GetSearchResults, GetLoadPage, GetEpisodes, and GetPlayerURLs each fetch a
// Document and hand it to the matching Parser method; the Gateway itself
// never inspects markup.
type Parser interface {
	ParseMainPage(doc *Document) ([]ParsedItem, error)
	ParseSearch(doc *Document) ([]ParsedItem, error)
	ParseLoadPage(doc *Document, url string) (*ParsedLoadData, error)
	ParseEpisodes(doc *Document, season string) ([]ParsedEpisode, error)
	ExtractPlayerURLs(doc *Document) ([]string, error)
}
