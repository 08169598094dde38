package crawler

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/polidocs/ingest-engine/pkg/models"
)

// Item is one candidate document found on a listing page.
type Item struct {
	Title   string
	URL     string
	Snippet string
}

// Extensions recognized as downloadable documents by the generic scraper.
var documentExtensions = map[string]string{
	".pdf":  "pdf",
	".doc":  "doc",
	".docx": "docx",
	".xls":  "xls",
	".xlsx": "xlsx",
	".hwp":  "hwp",
	".hwpx": "hwpx",
	".txt":  "txt",
	".html": "html",
	".htm":  "html",
}

// parseListing extracts candidate documents from a listing page. The tagged
// variant uses the source's configured CSS selectors; the generic variant
// falls back to anchor heuristics.
func parseListing(body io.Reader, pageURL string, src *models.Source) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}

	if src.ScraperType == models.ScraperTagged {
		return parseTagged(doc, base, src), nil
	}
	return parseGeneric(doc, base), nil
}

func parseTagged(doc *goquery.Document, base *url.URL, src *models.Source) []Item {
	var items []Item
	seen := make(map[string]struct{})

	doc.Find(src.ItemSelector).Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find(src.TitleSelector).First().Text())

		link := s.Find(src.LinkSelector).First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		resolved := resolveURL(base, href)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}

		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		items = append(items, Item{
			Title:   title,
			URL:     resolved,
			Snippet: strings.TrimSpace(s.Text()),
		})
	})

	return items
}

// parseGeneric walks every anchor and keeps those that look like document
// links: a recognized file extension, or a titled link inside a list row.
func parseGeneric(doc *goquery.Document, base *url.URL) []Item {
	var items []Item
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := resolveURL(base, href)
		if resolved == "" {
			return
		}

		title := strings.TrimSpace(s.Text())
		if _, isDoc := extensionOf(resolved); !isDoc {
			// Without a document extension, only keep titled links that sit
			// in a table or list row, the shape listing pages use.
			if title == "" || s.Closest("tr, li").Length() == 0 {
				return
			}
		}
		if title == "" {
			title = path.Base(resolved)
		}

		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}

		snippet := strings.TrimSpace(s.Closest("tr, li").Text())
		items = append(items, Item{Title: title, URL: resolved, Snippet: snippet})
	})

	return items
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// extensionOf returns the file type implied by a URL's path extension.
func extensionOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	fileType, ok := documentExtensions[ext]
	return fileType, ok
}

// matchKeywords applies the source's keyword filter to an item. An empty
// keyword set matches everything; otherwise any keyword appearing in the
// title or snippet is a match. Matching is case-insensitive.
func matchKeywords(keywords []string, item Item) (bool, []string) {
	if len(keywords) == 0 {
		return true, nil
	}

	title := strings.ToLower(item.Title)
	snippet := strings.ToLower(item.Snippet)

	var matched []string
	for _, kw := range keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if strings.Contains(title, needle) || strings.Contains(snippet, needle) {
			matched = append(matched, kw)
		}
	}
	return len(matched) > 0, matched
}
