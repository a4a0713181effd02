package fetch

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// minArticleChars is the threshold below which a landmark-scoped extraction
// is considered too thin to be the real article body.
const minArticleChars = 200

var strippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
}

// extractHTML pulls readable text, a title and a publication date out of an
// HTML document. Extraction is attempted in order of quality: article/main
// landmarks, readability, then a bare tag-stripping walk over the whole tree.
func extractHTML(body []byte, pageURL string) (text, title string, published *time.Time, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", nil, err
	}

	title = pageTitle(doc)
	published = publishedAt(doc)

	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe").Remove()
	for _, sel := range []string{"article", "main", "[role=main]"} {
		candidate := collapseWhitespace(doc.Find(sel).First().Text())
		if len(candidate) >= minArticleChars {
			return candidate, title, published, nil
		}
	}

	if parsed, perr := url.Parse(pageURL); perr == nil {
		if article, rerr := readability.FromReader(bytes.NewReader(body), parsed); rerr == nil {
			if title == "" {
				title = article.Title
			}
			if content, cerr := goquery.NewDocumentFromReader(strings.NewReader(article.Content)); cerr == nil {
				if text = collapseWhitespace(content.Text()); text != "" {
					return text, title, published, nil
				}
			}
		}
	}

	return stripHTMLText(body), title, published, nil
}

func pageTitle(doc *goquery.Document) string {
	if t := collapseWhitespace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return collapseWhitespace(t)
	}
	return ""
}

// publishedAt probes the usual metadata slots for a publication date.
// Pages carry dates in wildly inconsistent formats; dateparse handles the
// format guessing.
func publishedAt(doc *goquery.Document) *time.Time {
	candidates := []string{}
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
		`meta[name="publish-date"]`,
		`meta[itemprop="datePublished"]`,
	} {
		if v, ok := doc.Find(sel).Attr("content"); ok {
			candidates = append(candidates, v)
		}
	}
	if v, ok := doc.Find("time[datetime]").Attr("datetime"); ok {
		candidates = append(candidates, v)
	}

	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := dateparse.ParseAny(raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// stripHTMLText is the last-resort extractor: walk the parse tree collecting
// text nodes, skipping chrome elements. Always returns something for any
// parseable document, even if it is navigation noise.
func stripHTMLText(body []byte) string {
	node, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)

	return collapseWhitespace(b.String())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
