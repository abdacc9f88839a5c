package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, td, th, dt, dd, pre, blockquote, " +
	"caption, figcaption, div, section, article, header, footer, main, aside"

// PageText reduces an HTML page to its readable text blocks, one per line.
// Blocks with fewer than minWords words are dropped.
func PageText(html []byte, minWords int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	var lines []string
	if title := collapseSpace(doc.Find("title").First().Text()); title != "" {
		lines = append(lines, title)
	}
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Only leaf blocks, so nested containers do not repeat their children.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		text := collapseSpace(s.Text())
		if text == "" || len(strings.Fields(text)) < minWords {
			return
		}
		lines = append(lines, text)
	})
	if len(lines) == 0 {
		if body := collapseSpace(doc.Find("body").Text()); body != "" {
			lines = append(lines, body)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
