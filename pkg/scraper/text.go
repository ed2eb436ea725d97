package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// boilerplate lists elements that never carry page content.
const boilerplate = "script, style, noscript, template, iframe, svg, nav, header, footer, aside, form, button"

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "blockquote": true, "pre": true, "br": true,
	"hr": true, "figure": true, "figcaption": true, "td": true, "th": true,
}

// noise lines are dropped when they make up a whole line.
var noise = map[string]bool{
	"cookie policy":    true,
	"accept cookies":   true,
	"privacy policy":   true,
	"terms of service": true,
	"skip to content":  true,
}

// ExtractText returns the readable text of a document: boilerplate removed,
// the main content area preferred, one line per block element.
func ExtractText(doc *goquery.Document) string {
	doc.Find(boilerplate).Remove()

	// Try to find main content area
	selectors := []string{
		"main",
		"article",
		"[role=main]",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var root *goquery.Selection
	for _, selector := range selectors {
		if selected := doc.Find(selector).First(); selected.Length() > 0 && strings.TrimSpace(selected.Text()) != "" {
			root = selected
			break
		}
	}
	// Fallback to body if no main content found
	if root == nil {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	collectText(root, &b)
	return cleanContent(b.String())
}

func collectText(sel *goquery.Selection, b *strings.Builder) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch name {
		case "#text":
			// Line breaks inside a text node are layout, not structure.
			b.WriteString(strings.Map(func(r rune) rune {
				if r == '\n' || r == '\r' || r == '\t' {
					return ' '
				}
				return r
			}, child.Text()))
			return
		case "#comment":
			return
		}

		block := blockElements[name]
		if block {
			b.WriteString("\n")
		}
		collectText(child, b)
		if block {
			b.WriteString("\n")
		}
	})
}

func cleanContent(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		// Remove extra whitespace
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || noise[strings.ToLower(line)] {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
