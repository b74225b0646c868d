package tools

import (
	"bytes"
	"errors"
	"net/url"
	"sort"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/leonardcser/offline-agent/internal/fetch"
)

const MaxTextSize = 1 * 1024 * 1024 // 1MB

// PageSummary is a readable rendering of a response served by the agent.
type PageSummary struct {
	URL         string   `json:"url"`
	Status      int      `json:"status"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Text        string   `json:"text"`
	Links       []string `json:"links"`
}

// Summarize renders resp for a model. HTML becomes markdown, other text is
// passed through and binary bodies are rejected.
func Summarize(pageURL string, resp *fetch.Response) (*PageSummary, error) {
	if resp == nil {
		return nil, errors.New("no response")
	}
	body := resp.Body
	if len(body) > MaxTextSize {
		body = append(body[:MaxTextSize:MaxTextSize], []byte("... [response trimmed due to size]")...)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	isHTML := strings.Contains(ct, "text/html")
	isText := ct == "" || strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "javascript")
	if !isHTML && !isText {
		return nil, errors.New("unsupported content type: binary responses are not rendered")
	}

	ps := &PageSummary{URL: pageURL, Status: resp.Status}
	if !isHTML {
		ps.Text = string(body)
		return ps, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, iframe, object, embed, img, video, picture, svg, canvas, audio, source, track, map, area, form, label, input, button, select, textarea, progress").Remove()

	ps.Title = strings.TrimSpace(doc.Find("head > title").First().Text())
	ps.Description = strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", ""))
	ps.Links = extractLinks(doc, pageURL)
	plain := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	doc.Find("a").Remove()
	doc.Find("header, footer, aside").Remove()
	htmlStr, err := doc.Html()
	if err != nil {
		return nil, err
	}
	if md, err := htmltomarkdown.ConvertString(htmlStr); err == nil {
		ps.Text = md
	} else {
		ps.Text = plain
	}
	return ps, nil
}

// extractLinks returns up to 50 fragment-free links in sorted order. Links
// stay relative when pageURL is a bare path.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, _ := url.Parse(pageURL)
	set := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if !u.IsAbs() && base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		u.Fragment = ""
		set[u.String()] = struct{}{}
	})
	links := make([]string, 0, len(set))
	for l := range set {
		links = append(links, l)
	}
	sort.Strings(links)
	if len(links) > 50 {
		links = links[:50]
	}
	return links
}

func formatPageSummary(ps *PageSummary) string {
	var sb strings.Builder
	if ps.Title != "" {
		sb.WriteString("# ")
		sb.WriteString(ps.Title)
		sb.WriteString("\n\n")
	}
	if ps.Description != "" {
		sb.WriteString(ps.Description)
		sb.WriteString("\n\n")
	}
	if len(ps.Links) > 0 {
		sb.WriteString("## Links\n")
		for _, l := range ps.Links {
			sb.WriteString("- ")
			sb.WriteString(l)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(ps.Text)
	return sb.String()
}
