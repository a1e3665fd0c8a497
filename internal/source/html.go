package source

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// HTML handles HTML files. Readability isolates the main content; when it
// loses paragraph structure the block-level walker is used instead.
type HTML struct{}

func (h *HTML) Extract(r io.Reader, filename string) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := &Document{
		Title:  findTitle(root),
		Author: findMeta(root, "author"),
	}

	body := findElement(root, "body")
	if body == nil {
		body = root
	}
	walked := walkBlocks(body)

	pageURL := &url.URL{Scheme: "file", Path: "/" + filename}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err == nil {
		paras := splitParagraphs(article.TextContent)
		if len(paras) >= len(walked) && len(paras) > 0 {
			walked = paras
		}
	}

	out.Text = joinParagraphs(walked)
	return finish(out, filename), nil
}

func splitParagraphs(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// walkBlocks collects text from headings and block elements in document
// order, skipping page chrome.
func walkBlocks(n *html.Node) []string {
	var paras []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "nav", "footer", "header", "noscript", "aside":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6", "p", "li", "td", "blockquote", "pre":
				if t := textContent(n); t != "" {
					paras = append(paras, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return paras
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func findTitle(n *html.Node) string {
	if t := findElement(n, "title"); t != nil {
		return textContent(t)
	}
	if t := findElement(n, "h1"); t != nil {
		return textContent(t)
	}
	return ""
}

func findMeta(n *html.Node, name string) string {
	if n.Type == html.ElementNode && n.Data == "meta" {
		var metaName, content string
		for _, a := range n.Attr {
			switch strings.ToLower(a.Key) {
			case "name":
				metaName = strings.ToLower(a.Val)
			case "content":
				content = a.Val
			}
		}
		if metaName == name {
			return strings.TrimSpace(content)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if v := findMeta(c, name); v != "" {
			return v
		}
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if e := findElement(c, tag); e != nil {
			return e
		}
	}
	return nil
}
