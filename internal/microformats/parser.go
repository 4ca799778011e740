// Package microformats extracts microformats2 items, rel values and links from HTML.
package microformats

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Data is the parsed view of one document.
type Data struct {
	Items []*webmention.Item
	Rels  map[string][]string
	// Links holds every href in the document, raw and resolved, in document order.
	Links []string
}

// Tree returns the persisted form of the parsed items and rels.
func (d *Data) Tree() *webmention.Microformats {
	if d == nil {
		return &webmention.Microformats{Items: []*webmention.Item{}, Rels: map[string][]string{}}
	}
	items := d.Items
	if items == nil {
		items = []*webmention.Item{}
	}
	return &webmention.Microformats{Items: items, Rels: d.Rels}
}

type property struct {
	prefix string
	name   string
}

type parser struct {
	base *url.URL
}

// Parse reads body as HTML. Relative URLs resolve against baseURL, or the
// document's <base href> when present. Malformed markup never fails; the
// result is simply sparser.
func Parse(body []byte, baseURL string) *Data {
	data := &Data{Items: []*webmention.Item{}, Rels: map[string][]string{}}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return data
	}

	p := &parser{base: documentBase(doc, baseURL)}
	data.Items = append(data.Items, p.findRoots(doc.Selection)...)
	data.Rels = p.rels(doc)
	data.Links = p.links(doc)
	return data
}

// ParseResponse parses a fetched page. Bodies whose Content-Type declared no
// charset are sniffed (BOM, <meta charset>) and decoded to UTF-8 first.
func ParseResponse(resp webmention.FetchResponse, baseURL string) *Data {
	if resp.HasCharset {
		return Parse([]byte(resp.Text), baseURL)
	}
	r, err := charset.NewReader(bytes.NewReader(resp.Body), resp.ContentType)
	if err != nil {
		return Parse(resp.Body, baseURL)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return Parse(resp.Body, baseURL)
	}
	return Parse(decoded, baseURL)
}

func documentBase(doc *goquery.Document, baseURL string) *url.URL {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return base
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return base
	}
	if base == nil {
		return ref
	}
	return base.ResolveReference(ref)
}

func (p *parser) findRoots(sel *goquery.Selection) []*webmention.Item {
	var items []*webmention.Item
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		if types := rootTypes(child); len(types) > 0 {
			items = append(items, p.parseItem(child, types))
			return
		}
		items = append(items, p.findRoots(child)...)
	})
	return items
}

func (p *parser) parseItem(sel *goquery.Selection, types []string) *webmention.Item {
	item := &webmention.Item{Type: types, Properties: map[string][]any{}}
	explicit := p.parseProperties(sel, item)
	p.implyProperties(sel, item, explicit)
	return item
}

// parseProperties walks the descendants of sel until it reaches nested items.
// It reports whether any p-*, e-* or nested item was found, which suppresses
// the implied name.
func (p *parser) parseProperties(sel *goquery.Selection, item *webmention.Item) bool {
	explicit := false
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		props := propertyClasses(child)
		if types := rootTypes(child); len(types) > 0 {
			explicit = true
			nested := p.parseItem(child, types)
			if len(props) == 0 {
				item.Children = append(item.Children, nested)
				return
			}
			for _, prop := range props {
				nested.Value = nestedValue(child, prop, nested)
				item.Properties[prop.name] = append(item.Properties[prop.name], nested)
			}
			return
		}
		for _, prop := range props {
			if prop.prefix == "p" || prop.prefix == "e" {
				explicit = true
			}
			item.Properties[prop.name] = append(item.Properties[prop.name], p.propertyValue(child, prop.prefix))
		}
		if p.parseProperties(child, item) {
			explicit = true
		}
	})
	return explicit
}

func (p *parser) propertyValue(sel *goquery.Selection, prefix string) any {
	tag := goquery.NodeName(sel)
	switch prefix {
	case "u":
		for _, attr := range urlAttrs(tag) {
			if v, ok := sel.Attr(attr); ok {
				return p.resolve(v)
			}
		}
		if v, ok := valueAttr(sel, tag); ok {
			return p.resolve(v)
		}
		return p.resolve(textOf(sel))
	case "dt":
		if tag == "time" || tag == "ins" || tag == "del" {
			if v, ok := sel.Attr("datetime"); ok {
				return strings.TrimSpace(v)
			}
		}
		if v, ok := valueAttr(sel, tag); ok {
			return v
		}
		return textOf(sel)
	case "e":
		html, err := sel.Html()
		if err != nil {
			html = ""
		}
		return map[string]any{"html": strings.TrimSpace(html), "value": textOf(sel)}
	default:
		if v, ok := valueAttr(sel, tag); ok {
			return v
		}
		if tag == "img" || tag == "area" {
			if v, ok := sel.Attr("alt"); ok {
				return strings.TrimSpace(v)
			}
		}
		return textOf(sel)
	}
}

func (p *parser) implyProperties(sel *goquery.Selection, item *webmention.Item, explicit bool) {
	tag := goquery.NodeName(sel)
	if _, ok := item.Properties["name"]; !ok && !explicit {
		item.Properties["name"] = []any{impliedName(sel, tag)}
	}
	if _, ok := item.Properties["photo"]; !ok {
		if src := impliedPhoto(sel, tag); src != "" {
			item.Properties["photo"] = []any{p.resolve(src)}
		}
	}
	if _, ok := item.Properties["url"]; !ok {
		if href := impliedURL(sel, tag); href != "" {
			item.Properties["url"] = []any{p.resolve(href)}
		}
	}
}

func impliedName(sel *goquery.Selection, tag string) string {
	if tag == "img" || tag == "area" {
		if v, ok := sel.Attr("alt"); ok {
			return strings.TrimSpace(v)
		}
	}
	if tag == "abbr" {
		if v, ok := sel.Attr("title"); ok {
			return strings.TrimSpace(v)
		}
	}
	if only := onlyChild(sel, "img[alt]"); only != nil {
		v, _ := only.Attr("alt")
		return strings.TrimSpace(v)
	}
	return textOf(sel)
}

func impliedPhoto(sel *goquery.Selection, tag string) string {
	if tag == "img" {
		v, _ := sel.Attr("src")
		return v
	}
	if only := onlyChild(sel, "img[src]"); only != nil {
		v, _ := only.Attr("src")
		return v
	}
	return ""
}

func impliedURL(sel *goquery.Selection, tag string) string {
	if tag == "a" || tag == "area" {
		v, _ := sel.Attr("href")
		return v
	}
	if only := onlyChild(sel, "a[href]"); only != nil {
		v, _ := only.Attr("href")
		return v
	}
	return ""
}

// onlyChild returns the single child matching selector when it is not itself an item.
func onlyChild(sel *goquery.Selection, selector string) *goquery.Selection {
	matches := sel.ChildrenFiltered(selector)
	if matches.Length() != 1 || len(rootTypes(matches)) > 0 {
		return nil
	}
	return matches
}

func nestedValue(sel *goquery.Selection, prop property, nested *webmention.Item) string {
	key := "name"
	if prop.prefix == "u" {
		key = "url"
	}
	if vals := nested.Properties[key]; len(vals) > 0 {
		if s, ok := vals[0].(string); ok {
			return s
		}
	}
	return textOf(sel)
}

func (p *parser) rels(doc *goquery.Document) map[string][]string {
	rels := map[string][]string{}
	doc.Find("a[rel][href], link[rel][href], area[rel][href]").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		href, _ := s.Attr("href")
		resolved := p.resolve(href)
		for _, r := range strings.Fields(strings.ToLower(rel)) {
			if !contains(rels[r], resolved) {
				rels[r] = append(rels[r], resolved)
			}
		}
	})
	return rels
}

func (p *parser) links(doc *goquery.Document) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	doc.Find("[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		add(href)
		add(p.resolve(href))
	})
	return out
}

func (p *parser) resolve(href string) string {
	href = strings.TrimSpace(href)
	if p.base == nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(ref).String()
}

func rootTypes(sel *goquery.Selection) []string {
	var types []string
	for _, class := range classes(sel) {
		if name, ok := strings.CutPrefix(class, "h-"); ok && validName(name) && !contains(types, class) {
			types = append(types, class)
		}
	}
	return types
}

func propertyClasses(sel *goquery.Selection) []property {
	var props []property
	for _, class := range classes(sel) {
		prefix, name, ok := strings.Cut(class, "-")
		if !ok || !validName(name) {
			continue
		}
		switch prefix {
		case "p", "u", "dt", "e":
			props = append(props, property{prefix: prefix, name: name})
		}
	}
	return props
}

func classes(sel *goquery.Selection) []string {
	class, ok := sel.Attr("class")
	if !ok {
		return nil
	}
	return strings.Fields(class)
}

func validName(name string) bool {
	if name == "" || name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func urlAttrs(tag string) []string {
	switch tag {
	case "a", "area", "link":
		return []string{"href"}
	case "img", "audio", "source", "iframe":
		return []string{"src"}
	case "video":
		return []string{"src", "poster"}
	case "object":
		return []string{"data"}
	default:
		return nil
	}
}

func valueAttr(sel *goquery.Selection, tag string) (string, bool) {
	switch tag {
	case "data", "input":
		if v, ok := sel.Attr("value"); ok {
			return strings.TrimSpace(v), true
		}
	case "abbr", "link":
		if v, ok := sel.Attr("title"); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func textOf(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
