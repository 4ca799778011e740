package microformats

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// DiscoverEndpoint finds the first URL advertised for rel on a fetched page.
// HTTP Link headers win over <link> and <a> elements in the body.
func DiscoverEndpoint(resp webmention.FetchResponse, pageURL, rel string) string {
	rel = strings.ToLower(rel)
	if targets := ParseLinkHeader(resp.Headers.Values("Link"))[rel]; len(targets) > 0 {
		return resolveAgainst(pageURL, targets[0])
	}
	if len(resp.Body) == 0 && resp.Text == "" {
		return ""
	}
	if targets := ParseResponse(resp, pageURL).Rels[rel]; len(targets) > 0 {
		return targets[0]
	}
	return ""
}

// ParseLinkHeader maps each rel value in RFC 8288 Link headers to its targets.
func ParseLinkHeader(values []string) map[string][]string {
	rels := map[string][]string{}
	for _, v := range values {
		for {
			start := strings.IndexByte(v, '<')
			if start < 0 {
				break
			}
			end := strings.IndexByte(v[start:], '>')
			if end < 0 {
				break
			}
			target := strings.TrimSpace(v[start+1 : start+end])
			rest := v[start+end+1:]
			params := rest
			if next := strings.IndexByte(rest, '<'); next >= 0 {
				params, v = rest[:next], rest[next:]
			} else {
				v = ""
			}
			for _, r := range relParam(params) {
				rels[r] = append(rels[r], target)
			}
		}
	}
	return rels
}

func relParam(params string) []string {
	for _, param := range strings.Split(params, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		val = strings.Trim(strings.TrimRight(strings.TrimSpace(val), ", "), `"`)
		return strings.Fields(strings.ToLower(val))
	}
	return nil
}

func resolveAgainst(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
