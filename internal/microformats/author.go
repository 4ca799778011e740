package microformats

import (
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// AuthorCard returns the name and url of the page author's h-card. Top-level
// cards win in document order. Otherwise the first entry carrying its own
// author card supplies it; cards inside citations (in-reply-to, like-of,
// repost-of and other properties) describe someone else and never count.
// Missing values are empty strings.
func AuthorCard(data *Data) (name, url string) {
	if data == nil {
		return "", ""
	}
	card := topLevelCard(data.Items)
	if card == nil {
		card = entryAuthor(data.Items)
	}
	if card == nil {
		return "", ""
	}
	return firstString(card.Properties["name"]), firstString(card.Properties["url"])
}

func topLevelCard(items []*webmention.Item) *webmention.Item {
	for _, item := range items {
		if item != nil && item.HasType("h-card") {
			return item
		}
	}
	return nil
}

// entryAuthor descends through children only, so h-feed > h-entry authors are
// found while property values stay out of reach.
func entryAuthor(items []*webmention.Item) *webmention.Item {
	for _, item := range items {
		if item == nil {
			continue
		}
		if item.HasType("h-card") {
			return item
		}
		for _, v := range item.Properties["author"] {
			if author, ok := v.(*webmention.Item); ok && author.HasType("h-card") {
				return author
			}
		}
		if card := entryAuthor(item.Children); card != nil {
			return card
		}
	}
	return nil
}

func firstString(values []any) string {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			return val
		case *webmention.Item:
			return val.Value
		case map[string]any:
			if s, ok := val["value"].(string); ok {
				return s
			}
		}
	}
	return ""
}
