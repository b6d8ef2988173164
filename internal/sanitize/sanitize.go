// Package sanitize cleans remote HTML before it is persisted or served.
// The policy is an allow-list: a small set of formatting tags, links
// restricted to http/https, and the microformat classes remote servers
// use for mentions and hashtags. Inline images are dropped entirely so
// remote content cannot embed tracking pixels; media travels through
// the attachment route instead.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = buildPolicy()

func buildPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "span", "a",
		"b", "strong", "i", "em", "u", "s", "del",
		"code", "pre", "blockquote",
		"ul", "ol", "li",
		"h1", "h2", "h3", "h4", "h5", "h6",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("rel").OnElements("a")
	p.AllowAttrs("class").Matching(microformatClasses).OnElements("a", "span")
	p.AllowURLSchemes("http", "https")
	p.RequireNoFollowOnLinks(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(false)

	return p
}

// microformatClasses matches the class values Mastodon-family servers
// attach to mentions, hashtags and ellipsed links.
var microformatClasses = regexp.MustCompile(`^(h-card|u-url|mention|hashtag|invisible|ellipsis)( (h-card|u-url|mention|hashtag|invisible|ellipsis))*$`)

// HTML sanitizes remote HTML content. Sanitization is idempotent:
// applying it to already-clean output returns the same string.
func HTML(input string) string {
	return policy.Sanitize(input)
}

// Text strips all markup, returning plain text. Used for summaries and
// display names, which carry no formatting.
func Text(input string) string {
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(input))
}
