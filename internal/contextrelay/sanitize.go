// Package contextrelay captures the host page, strips it down to content
// worth showing a mentor, and pushes snapshots to the mentor application
// whenever the page changes.
package contextrelay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// defaultDenylist names the elements stripped from every snapshot: code,
// styling, navigation chrome, ad and overlay containers, and the widget's
// own markup (which would otherwise echo the conversation back into its own
// context).
var defaultDenylist = []string{
	"script",
	"noscript",
	"style",
	"nav",
	"footer",
	".ads",
	".sidebar",
	".popup",
	".cookie-banner",
	"#ibl-chat-widget-container",
	".ibl-chat-bubble",
	"mentor-ai",
}

// Sanitizer strips denylisted elements and comment nodes from page HTML.
type Sanitizer struct {
	selector string
	maxBytes int
}

// NewSanitizer builds a Sanitizer with the default denylist plus any extra
// selectors. maxBytes caps the output; 0 means no cap.
func NewSanitizer(extraDeny []string, maxBytes int) *Sanitizer {
	selectors := append(append([]string{}, defaultDenylist...), extraDeny...)
	return &Sanitizer{
		selector: strings.Join(selectors, ", "),
		maxBytes: maxBytes,
	}
}

// Sanitize returns the cleaned serialization of the document's body.
func (s *Sanitizer) Sanitize(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("contextrelay: parse page: %w", err)
	}

	doc.Find(s.selector).Remove()

	body := doc.Find("body")
	for _, n := range body.Nodes {
		stripComments(n)
	}

	out, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("contextrelay: serialize page: %w", err)
	}
	out = strings.TrimSpace(out)
	if s.maxBytes > 0 && len(out) > s.maxBytes {
		// Back off to a rune boundary so the cap never splits a character.
		n := s.maxBytes
		for n > 0 && !utf8.RuneStart(out[n]) {
			n--
		}
		out = out[:n]
	}
	return out, nil
}

// stripComments removes comment nodes from the subtree rooted at n.
func stripComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			stripComments(c)
		}
		c = next
	}
}
