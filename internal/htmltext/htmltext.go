// Package htmltext reduces an HTML mail body to the plain text that sits
// above the reply marker.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultMarker is the phrase outbound notifications place above the quoted
// conversation to tell the recipient where to type.
const DefaultMarker = "Reply ABOVE THIS LINE"

// Any text inside these elements is never part of the reply.
const ignoredElements = "head, script, style, template, noscript"

var (
	regexpSpace   = regexp.MustCompile(`[ \t\x{00a0}\x{200b}]+`)
	regexpNewline = regexp.MustCompile(`\n{3,}`)
	regexpTag     = regexp.MustCompile(`<[^>]*>`)
)

// Reduce converts doc into plain text. The first element whose own text is
// marker (DefaultMarker when empty) is removed together with everything that
// follows it in document order. The remaining text nodes are concatenated,
// entities decoded, and markup indentation collapsed.
func Reduce(doc, marker string) string {
	if marker == "" {
		marker = DefaultMarker
	}

	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return collapse(html.UnescapeString(regexpTag.ReplaceAllString(doc, "")))
	}

	d.Find(ignoredElements).Remove()

	found := d.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return ownText(s.Get(0)) == marker
	}).First()
	if found.Length() > 0 {
		truncateAt(found.Get(0))
	}

	d.Find("br").ReplaceWithHtml("\n")

	return collapse(d.Text())
}

// ownText returns the trimmed concatenation of n's direct text children.
func ownText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

// truncateAt detaches n and every node after it in document order. Ancestors
// stay, as they also hold the content before n.
func truncateAt(n *html.Node) {
	for cur := n; cur.Parent != nil; cur = cur.Parent {
		for sib := cur.NextSibling; sib != nil; {
			next := sib.NextSibling
			cur.Parent.RemoveChild(sib)
			sib = next
		}
	}
	n.Parent.RemoveChild(n)
}

// collapse squeezes runs of blanks, trims every line and keeps at most one
// empty line between paragraphs.
func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = regexpSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = regexpNewline.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}
