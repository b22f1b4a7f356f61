package locator

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/workbench/internal/errors"
)

// maxQueryText is the longest collapsed text used as-is. Longer element
// text spans many source lines, so only its first text node is searched.
const maxQueryText = 120

// skippedAttributes never identify an element's source.
var skippedAttributes = map[string]bool{
	"class":     true,
	"classname": true,
	"alt":       true,
	"style":     true,
}

// QueryFromHTML builds a Query from the outer HTML of a clicked element:
// its text, its alt text (or that of the first image inside it), its class
// tokens and its remaining attributes.
func QueryFromHTML(fragment string) (Query, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return Query{}, errors.NewValidationError(errors.ErrCodeValidationFailed, "parsing html fragment: "+err.Error())
	}

	var element *html.Node
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			element = n
			break
		}
	}

	var q Query
	if element == nil {
		q.Text = collapse(textOf(nodes))
		return q, q.Validate()
	}

	q.Text = collapse(textOf([]*html.Node{element}))
	if len(q.Text) > maxQueryText {
		q.Text = firstText(element)
	}

	for _, attr := range element.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case key == "class" || key == "classname":
			q.ClassTokens = append(q.ClassTokens, strings.Fields(attr.Val)...)
		case key == "alt":
			q.AltText = strings.TrimSpace(attr.Val)
		case skippedAttributes[key] || strings.HasPrefix(key, "on"):
		default:
			if q.Attributes == nil {
				q.Attributes = make(map[string]string)
			}
			q.Attributes[attr.Key] = attr.Val
		}
	}

	if q.AltText == "" {
		if img := findElement(element, atom.Img); img != nil {
			q.AltText = strings.TrimSpace(attrValue(img, "alt"))
		}
	}

	return q, q.Validate()
}

func textOf(nodes []*html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return b.String()
}

func firstText(n *html.Node) string {
	if n.Type == html.TextNode {
		return collapse(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := firstText(c); text != "" {
			return text
		}
	}
	return ""
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
