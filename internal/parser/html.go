package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// BodyNormalizer turns a raw fetched message into a single line of plain text
type BodyNormalizer struct {
	qpRegex     *regexp.Regexp
	headerRegex *regexp.Regexp
}

// NewBodyNormalizer creates a new body normalizer
func NewBodyNormalizer() *BodyNormalizer {
	return &BodyNormalizer{
		// =XX escapes and soft line breaks, matched in a single pass
		qpRegex: regexp.MustCompile(`=(?:([0-9A-F]{2})|\r?\n)`),
		// Raw headers of quoted or forwarded mail, or of the envelope itself
		headerRegex: regexp.MustCompile(`(?i)Delivered-To:|Received:|X-Google-Smtp-Source:`),
	}
}

// Normalize joins the text part with the whole message, decodes quoted-printable,
// strips markup and cuts off trailing raw headers.
func (n *BodyNormalizer) Normalize(textPart, fullMessage string) string {
	body := textPart + fullMessage
	body = n.DecodeQuotedPrintable(body)
	body = n.StripMarkup(body)
	return n.TrimHeaders(body)
}

// DecodeQuotedPrintable replaces =XX escapes with the byte they encode and drops
// soft line breaks. Decoded output is never decoded again.
func (n *BodyNormalizer) DecodeQuotedPrintable(text string) string {
	return n.qpRegex.ReplaceAllStringFunc(text, func(m string) string {
		if len(m) != 3 || m[1] == '\r' {
			return ""
		}
		return string([]byte{unhex(m[1])<<4 | unhex(m[2])})
	})
}

func unhex(c byte) byte {
	if c >= 'A' {
		return c - 'A' + 10
	}
	return c - '0'
}

// StripMarkup removes style and script elements, turns every tag into a space
// and collapses whitespace. Text keeps its source order.
func (n *BodyNormalizer) StripMarkup(text string) string {
	if text == "" {
		return ""
	}

	doc := goquery.NewDocumentFromNode(parseInSourceOrder(text))
	doc.Find("style, script").Remove()

	// Keep words in adjacent elements apart
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			node.InsertBefore(spaceNode(), node.FirstChild)
			node.AppendChild(spaceNode())
		}
	})

	return collapseWhitespace(doc.Text())
}

// parseInSourceOrder builds a node tree straight from the token stream. There is
// no foster parenting and no implied elements, so stray text in a table stays
// where it was written. Only script and style content is raw text, which means
// tags inside noscript, textarea, xmp, iframe, noembed and noframes are elements.
func parseInSourceOrder(text string) *html.Node {
	root := &html.Node{Type: html.DocumentNode}
	cur := root

	z := html.NewTokenizer(strings.NewReader(text))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return root
		case html.TextToken:
			cur.AppendChild(&html.Node{Type: html.TextNode, Data: string(z.Text())})
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			node := &html.Node{Type: html.ElementNode, Data: tok.Data, DataAtom: tok.DataAtom, Attr: tok.Attr}
			cur.AppendChild(node)
			// The tokenizer stays raw after <script/> too, so script and style always open
			if tok.DataAtom == atom.Script || tok.DataAtom == atom.Style {
				cur = node
				continue
			}
			z.NextIsNotRawText()
			if tt == html.StartTagToken && !voidElements[tok.DataAtom] {
				cur = node
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			for open := cur; open != root; open = open.Parent {
				if open.Data == string(name) {
					cur = open.Parent
					break
				}
			}
		}
	}
}

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Param: true, atom.Source: true,
	atom.Track: true, atom.Wbr: true,
}

func spaceNode() *html.Node {
	return &html.Node{Type: html.TextNode, Data: " "}
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TrimHeaders cuts the text at the first raw header marker, unless the marker opens the text
func (n *BodyNormalizer) TrimHeaders(text string) string {
	loc := n.headerRegex.FindStringIndex(text)
	if loc == nil || loc[0] == 0 {
		return text
	}
	return strings.TrimSpace(text[:loc[0]])
}
