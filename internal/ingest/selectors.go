package ingest

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector describes one interactive HTML element with ready-to-use CSS and
// XPath locators. Extracted selectors become their own KB chunks so script
// generation can target real elements instead of guessing.
type Selector struct {
	ElementType  string            `json:"element_type"`
	ElementID    string            `json:"element_id"`
	ElementName  string            `json:"element_name"`
	ElementClass string            `json:"element_class"`
	InputType    string            `json:"input_type"`
	CSSSelector  string            `json:"css_selector"`
	XPath        string            `json:"xpath"`
	TextContent  string            `json:"text_content"`
	Attributes   map[string]string `json:"attributes"`
	Placeholder  string            `json:"placeholder"`
	Value        string            `json:"value"`
}

// targetElements are the tags worth extracting, in output order.
var targetElements = []string{"input", "button", "select", "textarea", "a", "form"}

// ExtractSelectors returns selector info for every interactive element in the
// document, grouped by tag in targetElements order, document order within
// each tag. Elements with no attributes and no text are dropped; a script
// could only ever reach them positionally.
func ExtractSelectors(htmlContent string) ([]Selector, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	byTag := make(map[string][]*html.Node)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, tag := range targetElements {
				if n.Data == tag {
					byTag[tag] = append(byTag[tag], n)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var selectors []Selector
	for _, tag := range targetElements {
		for _, n := range byTag[tag] {
			sel := selectorInfo(n, tag)
			if len(n.Attr) == 0 && sel.TextContent == "" {
				continue
			}
			selectors = append(selectors, sel)
		}
	}
	return selectors, nil
}

// ChunkText renders the selector as a single searchable line for embedding.
func (s Selector) ChunkText() string {
	parts := []string{fmt.Sprintf("Element Type: %s", s.ElementType)}
	if s.ElementID != "" {
		parts = append(parts, fmt.Sprintf("ID: %s", s.ElementID))
	}
	if s.ElementName != "" {
		parts = append(parts, fmt.Sprintf("Name: %s", s.ElementName))
	}
	if s.Placeholder != "" {
		parts = append(parts, fmt.Sprintf("Placeholder: %s", s.Placeholder))
	}
	if s.TextContent != "" {
		parts = append(parts, fmt.Sprintf("Text: %s", s.TextContent))
	}
	return strings.Join(parts, " | ")
}

func selectorInfo(n *html.Node, elementType string) Selector {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}

	text := textContent(n)
	if r := []rune(text); len(r) > 100 {
		text = string(r[:100])
	}

	s := Selector{
		ElementType:  elementType,
		ElementID:    attrs["id"],
		ElementName:  attrs["name"],
		ElementClass: attrs["class"],
		InputType:    attrs["type"],
		TextContent:  text,
		Attributes:   attrs,
		Placeholder:  attrs["placeholder"],
		Value:        attrs["value"],
	}
	s.CSSSelector = buildCSSSelector(s)
	s.XPath = buildXPath(n)
	return s
}

// buildCSSSelector prefers the most stable locator available: id, then name,
// then input type, then class, then the bare tag.
func buildCSSSelector(s Selector) string {
	switch {
	case s.ElementID != "":
		return "#" + s.ElementID
	case s.ElementName != "":
		return fmt.Sprintf("%s[name='%s']", s.ElementType, s.ElementName)
	case s.InputType != "":
		return fmt.Sprintf("%s[type='%s']", s.ElementType, s.InputType)
	case s.ElementClass != "":
		return s.ElementType + "." + strings.Join(strings.Fields(s.ElementClass), ".")
	default:
		return s.ElementType
	}
}

func buildXPath(n *html.Node) string {
	if id := attrValue(n, "id"); id != "" {
		return fmt.Sprintf("//*[@id='%s']", id)
	}
	if name := attrValue(n, "name"); name != "" {
		return fmt.Sprintf("//%s[@name='%s']", n.Data, name)
	}

	// No stable attribute: build a positional path from the document root.
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		index, total := siblingPosition(cur)
		if total > 1 {
			parts = append([]string{fmt.Sprintf("%s[%d]", cur.Data, index)}, parts...)
		} else {
			parts = append([]string{cur.Data}, parts...)
		}
	}
	return "//" + strings.Join(parts, "/")
}

// siblingPosition returns the node's 1-based position among same-tag element
// siblings and how many such siblings exist.
func siblingPosition(n *html.Node) (index, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == n.Data {
			total++
			if c == n {
				index = total
			}
		}
	}
	return index, total
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
