package wiki

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Page is the useful content of one wiki page
type Page struct {
	Title       string
	URL         string
	Description string
	Type        string
	Level       string
	Damage      string
	Location    string
	Rarity      string
	Price       string
	Sellback    string
	Shop        string
	Quest       string
	MergeText   string

	Locations    []string
	Requirements []string
	Notes        []string

	MemberOnly bool
	ACOnly     bool

	// Disambiguation pages only carry a description and related links
	Disambiguation bool
	RelatedItems   []Link
}

// Link is a related wiki page
type Link struct {
	Name string
	URL  string
}

type field struct {
	label string
	value string
}

// Parse extracts a Page from wiki HTML. It returns ErrNotFound for missing or stub pages.
func Parse(body []byte, baseURL string) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	content := findByID(doc, "page-content")
	if content == nil {
		return nil, ErrNotFound
	}

	contentText := textContent(content)
	lowerText := strings.ToLower(contentText)
	if strings.Contains(lowerText, "does not exist") || len(contentText) < 50 {
		return nil, ErrNotFound
	}

	page := &Page{}
	if title := findByID(doc, "page-title"); title != nil {
		page.Title = textContent(title)
	}

	page.MemberOnly = hasBadge(content, "legendlarge")
	page.ACOnly = hasBadge(content, "aclarge")

	if strings.Contains(lowerText, "refers to") || strings.Contains(lowerText, "disambiguation") {
		page.Disambiguation = true
		if p := findFirst(content, "p"); p != nil {
			page.Description = textContent(p)
		}
		for _, a := range findAll(content, "a") {
			href := attr(a, "href")
			text := textContent(a)
			if strings.HasPrefix(href, "/") && len(text) > 3 {
				page.RelatedItems = append(page.RelatedItems, Link{Name: text, URL: baseURL + href})
			}
		}
		return page, nil
	}

	for _, f := range boldFields(content) {
		applyField(page, f)
	}

	page.Locations = locationsList(content)

	if page.Description == "" {
		paragraphs := findAll(content, "p")
		if len(paragraphs) > 5 {
			paragraphs = paragraphs[:5]
		}
		for _, p := range paragraphs {
			text := textContent(p)
			lower := strings.ToLower(text)
			if len(text) > 30 && !strings.HasPrefix(lower, "this") && !strings.HasPrefix(lower, "see also") && !strings.HasPrefix(lower, "note") {
				page.Description = text
				break
			}
		}
	}

	page.Notes = notes(content)

	return page, nil
}

func looksLikeACCurrency(value string) bool {
	return strings.Contains(strings.ToLower(value), "ac")
}

// applyField maps one bold "Label: value" pair onto the page
func applyField(page *Page, f field) {
	label, value := f.label, f.value
	lowerValue := strings.ToLower(value)

	switch {
	case strings.Contains(label, "type"):
		page.Type = value
	case strings.Contains(label, "level"):
		page.Level = value
	case strings.Contains(label, "damage"):
		page.Damage = value
	case strings.Contains(label, "location"):
		page.Location = value
		if strings.Contains(lowerValue, "shop") || strings.Contains(lowerValue, "merge") {
			page.Shop = value
		}
	case label == "or" && strings.Contains(lowerValue, "merge"):
		page.MergeText = value
	case strings.Contains(label, "rarity"):
		page.Rarity = value
	case strings.Contains(label, "price") && !strings.Contains(label, "sell"):
		page.Price = value
		if strings.Contains(lowerValue, "quest") || strings.Contains(lowerValue, "reward") {
			page.Quest = value
		}
		if looksLikeACCurrency(value) {
			page.ACOnly = true
		}
	case strings.Contains(label, "sellback"):
		page.Sellback = value
		if looksLikeACCurrency(value) {
			page.ACOnly = true
		}
	case strings.Contains(label, "description"):
		if page.Description == "" {
			page.Description = value
		}
	case strings.Contains(label, "require") || strings.Contains(label, "needed"):
		page.Requirements = append(page.Requirements, titleCase(label)+": "+value)
	}
}

// boldFields collects "<b>Label:</b> value" pairs in document order.
// A repeated label keeps its first position but takes the later value, except description which keeps the first.
func boldFields(content *html.Node) []field {
	var fields []field
	index := make(map[string]int)

	for _, bold := range findAll(content, "b", "strong") {
		label := strings.ReplaceAll(strings.ToLower(textContent(bold)), ":", "")
		label = strings.TrimSpace(label)

		var parts []string
		for cur := bold.NextSibling; cur != nil; cur = cur.NextSibling {
			if cur.Type == html.ElementNode && (cur.Data == "b" || cur.Data == "strong" || cur.Data == "br" || cur.Data == "hr") {
				break
			}
			var text string
			switch cur.Type {
			case html.TextNode:
				text = strings.TrimSpace(cur.Data)
			case html.ElementNode:
				text = textContent(cur)
			}
			if text != "" && text != ":" {
				parts = append(parts, text)
			}
		}

		value := strings.TrimSpace(strings.Join(parts, " "))
		if value == "" {
			continue
		}

		if i, ok := index[label]; ok {
			if label != "description" {
				fields[i].value = value
			}
			continue
		}
		index[label] = len(fields)
		fields = append(fields, field{label: label, value: value})
	}

	return fields
}

// locationsList reads the entries following a "Locations:" paragraph
func locationsList(content *html.Node) []string {
	var locations []string
	for _, p := range findAll(content, "p") {
		if !strings.HasPrefix(textContent(p), "Locations:") {
			continue
		}
		for sib := nextElement(p); sib != nil && (sib.Data == "p" || sib.Data == "ul" || sib.Data == "ol"); sib = nextElement(sib) {
			if sib.Data == "ul" || sib.Data == "ol" {
				for _, li := range findAll(sib, "li") {
					if text := textContent(li); text != "" {
						locations = append(locations, text)
					}
				}
				break
			}
			text := textContent(sib)
			if text != "" && !strings.HasPrefix(text, "Price:") && !strings.HasPrefix(text, "OR:") && !strings.HasPrefix(text, "Reward") {
				locations = append(locations, text)
			}
		}
		break
	}
	return locations
}

// notes reads list items and paragraphs under the first heading mentioning notes
func notes(content *html.Node) []string {
	var heading *html.Node
	for _, h := range findAll(content, "h2", "h3") {
		if strings.Contains(strings.ToLower(textContent(h)), "note") {
			heading = h
			break
		}
	}
	if heading == nil {
		return nil
	}

	var out []string
	for el := nextElement(heading); el != nil && el.Data != "h1" && el.Data != "h2" && el.Data != "h3"; el = nextElement(el) {
		switch el.Data {
		case "ul":
			for _, li := range findAll(el, "li") {
				if text := textContent(li); len(text) > 5 {
					out = append(out, text)
				}
			}
		case "p":
			if text := textContent(el); len(text) > 5 {
				out = append(out, text)
			}
		}
	}
	return out
}

func hasBadge(n *html.Node, needle string) bool {
	for _, img := range findAll(n, "img") {
		if strings.Contains(attr(img, "src"), needle) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && attr(n, "id") == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findFirst(n *html.Node, tag string) *html.Node {
	all := findAll(n, tag)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// findAll returns descendants of n with any of the given tags in document order
func findAll(n *html.Node, tags ...string) []*html.Node {
	var found []*html.Node
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				for _, tag := range tags {
					if c.Data == tag {
						found = append(found, c)
						break
					}
				}
			}
			traverse(c)
		}
	}
	traverse(n)
	return found
}

// nextElement returns the next sibling element, skipping text and comments
func nextElement(n *html.Node) *html.Node {
	for sib := n.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode {
			return sib
		}
	}
	return nil
}

// textContent concatenates the text under n with whitespace collapsed
func textContent(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
