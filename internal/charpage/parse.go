package charpage

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const voidMarker = "is wandering in the Void"

// Record is the character data read from a character page. Empty strings mean the field was not found.
type Record struct {
	Name        string
	Guild       string
	CharacterID string
	Level       string
	Class       string
	Equipment   Equipment
}

// Equipment holds the item names shown on the character page
type Equipment struct {
	Helm   string
	Armor  string
	Cape   string
	Weapon string
	Pet    string

	CosmeticHelm   string
	CosmeticArmor  string
	CosmeticCape   string
	CosmeticWeapon string
	CosmeticPet    string
}

// Slot is one labelled equipment entry
type Slot struct {
	Label string
	Value string
}

// Slots returns the equipment in display order, skipping empty slots
func (e Equipment) Slots() []Slot {
	all := []Slot{
		{"Helm", e.Helm},
		{"Armor", e.Armor},
		{"Cape", e.Cape},
		{"Weapon", e.Weapon},
		{"Pet", e.Pet},
		{"Cosmetic Helm", e.CosmeticHelm},
		{"Cosmetic Armor", e.CosmeticArmor},
		{"Cosmetic Cape", e.CosmeticCape},
		{"Cosmetic Weapon", e.CosmeticWeapon},
		{"Cosmetic Pet", e.CosmeticPet},
	}
	slots := make([]Slot, 0, len(all))
	for _, s := range all {
		if s.Value != "" {
			slots = append(slots, s)
		}
	}
	return slots
}

var digits = regexp.MustCompile(`\d+`)

// Parse extracts a Record from a character page. FlashVars are preferred;
// labelled text on the page is the fallback for anything they lack.
func Parse(page []byte) (*Record, error) {
	if bytes.Contains(page, []byte(voidMarker)) {
		return nil, ErrCharacterNotFound
	}

	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	r := &Record{}
	if vars, ok := findFlashVars(doc); ok {
		r.Name = flashValue(vars, "strName")
		r.Guild = flashValue(vars, "strGuild", "strGuildName", "guild")
		r.CharacterID = flashValue(vars, "intCharID", "CharID", "charID", "ID")
		r.Level = flashValue(vars, "intLevel")
		r.Class = flashValue(vars, "strClassName")
		r.Equipment = Equipment{
			Helm:           flashValue(vars, "strHelmName"),
			Armor:          flashValue(vars, "strArmorName"),
			Cape:           flashValue(vars, "strCapeName"),
			Weapon:         flashValue(vars, "strWeaponName"),
			Pet:            flashValue(vars, "strPetName"),
			CosmeticHelm:   flashValue(vars, "strCustHelmName"),
			CosmeticArmor:  flashValue(vars, "strCustArmorName"),
			CosmeticCape:   flashValue(vars, "strCustCapeName"),
			CosmeticWeapon: flashValue(vars, "strCustWeaponName"),
			CosmeticPet:    flashValue(vars, "strCustPetName"),
		}
	}

	if r.Name == "" {
		r.Name = headingName(doc)
	}
	if r.Name == "" {
		r.Name = firstNonEmpty(labelValue(doc, "Character"), labelValue(doc, "Name"))
	}
	if r.Guild == "" {
		r.Guild = labelValue(doc, "Guild")
	}
	if r.Class == "" {
		r.Class = labelValue(doc, "Class")
	}
	if r.Level == "" {
		r.Level = digits.FindString(labelValue(doc, "Level"))
	}

	if r.Name == "" {
		return nil, ErrUnparseable
	}

	return r, nil
}

// findFlashVars looks for <param name="FlashVars" value="..."> or a flashvars="..." attribute
func findFlashVars(doc *html.Node) (url.Values, bool) {
	var raw string
	var traverse func(*html.Node) bool
	traverse = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if n.Data == "param" && strings.EqualFold(attr(n, "name"), "flashvars") {
				raw = attr(n, "value")
				return true
			}
			if v := attr(n, "flashvars"); v != "" {
				raw = v
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if traverse(c) {
				return true
			}
		}
		return false
	}
	if !traverse(doc) || raw == "" {
		return nil, false
	}

	// Attribute entities are already unescaped by the parser
	vars, err := url.ParseQuery(raw)
	if err != nil && len(vars) == 0 {
		return nil, false
	}
	return vars, true
}

// flashValue returns the first usable value among keys; placeholders count as missing
func flashValue(vars url.Values, keys ...string) string {
	for _, key := range keys {
		v := strings.TrimSpace(vars.Get(key))
		if v == "" {
			continue
		}
		switch strings.ToLower(v) {
		case "none", "null", "n/a":
			continue
		}
		return v
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// headingName returns the first short h1/h2/h3/title text
func headingName(doc *html.Node) string {
	for _, tag := range []string{"h1", "h2", "h3", "title"} {
		n := findElement(doc, tag)
		if n == nil {
			continue
		}
		text := textContent(n)
		if text != "" && len([]rune(text)) <= 40 {
			return text
		}
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
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

func usable(s string) bool {
	return s != "" && s != ":" && s != "---"
}

// labelValue finds a text node starting with label and returns the value shown next to it:
// text after the label in the same node, a link inside the label's element, or the next sibling text.
func labelValue(doc *html.Node, label string) string {
	el := findLabel(doc, label)
	if el == nil {
		return ""
	}

	// Same text node: "Guild: Nova"
	text := strings.TrimSpace(el.Data)
	rest := strings.TrimSpace(text[len(label):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if usable(rest) {
		return rest
	}

	parent := el.Parent
	if parent == nil {
		return ""
	}

	// Link in the label's element: <span>Guild: <a>Nova</a></span>
	if a := findElement(parent, "a"); a != nil {
		if t := textContent(a); t != "" {
			return t
		}
	}

	// Next siblings of the label's element: <b>Guild:</b> Nova
	for sib := parent.NextSibling; sib != nil; sib = sib.NextSibling {
		var t string
		switch sib.Type {
		case html.TextNode:
			t = strings.TrimSpace(sib.Data)
		case html.ElementNode:
			t = textContent(sib)
		}
		if usable(t) {
			return t
		}
		if sib.Type == html.ElementNode && (sib.Data == "br" || sib.Data == "div" || sib.Data == "p") {
			break
		}
	}

	return ""
}

func findLabel(n *html.Node, label string) *html.Node {
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if len(text) >= len(label) && strings.EqualFold(text[:len(label)], label) {
			rest := text[len(label):]
			// Require a word boundary so "Guild" does not match "Guildhall"
			if rest == "" || rest[0] == ':' || rest[0] == ' ' {
				return n
			}
		}
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findLabel(c, label); found != nil {
			return found
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
