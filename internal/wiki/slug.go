package wiki

import (
	"regexp"
	"strings"
)

var (
	nonSlugChars   = regexp.MustCompile(`[^a-zA-Z0-9-]`)
	repeatedHyphen = regexp.MustCompile(`-+`)
	possessive     = regexp.MustCompile(`(\w)s-`)
)

// SlugVariations returns the wiki page slugs worth trying for a user-typed item name,
// most likely first. "King's Echo" and "kings echo" both yield king-s-echo and kings-echo.
func SlugVariations(name string) []string {
	slug := strings.ReplaceAll(name, "'", "-")
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	slug = strings.ToLower(slug)
	slug = repeatedHyphen.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if slug == "" {
		return nil
	}

	variations := []string{slug}

	// "kings-echo" -> "king-s-echo"
	if strings.Contains(slug, "s-") || strings.HasSuffix(slug, "s") {
		if v := possessive.ReplaceAllString(slug, "$1-s-"); v != slug && v != "" {
			variations = append(variations, v)
		}
	}

	// "king-s-echo" -> "kings-echo"
	if strings.Contains(slug, "-s-") {
		if v := strings.ReplaceAll(slug, "-s-", "s-"); v != slug && v != "" {
			variations = append(variations, v)
		}
	}

	return variations
}
