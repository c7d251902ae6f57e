package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/charpage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/wiki"
)

// handleChar handles the /char command
func (b *Bot) handleChar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := strings.TrimSpace(i.ApplicationCommandData().Options[0].StringValue())

	// Respond immediately to avoid timeout
	deferResponse(s, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), b.config.FetchTimeout)
	defer cancel()

	record, err := b.chars.Fetch(ctx, name)
	if err != nil {
		slog.Warn("Character lookup failed", "name", name, "error", err)
		b.editResponse(s, i, fetchErrorMessage(name, err))
		return
	}

	b.editResponseEmbed(s, i, characterEmbed(record, b.chars.PageURL(name)))
}

// handleWiki handles the /wiki command
func (b *Bot) handleWiki(s *discordgo.Session, i *discordgo.InteractionCreate) {
	item := strings.TrimSpace(i.ApplicationCommandData().Options[0].StringValue())

	deferResponse(s, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), 3*b.config.FetchTimeout)
	defer cancel()

	page, err := b.wiki.Lookup(ctx, item)
	if errors.Is(err, wiki.ErrNotFound) {
		b.editResponse(s, i, fmt.Sprintf("No wiki page found for `%s`.", item))
		return
	}
	if err != nil {
		slog.Warn("Wiki lookup failed", "item", item, "error", err)
		b.editResponse(s, i, "❌ Could not reach the wiki. Please try again later.")
		return
	}

	b.editResponseEmbed(s, i, wikiEmbed(page))
}

// characterEmbed renders a character record
func characterEmbed(record *charpage.Record, pageURL string) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Level", Value: orDefault(record.Level, "Unknown"), Inline: true},
		{Name: "Class", Value: orDefault(record.Class, "Unknown"), Inline: true},
		{Name: "Guild", Value: orDefault(record.Guild, "None"), Inline: true},
	}
	for _, slot := range record.Equipment.Slots() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: slot.Label, Value: slot.Value, Inline: true})
	}

	embed := &discordgo.MessageEmbed{
		Title:  record.Name,
		URL:    pageURL,
		Color:  0xFF9900,
		Fields: fields,
	}
	if record.CharacterID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Character ID: %s", record.CharacterID)}
	}
	return embed
}

// wikiEmbed renders a wiki page, keeping within Discord's embed limits
func wikiEmbed(page *wiki.Page) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       page.Title,
		URL:         page.URL,
		Description: truncate(page.Description, 1000),
		Color:       0x9B59B6,
	}

	if page.Disambiguation {
		var lines []string
		for idx, link := range page.RelatedItems {
			if idx == 10 {
				break
			}
			lines = append(lines, fmt.Sprintf("• [%s](%s)", link.Name, link.URL))
		}
		if len(lines) > 0 {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Did you mean", Value: truncate(strings.Join(lines, "\n"), 1024)})
		}
		return embed
	}

	add := func(name, value string) {
		if value != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: name, Value: truncate(value, 1024), Inline: true})
		}
	}
	add("Type", page.Type)
	add("Level", page.Level)
	add("Damage", page.Damage)
	add("Rarity", page.Rarity)
	add("Price", page.Price)
	add("Sellback", page.Sellback)

	var tags []string
	if page.MemberOnly {
		tags = append(tags, "Member only")
	}
	if page.ACOnly {
		tags = append(tags, "AC item")
	}
	add("Tags", strings.Join(tags, ", "))

	list := func(name string, items []string) {
		if len(items) == 0 {
			return
		}
		if len(items) > 5 {
			items = append(items[:5:5], fmt.Sprintf("…and %d more", len(items)-5))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: name, Value: truncate("• "+strings.Join(items, "\n• "), 1024)})
	}
	locations := page.Locations
	if len(locations) == 0 && page.Location != "" {
		locations = []string{page.Location}
	}
	list("Locations", locations)
	list("Requirements", page.Requirements)
	list("Notes", page.Notes)

	return embed
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
