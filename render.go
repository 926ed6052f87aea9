package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
)

const (
	colorGrey    = "241"
	colorMagenta = "170"
	colorPurple  = "#7D56F4"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPurple))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGrey)).Width(12)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMagenta))
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGrey)).Italic(true)
	boxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(colorPurple)).Padding(0, 1)
)

func localEntity(actor *domain.Actor) *activitypub.Entity {
	return &activitypub.Entity{
		URI:    actor.URI,
		Kind:   domain.KindActor,
		Actor:  actor,
		Object: activitypub.ActorDocument(actor),
	}
}

// renderEntity prints a resolved actor or object as a bordered card.
func renderEntity(e *activitypub.Entity) string {
	var rows [][2]string
	title := e.URI
	if e.Actor != nil {
		a := e.Actor
		title = a.Handle()
		rows = append(rows,
			[2]string{"type", a.Type},
			[2]string{"name", a.DisplayName},
			[2]string{"id", a.URI},
			[2]string{"inbox", a.InboxURI},
			[2]string{"shared", a.SharedInboxURI},
			[2]string{"followers", a.FollowersURI},
			[2]string{"key", a.KeyId()},
			[2]string{"summary", a.Summary},
		)
	} else if o := e.Object; o != nil {
		rows = append(rows,
			[2]string{"type", o.Type},
			[2]string{"author", o.AttributedTo},
			[2]string{"published", o.Published},
			[2]string{"content", o.Content},
		)
	}

	lines := []string{titleStyle.Render(title)}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		lines = append(lines, labelStyle.Render(row[0])+valueStyle.Render(row[1]))
	}
	if e.Stale {
		lines = append(lines, staleStyle.Render(fmt.Sprintf("cached %s, refreshing", e.FetchedAt.Format("2006-01-02 15:04"))))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderUsers(names []string, sslDomain string) string {
	if len(names) == 0 {
		return staleStyle.Render("no local users")
	}
	lines := []string{titleStyle.Render(fmt.Sprintf("%d local users", len(names)))}
	for _, name := range names {
		lines = append(lines, valueStyle.Render(fmt.Sprintf("@%s@%s", name, sslDomain)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
