package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/nhle/mailsync/internal/model"
)

var (
	colorWhite  = lipgloss.Color("#FAFAFA")
	colorGray   = lipgloss.Color("#888888")
	colorSubtle = lipgloss.Color("#555555")
	colorBlue   = lipgloss.Color("#5EA1FF")
	colorGreen  = lipgloss.Color("#73D216")

	accountStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	emailStyle   = lipgloss.NewStyle().Foreground(colorGray)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBlue).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Foreground(colorWhite).Padding(0, 1)
	countStyle   = cellStyle.Align(lipgloss.Right)
	unreadStyle  = countStyle.Foreground(colorGreen)
)

// mailboxRow is one line of the mailbox table.
type mailboxRow struct {
	mailbox model.Mailbox
	total   int
	unread  int
}

// renderAccountTitle renders "Name <email>".
func renderAccountTitle(name, email string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		accountStyle.Render(name), " ", emailStyle.Render("<"+email+">"))
}

// renderMailboxes renders mailboxes with their message and unread counts.
func renderMailboxes(rows []mailboxRow) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorSubtle)).
		Headers("MAILBOX", "TYPE", "MESSAGES", "UNREAD").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 2:
				return countStyle
			case col == 3:
				return unreadStyle
			default:
				return cellStyle
			}
		})

	for _, r := range rows {
		t.Row(
			r.mailbox.ServerID,
			r.mailbox.Type.String(),
			humanize.Comma(int64(r.total)),
			humanize.Comma(int64(r.unread)),
		)
	}
	return t.String()
}
