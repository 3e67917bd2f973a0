package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	TimestampStyle = BaseStyle.Foreground(MutedColor)

	SenderStyle = BaseStyle.
			Foreground(SecondaryColor).
			Bold(true)

	OwnSenderStyle = BaseStyle.
			Foreground(PrimaryColor).
			Bold(true)

	PrivateStyle = BaseStyle.
			Foreground(SecondaryColor).
			Italic(true)

	SystemStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	PresenceStyle = BaseStyle.Foreground(SuccessColor)

	WarningStyle = BaseStyle.
			Foreground(WarningColor).
			Bold(true)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)

	RosterPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	RosterTitleStyle = BaseStyle.
				Bold(true).
				Foreground(PrimaryColor)

	ChatPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor)
)
