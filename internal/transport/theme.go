package transport

import "github.com/charmbracelet/lipgloss"

var (
	Green     = lipgloss.Color("#00FF41")
	MedGreen  = lipgloss.Color("#00C832")
	DarkGreen = lipgloss.Color("#008F11")
	Cyan      = lipgloss.Color("#00D4AA")
	Amber     = lipgloss.Color("#FFB000")
	Magenta   = lipgloss.Color("#FF00FF")
	Purple    = lipgloss.Color("#9D4EDD")
	Blue      = lipgloss.Color("#4EA8DE")
	LightGray = lipgloss.Color("#aaaaaa")
	Red       = lipgloss.Color("#FF3131")

	// agentPalette colors subagent labels; an agent type keeps its color.
	agentPalette = []lipgloss.Color{Cyan, Amber, Magenta, Purple, Blue, MedGreen}

	MarkerStyle = lipgloss.NewStyle().
			Foreground(DarkGreen).
			Italic(true)

	PromptStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red).
			Bold(true)
)

func labelStyle(agentType string) lipgloss.Style {
	var h uint32
	for i := 0; i < len(agentType); i++ {
		h = h*31 + uint32(agentType[i])
	}
	return lipgloss.NewStyle().
		Foreground(agentPalette[h%uint32(len(agentPalette))]).
		Bold(true)
}
