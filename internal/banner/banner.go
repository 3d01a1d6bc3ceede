package banner

import (
	"github.com/charmbracelet/lipgloss"

	"chaosq/internal/tui/styles"
)

const ascii = `
        __                          
  _____/ /_  ____ _____  _________ _
 / ___/ __ \/ __ '/ __ \/ ___/ __ '/
/ /__/ / / / /_/ / /_/ (__  ) /_/ / 
\___/_/ /_/\__,_/\____/____/\__, /  
                              /_/   `

func GetString() string {
	style := lipgloss.DefaultRenderer().NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)
	return "\n" + style.Render(ascii) + "\n"
}
