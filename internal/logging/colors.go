package logging

import (
	"github.com/fatih/color"
)

var (
	colorTimestamp = color.New(color.FgWhite)
	colorLocation  = color.New(color.FgWhite, color.Faint)
	colorField     = color.New(color.FgCyan)

	levelColors = map[Level]*color.Color{
		Error: color.New(color.FgRed, color.Bold),
		Warn:  color.New(color.FgRed),
		Info:  color.New(color.Reset),
		Debug: color.New(color.FgGreen),
	}

	// Numeric trace levels.
	traceColor = color.New(color.FgYellow)
)

// Disable or enable ANSI colors for all loggers. By default colors are enabled
// only when stderr is a terminal.
func SetColor(enabled bool) {
	color.NoColor = !enabled
}

func (l Level) color() *color.Color {
	if c, ok := levelColors[l]; ok {
		return c
	}
	return traceColor
}
