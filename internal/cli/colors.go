package cli

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// ANSI SGR sequences.
const (
	ResetCode = "\033[0m"
	Bold      = "\033[1m"
	DimCode   = "\033[2m"
	Red       = "\033[31m"
	Green     = "\033[32m"
	Yellow    = "\033[33m"
	Blue      = "\033[34m"
	Purple    = "\033[35m"
	Cyan      = "\033[36m"
)

// RGB is a 24-bit terminal color.
type RGB struct{ R, G, B uint8 }

// Banner endpoints: candle gold fading into vestment purple.
var (
	BrandGold   = RGB{214, 158, 46}
	BrandPurple = RGB{110, 64, 170}
)

var colorOn atomic.Bool

func init() {
	_, noColor := os.LookupEnv("NO_COLOR")
	colorOn.Store(!noColor)
}

// Enabled reports whether ANSI colors are written at all.
func Enabled() bool { return colorOn.Load() }

// SetEnabled overrides the NO_COLOR check, e.g. for a -no-color flag.
func SetEnabled(on bool) { colorOn.Store(on) }

// Style wraps text in an SGR code and a reset.
func Style(text, code string) string {
	if !Enabled() {
		return text
	}
	return code + text + ResetCode
}

func (c RGB) sgr() string { return fmt.Sprintf("\033[38;2;%d;%d;%dm", c.R, c.G, c.B) }

// Mix returns the color t of the way from c to to; t is clamped to [0,1].
func (c RGB) Mix(to RGB, t float64) RGB {
	t = min(max(t, 0), 1)
	lerp := func(a, b uint8) uint8 { return uint8(float64(a) + (float64(b)-float64(a))*t + 0.5) }
	return RGB{lerp(c.R, to.R), lerp(c.G, to.G), lerp(c.B, to.B)}
}

// Banner writes each line on the gold to purple gradient, one line per entry.
func Banner(lines []string) string {
	var b strings.Builder
	steps := float64(max(len(lines)-1, 1))
	for i, line := range lines {
		b.WriteString(Style(line, BrandGold.Mix(BrandPurple, float64(i)/steps).sgr()))
		b.WriteByte('\n')
	}
	return b.String()
}

func CheckMark() string   { return Style("✔", Green) }
func Arrow() string       { return Style("➜", Blue) }
func CrossMark() string   { return Style("✘", Red) }
func WarningSign() string { return Style("!", Yellow) }
