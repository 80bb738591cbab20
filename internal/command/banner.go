package command

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
)

// Banner rendering. Each session gets a deterministic visual identity derived
// from its ID so the same session always looks the same across revivals.

const (
	glyphTopLeft     = "╭"
	glyphTopRight    = "╮"
	glyphBottomLeft  = "╰"
	glyphBottomRight = "╯"
	glyphHorizontal  = "─"
	glyphVertical    = "│"

	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

var bannerPatterns = []string{
	"· · ·",
	"~ ~ ~",
	"* * *",
	"○ ○ ○",
	"◦ ◦ ◦",
	"· ~ ·",
	"* · *",
	"~ · ~",
}

// Muted ANSI 256-color tones.
var bannerColors = []string{
	"\033[38;5;109m",
	"\033[38;5;139m",
	"\033[38;5;144m",
	"\033[38;5;138m",
	"\033[38;5;108m",
	"\033[38;5;146m",
	"\033[38;5;181m",
	"\033[38;5;187m",
}

func hashIndex(seed string, n int) int {
	sum := md5.Sum([]byte(seed))
	return int(binary.BigEndian.Uint32(sum[:4])) % n
}

func center(s string, width int) string {
	pad := width - len([]rune(s))
	if pad <= 0 {
		return s
	}
	left := pad / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)
}

// Banner returns the multi-line banner for a session.
func Banner(name, id string) string {
	pattern := bannerPatterns[hashIndex(id+"pattern", len(bannerPatterns))]
	color := bannerColors[hashIndex(id+"color", len(bannerColors))]

	width := len([]rune(name)) + 8
	if width < 40 {
		width = 40
	}
	inner := width - 2

	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	top := glyphTopLeft + strings.Repeat(glyphHorizontal, inner) + glyphTopRight
	bottom := glyphBottomLeft + strings.Repeat(glyphHorizontal, inner) + glyphBottomRight

	lines := []string{
		"",
		fmt.Sprintf("%s%s%s%s", color, ansiDim, top, ansiReset),
		fmt.Sprintf("%s%s%s%s%s%s%s%s%s", color, ansiDim, glyphVertical, ansiReset, center(pattern, inner), color, ansiDim, glyphVertical, ansiReset),
		fmt.Sprintf("%s%s%s%s%s%s%s%s%s%s%s", color, ansiDim, glyphVertical, ansiReset, color, center(name, inner), ansiReset, color, ansiDim, glyphVertical, ansiReset),
		fmt.Sprintf("%s%s%s%s%s%s", color, ansiDim, glyphVertical, center(shortID, inner), glyphVertical, ansiReset),
		fmt.Sprintf("%s%s%s%s", color, ansiDim, bottom, ansiReset),
		"",
	}
	return strings.Join(lines, "\n")
}

// BannerCommand returns a shell command that prints the banner. Safe to embed
// in a bash -c script.
func BannerCommand(name, id string) string {
	escaped := strings.ReplaceAll(Banner(name, id), "'", `'"'"'`)
	return `printf '%s\n' '` + escaped + `'`
}
