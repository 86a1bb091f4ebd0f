package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/tanq16/haul/internal/utils"
	"golang.org/x/term"
)

// ProgressBar renders a fixed-width bar. A negative percent means the total
// is unknown and only the byte count is shown.
func ProgressBar(percent int, loaded int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if percent < 0 {
		return debugStyle.Render(fmt.Sprintf("%s %s %s", StyleSymbols["bullet"], utils.FormatBytes(uint64(max(loaded, 0))), StyleSymbols["bullet"]))
	}
	percent = min(percent, 100)
	filled := percent * width / 100
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	bar += strings.Repeat(" ", width-filled)
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %d%% %s %s", bar, percent, StyleSymbols["bullet"], utils.FormatBytes(uint64(max(loaded, 0)))))
}

// TruncateTitle keeps the tail of long titles, where file names and
// extensions live.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= maxTitleLen {
		return title
	}
	return "..." + string(r[len(r)-maxTitleLen:])
}

func terminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
