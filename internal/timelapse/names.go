package timelapse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxNameLen = 80

var (
	unsafeRun   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	underRun    = regexp.MustCompile(`_{2,}`)
	frameName   = regexp.MustCompile(`^frame_(\d{6})\.jpg$`)
	gcodeSuffix = regexp.MustCompile(`(?i)\.(gcode|gco|g|bgcode)$`)
)

// Sanitize turns a job name into a directory-safe session name. Diacritics
// fold to ASCII; anything else outside [A-Za-z0-9._-] becomes '_'.
func Sanitize(name string) string {
	name = gcodeSuffix.ReplaceAllString(strings.TrimSpace(name), "")
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, name); err == nil {
		name = folded
	}
	name = unsafeRun.ReplaceAllString(name, "_")
	name = underRun.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")
	if len(name) > maxNameLen {
		name = strings.TrimRight(name[:maxNameLen], "._-")
	}
	if name == "" {
		return "timelapse"
	}
	return name
}

// FrameName returns the file name of frame i.
func FrameName(i int) string {
	return fmt.Sprintf("frame_%06d.jpg", i)
}

// FramePattern is the encoder input pattern matching FrameName.
const FramePattern = "frame_%06d.jpg"

func frameIndex(name string) (int, bool) {
	m := frameName.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
