package engine

import (
	"mime"
	"net/url"
	"regexp"

	"github.com/tanq16/haul/internal/utils"
)

var (
	extFilenameRe   = regexp.MustCompile(`(?i)attachment;\s*filename\*\s*=\s*"*([^"]*)'\S*'([^"]*)"*`)
	plainFilenameRe = regexp.MustCompile(`(?i)attachment;\s*filename\s*=\s*"*([^"\n]*)"*`)
)

// FileNameFromDisposition extracts a safe file name from a Content-Disposition
// header, preferring the RFC 5987 extended form.
func FileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := utils.CleanFileName(params["filename"]); name != "" {
			return name
		}
	}
	// lenient fallbacks for headers mime rejects
	if m := extFilenameRe.FindStringSubmatch(header); m != nil {
		if name, err := url.PathUnescape(m[2]); err == nil {
			if name = utils.CleanFileName(name); name != "" {
				return name
			}
		}
	}
	if m := plainFilenameRe.FindStringSubmatch(header); m != nil {
		return utils.CleanFileName(m[1])
	}
	return ""
}
