// Package sanitize turns media titles into names safe to use as filenames.
package sanitize

import "strings"

var replacer = strings.NewReplacer(
	"<", "_",
	">", "_",
	":", "_",
	`"`, "_",
	"/", "_",
	`\`, "_",
	"|", "_",
	"?", "_",
	"*", "_",
)

// Filename replaces every character that is reserved on common filesystems
// with an underscore. It never fails: an empty or blank name becomes "_".
func Filename(name string) string {
	s := strings.TrimSpace(replacer.Replace(name))
	if s == "" {
		return "_"
	}

	return s
}
