package executor

import (
	"fmt"
	"regexp"
)

// deniedPattern is a best-effort filter for obviously destructive commands.
// It is a pattern match over the command text, not a sandbox: anything that
// slips past it runs with the full privileges of the process.
type deniedPattern struct {
	reason string
	re     *regexp.Regexp
}

var denylist = []deniedPattern{
	{
		reason: "recursive delete of a root path",
		re:     regexp.MustCompile(`(?i)\brm\s+(?:-[a-z]*\s+)*(?:-[a-z]*r[a-z]*|--recursive)\s+(?:-[a-z-]*\s+)*(?:/|/\*|~|~/|\$HOME/?|[a-z]:\\?)(?:\s|;|&|\||$)`),
	},
	{
		reason: "recursive delete of a root path",
		re:     regexp.MustCompile(`(?i)\b(?:rmdir|rd|del)\s+/s\b.*\b[a-z]:\\(?:\s|$)`),
	},
	{
		reason: "filesystem formatting",
		re:     regexp.MustCompile(`(?i)\bmkfs(?:\.[a-z0-9]+)?\b|\bformat\s+[a-z]:|\bmke2fs\b|\bwipefs\b`),
	},
	{
		reason: "fork bomb",
		re:     regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	},
	{
		reason: "shutdown or reboot",
		re:     regexp.MustCompile(`(?i)(?:^|[;&|(]|\bsudo)\s*(?:shutdown|reboot|poweroff|halt)\b|\binit\s+[06]\b|\bsystemctl\s+(?:poweroff|reboot|halt)\b`),
	},
	{
		reason: "raw disk write",
		re:     regexp.MustCompile(`(?i)\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|disk|mmcblk)|>\s*/dev/(?:sd|hd|vd|xvd|nvme|disk|mmcblk)`),
	},
}

// SecurityDeniedError is returned for commands matching the denylist. No
// process is spawned.
type SecurityDeniedError struct {
	Command string
	Reason  string
}

func (e *SecurityDeniedError) Error() string {
	return fmt.Sprintf("command denied (%s): %s", e.Reason, e.Command)
}

// CheckCommand returns a *SecurityDeniedError if command matches the denylist.
func CheckCommand(command string) error {
	for _, p := range denylist {
		if p.re.MatchString(command) {
			return &SecurityDeniedError{Command: command, Reason: p.reason}
		}
	}
	return nil
}
