package security

import "strings"

// dangerousPatterns are matched case-insensitively as substrings of the
// whole command line. Common shell composition (pipes, redirects, &&, $())
// is deliberately not rejected; agents use it constantly for legitimate
// work. Only patterns whose presence is never benign are listed.
var dangerousPatterns = []string{
	"sudo",         // privilege escalation
	"rm -rf /",     // recursive delete of root
	"chmod 777 /",  // world-writable root
	"mkfs",         // filesystem format
	"dd if=",       // raw disk read/write
	"> /dev/sd",    // raw disk write via redirect
	":(){ :|:& };:", // fork bomb
}

// ValidateCommand rejects commands containing any known-dangerous pattern.
func (v *Validator) ValidateCommand(command string) error {
	lowered := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowered, pattern) {
			return NewViolation(ViolationDangerousCommand,
				"dangerous command pattern detected: %s", pattern)
		}
	}
	return nil
}
