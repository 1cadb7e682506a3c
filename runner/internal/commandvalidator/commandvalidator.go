// Package commandvalidator enforces a runner's capability set against the
// commands it is asked to execute. This is the runner's own copy of the
// allowlist applied at the execution gate — defense-in-depth alongside the
// identical check the server runs before a job is ever dispatched, so a
// compromised or buggy server component still can't force a readonly-only
// runner to run something destructive.
//
// exec.full grants unrestricted execution. exec.readonly restricts argv[0]
// to a fixed allowlist, rejects shell metacharacters outright (no pipes, no
// redirection, no subshells), and additionally gates systemctl, journalctl,
// and docker behind subcommand-specific rules.
package commandvalidator

import (
	"fmt"
	"slices"
	"strings"
)

// forbiddenChars are shell metacharacters that indicate a compound or
// otherwise complex command. Any one of them rejects the command outright
// in exec.readonly mode — there is no partial allowlisting of pipelines.
var forbiddenChars = []rune{';', '|', '&', '>', '<', '$', '(', ')', '`', '\n', '\\'}

// readonlyAllowlist is the full set of argv[0] values permitted under
// exec.readonly. systemctl, journalctl, and docker additionally require
// subcommand-level validation — see validateSystemctl/validateJournalctl/
// validateDocker.
var readonlyAllowlist = map[string]struct{}{
	"uname": {}, "uptime": {}, "date": {}, "whoami": {}, "id": {},
	"df": {}, "du": {}, "free": {}, "ps": {}, "top": {}, "hostname": {},
	"cat": {}, "head": {}, "tail": {}, "ls": {}, "pwd": {},
	"env": {}, "printenv": {}, "echo": {}, "false": {}, "true": {},
	"systemctl": {}, "journalctl": {}, "docker": {},
}

// dockerReadonlySubcommands are the only docker subcommands permitted in
// exec.readonly mode, regardless of capability.
var dockerReadonlySubcommands = map[string]struct{}{
	"ps": {}, "logs": {}, "stats": {}, "inspect": {}, "images": {},
	"info": {}, "version": {},
}

// destructiveCommands is an explicit blocklist checked before the allowlist
// so a future accidental allowlist addition can never silently re-enable
// one of these.
var destructiveCommands = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
	"useradd": {}, "userdel": {}, "usermod": {}, "groupadd": {}, "passwd": {},
	"chmod": {}, "chown": {}, "chgrp": {},
	"iptables": {}, "ip6tables": {}, "ufw": {}, "firewall-cmd": {},
	"mount": {}, "umount": {}, "fdisk": {}, "parted": {},
	"kill": {}, "killall": {}, "pkill": {},
}

// Validate reports whether command may run given capabilities. A false
// result always carries a human-readable reason suitable for surfacing back
// to the server as a job.error message.
func Validate(command string, capabilities []string) (bool, string) {
	if slices.Contains(capabilities, "exec.full") {
		return true, ""
	}
	return validateReadonly(command, capabilities)
}

func hasShellMetacharacters(command string) bool {
	return strings.ContainsAny(command, string(forbiddenChars))
}

// parseArgv0 extracts the base command name, stripping any directory
// components so "/usr/bin/docker ps" and "docker ps" validate identically.
func parseArgv0(command string) string {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return ""
	}
	base := tokens[0]
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	return base
}

func validateReadonly(command string, capabilities []string) (bool, string) {
	if hasShellMetacharacters(command) {
		return false, "command contains shell metacharacters (pipes, redirects, etc); " +
			"these are not allowed in exec.readonly mode"
	}

	argv0 := parseArgv0(command)
	if argv0 == "" {
		return false, "empty command"
	}

	if _, blocked := destructiveCommands[argv0]; blocked {
		return false, fmt.Sprintf("command %q is explicitly blocked (destructive operation)", argv0)
	}

	if _, allowed := readonlyAllowlist[argv0]; !allowed {
		return false, fmt.Sprintf("command %q is not in the readonly allowlist; "+
			"grant exec.full capability to run arbitrary commands", argv0)
	}

	switch argv0 {
	case "systemctl":
		if !validateSystemctl(command) {
			return false, "systemctl is only allowed with the 'status' subcommand in readonly mode"
		}
	case "journalctl":
		if !validateJournalctl(command) {
			return false, "journalctl must include --no-pager in readonly mode (prevents hanging)"
		}
	case "docker":
		if !slices.Contains(capabilities, "docker") {
			return false, "docker command requires the 'docker' capability; " +
				"the runner must be started with the capability granted"
		}
		if !validateDocker(command) {
			return false, fmt.Sprintf("docker subcommand is not allowed in readonly mode; allowed: %s",
				strings.Join(sortedKeys(dockerReadonlySubcommands), ", "))
		}
	}

	return true, ""
}

func validateSystemctl(command string) bool {
	tokens := strings.Fields(command)
	return len(tokens) >= 2 && tokens[1] == "status"
}

func validateJournalctl(command string) bool {
	return strings.Contains(command, "--no-pager")
}

func validateDocker(command string) bool {
	tokens := strings.Fields(command)
	if len(tokens) < 2 {
		return false
	}
	_, ok := dockerReadonlySubcommands[tokens[1]]
	return ok
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
