package shell

import "strings"

// BlockFunc returns true if the given command args should be blocked.
type BlockFunc func(args []string) bool

// CommandsBlocker returns a BlockFunc that blocks exact command name matches.
func CommandsBlocker(cmds []string) BlockFunc {
	blocked := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		blocked[c] = struct{}{}
	}
	return func(args []string) bool {
		if len(args) == 0 {
			return false
		}
		_, ok := blocked[args[0]]
		return ok
	}
}

// ArgumentsBlocker returns a BlockFunc that blocks a command when specific
// subcommand args and/or flags are present. For example,
// ArgumentsBlocker("npm", []string{"install"}, []string{"-g"}) blocks
// "npm install -g <pkg>" but allows "npm install <pkg>".
func ArgumentsBlocker(cmd string, subArgs, flags []string) BlockFunc {
	return func(args []string) bool {
		if len(args) == 0 || args[0] != cmd {
			return false
		}
		posArgs, posFlags := splitArgsFlags(args[1:])
		if !prefixMatch(posArgs, subArgs) {
			return false
		}
		if len(flags) > 0 && !flagsPresent(posFlags, flags) {
			return false
		}
		return true
	}
}

func splitArgsFlags(args []string) (positional, flags []string) {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
		} else {
			positional = append(positional, a)
		}
	}
	return
}

// prefixMatch returns true if haystack starts with all elements of needle.
func prefixMatch(haystack, needle []string) bool {
	if len(haystack) < len(needle) {
		return false
	}
	for i, n := range needle {
		if haystack[i] != n {
			return false
		}
	}
	return true
}

// flagsPresent returns true if all required flags appear in the actual flags.
func flagsPresent(actual, required []string) bool {
	have := make(map[string]struct{}, len(actual))
	for _, f := range actual {
		have[f] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// blockedAlways are commands no permission level unblocks: privilege
// escalation, system modification, and destructive disk operations. The
// permission gate decides whether ordinary commands run at all; this list
// is the floor underneath it.
var blockedAlways = []string{
	// Privilege escalation
	"doas", "su", "sudo",
	// Disk / system modification
	"fdisk", "mkfs", "mount", "umount", "parted",
	"systemctl", "service", "chkconfig",
	"crontab", "at", "batch",
	// Network configuration
	"iptables", "firewall-cmd", "ufw", "pfctl", "route", "ifconfig", "ip",
	// Directory escape is handled by cwd clamping, not blocking: cd is a
	// shell builtin, invisible to ExecHandlers.
}

// DefaultBlockFuncs returns the standard set of block functions.
func DefaultBlockFuncs() []BlockFunc {
	return []BlockFunc{
		CommandsBlocker(blockedAlways),
		// Global package installs change the machine, not the project.
		ArgumentsBlocker("npm", []string{"install"}, []string{"-g"}),
		ArgumentsBlocker("npm", []string{"install"}, []string{"--global"}),
		ArgumentsBlocker("pnpm", []string{"add"}, []string{"-g"}),
		ArgumentsBlocker("yarn", []string{"global"}, nil),
		ArgumentsBlocker("brew", []string{"install"}, nil),
		// Code-execution escape through the test runner.
		ArgumentsBlocker("go", []string{"test"}, []string{"-exec"}),
	}
}
