package shell

import "testing"

func TestCommandsBlocker(t *testing.T) {
	blocker := CommandsBlocker([]string{"sudo", "mkfs"})

	tests := []struct {
		args    []string
		blocked bool
	}{
		{[]string{"sudo", "rm", "-rf", "/"}, true},
		{[]string{"mkfs", "/dev/sda1"}, true},
		{[]string{"ls", "-la"}, false},
		{[]string{"go", "build"}, false},
		{[]string{}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := blocker(tt.args); got != tt.blocked {
			t.Errorf("CommandsBlocker(%v) = %v, want %v", tt.args, got, tt.blocked)
		}
	}
}

func TestArgumentsBlocker(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		sub     []string
		flags   []string
		args    []string
		blocked bool
	}{
		{"npm install -g", "npm", []string{"install"}, []string{"-g"}, []string{"npm", "install", "-g", "typescript"}, true},
		{"npm install local", "npm", []string{"install"}, []string{"-g"}, []string{"npm", "install", "lodash"}, false},
		{"npm run", "npm", []string{"install"}, []string{"-g"}, []string{"npm", "run", "test"}, false},
		{"different cmd", "npm", []string{"install"}, []string{"-g"}, []string{"yarn", "install", "-g"}, false},
		{"go test -exec", "go", []string{"test"}, []string{"-exec"}, []string{"go", "test", "-exec", "echo", "./..."}, true},
		{"go test normal", "go", []string{"test"}, []string{"-exec"}, []string{"go", "test", "-v", "./..."}, false},
		{"empty args", "npm", []string{"install"}, []string{"-g"}, []string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocker := ArgumentsBlocker(tt.cmd, tt.sub, tt.flags)
			if got := blocker(tt.args); got != tt.blocked {
				t.Errorf("ArgumentsBlocker(%q, %v, %v)(%v) = %v, want %v",
					tt.cmd, tt.sub, tt.flags, tt.args, got, tt.blocked)
			}
		})
	}
}

func TestDefaultBlockFuncs(t *testing.T) {
	blockers := DefaultBlockFuncs()

	mustBlock := [][]string{
		{"sudo", "apt", "install", "nmap"},
		{"systemctl", "restart", "sshd"},
		{"npm", "install", "-g", "typescript"},
		{"go", "test", "-exec", "echo", "./..."},
	}
	mustAllow := [][]string{
		{"go", "test", "./..."},
		{"npm", "install", "lodash"},
		{"git", "status"},
		{"make", "build"},
	}

	blockedBy := func(args []string) bool {
		for _, bf := range blockers {
			if bf(args) {
				return true
			}
		}
		return false
	}

	for _, args := range mustBlock {
		if !blockedBy(args) {
			t.Errorf("expected blocked: %v", args)
		}
	}
	for _, args := range mustAllow {
		if blockedBy(args) {
			t.Errorf("expected allowed: %v", args)
		}
	}
}

func TestShellRun_ExitCodeAndState(t *testing.T) {
	sh := New(t.TempDir(), DefaultBlockFuncs())

	res, err := sh.Run(t.Context(), "echo hello && export FOO=bar", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Fatalf("res = %+v", res)
	}

	// Env persists across calls.
	res, err = sh.Run(t.Context(), "echo $FOO", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "bar\n" {
		t.Fatalf("env not persisted: %q", res.Stdout)
	}

	// Non-zero exit is a result, not an error.
	res, err = sh.Run(t.Context(), "false", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit")
	}
}

func TestShellRun_BlockedCommand(t *testing.T) {
	sh := New(t.TempDir(), DefaultBlockFuncs())
	_, err := sh.Run(t.Context(), "sudo id", 0)
	if err == nil {
		t.Fatal("expected blocked command error")
	}
}
