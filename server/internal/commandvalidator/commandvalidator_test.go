package commandvalidator

import "testing"

func TestValidateExecFullAllowsAnything(t *testing.T) {
	ok, reason := Validate("rm -rf /", []string{"exec.full"})
	if !ok {
		t.Fatalf("expected exec.full to allow anything, got reason: %s", reason)
	}
}

func TestValidateReadonlyBlocksDestructiveCommands(t *testing.T) {
	ok, reason := Validate("rm -rf /", []string{"exec.readonly"})
	if ok {
		t.Fatal("expected rm to be blocked under exec.readonly")
	}
	if reason == "" {
		t.Fatal("expected a reason for the rejection")
	}
}

func TestValidateReadonlyBlocksShellMetacharacters(t *testing.T) {
	cases := []string{
		"cat /etc/passwd | grep root",
		"echo hi; rm -rf /",
		"echo $(whoami)",
		"ls > /tmp/out",
	}
	for _, cmd := range cases {
		if ok, _ := Validate(cmd, []string{"exec.readonly"}); ok {
			t.Errorf("expected %q to be rejected for shell metacharacters", cmd)
		}
	}
}

func TestValidateReadonlyAllowsAllowlistedCommands(t *testing.T) {
	cases := []string{"uptime", "whoami", "df", "ps", "cat /etc/hostname"}
	for _, cmd := range cases {
		if ok, reason := Validate(cmd, []string{"exec.readonly"}); !ok {
			t.Errorf("expected %q to be allowed, got reason: %s", cmd, reason)
		}
	}
}

func TestValidateReadonlyRejectsCommandNotInAllowlist(t *testing.T) {
	ok, _ := Validate("curl https://example.com", []string{"exec.readonly"})
	if ok {
		t.Fatal("expected curl to be rejected — not in the readonly allowlist")
	}
}

func TestValidateSystemctlOnlyAllowsStatus(t *testing.T) {
	if ok, _ := Validate("systemctl status nginx", []string{"exec.readonly"}); !ok {
		t.Fatal("expected systemctl status to be allowed")
	}
	if ok, _ := Validate("systemctl restart nginx", []string{"exec.readonly"}); ok {
		t.Fatal("expected systemctl restart to be rejected")
	}
}

func TestValidateJournalctlRequiresNoPager(t *testing.T) {
	if ok, _ := Validate("journalctl -u nginx --no-pager", []string{"exec.readonly"}); !ok {
		t.Fatal("expected journalctl with --no-pager to be allowed")
	}
	if ok, _ := Validate("journalctl -u nginx", []string{"exec.readonly"}); ok {
		t.Fatal("expected journalctl without --no-pager to be rejected")
	}
}

func TestValidateDockerRequiresCapabilityAndReadonlySubcommand(t *testing.T) {
	if ok, _ := Validate("docker ps", []string{"exec.readonly"}); ok {
		t.Fatal("expected docker to be rejected without the docker capability")
	}
	if ok, _ := Validate("docker ps", []string{"exec.readonly", "docker"}); !ok {
		t.Fatal("expected docker ps to be allowed with the docker capability")
	}
	if ok, _ := Validate("docker rm my-container", []string{"exec.readonly", "docker"}); ok {
		t.Fatal("expected docker rm to be rejected even with the docker capability")
	}
}

func TestValidateHandlesAbsolutePathArgv0(t *testing.T) {
	if ok, _ := Validate("/usr/bin/uptime", []string{"exec.readonly"}); !ok {
		t.Fatal("expected an absolute path to resolve to its base command name")
	}
}

func TestValidateRejectsEmptyCommand(t *testing.T) {
	if ok, _ := Validate("   ", []string{"exec.readonly"}); ok {
		t.Fatal("expected an empty command to be rejected")
	}
}
