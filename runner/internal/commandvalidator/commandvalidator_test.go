package commandvalidator

import "testing"

func TestValidateExecFullAllowsAnything(t *testing.T) {
	ok, reason := Validate("rm -rf /", []string{"exec.full"})
	if !ok {
		t.Fatalf("expected exec.full to allow anything, got reason: %s", reason)
	}
}

func TestValidateReadonlyBlocksDestructiveCommands(t *testing.T) {
	ok, _ := Validate("rm -rf /", []string{"exec.readonly"})
	if ok {
		t.Fatal("expected rm to be blocked under exec.readonly")
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
