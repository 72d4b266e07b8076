package config

import "testing"

const minimalStackYAML = `
name: dns-zones
work_dir: zones
repo_url: https://git.example.com/infra/dns-zones.git
`

func TestParse_Defaults(t *testing.T) {
	stack, err := Parse([]byte(minimalStackYAML))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if stack.MainBranch != "main" {
		t.Fatalf("MainBranch=%q, want main", stack.MainBranch)
	}
	if stack.Environment != "production" {
		t.Fatalf("Environment=%q, want production", stack.Environment)
	}
	if stack.Tool.Binary != "tofu" {
		t.Fatalf("Tool.Binary=%q, want tofu", stack.Tool.Binary)
	}
	if stack.Scanner.Binary != "checkov" {
		t.Fatalf("Scanner.Binary=%q, want checkov", stack.Scanner.Binary)
	}
	if len(stack.CredentialEnvNames) != 2 {
		t.Fatalf("CredentialEnvNames=%v, want two default names", stack.CredentialEnvNames)
	}
}

func TestParse_MissingWorkDir(t *testing.T) {
	_, err := Parse([]byte("name: dns-zones\nrepo_url: https://git.example.com/x.git\n"))
	if err == nil {
		t.Fatalf("Parse() expected error for missing work_dir")
	}
}

func TestParse_Overrides(t *testing.T) {
	raw := []byte(`
name: dns-zones
work_dir: zones
repo_url: https://git.example.com/infra/dns-zones.git
main_branch: trunk
tool:
  binary: terraform
  plan_file: plan.out
credential_env_names: [PROVIDER_TOKEN]
`)
	stack, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if stack.MainBranch != "trunk" {
		t.Fatalf("MainBranch=%q, want trunk", stack.MainBranch)
	}
	if stack.Tool.Binary != "terraform" || stack.Tool.PlanFile != "plan.out" {
		t.Fatalf("Tool=%+v, want terraform/plan.out", stack.Tool)
	}
	env := stack.CredentialEnv("tok-123")
	if len(env) != 1 || env["PROVIDER_TOKEN"] != "tok-123" {
		t.Fatalf("CredentialEnv()=%v, want single PROVIDER_TOKEN", env)
	}
}

func TestCredentialEnv_TwoNamesOneValue(t *testing.T) {
	stack, err := Parse([]byte(minimalStackYAML))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	env := stack.CredentialEnv("tok-abc")
	if len(env) != 2 {
		t.Fatalf("CredentialEnv() len=%d, want 2", len(env))
	}
	for name, value := range env {
		if value != "tok-abc" {
			t.Fatalf("CredentialEnv()[%s]=%q, want tok-abc", name, value)
		}
	}
}
