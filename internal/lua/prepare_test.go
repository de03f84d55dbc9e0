package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prep.lua")
	if err := os.WriteFile(path, []byte(script), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func prepare(t *testing.T, script, text string) *Prepared {
	t.Helper()
	p, err := NewPreparer(writeScript(t, script))
	if err != nil {
		t.Fatalf("NewPreparer: %v", err)
	}
	out, err := p.Prepare(context.Background(), text)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return out
}

func TestPrepareReturnsString(t *testing.T) {
	out := prepare(t, `function prepare(text) return string.lower(text) end`, "GIT STATUS")
	if out.Text != "git status" || out.Blocked || out.Action != "" {
		t.Errorf("out = %+v", out)
	}
}

func TestPrepareReturnsNilKeepsText(t *testing.T) {
	out := prepare(t, `function prepare(text) end`, "hello")
	if out.Text != "hello" {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestPrepareBlocks(t *testing.T) {
	script := `
function prepare(text)
  if string.find(text, "drop table") then
    return { route = false, message = "Request blocked." }
  end
  return text
end
`
	out := prepare(t, script, "please drop table users")
	if !out.Blocked || out.Message != "Request blocked." {
		t.Errorf("out = %+v", out)
	}
	if out.Text != "please drop table users" {
		t.Errorf("blocked request should keep text, got %q", out.Text)
	}
}

func TestPrepareChoosesAction(t *testing.T) {
	script := `
function prepare(text)
  return {
    action = "create_task",
    params = { title = "Call " .. text, priority = "high", weight = 3 }
  }
end
`
	out := prepare(t, script, "Bob")
	if out.Action != "create_task" {
		t.Fatalf("Action = %q", out.Action)
	}
	if out.Params["title"] != "Call Bob" || out.Params["priority"] != "high" || out.Params["weight"] != "3" {
		t.Errorf("Params = %v", out.Params)
	}
}

func TestPrepareRewritesText(t *testing.T) {
	out := prepare(t, `function prepare(text) return { text = "create task: " .. text } end`, "Fix bug")
	if out.Text != "create task: Fix bug" || out.Blocked {
		t.Errorf("out = %+v", out)
	}
}

func TestPrepareReadsEnv(t *testing.T) {
	t.Setenv("TOOLBROKER_PREFIX", "ops")
	out := prepare(t, `function prepare(text) return os.getenv("TOOLBROKER_PREFIX") .. ": " .. text end`, "hi")
	if out.Text != "ops: hi" {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestPrepareHasNoIO(t *testing.T) {
	p, err := NewPreparer(writeScript(t, `function prepare(text) return io.open("/etc/passwd") end`))
	if err != nil {
		t.Fatalf("NewPreparer: %v", err)
	}
	if _, err := p.Prepare(context.Background(), "x"); err == nil {
		t.Fatal("io should not be available")
	}
}

func TestPrepareCannotLoadFiles(t *testing.T) {
	secret := writeScript(t, `return "leaked"`)
	cases := []struct {
		name string
		call string
	}{
		{"dofile", `dofile("` + secret + `")`},
		{"loadfile", `loadfile("` + secret + `")()`},
		{"require", `require("prep")`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPreparer(writeScript(t, "function prepare(text) return "+tc.call+" end"))
			if err != nil {
				t.Fatalf("NewPreparer: %v", err)
			}
			out, err := p.Prepare(context.Background(), "x")
			if err == nil {
				t.Fatalf("%s should not be available, got %+v", tc.name, out)
			}
		})
	}
}

func TestNewPreparerErrors(t *testing.T) {
	cases := []struct {
		name   string
		script string
	}{
		{"syntax error", `function prepare(text`},
		{"missing prepare", `x = 1`},
		{"prepare not a function", `prepare = "nope"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPreparer(writeScript(t, tc.script)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := NewPreparer(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPrepareBadReturnType(t *testing.T) {
	p, err := NewPreparer(writeScript(t, `function prepare(text) return 42 end`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Prepare(context.Background(), "x"); err == nil {
		t.Fatal("expected error for number return")
	}
}

func TestPrepareHonorsContext(t *testing.T) {
	p, err := NewPreparer(writeScript(t, `function prepare(text) while true do end end`))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Prepare(ctx, "x"); err == nil {
		t.Fatal("expected error after context deadline")
	}
}
