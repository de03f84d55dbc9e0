// Package lua runs operator-supplied Lua scripts that rewrite, block or
// pre-route an utterance before the intent router sees it.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Prepared is the outcome of running prepare(text).
type Prepared struct {
	// Text is the utterance to route, possibly rewritten.
	Text string
	// Blocked stops the request; Message is returned to the caller instead.
	Blocked bool
	Message string
	// Action, when set, skips the router: the script has chosen the action.
	Action string
	Params map[string]string
}

// Preparer runs one script file. Each call gets a fresh interpreter, so a
// Preparer is safe for concurrent use.
type Preparer struct {
	path string
}

// NewPreparer checks that the script exists and defines prepare.
func NewPreparer(scriptPath string) (*Preparer, error) {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	p := &Preparer{path: abs}
	L := p.newState(context.Background())
	defer L.Close()
	if _, err := p.load(L); err != nil {
		return nil, err
	}
	return p, nil
}

// Prepare calls the script's global prepare(text). The script returns either
// a string (the rewritten utterance) or a table with any of:
//
//	text    = "rewritten utterance"
//	route   = false        -- block; message is returned instead
//	message = "..."
//	action  = "create_task", params = { title = "..." }
func (p *Preparer) Prepare(ctx context.Context, text string) (*Prepared, error) {
	L := p.newState(ctx)
	defer L.Close()

	fn, err := p.load(L)
	if err != nil {
		return nil, err
	}
	L.Push(fn)
	L.Push(lua.LString(text))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("prepare(): %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch ret.Type() {
	case lua.LTString:
		return &Prepared{Text: ret.String()}, nil
	case lua.LTTable:
		return fromTable(ret.(*lua.LTable), text), nil
	case lua.LTNil:
		return &Prepared{Text: text}, nil
	default:
		return nil, fmt.Errorf("prepare() must return string or table, got %s", ret.Type().String())
	}
}

func fromTable(tbl *lua.LTable, text string) *Prepared {
	out := &Prepared{Text: text}
	if v, ok := tbl.RawGetString("text").(lua.LString); ok {
		out.Text = string(v)
	}
	if v, ok := tbl.RawGetString("route").(lua.LBool); ok && !bool(v) {
		out.Blocked = true
	}
	if v, ok := tbl.RawGetString("message").(lua.LString); ok {
		out.Message = string(v)
	}
	if v, ok := tbl.RawGetString("action").(lua.LString); ok && v != "" {
		out.Action = string(v)
		out.Params = map[string]string{}
		if params, ok := tbl.RawGetString("params").(*lua.LTable); ok {
			params.ForEach(func(k, v lua.LValue) {
				if k.Type() == lua.LTString && v.Type() != lua.LTNil {
					out.Params[k.String()] = v.String()
				}
			})
		}
	}
	return out
}

func (p *Preparer) load(L *lua.LState) (*lua.LFunction, error) {
	if err := L.DoFile(p.path); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	fn := L.GetGlobal("prepare")
	if fn.Type() == lua.LTNil {
		return nil, fmt.Errorf("script must define global function prepare(text)")
	}
	f, ok := fn.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("prepare must be a function, got %s", fn.Type().String())
	}
	return f, nil
}

// newState opens the base, table, string and math libraries. Scripts get no
// io, no package loader, no file loading and only a minimal os table.
func (p *Preparer) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("os", osModule(L))
	L.SetContext(ctx)
	return L
}

// osModule is a minimal os table: getenv and time.
func osModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	return mod
}
