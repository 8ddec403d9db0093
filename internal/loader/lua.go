package loader

import (
	"fmt"

	"github.com/mpataki/devflow/internal/models"
	lua "github.com/yuin/gopher-lua"
)

// luaBuilder collects the declarations a Lua workflow script makes.
type luaBuilder struct {
	doc      Document
	declared bool
}

// ParseLua runs a workflow script in a sandbox and returns what it declared.
// Scripts call workflow{...} once, then stage{...} and transition{...}; stages
// take their order from declaration order unless they set one.
func ParseLua(name, src string) (*Document, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	openSafeLibs(L)

	b := &luaBuilder{}
	L.SetGlobal("workflow", L.NewFunction(b.luaWorkflow))
	L.SetGlobal("stage", L.NewFunction(b.luaStage))
	L.SetGlobal("transition", L.NewFunction(b.luaTransition))

	fn, err := L.LoadString(src)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}

	if !b.declared {
		return nil, fmt.Errorf("%s must call workflow{...}", name)
	}
	return &b.doc, nil
}

// openSafeLibs loads the base, table, string and math libraries without
// file access, code loading, printing or randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// workflow{name=, type=, description=, allow_cycles=}
func (b *luaBuilder) luaWorkflow(L *lua.LState) int {
	tbl := L.CheckTable(1)
	if b.declared {
		L.RaiseError("workflow{} may only be called once")
		return 0
	}
	b.declared = true
	b.doc.Name = optString(L, tbl, "name")
	b.doc.Type = optString(L, tbl, "type")
	b.doc.Description = optString(L, tbl, "description")
	b.doc.AllowCycles = optBool(L, tbl, "allow_cycles")
	return 0
}

// stage{name=, description=, order=, checklist={...}, deliverables={...}}
//
// Checklist entries are either {id=, label=, optional=} tables or bare
// strings, which serve as both id and label.
func (b *luaBuilder) luaStage(L *lua.LState) int {
	tbl := L.CheckTable(1)
	st := Stage{
		Name:         optString(L, tbl, "name"),
		Description:  optString(L, tbl, "description"),
		Deliverables: optStrings(L, tbl, "deliverables"),
	}
	if n, ok := tbl.RawGetString("order").(lua.LNumber); ok {
		order := int(n)
		st.Order = &order
	}

	if items, ok := tbl.RawGetString("checklist").(*lua.LTable); ok {
		items.ForEach(func(_, v lua.LValue) {
			switch item := v.(type) {
			case lua.LString:
				st.Checklist = append(st.Checklist, models.ChecklistItem{ID: string(item), Label: string(item)})
			case *lua.LTable:
				st.Checklist = append(st.Checklist, models.ChecklistItem{
					ID:       optString(L, item, "id"),
					Label:    optString(L, item, "label"),
					Optional: optBool(L, item, "optional"),
				})
			default:
				L.RaiseError("stage %q: checklist entries must be strings or tables, got %s", st.Name, v.Type())
			}
		})
	}

	b.doc.Stages = append(b.doc.Stages, st)
	return 0
}

// transition{from=, to=, when=, priority=}
func (b *luaBuilder) luaTransition(L *lua.LState) int {
	tbl := L.CheckTable(1)
	t := Transition{
		From: optString(L, tbl, "from"),
		To:   optString(L, tbl, "to"),
		When: optString(L, tbl, "when"),
	}
	if n, ok := tbl.RawGetString("priority").(lua.LNumber); ok {
		t.Priority = int(n)
	}
	b.doc.Transitions = append(b.doc.Transitions, t)
	return 0
}

func optString(L *lua.LState, tbl *lua.LTable, field string) string {
	switch v := tbl.RawGetString(field).(type) {
	case *lua.LNilType:
		return ""
	case lua.LString:
		return string(v)
	default:
		L.RaiseError("field %q must be a string, got %s", field, v.Type())
		return ""
	}
}

func optBool(L *lua.LState, tbl *lua.LTable, field string) bool {
	switch v := tbl.RawGetString(field).(type) {
	case *lua.LNilType:
		return false
	case lua.LBool:
		return bool(v)
	default:
		L.RaiseError("field %q must be a boolean, got %s", field, v.Type())
		return false
	}
}

func optStrings(L *lua.LState, tbl *lua.LTable, field string) []string {
	list, ok := tbl.RawGetString(field).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	list.ForEach(func(_, v lua.LValue) {
		out = append(out, v.String())
	})
	return out
}
