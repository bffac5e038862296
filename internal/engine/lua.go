package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/paywise/flowengine/pkg/api"
)

type (
	// LuaEnv evaluates branch condition predicates with state pooling.
	// Conditions are pure expressions over the flow data context, exposed to
	// the script as a single `data` table
	LuaEnv struct {
		statePool chan *lua.State
		scripts   sync.Map
	}

	// CompiledLua is a compiled branch condition
	CompiledLua struct {
		bytecode []byte
	}
)

const (
	luaStatePoolSize    = 10
	luaGlobalTableIndex = -2
	luaTableIndex       = -3
	luaGlobalTableName  = "_G"
	luaConditionChunk   = "local data = select(1, ...)\nreturn (%s)"
)

var (
	ErrLuaCompile   = errors.New("lua compile error")
	ErrLuaExecution = errors.New("lua execution error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// NewLuaEnv creates a new condition evaluation environment with a state pool
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{
		statePool: make(chan *lua.State, luaStatePoolSize),
	}
}

// Compile compiles a branch condition expression, caching the bytecode
func (e *LuaEnv) Compile(condition string) (*CompiledLua, error) {
	if val, ok := e.scripts.Load(condition); ok {
		return val.(*CompiledLua), nil
	}

	src := fmt.Sprintf(luaConditionChunk, condition)

	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaCompile, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaCompile, err)
	}

	c := &CompiledLua{bytecode: buf.Bytes()}
	e.scripts.Store(condition, c)
	return c, nil
}

// Evaluate runs a compiled condition against the data context and returns
// its boolean result
func (e *LuaEnv) Evaluate(c *CompiledLua, data api.Args) (bool, error) {
	L := e.getState()
	defer e.returnState(L)

	e.setupSandbox(L)

	if err := L.Load(bytes.NewReader(c.bytecode), "chunk", "b"); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}

	pushLuaData(L, data)

	if err := L.ProtectedCall(1, 1, 0); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}

	result := L.ToBoolean(-1)
	L.Pop(1)
	return result, nil
}

// EvaluateCondition compiles and evaluates a condition in one call
func (e *LuaEnv) EvaluateCondition(
	condition string, data api.Args,
) (bool, error) {
	c, err := e.Compile(condition)
	if err != nil {
		return false, err
	}
	return e.Evaluate(c, data)
}

func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (e *LuaEnv) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func pushLuaData(L *lua.State, data api.Args) {
	L.CreateTable(0, len(data))
	for k, v := range data {
		L.PushString(string(k))
		goToLua(L, v)
		L.SetTable(luaTableIndex)
	}
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaTableIndex)
	}
}
