package expr

import (
	"sort"

	"github.com/Shopify/go-lua"
)

var prelude = map[string]lua.Function{
	"list":     luaList,
	"append":   luaAppend,
	"merge":    luaMerge,
	"keys":     luaKeys,
	"count":    luaCount,
	"len":      luaCount,
	"contains": luaContains,
}

func luaList(l *lua.State) int {
	n := l.Top()
	l.CreateTable(n, 0)
	for i := 1; i <= n; i++ {
		l.PushValue(i)
		l.RawSetInt(-2, i)
	}
	lua.SetMetaTableNamed(l, arrayMeta)
	return 1
}

func luaAppend(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)
	top := l.Top()
	size := l.RawLength(1)

	l.CreateTable(size+top-1, 0)
	for i := 1; i <= size; i++ {
		l.RawGetInt(1, i)
		l.RawSetInt(-2, i)
	}
	for arg := 2; arg <= top; arg++ {
		l.PushValue(arg)
		l.RawSetInt(-2, size+arg-1)
	}
	lua.SetMetaTableNamed(l, arrayMeta)
	return 1
}

func luaMerge(l *lua.State) int {
	top := l.Top()
	l.NewTable()
	out := l.Top()
	for arg := 1; arg <= top; arg++ {
		if l.IsNil(arg) {
			continue
		}
		lua.CheckType(l, arg, lua.TypeTable)
		l.PushNil()
		for l.Next(arg) {
			l.PushValue(-2)
			l.Insert(-2)
			l.RawSet(out)
		}
	}
	return 1
}

func luaKeys(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)
	var keys []string
	l.PushNil()
	for l.Next(1) {
		if l.TypeOf(-2) == lua.TypeString {
			k, _ := l.ToString(-2)
			keys = append(keys, k)
		}
		l.Pop(1)
	}
	sort.Strings(keys)

	l.CreateTable(len(keys), 0)
	for i, k := range keys {
		l.PushString(k)
		l.RawSetInt(-2, i+1)
	}
	lua.SetMetaTableNamed(l, arrayMeta)
	return 1
}

func luaCount(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)
	n := 0
	l.PushNil()
	for l.Next(1) {
		n++
		l.Pop(1)
	}
	l.PushInteger(n)
	return 1
}

func luaContains(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)
	size := l.RawLength(1)
	for i := 1; i <= size; i++ {
		l.RawGetInt(1, i)
		found := l.RawEqual(-1, 2)
		l.Pop(1)
		if found {
			l.PushBoolean(true)
			return 1
		}
	}
	l.PushBoolean(false)
	return 1
}
