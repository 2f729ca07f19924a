package dataplane

import (
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// CompletionPredicate reports whether a log line marks the end of a run's
// useful output. The log collector stops reading once it fires.
type CompletionPredicate func(line string) bool

// MarkerPredicate matches any of the configured substrings.
func MarkerPredicate(markers []string) CompletionPredicate {
	cleaned := make([]string, 0, len(markers))
	for _, marker := range markers {
		marker = strings.TrimSpace(marker)
		if marker != "" {
			cleaned = append(cleaned, marker)
		}
	}
	return func(line string) bool {
		for _, marker := range cleaned {
			if strings.Contains(line, marker) {
				return true
			}
		}
		return false
	}
}

// LuaPredicate compiles a user-supplied script that must define
// accept(line) returning a boolean. Script errors after compilation are
// treated as "not complete" so a broken predicate degrades to the log
// window timeout instead of truncating output.
func LuaPredicate(script string) (CompletionPredicate, error) {
	state := lua.NewState()
	if err := state.DoString(script); err != nil {
		state.Close()
		return nil, fmt.Errorf("compile completion script: %w", err)
	}
	accept := state.GetGlobal("accept")
	if accept == lua.LNil {
		state.Close()
		return nil, fmt.Errorf("completion script must define accept(line)")
	}

	// lua.LState is not safe for concurrent use.
	var mu sync.Mutex
	return func(line string) bool {
		mu.Lock()
		defer mu.Unlock()
		err := state.CallByParam(lua.P{Fn: accept, NRet: 1, Protect: true}, lua.LString(line))
		if err != nil {
			return false
		}
		result := state.Get(-1)
		state.Pop(1)
		return lua.LVAsBool(result)
	}, nil
}

// NewPredicate builds the collector's predicate from policy: a script takes
// precedence, otherwise the marker list applies.
func NewPredicate(markers []string, script string) (CompletionPredicate, error) {
	if strings.TrimSpace(script) != "" {
		return LuaPredicate(script)
	}
	return MarkerPredicate(markers), nil
}
