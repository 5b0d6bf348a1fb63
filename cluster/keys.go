package cluster

import (
	"fmt"
	"strings"
)

// keyOf implements the command key extractor (§4.B): given a pipeline,
// return the string that should be hashed to a slot, or ok=false when the
// command is unroutable (fan-out/admin verbs with no single key).
func keyOf(p Pipeline) (string, bool) {
	if len(p) == 0 {
		return "", false
	}

	// Rule 1: MULTI-prefixed pipeline recurses on the remainder.
	if strings.EqualFold(p[0].Verb, "MULTI") {
		return keyOf(p[1:])
	}

	// Rule 2: a pipeline of two or more commands assumes same-slot affinity;
	// use the first command's key.
	if len(p) >= 2 {
		return keyOfCommand(p[0])
	}

	return keyOfCommand(p[0])
}

var unroutableVerbs = map[string]bool{
	"INFO":     true,
	"CONFIG":   true,
	"SHUTDOWN": true,
	"SLAVEOF":  true,
}

func keyOfCommand(cmd Command) (string, bool) {
	verb := strings.ToUpper(cmd.Verb)

	// Rule 3: admin/fan-out verbs have no routable key.
	if unroutableVerbs[verb] {
		return "", false
	}

	// Rule 4: EVAL/EVALSHA key is the positional argument at index 3
	// (script, numkeys, key1, ...).
	if verb == "EVAL" || verb == "EVALSHA" {
		return argAt(cmd.Args, 2) // Args excludes the verb, so index 3 overall is Args[2]
	}

	// Rule 5: default positional argument at index 1 overall (GET key ->
	// Args[0]).
	return argAt(cmd.Args, 0)
}

func argAt(args []interface{}, i int) (string, bool) {
	if i < 0 || i >= len(args) {
		return "", false
	}
	return normalizeArg(args[i])
}

// normalizeArg collapses binary and textual argument representations into
// one comparable string form.
func normalizeArg(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}
