package iotests

import "strings"

// Arg is one named command argument.
type Arg struct {
	Key   string
	Value any
}

// KV returns an Arg.
func KV(key string, value any) Arg {
	return Arg{Key: key, Value: value}
}

// Args is an ordered list of command arguments.
type Args []Arg

// Translate returns a copy of a with every key passed through TranslateKey.
func (a Args) Translate() Args {
	out := make(Args, len(a))
	for i, arg := range a {
		out[i] = Arg{Key: TranslateKey(arg.Key), Value: arg.Value}
	}
	return out
}

// Map returns the arguments as a JSON object. If a key appears more than
// once the last value wins. An empty list yields nil so that no
// "arguments" member is sent.
func (a Args) Map() map[string]any {
	if len(a) == 0 {
		return nil
	}
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Key] = arg.Value
	}
	return m
}

// TranslateKey converts a Go-friendly argument name to QMP's dashed
// convention, e.g. "on_target_error" to "on-target-error".
func TranslateKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
