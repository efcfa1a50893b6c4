package iotests

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/KarpelesLab/iotests/qmp"
)

// EventMatch reports whether match is a recursive subset of event: every key
// of match must exist in event with an equal value, nested dicts being
// matched the same way. A nil match matches everything.
func EventMatch(event, match map[string]any) bool {
	for key, want := range match {
		got, ok := event[key]
		if !ok {
			return false
		}
		if sub, ok := got.(map[string]any); ok {
			if want == nil {
				continue
			}
			wantSub, ok := want.(map[string]any)
			if !ok || !EventMatch(sub, wantSub) {
				return false
			}
			continue
		}
		if !Equal(got, want) {
			return false
		}
	}
	return true
}

var indexRe = regexp.MustCompile(`^([^\[]+)\[([^\]]+)\]`)

// DictPath resolves a "/" separated path in a nested QMP structure. A
// component of the form name[i] selects element i of the list stored under
// name; negative indexes count from the end. d may also be a *qmp.Event or
// a qmp.Response.
func DictPath(d any, path string) (any, error) {
	d = plain(d)

	for _, component := range strings.Split(path, "/") {
		name, idx, indexed := component, "", false
		if m := indexRe.FindStringSubmatch(component); m != nil {
			name, idx, indexed = m[1], m[2], true
		}

		v, isMap, ok := lookup(d, name)
		if !ok {
			reason := ErrKeyMissing
			if !isMap {
				reason = ErrNotDict
			}
			return nil, &PathError{Path: path, Component: name, Value: d, Err: reason}
		}
		d = v

		if !indexed {
			continue
		}

		rv := reflect.ValueOf(d)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, &PathError{Path: path, Component: name, Value: d, Err: ErrNotList}
		}
		i, err := strconv.Atoi(idx)
		if err == nil && i < 0 {
			i += rv.Len()
		}
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, &PathError{Path: path, Component: name, Index: idx, Value: d, Err: ErrIndexRange}
		}
		d = rv.Index(i).Interface()
	}
	return d, nil
}

// lookup returns d[key]. isMap reports whether d is keyed by strings at all.
func lookup(d any, key string) (v any, isMap, ok bool) {
	if m, isDict := d.(map[string]any); isDict {
		v, found := m[key]
		return v, true, found
	}
	rv := reflect.ValueOf(d)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false, false
	}
	mv := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
	if !mv.IsValid() {
		return nil, true, false
	}
	return mv.Interface(), true, true
}

// plain unwraps the harness's own container types.
func plain(d any) any {
	switch v := d.(type) {
	case *qmp.Event:
		return v.Dict()
	case qmp.Response:
		return map[string]any(v)
	}
	return d
}

// CheckQMP checks that the value at path in d equals want.
func CheckQMP(d any, path string, want any) error {
	got, err := DictPath(d, path)
	if err != nil {
		return err
	}
	if Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Path: path,
		Got:  got,
		Want: want,
		Diff: cmp.Diff(normalize(got), normalize(want), cmpopts.EquateEmpty()),
	}
}

// CheckQMPAbsent checks that path does not resolve in d.
func CheckQMPAbsent(d any, path string) error {
	got, err := DictPath(d, path)
	if err != nil {
		return nil
	}
	return &AssertionError{
		Path:    path,
		Got:     got,
		Message: fmt.Sprintf("path %q has value %v", path, got),
	}
}

// Equal compares two QMP values structurally. Numbers compare by value
// whatever their Go type, so a decoded json.Number equals a Go int literal.
// An empty list and a typed empty slice are equal; null and [] are not.
func Equal(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b), cmpopts.EquateEmpty())
}

// normalize maps v onto the types produced by decoding JSON with
// UseNumber, then folds every number to int64 when it is integral and to
// float64 otherwise.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool:
		return v
	}

	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return foldNumbers(out)
}

func foldNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f)
		}
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = foldNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = foldNumbers(e)
		}
		return v
	}
	return v
}
