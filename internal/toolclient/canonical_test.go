package toolclient

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

type deploySettings struct {
	Image string `json:"image"`
	Port  int    `json:"port,omitempty"`
	skip  string
}

func TestCanonicalize(t *testing.T) {
	n := 5
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "hello", "hello"},
		{"int", 42, int64(42)},
		{"int8", int8(-3), int64(-3)},
		{"uint", uint16(7), uint64(7)},
		{"float", 1.5, 1.5},
		{"float32", float32(0.25), 0.25},
		{"json number", json.Number("12.50"), json.Number("12.50")},
		{"pointer", &n, int64(5)},
		{"raw message", json.RawMessage(`{"a":[1,"x"]}`), map[string]any{"a": []any{json.Number("1"), "x"}}},
		{"marshaler", ts, "2026-01-02T03:04:05Z"},
		{"struct", deploySettings{Image: "nginx", skip: "x"}, map[string]any{"image": "nginx"}},
		{"bytes", []byte("hi"), "aGk="},
		{"array", [2]string{"a", "b"}, []any{"a", "b"}},
		{"typed map", map[string]int{"a": 1}, map[string]any{"a": int64(1)}},
		{"nil slice", []string(nil), nil},
		{
			"nested with dropped entries",
			map[string]any{
				"keep": []any{1, func() {}, math.NaN(), "x"},
				"fn":   func() {},
				"ch":   make(chan struct{}),
				"c":    complex(1, 2),
				"inf":  math.Inf(1),
				"nil":  nil,
			},
			map[string]any{
				"keep": []any{int64(1), nil, nil, "x"},
				"nil":  nil,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Canonicalize(%#v) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeSharedReferenceIsNotACycle(t *testing.T) {
	shared := map[string]any{"v": 1}
	got, err := Canonicalize(map[string]any{"a": shared, "b": []any{shared, shared}})
	if err != nil {
		t.Fatalf("shared reference rejected: %v", err)
	}
	m := got.(map[string]any)
	if !reflect.DeepEqual(m["a"], map[string]any{"v": int64(1)}) {
		t.Errorf("a = %#v", m["a"])
	}
}

func TestCanonicalizeCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	s := []any{nil}
	s[0] = s

	type node struct{ Next *node }
	p := &node{}
	p.Next = p

	for name, v := range map[string]any{"map": m, "slice": s} {
		if _, err := Canonicalize(v); !errors.Is(err, ErrCyclicValue) {
			t.Errorf("%s: err = %v, want ErrCyclicValue", name, err)
		}
	}

	// encoding/json refuses the struct cycle, so the value is dropped.
	got, err := Canonicalize(map[string]any{"node": p})
	if err != nil {
		t.Fatalf("struct cycle: %v", err)
	}
	if _, ok := got.(map[string]any)["node"]; ok {
		t.Error("cyclic struct was kept")
	}
}

func TestCanonicalizeArgsNil(t *testing.T) {
	got, err := CanonicalizeArgs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("CanonicalizeArgs(nil) = %#v, want empty map", got)
	}
}
