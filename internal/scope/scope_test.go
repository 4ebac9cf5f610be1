package scope

import "testing"

func TestChain_Get(t *testing.T) {
	c := NewChain(Map{"a": 1}, Map{"a": 2, "b": 3})

	tests := []struct {
		name string
		want any
		ok   bool
	}{
		{"a", 1, true},
		{"b", 3, true},
		{"c", nil, false},
	}
	for _, tt := range tests {
		v, ok := c.Get(tt.name)
		if ok != tt.ok || v != tt.want {
			t.Errorf("Get(%q) = %v, %v; want %v, %v", tt.name, v, ok, tt.want, tt.ok)
		}
	}
}

func TestChain_SetUpdatesOwningLayer(t *testing.T) {
	global := Map{}
	constants := Map{"x": 1}
	c := NewChain(global, constants)

	c.Set("x", 5)
	if _, ok := global["x"]; ok {
		t.Fatal("existing name must not be copied into scopes[0]")
	}
	if constants["x"] != 5 {
		t.Fatalf("expected x=5 in second layer, got %v", constants["x"])
	}

	c.Set("y", 7)
	if global["y"] != 7 {
		t.Fatalf("new name must land in scopes[0], got %v", global)
	}
}

func TestChain_Delete(t *testing.T) {
	c := NewChain(Map{"a": 1}, Map{"a": 2})

	if !c.Delete("a") {
		t.Fatal("expected delete to succeed")
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected shadowed value to surface, got %v", v)
	}
	if c.Delete("nope") {
		t.Fatal("delete of absent name must report false")
	}
}

func TestChain_KeysAndAppend(t *testing.T) {
	c := NewChain(Map{"b": 1})
	c.Append(Map{"a": 1, "b": 2})

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if len(c.Scopes()) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(c.Scopes()))
	}
	if !c.Has("a") || c.Has("z") {
		t.Fatal("Has mismatch")
	}
}

func TestChain_Empty(t *testing.T) {
	c := NewChain()
	c.Set("x", 1)
	if c.Has("x") {
		t.Fatal("empty chain cannot hold bindings")
	}
}
