package util

import "testing"

func TestObserversRemoveOnlyThatRegistration(t *testing.T) {
	var o Observers[int]
	var first, second int
	fn := func(v int) { first += v }
	unregister := o.Add(fn)
	o.Add(fn)
	o.Add(func(v int) { second += v })

	unregister()
	o.Notify(1)
	if first != 1 || second != 1 {
		t.Fatalf("first = %d, second = %d; want 1, 1", first, second)
	}
	unregister()
	if o.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", o.Len())
	}
}

func TestObserversCallbackMayUnregister(t *testing.T) {
	var o Observers[string]
	var got []string
	var unregister func()
	unregister = o.Add(func(v string) {
		got = append(got, v)
		unregister()
	})

	o.Notify("a")
	o.Notify("b")
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v, want [a]", got)
	}
}

func TestObserversClear(t *testing.T) {
	var o Observers[int]
	called := false
	o.Add(func(int) { called = true })
	o.Clear()
	o.Notify(1)
	if called || o.Len() != 0 {
		t.Fatalf("called = %v, Len() = %d after Clear", called, o.Len())
	}
}
