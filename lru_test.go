/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"testing"
	"time"
)

func TestLRUEviction(t *testing.T) {

	evicted := []int{}
	c := NewLRU[int, string](3, 0, func(key int, val string) {
		evicted = append(evicted, key)
	})

	c.Add(1, "one", true, true)
	c.Add(2, "two", true, true)
	c.Add(3, "three", true, true)

	// adding an existing key is a no-op

	if added, _ := c.Add(1, "uno", true, true); added {
		t.Errorf("duplicate add accepted")
	}

	// refresh 1 so 2 becomes the oldest

	if _, ok := c.Get(1, true); !ok {
		t.Fatalf("key 1 missing")
	}

	c.Add(4, "four", true, true)

	if len(evicted) != 1 || evicted[0] != 2 {
		t.Errorf("evicted: %v", evicted)
	}
	if _, ok := c.Peek(2, true); ok {
		t.Errorf("evicted key still present")
	}
	if c.Len(true) != 3 {
		t.Errorf("len: %v", c.Len(true))
	}
}

func TestLRUExpire(t *testing.T) {

	evicted := []int{}
	c := NewLRU[int, string](16, time.Millisecond, func(key int, val string) {
		evicted = append(evicted, key)
	})

	c.Add(1, "one", true, true)
	c.Add(2, "two", true, true)

	time.Sleep(5 * time.Millisecond)
	c.Add(3, "three", true, true)

	if n := c.Expire(true, true); n != 2 {
		t.Fatalf("expired %v entries", n)
	}
	if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
		t.Errorf("evicted: %v", evicted)
	}
	if _, ok := c.Peek(3, true); !ok {
		t.Errorf("fresh entry expired")
	}
}

func TestLRUEachOrder(t *testing.T) {

	c := NewLRU[int, string](16, 0, func(key int, val string) {})

	c.Add(1, "one", true, true)
	c.Add(2, "two", true, true)
	c.Add(3, "three", true, true)
	c.Get(1, true) // now the newest

	order := []int{}
	c.Each(func(key int, val string) {
		order = append(order, key)
	}, true)

	if len(order) != 3 || order[0] != 2 || order[1] != 3 || order[2] != 1 {
		t.Errorf("order: %v", order)
	}
}

func TestLRURemove(t *testing.T) {

	c := NewLRU[int, string](16, 0, func(key int, val string) {})

	c.Add(1, "one", true, true)
	c.Add(2, "two", true, true)

	val, found := c.Remove(1, false, true)
	if !found || val != "one" {
		t.Errorf("remove: %v %v", val, found)
	}
	if c.Len(true) != 1 {
		t.Errorf("len: %v", c.Len(true))
	}
	if _, _, found := c.RemoveOldest(false, true); !found {
		t.Errorf("remove oldest found nothing")
	}
	if c.Len(true) != 0 {
		t.Errorf("len after remove oldest: %v", c.Len(true))
	}
}
