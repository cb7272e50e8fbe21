// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package cache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}

	c.Set("exp:e1", "snapshot")
	got, ok := c.Get("exp:e1")
	if !ok || got != "snapshot" {
		t.Errorf("Get() = (%v, %v), want (snapshot, true)", got, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.SetWithTTL("k", 1, -time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry still readable")
	}
	if c.Stats().Evictions == 0 {
		t.Error("expired read did not count as eviction")
	}
}

func TestDeletePrefix(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("exp:e1:config", 1)
	c.Set("exp:e1:catalog", 2)
	c.Set("exp:e2:config", 3)

	c.DeletePrefix("exp:e1:")

	if _, ok := c.Get("exp:e1:config"); ok {
		t.Error("prefixed entry survived DeletePrefix")
	}
	if _, ok := c.Get("exp:e1:catalog"); ok {
		t.Error("prefixed entry survived DeletePrefix")
	}
	if _, ok := c.Get("exp:e2:config"); !ok {
		t.Error("unrelated entry was deleted")
	}
}

func TestStats(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("a", 1)
	c.Get("a")
	c.Get("b")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				c.Set("k", j)
				c.Get("k")
				if j%100 == 0 {
					c.Delete("k")
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
