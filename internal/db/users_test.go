package db

import "testing"

func TestUserCacheCheckAndPut(t *testing.T) {
	c := NewUserCache()
	c.Put("alice", "secret")

	if !c.Check("alice", "secret") {
		t.Fatal("expected Check to succeed for matching credentials")
	}
	if c.Check("alice", "wrong") {
		t.Fatal("expected Check to fail for wrong password")
	}
	if c.Check("bob", "secret") {
		t.Fatal("expected Check to fail for unknown user")
	}
}

func TestUserCacheExists(t *testing.T) {
	c := NewUserCache()
	if c.Exists("alice") {
		t.Fatal("expected Exists to be false before Put")
	}
	c.Put("alice", "secret")
	if !c.Exists("alice") {
		t.Fatal("expected Exists to be true after Put")
	}
}
