package engine

import "testing"

func TestExpiryListOrdering(t *testing.T) {
	l := NewExpiryList()
	nodes := []*TimerNode{
		{Expire: 30, Conn: &Connection{Fd: 3}},
		{Expire: 10, Conn: &Connection{Fd: 1}},
		{Expire: 20, Conn: &Connection{Fd: 2}},
	}
	for _, n := range nodes {
		l.Add(n)
	}

	var order []int64
	l.Tick(100, func(c *Connection) { order = append(order, int64(c.Fd)) })

	want := []int64{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("expired %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expired %v, want %v", order, want)
		}
	}
}

func TestExpiryListTickOnlyDeadNodes(t *testing.T) {
	l := NewExpiryList()
	early := &TimerNode{Expire: 5, Conn: &Connection{Fd: 1}}
	late := &TimerNode{Expire: 50, Conn: &Connection{Fd: 2}}
	l.Add(early)
	l.Add(late)

	var expired []int64
	l.Tick(10, func(c *Connection) { expired = append(expired, int64(c.Fd)) })

	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected only fd 1 expired at t=10, got %v", expired)
	}

	expired = nil
	l.Tick(100, func(c *Connection) { expired = append(expired, int64(c.Fd)) })
	if len(expired) != 1 || expired[0] != 2 {
		t.Fatalf("expected fd 2 expired at t=100, got %v", expired)
	}
}

func TestExpiryAdjustRespliceLater(t *testing.T) {
	l := NewExpiryList()
	a := &TimerNode{Expire: 10, Conn: &Connection{Fd: 1}}
	b := &TimerNode{Expire: 20, Conn: &Connection{Fd: 2}}
	l.Add(a)
	l.Add(b)

	l.Adjust(a, 30) // a now expires after b

	var order []int64
	l.Tick(1000, func(c *Connection) { order = append(order, int64(c.Fd)) })

	want := []int64{2, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("after adjust, expired %v, want %v", order, want)
		}
	}
}

func TestExpiryDelRemovesNode(t *testing.T) {
	l := NewExpiryList()
	n := &TimerNode{Expire: 10, Conn: &Connection{Fd: 1}}
	l.Add(n)
	l.Del(n)

	var order []int64
	l.Tick(1000, func(c *Connection) { order = append(order, int64(c.Fd)) })
	if len(order) != 0 {
		t.Fatalf("expected no expirations after Del, got %v", order)
	}

	// Del on an already-detached node must be a no-op, not a panic.
	l.Del(n)
}
