package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/app/identity"
)

type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Send([]byte) error { return nil }
func (c *fakeConn) Close()            {}

func TestRegistry_Lifecycle(t *testing.T) {
	r := New()
	alice := identity.RegisteredUser{UserID: "u1", Name: "Alice"}

	r.Add(&fakeConn{id: "c1"})
	e, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.False(t, e.Bound())
	assert.False(t, e.InRoom())

	assert.True(t, r.Bind("c1", alice))
	assert.False(t, r.Bind("missing", alice))

	assert.True(t, r.SetRoom("c1", "AB12C3", "Alice"))
	assert.Len(t, r.ConnectionsInRoom("AB12C3"), 1)
	assert.Len(t, r.FindByIdentity(alice), 1)
	assert.Len(t, r.FindByRef(alice.Ref()), 1)
	e, _ = r.Lookup("c1")
	assert.Equal(t, "Alice", e.DisplayName)

	assert.True(t, r.SetRoom("c1", "Q1W2E3", "Alice"))
	assert.Empty(t, r.ConnectionsInRoom("AB12C3"))
	assert.Len(t, r.ConnectionsInRoom("Q1W2E3"), 1)

	assert.Equal(t, "Q1W2E3", r.ClearRoom("c1"))
	assert.Equal(t, "", r.ClearRoom("c1"))
	e, _ = r.Lookup("c1")
	assert.Empty(t, e.DisplayName)
	assert.Empty(t, r.ConnectionsInRoom("Q1W2E3"))

	_, ok = r.Unbind("c1")
	assert.True(t, ok)
	_, ok = r.Unbind("c1")
	assert.False(t, ok)
	assert.Empty(t, r.FindByIdentity(alice))
	assert.Zero(t, r.Len())
}

func TestRegistry_UnbindTriggersDeparture(t *testing.T) {
	r := New()
	guest := identity.Guest{SessionID: "g1", Name: "Guest_abc123"}

	var departed []Entry
	r.OnDeparture(func(e Entry) { departed = append(departed, e) })

	r.Add(&fakeConn{id: "idle"})
	r.Bind("idle", guest)
	r.Unbind("idle")
	assert.Empty(t, departed)

	r.Add(&fakeConn{id: "busy"})
	r.Bind("busy", guest)
	r.SetRoom("busy", "AB12C3", "Alice")
	r.Unbind("busy")

	require.Len(t, departed, 1)
	assert.Equal(t, "AB12C3", departed[0].RoomCode)
	assert.Equal(t, guest, departed[0].Identity)
	assert.Equal(t, "busy", departed[0].Conn.ID())
}

func TestRegistry_MultipleConnectionsPerIdentity(t *testing.T) {
	r := New()
	alice := identity.RegisteredUser{UserID: "u1", Name: "Alice"}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		r.Add(&fakeConn{id: id})
		r.Bind(id, alice)
	}
	assert.Len(t, r.FindByIdentity(alice), 3)

	r.Bind("c0", identity.RegisteredUser{UserID: "u2", Name: "Bob"})
	assert.Len(t, r.FindByIdentity(alice), 2)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Add(&fakeConn{id: id})
			r.Bind(id, identity.Guest{SessionID: id})
			r.SetRoom(id, "ROOM01", "x")
			_ = r.ConnectionsInRoom("ROOM01")
			if i%2 == 0 {
				r.Unbind(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	assert.Len(t, r.Entries(), 50)
	assert.Len(t, r.ConnectionsInRoom("ROOM01"), 50)
}
