package presence

import "sync"

// Directory is the instance-wide presence state. One lock guards both the
// Registry and the Router so every composite transition, and every count read
// to build a broadcast, observes a consistent snapshot.
type Directory struct {
	mu  sync.RWMutex
	reg *Registry
	rt  *Router
}

// JoinResult reports the outcome of Directory.Join.
type JoinResult struct {
	// Previous is the room the connection was moved out of, or "".
	Previous string
	// Count is the number of registered connections after the join.
	Count int
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{reg: NewRegistry(), rt: NewRouter()}
}

// Connect registers conn.
func (d *Directory) Connect(conn Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.Register(conn)
}

// Join names the connection and moves it into room. A connection is a member
// of at most one room: joining a new room leaves the previous one.
func (d *Directory) Join(id, username, room string) (JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reg.SetUsername(id, username); err != nil {
		return JoinResult{}, err
	}
	prev, err := d.reg.SetRoom(id, room)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Count: d.reg.Count()}
	if prev != "" && prev != room {
		d.rt.Leave(prev, id)
		res.Previous = prev
	}
	d.rt.Join(room, id)
	return res, nil
}

// Leave removes the connection from room. Unknown connections and rooms it
// is not a member of are a no-op.
func (d *Directory) Leave(id, room string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	left := d.rt.Leave(room, id)
	if d.reg.Room(id) == room {
		_, _ = d.reg.SetRoom(id, "")
	}
	return left
}

// Disconnect removes the connection and its room membership in one step and
// returns the count that remains. Calling it again for the same id reports
// false and changes nothing.
func (d *Directory) Disconnect(id string) (Departure, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dep, ok := d.reg.Unregister(id)
	if !ok {
		return Departure{}, d.reg.Count(), false
	}
	if dep.Room != "" {
		d.rt.Leave(dep.Room, id)
	}
	return dep, d.reg.Count(), true
}

// Username returns the display name of id, defaulting to "Anonymous".
func (d *Directory) Username(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.Username(id)
}

// Room returns the room id is currently joined to.
func (d *Directory) Room(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.Room(id)
}

// Count returns the number of connections on this instance.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.Count()
}

// MembersOf returns the local connection ids joined to room.
func (d *Directory) MembersOf(room string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rt.MembersOf(room)
}

// DeliverLocal sends payload to the local members of room, skipping the
// connection whose id equals except. It returns the number of successful sends.
func (d *Directory) DeliverLocal(room string, payload []byte, except string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	delivered := 0
	for _, id := range d.rt.MembersOf(room) {
		if id == except {
			continue
		}
		conn, ok := d.reg.Conn(id)
		if !ok {
			continue
		}
		if conn.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// DeliverAll sends payload to every connection on this instance.
func (d *Directory) DeliverAll(payload []byte) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	delivered := 0
	d.reg.Each(func(conn Conn) {
		if conn.Send(payload) == nil {
			delivered++
		}
	})
	return delivered
}

// SendTo delivers payload privately to one connection.
func (d *Directory) SendTo(id string, payload []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, ok := d.reg.Conn(id)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Send(payload)
}
