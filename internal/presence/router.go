package presence

import "sort"

// Router maps room names to the local connection ids joined to them. Rooms
// exist only while they have members. It is not safe for concurrent use.
type Router struct {
	rooms map[string]map[string]struct{}
}

// NewRouter returns a Router with no rooms.
func NewRouter() *Router {
	return &Router{rooms: make(map[string]map[string]struct{})}
}

// Join adds id to room. Membership in other rooms is left untouched.
func (rt *Router) Join(room, id string) {
	members, ok := rt.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		rt.rooms[room] = members
	}
	members[id] = struct{}{}
}

// Leave removes id from room and reports whether it was a member.
func (rt *Router) Leave(room, id string) bool {
	members, ok := rt.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[id]; !member {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(rt.rooms, room)
	}
	return true
}

// MembersOf returns the sorted ids joined to room; empty for unknown rooms.
func (rt *Router) MembersOf(room string) []string {
	members := rt.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contains reports whether id is joined to room.
func (rt *Router) Contains(room, id string) bool {
	_, ok := rt.rooms[room][id]
	return ok
}

// Rooms returns the number of non-empty rooms.
func (rt *Router) Rooms() int {
	return len(rt.rooms)
}
