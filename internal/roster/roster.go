// Package roster tracks the remote peers known to a signaling session and
// parses the "name,id[,connected]" records the rendezvous server emits, both
// in the bulk peer list returned on sign-in and in single-entry notifications
// pushed over the wait channel.
package roster

import "strings"

// Entry is one parsed roster record.
type Entry struct {
	Name      string
	ID        int
	Connected bool
}

// ParseEntry parses a single record of the form "name,id[,connectedFlag]".
// The name is everything before the first comma and must be non-empty; the id
// must be separated from it by a comma. A nonzero flag marks the peer as
// connected; an absent flag means not connected (the form used as a deletion
// signal).
func ParseEntry(entry string) (Entry, bool) {
	sep := strings.IndexByte(entry, ',')
	if sep < 0 {
		return Entry{}, false
	}
	name := entry[:sep]
	if name == "" {
		return Entry{}, false
	}
	rest := entry[sep+1:]
	var flag string
	if j := strings.IndexByte(rest, ','); j >= 0 {
		flag = rest[j+1:]
		rest = rest[:j]
	}
	return Entry{
		Name:      name,
		ID:        atoi(rest),
		Connected: atoi(flag) != 0,
	}, true
}

// atoi parses the leading decimal digits of s, 0 if there are none.
func atoi(s string) int {
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1<<30 {
			return 0
		}
	}
	return n
}

// Roster maps peer ids to display names, preserving insertion order for
// enumeration. It carries no locking: the signaling client owns it under its
// own serialization point.
type Roster struct {
	names map[int]string
	order []int
}

func New() *Roster {
	return &Roster{names: make(map[int]string)}
}

// Put adds or updates a peer. A re-added id keeps its original position.
func (r *Roster) Put(id int, name string) {
	if _, ok := r.names[id]; !ok {
		r.order = append(r.order, id)
	}
	r.names[id] = name
}

func (r *Roster) Delete(id int) {
	if _, ok := r.names[id]; !ok {
		return
	}
	delete(r.names, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Roster) Get(id int) (string, bool) {
	name, ok := r.names[id]
	return name, ok
}

func (r *Roster) Len() int { return len(r.names) }

func (r *Roster) Clear() {
	r.names = make(map[int]string)
	r.order = r.order[:0]
}

// Peers returns the current entries in insertion order.
func (r *Roster) Peers() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Entry{Name: r.names[id], ID: id, Connected: true})
	}
	return out
}
