// pkg/core/snapshot.go
package core

// Player is one entry of a fetched snapshot.
type Player struct {
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// Snapshot is the authoritative player list at one poll instant, in the order
// the server sent it. Names are not guaranteed to be unique.
type Snapshot []Player

// Names returns the distinct player names in first-seen order.
func (s Snapshot) Names() []string {
	seen := make(map[string]struct{}, len(s))
	names := make([]string, 0, len(s))
	for _, p := range s {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		names = append(names, p.Name)
	}
	return names
}

// FetchResult is the outcome of one fetch attempt. Err is set on failure, in
// which case Snapshot is nil.
type FetchResult struct {
	Seq      uint64
	Snapshot Snapshot
	Err      error
}

// OK reports whether the attempt produced a snapshot.
func (r FetchResult) OK() bool {
	return r.Err == nil
}
