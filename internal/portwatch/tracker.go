package portwatch

import (
	"sort"
	"strconv"
	"strings"
)

// tracker smooths raw per-poll observations into a confirmed port set.
// A port is confirmed after Stable consecutive sightings and dropped after
// Absent consecutive misses.
type tracker struct {
	stable    int
	absent    int
	seen      map[int]int
	seeded    map[int]struct{}
	missing   map[int]int
	confirmed map[int]struct{}
	lastKey   string
}

func newTracker(stable, absent int, seed []int) *tracker {
	if stable < 1 {
		stable = 1
	}
	if absent < 1 {
		absent = 1
	}
	t := &tracker{
		stable:    stable,
		absent:    absent,
		seen:      make(map[int]int),
		seeded:    make(map[int]struct{}),
		missing:   make(map[int]int),
		confirmed: make(map[int]struct{}),
	}
	// Seeded ports confirm on their first sighting, however many empty
	// polls come before it.
	for _, port := range seed {
		t.seen[port] = stable - 1
		t.seeded[port] = struct{}{}
	}
	return t
}

// observe folds one raw poll result into the tracker. It returns the sorted
// confirmed set and whether it differs from the last reported set.
func (t *tracker) observe(raw []int) ([]int, bool) {
	current := make(map[int]struct{}, len(raw))
	for _, port := range raw {
		current[port] = struct{}{}
	}

	for port := range current {
		t.seen[port]++
		delete(t.seeded, port)
		delete(t.missing, port)
		if t.seen[port] >= t.stable {
			t.confirmed[port] = struct{}{}
		}
	}

	for port := range t.confirmed {
		if _, ok := current[port]; ok {
			continue
		}
		delete(t.seen, port)
		t.missing[port]++
		if t.missing[port] >= t.absent {
			delete(t.confirmed, port)
			delete(t.missing, port)
		}
	}

	// Sightings of unconfirmed ports must be consecutive. A seed holds until
	// the port is first observed.
	for port := range t.seen {
		_, present := current[port]
		_, confirmed := t.confirmed[port]
		_, seeded := t.seeded[port]
		if !present && !confirmed && !seeded {
			delete(t.seen, port)
		}
	}

	sorted := t.snapshot()
	key := joinPorts(sorted)
	if key == t.lastKey {
		return sorted, false
	}
	t.lastKey = key
	return sorted, true
}

func (t *tracker) snapshot() []int {
	out := make([]int, 0, len(t.confirmed))
	for port := range t.confirmed {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
