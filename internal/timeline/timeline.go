// Package timeline holds an ordered, deduplicated collection of messages
// that concurrent search workers merge into.
//
// Storage is an append-only arena of slots plus an id index, guarded by a
// single mutex. Callers only ever see snapshots.
package timeline

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fedsearch/backend/internal/storage/models"
)

// ErrSealed is returned by mutations after Seal.
var ErrSealed = errors.New("timeline is sealed")

type Order int

const (
	OrderCreatedAt Order = iota
	OrderID
)

func (o Order) String() string {
	switch o {
	case OrderID:
		return "id_str"
	default:
		return "created_at"
	}
}

// ParseOrder maps a request parameter to an Order. Unknown names fall
// back to creation time.
func ParseOrder(name string) Order {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "id", "id_str":
		return OrderID
	default:
		return OrderCreatedAt
	}
}

type Timeline struct {
	mu     sync.Mutex
	order  Order
	slots  []models.Message
	index  map[string]int
	sealed bool
}

func New(order Order) *Timeline {
	return &Timeline{
		order: order,
		index: make(map[string]int),
	}
}

// FromMessages builds a timeline; later duplicates replace earlier ones.
func FromMessages(order Order, msgs ...*models.Message) *Timeline {
	tl := New(order)
	for _, m := range msgs {
		tl.put(*m)
	}
	return tl
}

func (tl *Timeline) Order() Order {
	return tl.order
}

// Add inserts m, replacing any message with the same id.
func (tl *Timeline) Add(m *models.Message) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.sealed {
		return ErrSealed
	}
	tl.put(*m)
	return nil
}

func (tl *Timeline) put(m models.Message) {
	if i, ok := tl.index[m.ID]; ok {
		tl.slots[i] = m
		return
	}
	tl.index[m.ID] = len(tl.slots)
	tl.slots = append(tl.slots, m)
}

// Merge adds every message of other. On id collision the entry from
// other wins. The receiver keeps its own order.
func (tl *Timeline) Merge(other *Timeline) error {
	if other == nil || other == tl {
		return nil
	}
	incoming := other.raw()

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.sealed {
		return ErrSealed
	}
	for _, m := range incoming {
		tl.put(m)
	}
	return nil
}

// raw copies the arena in insertion order.
func (tl *Timeline) raw() []models.Message {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]models.Message, len(tl.slots))
	copy(out, tl.slots)
	return out
}

// Seal makes the timeline read-only. It returns the number of messages
// held at that point.
func (tl *Timeline) Seal() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.sealed = true
	return len(tl.slots)
}

func (tl *Timeline) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.slots)
}

// Messages returns a sorted snapshot that is safe to read while other
// goroutines keep merging.
func (tl *Timeline) Messages() []models.Message {
	out := tl.raw()
	sortMessages(out, tl.order)
	return out
}

// IDs returns the ids in timeline order.
func (tl *Timeline) IDs() []string {
	msgs := tl.Messages()
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	return ids
}

// Authors returns the distinct author screen names in timeline order.
func (tl *Timeline) Authors() []string {
	seen := make(map[string]bool)
	var authors []string
	for _, m := range tl.Messages() {
		name := m.Author.ScreenName
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		authors = append(authors, name)
	}
	return authors
}

// Truncate keeps the first n messages in timeline order.
func (tl *Timeline) Truncate(n int) error {
	if n < 0 {
		n = 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.sealed {
		return ErrSealed
	}
	if len(tl.slots) <= n {
		return nil
	}
	sorted := make([]models.Message, len(tl.slots))
	copy(sorted, tl.slots)
	sortMessages(sorted, tl.order)
	tl.rebuild(sorted[:n])
	return nil
}

// Filter drops every message for which keep returns false.
func (tl *Timeline) Filter(keep func(*models.Message) bool) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.sealed {
		return ErrSealed
	}
	kept := make([]models.Message, 0, len(tl.slots))
	for i := range tl.slots {
		if keep(&tl.slots[i]) {
			kept = append(kept, tl.slots[i])
		}
	}
	tl.rebuild(kept)
	return nil
}

func (tl *Timeline) rebuild(msgs []models.Message) {
	tl.slots = make([]models.Message, 0, len(msgs))
	tl.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		tl.put(m)
	}
}

// Period estimates the mean gap between consecutive messages by creation
// time. Gaps are folded oldest first as a moving pairwise average:
// p = g1, then p = (p + gi) / 2. The second result is false when fewer
// than two messages are present.
func (tl *Timeline) Period() (time.Duration, bool) {
	msgs := tl.raw()
	if len(msgs) < 2 {
		return 0, false
	}
	stamps := make([]time.Time, len(msgs))
	for i := range msgs {
		stamps[i] = msgs[i].CreatedAt
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	period := stamps[1].Sub(stamps[0])
	for i := 2; i < len(stamps); i++ {
		period = (period + stamps[i].Sub(stamps[i-1])) / 2
	}
	return period, true
}

func sortMessages(msgs []models.Message, order Order) {
	switch order {
	case OrderID:
		sort.SliceStable(msgs, func(i, j int) bool {
			return compareIDs(msgs[i].ID, msgs[j].ID) > 0
		})
	default:
		sort.SliceStable(msgs, func(i, j int) bool {
			if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
				return compareIDs(msgs[i].ID, msgs[j].ID) > 0
			}
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		})
	}
}

// compareIDs orders numeric ids numerically and everything else
// lexically.
func compareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
