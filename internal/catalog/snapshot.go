package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/alexbotov/slotgate/internal/domain"
)

// Snapshot is an immutable view of the catalog with its indices.
// A snapshot is fully built before it is published and never mutated afterwards.
type Snapshot struct {
	FetchedAt time.Time
	TTL       time.Duration

	entries   []domain.CatalogEntry
	providers []string
	search    []string // lower-cased "name provider" per entry

	byID       map[string]int
	byProvider map[string][]int // lower-cased provider name
	byKind     map[string][]int
	byDevice   map[domain.DeviceSupport][]int // entries launchable on the device
	trigrams   map[string][]int
}

// NewSnapshot builds a snapshot and all of its indices. Entries with an
// empty or repeated id are dropped; the first occurrence wins.
func NewSnapshot(entries []domain.CatalogEntry, fetchedAt time.Time, ttl time.Duration) *Snapshot {
	s := &Snapshot{
		FetchedAt:  fetchedAt,
		TTL:        ttl,
		entries:    make([]domain.CatalogEntry, 0, len(entries)),
		byID:       make(map[string]int, len(entries)),
		byProvider: make(map[string][]int),
		byKind:     make(map[string][]int),
		byDevice:   make(map[domain.DeviceSupport][]int),
		trigrams:   make(map[string][]int),
	}

	providerNames := make(map[string]string)

	for _, e := range entries {
		if _, dup := s.byID[e.ID]; e.ID == "" || dup {
			continue
		}
		if e.DeviceSupport == "" {
			e.DeviceSupport = domain.DeviceBoth
		}

		i := len(s.entries)
		s.entries = append(s.entries, e)
		s.byID[e.ID] = i

		providerKey := strings.ToLower(e.ProviderName)
		if _, ok := providerNames[providerKey]; !ok {
			providerNames[providerKey] = e.ProviderName
		}
		s.byProvider[providerKey] = append(s.byProvider[providerKey], i)

		kind := strings.ToLower(e.Kind)
		s.byKind[kind] = append(s.byKind[kind], i)

		for _, device := range []domain.DeviceSupport{domain.DeviceMobile, domain.DeviceDesktop} {
			if e.DeviceSupport.Supports(device) {
				s.byDevice[device] = append(s.byDevice[device], i)
			}
		}

		text := strings.ToLower(e.Name + " " + e.ProviderName)
		s.search = append(s.search, text)
		for _, tri := range trigramsOf(text) {
			s.trigrams[tri] = append(s.trigrams[tri], i)
		}
	}

	for _, name := range providerNames {
		s.providers = append(s.providers, name)
	}
	sort.Slice(s.providers, func(i, j int) bool {
		return strings.ToLower(s.providers[i]) < strings.ToLower(s.providers[j])
	})

	return s
}

// trigramsOf returns the distinct rune trigrams of text
func trigramsOf(text string) []string {
	runes := []rune(text)
	if len(runes) < 3 {
		return nil
	}
	seen := make(map[string]bool, len(runes))
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		tri := string(runes[i : i+3])
		if !seen[tri] {
			seen[tri] = true
			out = append(out, tri)
		}
	}
	return out
}

// Len returns the number of entries
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the entries in catalog order
func (s *Snapshot) Entries() []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Providers returns the distinct provider names
func (s *Snapshot) Providers() []string {
	out := make([]string, len(s.providers))
	copy(out, s.providers)
	return out
}

// Get returns the entry with the given id
func (s *Snapshot) Get(id string) (domain.CatalogEntry, bool) {
	i, ok := s.byID[id]
	if !ok {
		return domain.CatalogEntry{}, false
	}
	return s.entries[i], true
}

// Expired reports whether the snapshot is older than its TTL
func (s *Snapshot) Expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.FetchedAt) >= s.TTL
}

// Query selects catalog entries. Zero-valued fields do not filter.
type Query struct {
	Provider         string
	ProviderContains bool // match Provider as a substring instead of exactly
	Kind             string
	Device           domain.DeviceSupport
	Text             string
	Limit            int
	Offset           int
}

// Result is a page of matching entries
type Result struct {
	Entries   []domain.CatalogEntry `json:"entries"`
	Total     int                   `json:"total"`
	FetchedAt time.Time             `json:"fetchedAt"`
	Stale     bool                  `json:"stale"`
}

// Query evaluates q against the indices. The smallest applicable index list
// drives the scan, so the cost follows the number of hits.
func (s *Snapshot) Query(q Query) Result {
	q.Provider = strings.ToLower(strings.TrimSpace(q.Provider))
	q.Kind = strings.ToLower(strings.TrimSpace(q.Kind))
	q.Text = strings.ToLower(strings.TrimSpace(q.Text))

	candidates, all := s.candidates(q)

	var matched []int
	visit := func(i int) {
		if s.matches(q, i) {
			matched = append(matched, i)
		}
	}
	if all {
		for i := range s.entries {
			visit(i)
		}
	} else {
		for _, i := range candidates {
			visit(i)
		}
	}

	result := Result{Total: len(matched), FetchedAt: s.FetchedAt}

	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	result.Entries = make([]domain.CatalogEntry, 0, end-start)
	for _, i := range matched[start:end] {
		result.Entries = append(result.Entries, s.entries[i])
	}
	return result
}

// candidates returns the shortest index list that constrains q, or all=true
// when no index applies.
func (s *Snapshot) candidates(q Query) (list []int, all bool) {
	var lists [][]int

	if q.Provider != "" {
		if q.ProviderContains {
			lists = append(lists, s.providerSubstring(q.Provider))
		} else {
			lists = append(lists, s.byProvider[q.Provider])
		}
	}
	if q.Kind != "" {
		lists = append(lists, s.byKind[q.Kind])
	}
	if q.Device == domain.DeviceMobile || q.Device == domain.DeviceDesktop {
		lists = append(lists, s.byDevice[q.Device])
	}
	if len([]rune(q.Text)) >= 3 {
		lists = append(lists, s.textCandidates(q.Text))
	}

	if len(lists) == 0 {
		return nil, true
	}
	shortest := lists[0]
	for _, l := range lists[1:] {
		if len(l) < len(shortest) {
			shortest = l
		}
	}
	return shortest, false
}

func (s *Snapshot) providerSubstring(needle string) []int {
	var out []int
	for _, name := range s.providers {
		if strings.Contains(strings.ToLower(name), needle) {
			out = append(out, s.byProvider[strings.ToLower(name)]...)
		}
	}
	sort.Ints(out)
	return out
}

// textCandidates intersects the posting lists of every trigram of text
func (s *Snapshot) textCandidates(text string) []int {
	tris := trigramsOf(text)
	lists := make([][]int, 0, len(tris))
	for _, tri := range tris {
		l, ok := s.trigrams[tri]
		if !ok {
			return nil
		}
		lists = append(lists, l)
	}
	sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })

	out := lists[0]
	for _, l := range lists[1:] {
		out = intersect(out, l)
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

// intersect merges two ascending lists
func intersect(a, b []int) []int {
	out := make([]int, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func (s *Snapshot) matches(q Query, i int) bool {
	e := &s.entries[i]
	if q.Provider != "" {
		provider := strings.ToLower(e.ProviderName)
		if q.ProviderContains {
			if !strings.Contains(provider, q.Provider) {
				return false
			}
		} else if provider != q.Provider {
			return false
		}
	}
	if q.Kind != "" && strings.ToLower(e.Kind) != q.Kind {
		return false
	}
	if q.Device != "" && !e.DeviceSupport.Supports(q.Device) {
		return false
	}
	if q.Text != "" && !strings.Contains(s.search[i], q.Text) {
		return false
	}
	return true
}
