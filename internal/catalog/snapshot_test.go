package catalog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alexbotov/slotgate/internal/domain"
)

func testEntries() []domain.CatalogEntry {
	return []domain.CatalogEntry{
		{ID: "g1", Name: "Book of Gold", ProviderName: "Spinworks", Kind: "slots", DeviceSupport: domain.DeviceBoth},
		{ID: "g2", Name: "Gold Rush Deluxe", ProviderName: "Spinworks", Kind: "slots", DeviceSupport: domain.DeviceDesktop},
		{ID: "g3", Name: "Lightning Roulette", ProviderName: "LiveCo", Kind: "roulette", DeviceSupport: domain.DeviceBoth},
		{ID: "g4", Name: "Blackjack VIP", ProviderName: "LiveCo Studios", Kind: "blackjack", DeviceSupport: domain.DeviceMobile},
		{ID: "g5", Name: "Aviator", ProviderName: "CrashLab", Kind: "crash", DeviceSupport: domain.DeviceMobile},
		{ID: "g1", Name: "Duplicate", ProviderName: "Nobody", Kind: "slots"},
		{ID: "", Name: "No id", ProviderName: "Nobody"},
	}
}

func ids(entries []domain.CatalogEntry) string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return strings.Join(out, ",")
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot(testEntries(), time.Now(), time.Hour)

	if snap.Len() != 5 {
		t.Fatalf("Expected 5 entries after dedup, got %d", snap.Len())
	}

	got := strings.Join(snap.Providers(), ",")
	if got != "CrashLab,LiveCo,LiveCo Studios,Spinworks" {
		t.Errorf("Unexpected providers %s", got)
	}

	t.Run("IndicesCoverEveryEntry", func(t *testing.T) {
		for i, e := range snap.entries {
			if !containsIndex(snap.byProvider[strings.ToLower(e.ProviderName)], i) {
				t.Errorf("Entry %s missing from provider index", e.ID)
			}
			if !containsIndex(snap.byKind[strings.ToLower(e.Kind)], i) {
				t.Errorf("Entry %s missing from kind index", e.ID)
			}
			found := false
			for _, p := range snap.providers {
				if p == e.ProviderName {
					found = true
				}
			}
			if !found {
				t.Errorf("Provider %s of %s missing from provider list", e.ProviderName, e.ID)
			}
		}
	})

	t.Run("Expired", func(t *testing.T) {
		old := NewSnapshot(nil, time.Now().Add(-2*time.Hour), time.Hour)
		if !old.Expired(time.Now()) {
			t.Error("Expected snapshot to be expired")
		}
		if snap.Expired(time.Now()) {
			t.Error("Expected fresh snapshot")
		}
	})

	t.Run("Get", func(t *testing.T) {
		e, ok := snap.Get("g1")
		if !ok || e.Name != "Book of Gold" {
			t.Errorf("Expected the first g1 to win, got %+v, %v", e, ok)
		}
		if e, ok := snap.Get("g5"); !ok || e.Kind != "crash" {
			t.Errorf("Expected g5, got %+v, %v", e, ok)
		}
		if _, ok := snap.Get("missing"); ok {
			t.Error("Expected missing id not to be found")
		}
		if _, ok := snap.Get(""); ok {
			t.Error("Expected empty id not to be found")
		}
		if len(snap.byID) != snap.Len() {
			t.Errorf("Expected %d ids indexed, got %d", snap.Len(), len(snap.byID))
		}
	})

	t.Run("EntriesIsCopy", func(t *testing.T) {
		entries := snap.Entries()
		entries[0].Name = "mutated"
		if e, _ := snap.Get(entries[0].ID); e.Name == "mutated" {
			t.Error("Snapshot must not be mutable through Entries")
		}
	})
}

func containsIndex(list []int, i int) bool {
	for _, v := range list {
		if v == i {
			return true
		}
	}
	return false
}

func TestSnapshotQuery(t *testing.T) {
	snap := NewSnapshot(testEntries(), time.Now(), time.Hour)

	tests := []struct {
		name  string
		query Query
		want  string
	}{
		{"All", Query{}, "g1,g2,g3,g4,g5"},
		{"ProviderExact", Query{Provider: "liveco"}, "g3"},
		{"ProviderSubstring", Query{Provider: "liveco", ProviderContains: true}, "g3,g4"},
		{"Kind", Query{Kind: "Slots"}, "g1,g2"},
		{"DeviceMobile", Query{Device: domain.DeviceMobile}, "g1,g3,g4,g5"},
		{"DeviceDesktop", Query{Device: domain.DeviceDesktop}, "g1,g2,g3"},
		{"TextName", Query{Text: "gold"}, "g1,g2"},
		{"TextProvider", Query{Text: "crashlab"}, "g5"},
		{"TextShort", Query{Text: "vi"}, "g4,g5"},
		{"TextNoMatch", Query{Text: "zzz"}, ""},
		{"Combined", Query{Provider: "spinworks", Device: domain.DeviceMobile, Text: "book"}, "g1"},
		{"Limit", Query{Limit: 2}, "g1,g2"},
		{"Offset", Query{Offset: 3}, "g4,g5"},
		{"OffsetPastEnd", Query{Offset: 10}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := snap.Query(tt.query)
			if got := ids(result.Entries); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	t.Run("TotalIgnoresPaging", func(t *testing.T) {
		result := snap.Query(Query{Kind: "slots", Limit: 1})
		if result.Total != 2 || len(result.Entries) != 1 {
			t.Errorf("Expected total 2 with 1 entry, got %d/%d", result.Total, len(result.Entries))
		}
	})
}

func TestSnapshotQueryLargeCatalog(t *testing.T) {
	entries := make([]domain.CatalogEntry, 0, 20000)
	for i := 0; i < 20000; i++ {
		entries = append(entries, domain.CatalogEntry{
			ID:           fmt.Sprintf("g%05d", i),
			Name:         fmt.Sprintf("Game %05d", i),
			ProviderName: fmt.Sprintf("Provider %02d", i%40),
			Kind:         "slots",
		})
	}
	snap := NewSnapshot(entries, time.Now(), time.Hour)

	result := snap.Query(Query{Provider: "provider 07"})
	if result.Total != 500 {
		t.Errorf("Expected 500 games for one provider, got %d", result.Total)
	}

	result = snap.Query(Query{Text: "game 12345"})
	if result.Total != 1 || result.Entries[0].ID != "g12345" {
		t.Errorf("Expected exactly g12345, got %s", ids(result.Entries))
	}
}
