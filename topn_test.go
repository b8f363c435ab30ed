package rdns

import "testing"

func TestTopNTrimsToConfiguredCount(t *testing.T) {
	top := NewTopN("test", "trim", 100, 2)
	for i := 0; i < 5; i++ {
		top.Observe("a.example.com.", "NOERROR")
	}
	for i := 0; i < 3; i++ {
		top.Observe("b.example.com.", "NOERROR")
	}
	top.Observe("c.example.com.", "NXDOMAIN")

	queries := top.TopQueries()
	if len(queries) != 2 {
		t.Fatalf("expected top queries trimmed to 2 entries, got %d", len(queries))
	}
	if queries[0].Label != "a.example.com." || queries[0].Count != 5 {
		t.Fatalf("expected a.example.com. with count 5 first, got %+v", queries[0])
	}
	if queries[1].Label != "b.example.com." || queries[1].Count != 3 {
		t.Fatalf("expected b.example.com. with count 3 second, got %+v", queries[1])
	}
}

func TestTopNRingForgetsEntriesOlderThanRingSize(t *testing.T) {
	top := NewTopN("test", "ring", 3, 5)
	top.Observe("old.example.com.", "NOERROR")
	top.Observe("old2.example.com.", "NOERROR")
	top.Observe("old3.example.com.", "NOERROR")
	// Ring capacity is 3; these three overwrite every earlier entry.
	top.Observe("new.example.com.", "SERVFAIL")
	top.Observe("new2.example.com.", "SERVFAIL")
	top.Observe("new3.example.com.", "SERVFAIL")

	queries := top.TopQueries()
	for _, lc := range queries {
		if lc.Label == "old.example.com." {
			t.Fatalf("entry evicted from the ring still appears in top queries: %+v", queries)
		}
	}

	rcodes := top.TopRcodes()
	for _, lc := range rcodes {
		if lc.Label == "NOERROR" {
			t.Fatalf("rcode evicted from the ring still appears in top rcodes: %+v", rcodes)
		}
	}
}

func TestTopNRcodesTallyAcrossDistinctQueries(t *testing.T) {
	top := NewTopN("test", "rcodes", 100, 5)
	top.Observe("one.example.com.", "NOERROR")
	top.Observe("two.example.com.", "NOERROR")
	top.Observe("three.example.com.", "NXDOMAIN")

	rcodes := top.TopRcodes()
	if len(rcodes) != 2 {
		t.Fatalf("expected 2 distinct rcodes, got %d: %+v", len(rcodes), rcodes)
	}
	if rcodes[0].Label != "NOERROR" || rcodes[0].Count != 2 {
		t.Fatalf("expected NOERROR with count 2 first, got %+v", rcodes[0])
	}
}
