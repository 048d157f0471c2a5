package stats

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCounters_IncrementAndShow(t *testing.T) {
	c := New(nil)
	c.Increment(SPF, Pass)
	c.Increment(SPF, Pass)
	c.Increment(DKIM, Fail)

	snap := c.Show()
	if snap[SPF][Pass] != 2 {
		t.Errorf("spf-pass = %d, want 2", snap[SPF][Pass])
	}
	if snap[DKIM][Fail] != 1 {
		t.Errorf("dkim-fail = %d, want 1", snap[DKIM][Fail])
	}
}

func TestCounters_ResetReturnsPreResetAndZeroes(t *testing.T) {
	c := New(nil)
	c.Increment(DMARC, None)
	c.Increment(DMARC, None)

	prev := c.Reset()
	if prev[DMARC][None] != 2 {
		t.Errorf("pre-reset count = %d, want 2", prev[DMARC][None])
	}

	after := c.Show()
	if n := after[DMARC][None]; n != 0 {
		t.Errorf("post-reset count = %d, want 0", n)
	}
}

func TestSnapshot_RenderPlainIsSortedAndFormatted(t *testing.T) {
	c := New(nil)
	c.Increment(SPF, Pass)
	c.Increment(DKIM, Fail)

	out := c.Show().RenderPlain()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if lines[0] != "dkim-fail: 1" || lines[1] != "spf-pass: 1" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestSnapshot_RenderJSONRoundtrips(t *testing.T) {
	c := New(nil)
	c.Increment(SPF, Pass)

	raw, err := c.Show().RenderJSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]map[string]uint64
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["spf"]["pass"] != 1 {
		t.Errorf("decoded spf.pass = %d, want 1", decoded["spf"]["pass"])
	}
}
