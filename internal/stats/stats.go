// Package stats implements the statistics counters named in spec §4.I
// ("atomically increments one counter slot per mechanism per score") and
// rendered by the control channel's SHOW-COUNTER/RESET-COUNTER verbs
// (spec §4.K, wire format in spec §6). Grounded on
// original_source/yenma/authstats.c, which keeps one mutex-guarded
// [mechanism][score] table for the life of the process.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Score is one of the RFC 8601 result values an evaluator can assign.
type Score string

const (
	Pass      Score = "pass"
	Fail      Score = "fail"
	SoftFail  Score = "softfail"
	Neutral   Score = "neutral"
	None      Score = "none"
	TempError Score = "temperror"
	PermError Score = "permerror"
)

// Mechanism names one of the four authentication mechanisms the core
// evaluates.
type Mechanism string

const (
	SPF      Mechanism = "spf"
	SenderID Mechanism = "senderid"
	DKIM     Mechanism = "dkim"
	DMARC    Mechanism = "dmarc"
)

var allMechanisms = []Mechanism{SPF, SenderID, DKIM, DMARC}
var allScores = []Score{Pass, Fail, SoftFail, Neutral, None, TempError, PermError}

// Counters is a mutex-guarded [mechanism][score] table, optionally mirrored
// into a Prometheus CounterVec for scrape-based export.
type Counters struct {
	mu     sync.Mutex
	counts map[Mechanism]map[Score]uint64
	vec    *prometheus.CounterVec
}

// New returns a zeroed Counters table. If reg is non-nil, a
// "miltersentry_mechanism_results_total" CounterVec labeled by mechanism
// and score is registered against it and kept in lockstep with Increment.
func New(reg prometheus.Registerer) *Counters {
	c := &Counters{counts: make(map[Mechanism]map[Score]uint64)}
	for _, m := range allMechanisms {
		c.counts[m] = make(map[Score]uint64)
	}
	if reg != nil {
		c.vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miltersentry_mechanism_results_total",
			Help: "Count of authentication results per mechanism and score.",
		}, []string{"mechanism", "score"})
		reg.MustRegister(c.vec)
	}
	return c
}

// Increment atomically bumps the slot for mechanism/score by one.
func (c *Counters) Increment(m Mechanism, s Score) {
	c.mu.Lock()
	if c.counts[m] == nil {
		c.counts[m] = make(map[Score]uint64)
	}
	c.counts[m][s]++
	c.mu.Unlock()

	if c.vec != nil {
		c.vec.WithLabelValues(string(m), string(s)).Inc()
	}
}

// Snapshot is an immutable copy of the counter table at one instant.
type Snapshot map[Mechanism]map[Score]uint64

// Show returns a snapshot of the current counts without modifying them.
func (c *Counters) Show() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyCounts(c.counts)
}

// Reset returns the pre-reset values and zeroes every slot, atomically
// with respect to concurrent Increment calls (spec §6:
// "RESET-COUNTER ... returns pre-reset values and zeroes them
// atomically"). The Prometheus mirror is intentionally not reset:
// scrape-based monitoring expects a monotonic counter.
func (c *Counters) Reset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := copyCounts(c.counts)
	for m := range c.counts {
		c.counts[m] = make(map[Score]uint64)
	}
	return prev
}

func copyCounts(src map[Mechanism]map[Score]uint64) Snapshot {
	dst := make(Snapshot, len(src))
	for m, scores := range src {
		cp := make(map[Score]uint64, len(scores))
		for s, n := range scores {
			cp[s] = n
		}
		dst[m] = cp
	}
	return dst
}

// RenderPlain formats a snapshot as one "<mechanism>-<score>: <count>"
// line per populated slot, sorted for deterministic output, per spec §6.
func (snap Snapshot) RenderPlain() string {
	type line struct {
		key string
		n   uint64
	}
	var lines []line
	for m, scores := range snap {
		for s, n := range scores {
			lines = append(lines, line{fmt.Sprintf("%s-%s", m, s), n})
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].key < lines[j].key })

	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%s: %d\n", l.key, l.n)
	}
	return b.String()
}

// RenderJSON formats a snapshot as an object per mechanism mapping
// score-name to count, per spec §6's JSON SHOW-COUNTER form.
func (snap Snapshot) RenderJSON() ([]byte, error) {
	out := make(map[string]map[string]uint64, len(snap))
	for m, scores := range snap {
		s := make(map[string]uint64, len(scores))
		for score, n := range scores {
			s[string(score)] = n
		}
		out[string(m)] = s
	}
	return json.Marshal(out)
}
