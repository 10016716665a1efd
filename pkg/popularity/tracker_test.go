package popularity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"trackgate/pkg/cache"
	"trackgate/pkg/timing"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(clock timing.Clock) *Tracker {
	return NewTracker(Config{
		Window:           7 * 24 * time.Hour,
		PopularThreshold: 10,
		Trending:         []string{"Bad Bunny"},
	}, clock)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "shakira", Normalize("  SHAKIRA "))
	assert.Equal(t, "karol g", Normalize("Karol\t  G"))
	assert.Equal(t, Normalize("école"), Normalize("ÉCOLE"), "大小写折叠后等价")
	assert.Equal(t, "abc", Normalize("ＡＢＣ"), "全角字符经 NFKC 规范化")
	assert.Equal(t, "", Normalize("   "))
}

func TestNormalize_Concurrent(t *testing.T) {
	inputs := map[string]string{
		"  SHAKIRA ":     "shakira",
		"Straße":         "strasse",
		"ＫＡＲＯＬ　Ｇ": "karol g",
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for in, want := range inputs {
					if got := Normalize(in); got != want {
						t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestTracker_ClassifyPromotesAfterThreshold(t *testing.T) {
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newTestTracker(clock)

	for i := 0; i < 10; i++ {
		tr.Increment("shakira")
	}
	assert.Equal(t, cache.TierRecent, tr.Classify("shakira"), "计数等于阈值时仍为 Recent")

	tr.Increment("Shakira ")
	assert.Equal(t, 11, tr.Count("shakira"))
	assert.Equal(t, cache.TierPopular, tr.Classify("SHAKIRA"))
}

func TestTracker_TrendingOverridesPopular(t *testing.T) {
	tr := newTestTracker(nil)

	assert.Equal(t, cache.TierTrending, tr.Classify("bad bunny"))
	for i := 0; i < 20; i++ {
		tr.Increment("bad bunny")
	}
	assert.Equal(t, cache.TierTrending, tr.Classify("bad bunny"))

	tr.SetTrending(nil)
	assert.Equal(t, cache.TierPopular, tr.Classify("bad bunny"))
}

func TestTracker_DemotesAfterWindowExpiry(t *testing.T) {
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newTestTracker(clock)

	for i := 0; i < 11; i++ {
		tr.Increment("shakira")
	}
	assert.Equal(t, cache.TierPopular, tr.Classify("shakira"))

	clock.Advance(7 * 24 * time.Hour)
	assert.Equal(t, cache.TierRecent, tr.Classify("shakira"))
	assert.Equal(t, 0, tr.Count("shakira"))

	assert.Equal(t, 1, tr.Increment("shakira"), "窗口过期后重新计数")
}

func TestTracker_TopK(t *testing.T) {
	tr := newTestTracker(nil)

	for i, q := range []string{"a", "b", "c", "d"} {
		for j := 0; j <= i; j++ {
			tr.Increment(q)
		}
	}
	tr.Increment("e")

	top := tr.TopK(3)
	assert.Len(t, top, 3)
	assert.Equal(t, "d", top[0].Query)
	assert.Equal(t, 4, top[0].Count)
	assert.Equal(t, "c", top[1].Query)
	assert.Equal(t, "b", top[2].Query)

	assert.Nil(t, tr.TopK(0))
	assert.Len(t, tr.TopK(100), 5)
}

func TestTracker_Sweep(t *testing.T) {
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newTestTracker(clock)

	tr.Increment("old")
	clock.Advance(6 * 24 * time.Hour)
	tr.Increment("new")
	clock.Advance(24 * time.Hour)

	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 1, tr.Count("new"))
}

func TestTracker_EmptyQueryIgnored(t *testing.T) {
	tr := newTestTracker(nil)
	assert.Equal(t, 0, tr.Increment("   "))
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ConcurrentIncrements(t *testing.T) {
	tr := newTestTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Increment("shared")
			tr.Increment(fmt.Sprintf("q%d", i%5))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, tr.Count("shared"))
	assert.Equal(t, 10, tr.Count("q0"))
}
