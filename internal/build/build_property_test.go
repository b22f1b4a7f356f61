//go:build property

package build

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBuildCacheProperties checks the cache against a plain map model.
func TestBuildCacheProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	// Property: without eviction the cache agrees with a map after any
	// sequence of sets and clears
	properties.Property("cache matches map model", prop.ForAll(
		func(ops []int) bool {
			cache := NewBuildCache(0)
			model := make(map[string]string)

			for i, op := range ops {
				id := fmt.Sprintf("s%d", op%4)
				if op%3 == 0 {
					cache.Clear(id)
					delete(model, id)
					continue
				}
				code := fmt.Sprintf("code-%d", i)
				cache.Set(id, code, 0, Meta{})
				model[id] = code
			}

			var total int64
			for id, code := range model {
				entry, ok := cache.Get(id)
				if !ok || entry.Code != code {
					return false
				}
				total += int64(len(code))
			}
			stats := cache.OverallStats()
			return stats.Entries == len(model) && stats.TotalBytes == total
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	// Property: the stored bytes never exceed the budget
	properties.Property("eviction respects the byte budget", prop.ForAll(
		func(budget int, sizes []int) bool {
			cache := NewBuildCache(int64(budget))
			for i, size := range sizes {
				if size > budget {
					continue
				}
				cache.Set(fmt.Sprintf("s%d", i), string(make([]byte, size)), 0, Meta{})
				if cache.OverallStats().TotalBytes > int64(budget) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 256),
		gen.SliceOf(gen.IntRange(0, 128)),
	))

	// Property: a ticket taken before a clear never stores its result
	properties.Property("invalidated builds are discarded", prop.ForAll(
		func(clearBeforeComplete bool) bool {
			cache := NewBuildCache(0)
			if !cache.MarkBuildInProgress("s") {
				return false
			}
			if clearBeforeComplete {
				cache.Clear("s")
			}
			stored := cache.CompleteBuild("s", NewEntry("s", "x", 0, Meta{}), nil)
			return stored == !clearBeforeComplete && cache.Has("s") == stored
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}
