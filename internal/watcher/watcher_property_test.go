//go:build property

package watcher

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestOptionsProperties validates the path acceptance rules used for every
// reported event.
func TestOptionsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	segment := gen.RegexMatch(`[a-zA-Z_][a-zA-Z0-9_]{0,8}`)

	// Property: any dot-prefixed segment hides the path by default
	properties.Property("dot-prefixed segments are ignored by default", prop.ForAll(
		func(segments []string, hidden string, at int) bool {
			if len(segments) == 0 {
				return true
			}
			idx := at % (len(segments) + 1)
			parts := append([]string{}, segments[:idx]...)
			parts = append(parts, "."+hidden)
			parts = append(parts, segments[idx:]...)
			path := strings.Join(parts, "/")

			return !Options{}.accepts(path) && Options{IncludeDotfiles: true}.accepts(path)
		},
		gen.SliceOfN(4, segment),
		segment,
		gen.IntRange(0, 100),
	))

	// Property: paths made only of plain segments are always accepted
	properties.Property("plain paths are accepted", prop.ForAll(
		func(segments []string) bool {
			if len(segments) == 0 {
				return true
			}
			return Options{}.accepts(strings.Join(segments, "/"))
		},
		gen.SliceOfN(5, segment),
	))

	// Property: an ignored segment anywhere hides the path
	properties.Property("ignored segments hide the path", prop.ForAll(
		func(before, after []string) bool {
			parts := append(append(append([]string{}, before...), "node_modules"), after...)
			return !Options{Ignore: []string{"node_modules"}}.accepts(strings.Join(parts, "/"))
		},
		gen.SliceOfN(2, segment),
		gen.SliceOfN(2, segment),
	))

	properties.TestingRun(t)
}
