package database

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRebind_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("postgres rebind leaves no ? placeholders", prop.ForAll(
		func(parts []string) bool {
			q := strings.Join(parts, "?")
			return !strings.Contains(Postgres.Rebind(q), "?")
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("postgres rebind numbers every placeholder", prop.ForAll(
		func(parts []string) bool {
			q := strings.Join(parts, "?")
			n := strings.Count(q, "?")
			return strings.Count(Postgres.Rebind(q), "$") == n
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("sqlite rebind is identity", prop.ForAll(
		func(q string) bool {
			return SQLite.Rebind(q) == q
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
