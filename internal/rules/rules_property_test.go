//go:build property

package rules

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/assetpipe/internal/config"
)

func TestDispatchProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	engine, err := NewEngine([]config.RuleConfig{
		{Test: `\.jsx?$`, Include: []string{"src"}, Use: []config.StepConfig{{Step: "raw"}}},
		{Test: `\.less$`, Use: []config.StepConfig{{Step: "style"}}},
		{Test: `\.(png|svg)$`, Use: []config.StepConfig{{Step: "url", Options: config.Options{"limit": 3072}}}},
		{Test: `\.js$`, Use: []config.StepConfig{{Step: "file"}}},
	}, "/p", DefaultRegistry())
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("dispatch is deterministic and picks at most one rule", prop.ForAll(
		func(dir, base, ext string) bool {
			path := fmt.Sprintf("/p/%s/%s%s", dir, base, ext)

			first, ok1 := engine.Dispatch(path)
			second, ok2 := engine.Dispatch(path)
			if ok1 != ok2 || !reflect.DeepEqual(first.Key(), second.Key()) {
				return false
			}

			matched := 0
			for i := range engine.rules {
				if engine.rules[i].Matches(path) {
					if matched == 0 && first.Key() != engine.rules[i].Chain.Key() {
						return false
					}
					matched++
				}
			}

			return ok1 == (matched > 0)
		},
		gen.OneConstOf("src", "src/js", "lib", "node_modules/x"),
		gen.AlphaString(),
		gen.OneConstOf(".js", ".jsx", ".less", ".png", ".svg", ".txt", ""),
	))

	properties.TestingRun(t)
}
