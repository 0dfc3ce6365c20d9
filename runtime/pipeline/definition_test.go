package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/pipeline"
	"goa.design/conductor/runtime/ratelimit"
)

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		def  pipeline.Definition
		ok   bool
	}{
		{"valid chain", *chain("p", "a", "b"), true},
		{"missing id", pipeline.Definition{Stages: []pipeline.Stage{{Name: "a", Capability: "c"}}}, false},
		{"no stages", pipeline.Definition{ID: "p"}, false},
		{"duplicate name", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{
			{Name: "a", Capability: "c"}, {Name: "a", Capability: "c"},
		}}, false},
		{"forward reference", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{
			{Name: "a", Capability: "c", Consumes: []string{"b"}}, {Name: "b", Capability: "c"},
		}}, false},
		{"self reference", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{
			{Name: "a", Capability: "c", Consumes: []string{"a"}},
		}}, false},
		{"reserved name", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{
			{Name: pipeline.InputKey, Capability: "c"},
		}}, false},
		{"missing capability", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{{Name: "a"}}}, false},
		{"negative timeout", pipeline.Definition{ID: "p", Stages: []pipeline.Stage{{Name: "a", Capability: "c", Timeout: -1}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, pipeline.ErrInvalidDefinition)
		})
	}
}

func TestRegistry(t *testing.T) {
	reg, err := pipeline.NewRegistry(
		pipeline.Capability{Name: "b", Kind: pipeline.KindCommand, Provider: "x"},
		pipeline.Capability{Name: "a", Kind: pipeline.KindConfigAccess, Provider: "x"},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.Names())
	c, err := reg.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, ratelimit.CategoryConfigAccess, c.Kind.Category())
	_, err = reg.Lookup("z")
	require.ErrorIs(t, err, pipeline.ErrUnknownCapability)

	_, err = pipeline.NewRegistry(pipeline.Capability{Name: "a", Kind: "email", Provider: "x"})
	require.Error(t, err)
	_, err = pipeline.NewRegistry(pipeline.Capability{Name: "a", Kind: pipeline.KindSampling})
	require.Error(t, err)
	_, err = pipeline.NewRegistry(
		pipeline.Capability{Name: "a", Kind: pipeline.KindSampling, Provider: "x"},
		pipeline.Capability{Name: "a", Kind: pipeline.KindSampling, Provider: "x"},
	)
	require.Error(t, err)
}

func TestKindsMapToCategories(t *testing.T) {
	for kind, cat := range map[pipeline.Kind]ratelimit.Category{
		pipeline.KindToolCall:     ratelimit.CategoryToolCall,
		pipeline.KindSampling:     ratelimit.CategorySampling,
		pipeline.KindCommand:      ratelimit.CategoryCommand,
		pipeline.KindConfigAccess: ratelimit.CategoryConfigAccess,
	} {
		require.True(t, kind.Valid())
		require.Equal(t, cat, kind.Category())
		_, ok := ratelimit.DefaultLimits()[cat]
		require.True(t, ok, "every kind has a default limit")
	}
	require.False(t, pipeline.Kind("other").Valid())
}
