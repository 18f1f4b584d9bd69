package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCompileReadOptions(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		plan, err := CompileReadOptions(nil)
		require.NoError(t, err)
		require.Zero(t, plan.Skip)
	})

	t.Run("skip", func(t *testing.T) {
		plan, err := CompileReadOptions(ReadOptions{"skip": 3})
		require.NoError(t, err)
		require.Equal(t, 3, plan.Skip)

		plan, err = CompileReadOptions(ReadOptions{"skip": float64(2)})
		require.NoError(t, err)
		require.Equal(t, 2, plan.Skip)
	})

	for name, ro := range map[string]ReadOptions{
		"negative_skip":   {"skip": -1},
		"fractional_skip": {"skip": 1.5},
		"unknown_option":  {"lean": true},
		"mixed":           {"projection": map[string]any{"a": 1, "b": 0}},
		"bad_flag":        {"projection": map[string]any{"a": 2}},
		"bad_list":        {"projection": []any{1}},
		"bad_type":        {"projection": 12},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CompileReadOptions(ro)
			require.ErrorIs(t, err, ErrInvalidReadOptions)
		})
	}
}

func TestProject(t *testing.T) {
	raw := []byte(`{"_id":"01","firstName":"Chris","surName":"Chanti","address":{"city":"Berlin","zip":"10115"}}`)

	tests := []struct {
		name     string
		options  ReadOptions
		expected map[string]any
	}{
		{
			name:    "no_projection",
			options: nil,
			expected: map[string]any{
				"_id": "01", "firstName": "Chris", "surName": "Chanti",
				"address": map[string]any{"city": "Berlin", "zip": "10115"},
			},
		},
		{
			name:     "include_map",
			options:  ReadOptions{"projection": map[string]any{"surName": 1}},
			expected: map[string]any{"_id": "01", "surName": "Chanti"},
		},
		{
			name:     "include_nested",
			options:  ReadOptions{"projection": []string{"address.city"}},
			expected: map[string]any{"_id": "01", "address": map[string]any{"city": "Berlin"}},
		},
		{
			name:     "include_without_id",
			options:  ReadOptions{"projection": map[string]any{"surName": true, "_id": false}},
			expected: map[string]any{"surName": "Chanti"},
		},
		{
			name:    "exclude",
			options: ReadOptions{"projection": "-address.zip -firstName"},
			expected: map[string]any{
				"_id": "01", "surName": "Chanti",
				"address": map[string]any{"city": "Berlin"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			plan, err := CompileReadOptions(test.options)
			require.NoError(t, err)

			doc, err := plan.Project(raw)
			require.NoError(t, err)

			if diff := cmp.Diff(test.expected, doc); diff != "" {
				t.Errorf("projection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
