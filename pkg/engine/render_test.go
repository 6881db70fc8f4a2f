package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := map[string]struct {
		content string
		params  map[string]any
		exp     string
		expErr  bool
	}{
		"A placeholder should be replaced by its parameter.": {
			content: "echo {{env}}",
			params:  map[string]any{"env": "prod"},
			exp:     "echo prod",
		},
		"Spaces inside the braces should be ignored.": {
			content: "echo {{ env }} {{env}}",
			params:  map[string]any{"env": "prod"},
			exp:     "echo prod prod",
		},
		"Numbers and booleans should be printed plainly.": {
			content: "replicas={{n}} debug={{debug}} ratio={{r}}",
			params:  map[string]any{"n": float64(3), "debug": true, "r": 0.5},
			exp:     "replicas=3 debug=true ratio=0.5",
		},
		"Lists should be rendered as JSON.": {
			content: "PKGS='{{pkgs}}'",
			params:  map[string]any{"pkgs": []any{"curl", "git"}},
			exp:     `PKGS='["curl","git"]'`,
		},
		"Content without placeholders should be unchanged.": {
			content: "#!/bin/bash\nuptime\n",
			exp:     "#!/bin/bash\nuptime\n",
		},
		"An unresolved placeholder should fail.": {
			content: "echo {{env}} {{region}}",
			params:  map[string]any{"env": "prod"},
			expErr:  true,
		},
		"An unterminated placeholder should fail.": {
			content: "echo {{env",
			params:  map[string]any{"env": "prod"},
			expErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Render(test.content, test.params)
			if test.expErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrTemplateRendering))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.exp, got)
		})
	}
}
