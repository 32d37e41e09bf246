package browser

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/internal/config"
	cminput "github.com/coachmark-ai/coachmark-cli/internal/input"
)

func TestParseHotkey(t *testing.T) {
	cases := []struct {
		name     string
		combo    []string
		wantMods input.Modifier
		wantKey  string
		wantErr  bool
	}{
		{"ctrl+s", []string{"ctrl", "s"}, input.ModifierCtrl, "s", false},
		{"ctrl+shift+escape", []string{"ctrl", "shift", "escape"}, input.ModifierCtrl | input.ModifierShift, kb.Escape, false},
		{"cmd synonym", []string{"cmd", "q"}, input.ModifierMeta, "q", false},
		{"alt+tab named key", []string{"alt", "tab"}, input.ModifierAlt, kb.Tab, false},
		{"unknown modifier", []string{"hyper", "x"}, 0, "", true},
		{"empty terminal key", []string{"ctrl", " "}, 0, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mods, key, err := parseHotkey(tc.combo)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantMods, mods)
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestNamedKeysCoverGrammarVocabulary(t *testing.T) {
	for _, name := range []string{"enter", "tab", "escape", "backspace", "delete", "up", "down", "left", "right"} {
		_, ok := namedKeys[name]
		assert.True(t, ok, "key %q must be mapped", name)
	}
}

func TestJSONEncodeEscapesForScripts(t *testing.T) {
	assert.Equal(t, `"the \"Save\" button"`, jsonEncode(`the "Save" button`))
	// encoding/json HTML-escapes angle brackets, which keeps the literal
	// safe to splice into a <script> context as well.
	assert.Equal(t, `"\u003cscript\u003e"`, jsonEncode(`<script>`))
}

func TestNewAutopilotValidates(t *testing.T) {
	signals, err := cminput.NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)

	_, err = NewAutopilot(config.BrowserConfig{}, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewAutopilot(config.BrowserConfig{}, signals, nil)
	assert.Error(t, err)

	a, err := NewAutopilot(config.BrowserConfig{}, signals, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestRunBeforeStartFails(t *testing.T) {
	signals, err := cminput.NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)
	a, err := NewAutopilot(config.BrowserConfig{}, signals, zap.NewNop())
	require.NoError(t, err)

	err = a.run(context.Background())
	assert.Error(t, err)
}
