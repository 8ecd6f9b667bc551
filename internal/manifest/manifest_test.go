package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultIgnore = []string{".DS_Store", "__pycache__", "*.pyc", "._*", ".*"}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func paths(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestLoad(t *testing.T) {
	root := writeTree(t, map[string]string{
		"code.py":                      "print('hello')\n",
		"lib/adafruit_hid/__init__.py": "",
		"lib/adafruit_hid/keyboard.py": "class Keyboard: pass\n",
		"lib/__pycache__/x.pyc":        "junk",
		"lib/old.pyc":                  "junk",
		".DS_Store":                    "junk",
		"._code.py":                    "junk",
		".fseventsd/log":               "junk",
	})

	m, err := Load(root, defaultIgnore)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"code.py",
		"lib/adafruit_hid/__init__.py",
		"lib/adafruit_hid/keyboard.py",
	}, paths(m.Entries))

	code := m.Entries[0]
	assert.EqualValues(t, len("print('hello')\n"), code.Size)
	sum, err := HashFile(filepath.Join(root, "code.py"))
	require.NoError(t, err)
	assert.Equal(t, sum, code.SHA256)
	assert.Len(t, code.SHA256, 64)
	assert.Equal(t, os.FileMode(0o644), code.Mode)

	assert.EqualValues(t, len("print('hello')\n")+len("class Keyboard: pass\n"), TotalSize(m.Entries))
}

func TestLoadEmptyAfterFiltering(t *testing.T) {
	root := writeTree(t, map[string]string{".DS_Store": "junk"})

	_, err := Load(root, defaultIgnore)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	root := writeTree(t, map[string]string{"code.py": "x"})
	_, err = Load(filepath.Join(root, "code.py"), nil)
	assert.ErrorContains(t, err, "not a directory")

	_, err = Load(root, []string{"[bad"})
	assert.ErrorContains(t, err, "invalid ignore pattern")
}

func TestSelect(t *testing.T) {
	root := writeTree(t, map[string]string{
		"code.py":              "a",
		"boot.py":              "b",
		"lib/neopixel.mpy":     "c",
		"lib/display/text.mpy": "d",
		"sounds/beep.wav":      "e",
	})

	m, err := Load(root, defaultIgnore)
	require.NoError(t, err)

	assert.Len(t, m.Select(nil), 5)
	assert.Equal(t, []string{"code.py", "lib/display/text.mpy", "lib/neopixel.mpy"},
		paths(m.Select([]string{"code.py", "lib/"})))
	assert.Equal(t, []string{"boot.py", "code.py"}, paths(m.Select([]string{"*.py"})))
	assert.Empty(t, m.Select([]string{"nothing"}))
}
