package environment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matt-riley/condz/internal/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadFileFormats(t *testing.T) {
	want := map[string]any{"blogname": "Listable", "per_page": int64(10), "ratio": 0.5}

	files := map[string]string{
		"snapshot.json":  `{"options": {"blogname": "Listable", "per_page": 10, "ratio": 0.5}, "functions": ["is_shop"]}`,
		"snapshot.jsonc": "{\n// site options\n\"options\": {\"blogname\": \"Listable\", \"per_page\": 10, \"ratio\": 0.5,},\n\"functions\": [\"is_shop\",],\n}",
		"snapshot.yaml":  "options:\n  blogname: Listable\n  per_page: 10\n  ratio: 0.5\nfunctions:\n  - is_shop\n",
		"snapshot.yml":   "options: {blogname: Listable, per_page: 10, ratio: 0.5}\nfunctions: [is_shop]\n",
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			s, err := LoadFile(writeFile(t, name, content))
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if diff := cmp.Diff(want, s.Options); diff != "" {
				t.Fatalf("Options mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"is_shop"}, s.Functions); diff != "" {
				t.Fatalf("Functions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadFile(missing) error = %v, want ErrNotExist", err)
	}
	if _, err := LoadFile(writeFile(t, "snapshot.toml", "")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("LoadFile(toml) error = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := LoadFile(writeFile(t, "snapshot.json", `{"options":`)); err == nil {
		t.Fatal("LoadFile(truncated) error = nil, want error")
	}
}

func TestDecodeDocumentYAMLKeepsOrder(t *testing.T) {
	doc := `
defaults: &defaults
  relation: OR
group:
  <<: *defaults
  functionExists: strlen
  classExists: WooCommerce
`
	value, err := DecodeDocument("conditions.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("DecodeDocument() error = %v", err)
	}
	group, _ := value.(*core.Map).Get("group")
	if diff := cmp.Diff([]string{"relation", "functionExists", "classExists"}, group.(*core.Map).Keys()); diff != "" {
		t.Fatalf("key order mismatch (-want +got):\n%s", diff)
	}

	empty, err := DecodeDocument("empty.yaml", nil)
	if err != nil || empty != nil {
		t.Fatalf("DecodeDocument(empty) = %v, %v, want nil, nil", empty, err)
	}
}
