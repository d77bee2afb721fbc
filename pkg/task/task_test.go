package task

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    DownloadTask
		wantErr bool
	}{
		{"ok", DownloadTask{ID: uuid.New(), URL: "https://example.com/a.bin", OutputPath: "a.bin"}, false},
		{"missing id", DownloadTask{URL: "https://example.com/a.bin", OutputPath: "a.bin"}, true},
		{"missing url", DownloadTask{ID: uuid.New(), OutputPath: "a.bin"}, true},
		{"ftp url", DownloadTask{ID: uuid.New(), URL: "ftp://example.com/a.bin", OutputPath: "a.bin"}, true},
		{"missing path", DownloadTask{ID: uuid.New(), URL: "http://example.com/a.bin"}, true},
		{"negative blocks", DownloadTask{ID: uuid.New(), URL: "http://example.com/a", OutputPath: "a", Blocks: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCleanPath(t *testing.T) {
	a := &DownloadTask{OutputPath: "downloads/../downloads/file.bin"}
	b := &DownloadTask{OutputPath: "./downloads/file.bin"}
	assert.Equal(t, a.CleanPath(), b.CleanPath())
}

func TestJSONShape(t *testing.T) {
	tk := New("https://example.com/file.iso", "/tmp/file.iso")
	tk.Blocks = 4

	data, err := json.Marshal(tk)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, tk.ID.String(), raw["id"])
	assert.Equal(t, "/tmp/file.iso", raw["output_path"])
	assert.EqualValues(t, 4, raw["blocks"])
	assert.NotContains(t, raw, "tag")
}

func TestForDestinationIsStable(t *testing.T) {
	a := ForDestination("https://example.com/a.bin", "out/a.bin")
	b := ForDestination("https://example.com/a.bin", "./out/../out/a.bin")
	c := ForDestination("https://example.com/a.bin", "out/b.bin")

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NoError(t, a.Validate())
}
