package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TuSKan/go-zarr"
	"github.com/TuSKan/go-zarr/internal/logging"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(logging.Discard(), new(slog.LevelVar))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI(t *testing.T) {
	url := "file://" + filepath.ToSlash(t.TempDir())

	out, err := run(t, "create", url, "--path", "temps",
		"--shape", "4,3", "--chunks", "2,3", "--dtype", "<i2", "--fill", "-1",
		"--codecs", `[{"name": "bytes"}, {"name": "gzip", "configuration": {"level": 1}}]`,
		"--dimension-names", "t,x")
	require.NoError(t, err)
	require.Contains(t, out, "[4 3]")
	require.Contains(t, out, "bytes, gzip")
	require.Contains(t, out, "t, x")

	ctx := context.Background()
	store, err := zarr.OpenStore(ctx, url)
	require.NoError(t, err)
	array, err := zarr.OpenArray(ctx, store, "temps")
	require.NoError(t, err)
	row, err := zarr.FromSlice([]int16{7, 8, 9}, 1, 3)
	require.NoError(t, err)
	require.NoError(t, array.WriteRegion(ctx, []int{1, 0}, row))
	require.NoError(t, store.Close())

	t.Run("read text", func(t *testing.T) {
		out, err := run(t, "read", url, "--path", "temps", "--start", "1,0", "--shape", "2,3")
		require.NoError(t, err)
		require.Contains(t, out, "[1 0]")
		require.Contains(t, out, "7 8 9")
		require.Contains(t, out, "-1 -1 -1")
	})

	t.Run("read json", func(t *testing.T) {
		out, err := run(t, "read", url, "--path", "temps", "--start", "1,0", "-o", "json")
		require.NoError(t, err)
		var doc struct {
			Shape  []int `json:"shape"`
			Values []any `json:"values"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		require.Equal(t, []int{3, 3}, doc.Shape)
		require.Equal(t, []any{7.0, 8.0, 9.0, -1.0, -1.0, -1.0, -1.0, -1.0, -1.0}, doc.Values)
	})

	t.Run("info json", func(t *testing.T) {
		out, err := run(t, "info", url, "--path", "temps", "-o", "json")
		require.NoError(t, err)
		meta, err := zarr.ParseArrayMetadata([]byte(out))
		require.NoError(t, err)
		require.Equal(t, zarr.Int16, meta.DataType)
		require.Equal(t, []string{"t", "x"}, meta.DimensionNames)
	})

	t.Run("groups", func(t *testing.T) {
		_, err := run(t, "create", url, "--group", "--attrs", `{"title": "field data"}`)
		require.NoError(t, err)

		out, err := run(t, "ls", url)
		require.NoError(t, err)
		require.Contains(t, out, "temps")
		require.Contains(t, out, "array")

		out, err = run(t, "info", url)
		require.NoError(t, err)
		require.Contains(t, out, "group")
		require.Contains(t, out, "field data")
	})

	t.Run("errors", func(t *testing.T) {
		_, err := run(t, "create", url, "--path", "bad", "--shape", "4", "--codecs", `[{"name": "gzip"}]`)
		require.True(t, zarr.IsConfigurationError(err), "got %v", err)

		_, err = run(t, "create", url, "--path", "bad")
		require.Error(t, err)

		_, err = run(t, "info", url, "--path", "missing")
		require.True(t, zarr.IsNotFound(err), "got %v", err)
	})
}

func TestParseFill(t *testing.T) {
	require.Nil(t, parseFill(""))
	require.Equal(t, json.Number("-3"), parseFill("-3"))
	require.Equal(t, true, parseFill("true"))
	require.Equal(t, "NaN", parseFill("NaN"))
	require.Equal(t, "0x7fc00000", parseFill("0x7fc00000"))
	require.Equal(t, "-Infinity", parseFill("-Infinity"))
}
