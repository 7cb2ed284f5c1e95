package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TuSKan/go-zarr"
)

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	root := &cobra.Command{
		Use:          "zarr",
		Short:        "Inspect and create Zarr arrays",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}

	root.PersistentFlags().String("path", "", "node path inside the bucket")
	root.PersistentFlags().StringP("output", "o", "text", "output format: text or json")
	root.PersistentFlags().BoolP("verbose", "v", false, "log chunk level activity")

	root.AddCommand(
		newInfoCmd(logger),
		newReadCmd(logger),
		newLsCmd(),
		newCreateCmd(logger),
	)
	return root
}

// withStore opens the bucket named by url for the duration of fn.
func withStore(cmd *cobra.Command, url string, fn func(store *zarr.BucketStore, path string) error) error {
	store, err := zarr.OpenStore(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer store.Close()
	path, _ := cmd.Flags().GetString("path")
	return fn(store, path)
}

func newInfoCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info <bucket-url>",
		Short: "Print the metadata of an array or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, args[0], func(store *zarr.BucketStore, path string) error {
				ctx := cmd.Context()
				p := newPrinter(cmd)
				array, err := zarr.OpenArray(ctx, store, path, zarr.WithLogger(logger))
				if err == nil {
					return printArray(cmd, p, array)
				}
				group, gerr := zarr.OpenGroup(ctx, store, path)
				if gerr != nil {
					return err
				}
				if p.isJSON() {
					return p.json(map[string]any{
						"zarr_format": 3,
						"node_type":   zarr.NodeTypeGroup,
						"attributes":  group.Attributes,
					})
				}
				attrs, _ := json.Marshal(group.Attributes)
				p.kv([][2]string{
					{"Path", "/" + group.Path()},
					{"Node type", zarr.NodeTypeGroup},
					{"Attributes", string(attrs)},
				})
				return nil
			})
		},
	}
}

func printArray(cmd *cobra.Command, p *printer, array *zarr.Array) error {
	meta := array.Metadata()
	if p.isJSON() {
		return p.json(meta)
	}
	stored, err := array.StoredChunks(cmd.Context())
	if err != nil {
		return err
	}
	names := make([]string, len(meta.Codecs))
	for i, c := range meta.Codecs {
		names[i] = c.Name()
	}
	attrs, _ := json.Marshal(meta.Attributes)
	pairs := [][2]string{
		{"Path", "/" + array.Path()},
		{"Node type", zarr.NodeTypeArray},
		{"Zarr format", fmt.Sprint(meta.ZarrFormat)},
		{"Data type", string(meta.DataType)},
		{"Shape", fmt.Sprint(meta.Shape)},
		{"Chunk shape", fmt.Sprint(meta.ChunkShape)},
		{"Grid", fmt.Sprint(meta.GridShape())},
		{"Fill value", fmt.Sprint(meta.FillValueAny())},
		{"Codecs", strings.Join(names, ", ")},
		{"Chunk keys", meta.ChunkKeyEncoding.Name + " " + meta.ChunkKeyEncoding.Separator},
		{"Stored chunks", fmt.Sprint(len(stored))},
		{"Attributes", string(attrs)},
	}
	if meta.DimensionNames != nil {
		pairs = append(pairs, [2]string{"Dimension names", strings.Join(meta.DimensionNames, ", ")})
	}
	p.kv(pairs)
	return nil
}

func newReadCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <bucket-url>",
		Short: "Print the values of an array region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetIntSlice("start")
			shape, _ := cmd.Flags().GetIntSlice("shape")
			return withStore(cmd, args[0], func(store *zarr.BucketStore, path string) error {
				ctx := cmd.Context()
				array, err := zarr.OpenArray(ctx, store, path, zarr.WithLogger(logger))
				if err != nil {
					return err
				}
				full := array.Metadata().Shape
				if len(start) == 0 {
					start = make([]int, len(full))
				}
				if len(shape) == 0 {
					shape = make([]int, len(full))
					for i := range full {
						if i < len(start) {
							shape[i] = max(full[i]-start[i], 0)
						}
					}
				}
				buf, err := array.ReadRegion(ctx, start, shape)
				if err != nil {
					return err
				}
				return printBuffer(newPrinter(cmd), start, buf)
			})
		},
	}
	cmd.Flags().IntSlice("start", nil, "region origin (default: 0 along every axis)")
	cmd.Flags().IntSlice("shape", nil, "region shape (default: up to the array end)")
	return cmd
}

// printBuffer writes one row per run along the last axis, labelled with the
// array coordinate of its first element.
func printBuffer(p *printer, start []int, buf *zarr.Buffer) error {
	n := buf.NumElements()
	if p.isJSON() {
		values := make([]any, n)
		for i := range values {
			values[i] = jsonValue(buf.Value(i))
		}
		return p.json(map[string]any{
			"data_type": buf.DataType,
			"start":     start,
			"shape":     buf.Shape,
			"values":    values,
		})
	}
	if n == 0 {
		return nil
	}
	row := 1
	if len(buf.Shape) > 0 {
		row = buf.Shape[len(buf.Shape)-1]
	}
	var rows [][]string
	coords := make([]int, len(buf.Shape))
	for first := 0; first < n; first += row {
		rem := first
		for d := len(buf.Shape) - 1; d >= 0; d-- {
			coords[d] = start[d] + rem%buf.Shape[d]
			rem /= buf.Shape[d]
		}
		var line bytes.Buffer
		for i := first; i < first+row; i++ {
			if i > first {
				line.WriteByte(' ')
			}
			fmt.Fprint(&line, buf.Value(i))
		}
		rows = append(rows, []string{fmt.Sprint(coords), line.String()})
	}
	p.table([]string{"INDEX", "VALUES"}, rows)
	return nil
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <bucket-url>",
		Short: "List the members of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, args[0], func(store *zarr.BucketStore, path string) error {
				ctx := cmd.Context()
				group, err := zarr.OpenGroup(ctx, store, path)
				if err != nil {
					return err
				}
				members, err := group.Members(ctx)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				if p.isJSON() {
					out := make([]map[string]string, len(members))
					for i, m := range members {
						out[i] = map[string]string{"name": m.Name, "node_type": m.NodeType}
					}
					return p.json(out)
				}
				rows := make([][]string, len(members))
				for i, m := range members {
					rows[i] = []string{m.Name, m.NodeType}
				}
				p.table([]string{"NAME", "TYPE"}, rows)
				return nil
			})
		},
	}
}

func newCreateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <bucket-url>",
		Short: "Create an array, or a group with --group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := jsonObjectFlag(cmd, "attrs")
			if err != nil {
				return err
			}
			if isGroup, _ := cmd.Flags().GetBool("group"); isGroup {
				return withStore(cmd, args[0], func(store *zarr.BucketStore, path string) error {
					_, err := zarr.CreateGroup(cmd.Context(), store, path, attrs)
					return err
				})
			}

			meta, err := metadataFromFlags(cmd, attrs)
			if err != nil {
				return err
			}
			return withStore(cmd, args[0], func(store *zarr.BucketStore, path string) error {
				array, err := zarr.CreateArray(cmd.Context(), store, path, meta, zarr.WithLogger(logger))
				if err != nil {
					return err
				}
				return printArray(cmd, newPrinter(cmd), array)
			})
		},
	}
	cmd.Flags().IntSlice("shape", nil, "array shape")
	cmd.Flags().IntSlice("chunks", nil, "chunk shape (default: the array shape)")
	cmd.Flags().String("dtype", "float32", "data type, e.g. int32 or <i4")
	cmd.Flags().String("fill", "", `fill value as JSON, or NaN, Infinity, -Infinity, 0x... (default: 0)`)
	cmd.Flags().String("codecs", "", `codec list as JSON, e.g. '[{"name":"bytes"},{"name":"zstd"}]'`)
	cmd.Flags().String("key-separator", "/", "chunk key separator: / or .")
	cmd.Flags().StringSlice("dimension-names", nil, "axis names")
	cmd.Flags().String("attrs", "", "attributes as a JSON object")
	cmd.Flags().Bool("group", false, "create a group instead of an array")
	return cmd
}

func metadataFromFlags(cmd *cobra.Command, attrs map[string]any) (*zarr.ArrayMetadata, error) {
	shape, _ := cmd.Flags().GetIntSlice("shape")
	chunks, _ := cmd.Flags().GetIntSlice("chunks")
	dtypeFlag, _ := cmd.Flags().GetString("dtype")
	fillFlag, _ := cmd.Flags().GetString("fill")
	codecsFlag, _ := cmd.Flags().GetString("codecs")
	separator, _ := cmd.Flags().GetString("key-separator")
	names, _ := cmd.Flags().GetStringSlice("dimension-names")

	if len(shape) == 0 {
		return nil, fmt.Errorf("--shape is required")
	}
	if len(chunks) == 0 {
		chunks = shape
	}
	dt, err := zarr.ParseDataType(dtypeFlag)
	if err != nil {
		return nil, err
	}
	var codecs []zarr.Codec
	if codecsFlag != "" {
		if codecs, err = zarr.ParseCodecs([]byte(codecsFlag)); err != nil {
			return nil, err
		}
	}

	opts := []zarr.MetadataOption{
		zarr.WithChunkKeyEncoding(zarr.ChunkKeyEncoding{Name: zarr.KeyEncodingDefault, Separator: separator}),
	}
	if len(names) > 0 {
		opts = append(opts, zarr.WithDimensionNames(names...))
	}
	return zarr.NewArrayMetadata(shape, chunks, dt, parseFill(fillFlag), codecs, attrs, opts...)
}

// parseFill reads a JSON scalar, falling back to the bare string so that
// NaN or 0x7fc00000 need no quoting.
func parseFill(s string) any {
	if s == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func jsonObjectFlag(cmd *cobra.Command, name string) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return out, nil
}
