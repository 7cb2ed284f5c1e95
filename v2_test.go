package zarr_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	_ "gocloud.dev/blob/fileblob"

	"github.com/TuSKan/go-zarr"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		input          string
		expectedType   zarr.DataType
		expectedEndian zarr.Endian
		expectErr      bool
	}{
		{"<f4", zarr.Float32, zarr.LittleEndian, false},
		{"<i8", zarr.Int64, zarr.LittleEndian, false},
		{"|b1", zarr.Bool, zarr.LittleEndian, false},
		{"|u1", zarr.Uint8, zarr.LittleEndian, false},
		{">f4", zarr.Float32, zarr.BigEndian, false},
		{">u2", zarr.Uint16, zarr.BigEndian, false},
		{"x2", "", "", true},  // invalid encoding
		{"<x4", "", "", true}, // unknown kind
		{"<i", "", "", true},  // incomplete size
		{"<i3", "", "", true}, // no such width
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dt, endian, err := zarr.ParseDType(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, but got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for input %q: %v", tt.input, err)
			}
			if dt != tt.expectedType {
				t.Errorf("expected type %q, got %q", tt.expectedType, dt)
			}
			if endian != tt.expectedEndian {
				t.Errorf("expected endian %q, got %q", tt.expectedEndian, endian)
			}
		})
	}
}

func TestLoadV2Metadata(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [128, 128],
		"chunks": [64, 64],
		"dtype": "<f4",
		"compressor": null,
		"fill_value": 0.0,
		"order": "C"
	}`

	zarrayPath := filepath.Join(tempDir, ".zarray")
	if err := os.WriteFile(zarrayPath, []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}

	f, err := os.Open(zarrayPath)
	if err != nil {
		t.Fatalf("failed to open mock json: %v", err)
	}
	defer f.Close()

	meta, err := zarr.LoadV2Metadata(f)
	if err != nil {
		t.Fatalf("LoadV2Metadata failed: %v", err)
	}

	expectedShape := []int{128, 128}
	if !reflect.DeepEqual(meta.Shape, expectedShape) {
		t.Errorf("expected shape %v, got %v", expectedShape, meta.Shape)
	}

	expectedChunks := []int{64, 64}
	if !reflect.DeepEqual(meta.Chunks, expectedChunks) {
		t.Errorf("expected chunks %v, got %v", expectedChunks, meta.Chunks)
	}

	if meta.DType != "<f4" {
		t.Errorf("expected dtype <f4, got %s", meta.DType)
	}

	am, err := meta.ArrayMetadata(nil)
	if err != nil {
		t.Fatalf("ArrayMetadata failed: %v", err)
	}
	if am.DataType != zarr.Float32 {
		t.Errorf("expected float32, got %s", am.DataType)
	}
	if got := am.ChunkKey([]int{1, 0}); got != "1.0" {
		t.Errorf("expected chunk key 1.0, got %s", got)
	}
}

func TestLoadV2Metadata_WrongFormat(t *testing.T) {
	_, err := zarr.LoadV2Metadata(strings.NewReader(`{"zarr_format": 3}`))
	if !zarr.IsFormatError(err) {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestV2Metadata_Conversion(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		codecs    []zarr.Codec
		expectErr bool
	}{
		{
			name: "fortran order big endian",
			doc:  `{"zarr_format": 2, "shape": [4, 6], "chunks": [2, 3], "dtype": ">i4", "compressor": null, "fill_value": null, "order": "F"}`,
			codecs: []zarr.Codec{
				zarr.TransposeCodec{Order: []int{1, 0}},
				zarr.BytesCodec{Endian: zarr.BigEndian},
			},
		},
		{
			name: "blosc bitshuffle",
			doc:  `{"zarr_format": 2, "shape": [8], "chunks": [4], "dtype": "<u2", "compressor": {"id": "blosc", "cname": "lz4", "clevel": 3, "shuffle": 2}, "fill_value": 0, "order": "C"}`,
			codecs: []zarr.Codec{
				zarr.BytesCodec{Endian: zarr.LittleEndian},
				zarr.BloscCodec{Cname: "lz4", Clevel: zarr.Level(3), Shuffle: zarr.BitShuffle, Typesize: 2},
			},
		},
		{
			name:      "filters",
			doc:       `{"zarr_format": 2, "shape": [8], "chunks": [4], "dtype": "<u2", "compressor": null, "fill_value": 0, "order": "C", "filters": [{"id": "delta"}]}`,
			expectErr: true,
		},
		{
			name:      "lzma compressor",
			doc:       `{"zarr_format": 2, "shape": [8], "chunks": [4], "dtype": "<u2", "compressor": {"id": "lzma", "preset": 1}, "fill_value": 0, "order": "C"}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v2, err := zarr.LoadV2Metadata(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatalf("LoadV2Metadata failed: %v", err)
			}
			meta, err := v2.ArrayMetadata(nil)
			if tt.expectErr {
				if !zarr.IsConfigurationError(err) {
					t.Fatalf("expected a configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ArrayMetadata failed: %v", err)
			}
			if !reflect.DeepEqual(meta.Codecs, tt.codecs) {
				t.Errorf("expected codecs %#v, got %#v", tt.codecs, meta.Codecs)
			}
		})
	}
}

func TestOpenArray_V2ReadFull(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [4, 4],
		"chunks": [2, 2],
		"dtype": "<f4",
		"compressor": null,
		"fill_value": 0.0,
		"order": "C"
	}`

	zarrayPath := filepath.Join(tempDir, ".zarray")
	if err := os.WriteFile(zarrayPath, []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, ".zattrs"), []byte(`{"units": "K"}`), 0644); err != nil {
		t.Fatalf("failed to write attributes: %v", err)
	}

	// Helper to write float32 chunk
	writeChunk := func(name string, data []float32) {
		path := filepath.Join(tempDir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("failed to create chunk file %s: %v", name, err)
		}
		defer f.Close()
		for _, v := range data {
			if err := binary.Write(f, binary.LittleEndian, v); err != nil {
				t.Fatalf("failed to write data to chunk %s: %v", name, err)
			}
		}
	}

	// Create 0.0 and 1.1 chunks
	writeChunk("0.0", []float32{1.0, 2.0, 3.0, 4.0})
	writeChunk("1.1", []float32{5.0, 6.0, 7.0, 8.0})

	ctx := context.Background()
	store, err := zarr.OpenStore(ctx, "file://"+filepath.ToSlash(tempDir))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	array, err := zarr.OpenArray(ctx, store, "")
	if err != nil {
		t.Fatalf("OpenArray failed: %v", err)
	}
	if array.Metadata().Attributes["units"] != "K" {
		t.Errorf("expected .zattrs to be loaded, got %v", array.Metadata().Attributes)
	}

	buf, err := array.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	got, err := zarr.Values[float32](buf)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}

	// Expected 4x4 matrix in C-order
	// Chunk 0.0 is top-left: covering rows 0-1, cols 0-1
	// Chunk 0.1 is top-right (missing): rows 0-1, cols 2-3
	// Chunk 1.0 is bottom-left (missing): rows 2-3, cols 0-1
	// Chunk 1.1 is bottom-right: covering rows 2-3, cols 2-3
	expected := []float32{
		1.0, 2.0, 0.0, 0.0,
		3.0, 4.0, 0.0, 0.0,
		0.0, 0.0, 5.0, 6.0,
		0.0, 0.0, 7.0, 8.0,
	}

	if !reflect.DeepEqual(got, expected) {
		t.Errorf("stitched array does not match expected layout.\nExpected: %v\nGot:      %v", expected, got)
	}

	// Sub region [2, 2] starting at [1, 1] crosses all four chunks.
	sub, err := array.ReadRegion(ctx, []int{1, 1}, []int{2, 2})
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	subValues, _ := zarr.Values[float32](sub)
	if !reflect.DeepEqual(subValues, []float32{4.0, 0.0, 0.0, 5.0}) {
		t.Errorf("unexpected sub region %v", subValues)
	}

	chunks, err := array.StoredChunks(ctx)
	if err != nil {
		t.Fatalf("StoredChunks failed: %v", err)
	}
	if !reflect.DeepEqual(chunks, [][]int{{0, 0}, {1, 1}}) {
		t.Errorf("expected stored chunks [[0 0] [1 1]], got %v", chunks)
	}
}

func TestOpenArray_V2Zlib(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [6],
		"chunks": [3],
		"dtype": "<i2",
		"compressor": {"id": "zlib", "level": 1},
		"fill_value": -1,
		"order": "C"
	}`
	if err := os.WriteFile(filepath.Join(tempDir, ".zarray"), []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}

	var raw bytes.Buffer
	for _, v := range []int16{10, 20, 30} {
		if err := binary.Write(&raw, binary.LittleEndian, v); err != nil {
			t.Fatalf("failed to encode chunk: %v", err)
		}
	}
	var compressed bytes.Buffer
	w, err := zlib.NewWriterLevel(&compressed, 1)
	if err != nil {
		t.Fatalf("failed to create zlib writer: %v", err)
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		t.Fatalf("failed to compress chunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zlib writer: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "1"), compressed.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write chunk: %v", err)
	}

	ctx := context.Background()
	store, err := zarr.OpenStore(ctx, "file://"+filepath.ToSlash(tempDir))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	array, err := zarr.OpenArray(ctx, store, "")
	if err != nil {
		t.Fatalf("OpenArray failed: %v", err)
	}
	buf, err := array.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	got, err := zarr.Values[int16](buf)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if expected := []int16{-1, -1, -1, 10, 20, 30}; !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}

	// Writes go back through the same zlib step.
	update, err := zarr.FromSlice([]int16{7}, 1)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	if err := array.WriteRegion(ctx, []int{0}, update); err != nil {
		t.Fatalf("WriteRegion failed: %v", err)
	}
	first, err := array.ReadChunk(ctx, []int{0})
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if values, _ := zarr.Values[int16](first); !reflect.DeepEqual(values, []int16{7, -1, -1}) {
		t.Errorf("unexpected rewritten chunk %v", values)
	}
}

func TestRealWorldDatasets(t *testing.T) {
	if testing.Short() {
		t.Skip("downloads remote chunks")
	}
	tests := []struct {
		Name         string
		BaseURL      string
		Chunks       []string
		ExpectedRank int
	}{
		{
			Name:         "OME-NGFF Cell Image",
			BaseURL:      "https://uk1s3.embassy.ebi.ac.uk/idr/zarr/v0.4/idr0062A/6001240.zarr/0",
			Chunks:       []string{"0/0/0/0/0"},
			ExpectedRank: 5,
		},
		{
			Name:         "ERA5 Climate Data",
			BaseURL:      "https://storage.googleapis.com/gcp-public-data-arco-era5/ar/1959-2022-1h-240x121_eqc.zarr/temperature",
			Chunks:       []string{"0.0.0"},
			ExpectedRank: 3,
		},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			tmpDir := t.TempDir()
			downloadZarrSubset(t, tc.BaseURL, tmpDir, tc.Chunks)

			ctx := context.Background()
			store, err := zarr.OpenStore(ctx, "file://"+filepath.ToSlash(tmpDir))
			if err != nil {
				t.Fatalf("Failed to open store: %v", err)
			}
			defer store.Close()

			array, err := zarr.OpenArray(ctx, store, "")
			if zarr.IsConfigurationError(err) {
				t.Skipf("Dataset uses an unsupported feature: %v", err)
			}
			if err != nil {
				t.Fatalf("Failed to open array: %v", err)
			}

			meta := array.Metadata()
			if len(meta.Shape) != tc.ExpectedRank {
				t.Errorf("Expected rank %d, got %d", tc.ExpectedRank, len(meta.Shape))
			}

			// theoretical byte size = product(Chunks) * itemSize
			eleCount := 1
			for _, c := range meta.ChunkShape {
				eleCount *= c
			}
			expectedBytes := eleCount * meta.DataType.Size()

			for _, chunkStr := range tc.Chunks {
				// Parse chunk coordinates from string (handles both '/' and '.' separators)
				parts := strings.FieldsFunc(chunkStr, func(r rune) bool {
					return r == '/' || r == '.'
				})
				coords := make([]int, len(parts))
				for i, p := range parts {
					c, err := strconv.Atoi(p)
					if err != nil {
						t.Fatalf("Failed to parse chunk coordinate %s: %v", p, err)
					}
					coords[i] = c
				}

				chunk, err := array.ReadChunk(ctx, coords)
				if err != nil {
					t.Fatalf("Failed to read chunk %v: %v", coords, err)
				}

				if len(chunk.Data) != expectedBytes {
					t.Errorf("Expected chunk size %d bytes, got %d bytes", expectedBytes, len(chunk.Data))
				}
				for i := 0; i < chunk.NumElements() && meta.DataType == zarr.Float32; i++ {
					if v := chunk.Value(i).(float32); math.IsInf(float64(v), 0) {
						t.Fatalf("Unexpected infinity at element %d", i)
					}
				}
			}
		})
	}
}

// downloadZarrSubset downloads the .zarray metadata file and a subset of chunks
// from a remote Zarr over HTTP. This is used for integration testing.
func downloadZarrSubset(t *testing.T, baseURL string, destDir string, chunksToFetch []string) {
	t.Helper()

	// Download .zarray
	downloadFile(t, baseURL+"/.zarray", filepath.Join(destDir, ".zarray"))

	// Download specified chunks
	for _, chunk := range chunksToFetch {
		downloadFile(t, baseURL+"/"+chunk, filepath.Join(destDir, filepath.FromSlash(chunk)))
	}
}

func downloadFile(t *testing.T, url string, destPath string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Skipf("Network unavailable: failed to GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		t.Skipf("Dataset moved or chunk not found: 404 for %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		t.Skipf("Unexpected status code %d for %s", resp.StatusCode, url)
	}

	err = os.MkdirAll(filepath.Dir(destPath), 0755)
	if err != nil {
		t.Fatalf("Failed to create directories for %s: %v", destPath, err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		t.Fatalf("Failed to create file %s: %v", destPath, err)
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	if err != nil {
		t.Fatalf("Failed to write to file %s: %v", destPath, err)
	}
}
