package zarr

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// V2MetadataKey is the key of a Zarr v2 array document.
const V2MetadataKey = ".zarray"

// V2AttributesKey holds the user attributes of a Zarr v2 node.
const V2AttributesKey = ".zattrs"

// CompressorConfig represents the Zarr v2 compressor metadata.
type CompressorConfig struct {
	ID        string `json:"id"`
	Cname     string `json:"cname,omitempty"`
	Clevel    int    `json:"clevel,omitempty"`
	Shuffle   int    `json:"shuffle,omitempty"`
	Blocksize int    `json:"blocksize,omitempty"`
	Level     int    `json:"level,omitempty"`
	Checksum  bool   `json:"checksum,omitempty"`
}

// V2Metadata represents the Zarr v2 .zarray metadata.
type V2Metadata struct {
	ZarrFormat         int               `json:"zarr_format"`
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *CompressorConfig `json:"compressor"`
	FillValue          json.RawMessage   `json:"fill_value"`
	Order              string            `json:"order"`
	Filters            []json.RawMessage `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// LoadV2Metadata reads and parses a .zarray document.
func LoadV2Metadata(reader io.Reader) (*V2Metadata, error) {
	var meta V2Metadata
	if err := json.NewDecoder(reader).Decode(&meta); err != nil {
		return nil, wrapFormatError(err, "failed to decode .zarray")
	}

	if meta.ZarrFormat != 2 {
		return nil, NewFormatError("unsupported zarr_format: %d, expected 2", meta.ZarrFormat)
	}

	return &meta, nil
}

// ParseDType takes a numpy-style string like "<f4", "|b1", ">i8" and returns
// the element type and the byte order of stored chunks.
func ParseDType(s string) (DataType, Endian, error) {
	if len(s) < 3 {
		return "", "", fmt.Errorf("invalid dtype: %s", s)
	}

	endian := LittleEndian
	switch s[0] {
	case '<', '|':
	case '>':
		endian = BigEndian
	default:
		return "", "", fmt.Errorf("invalid byte order in dtype: %s", s)
	}

	if _, err := strconv.Atoi(s[2:]); err != nil {
		return "", "", fmt.Errorf("invalid size in dtype: %s", s)
	}
	dt, err := ParseDataType(s)
	if err != nil {
		return "", "", err
	}
	return dt, endian, nil
}

// ArrayMetadata converts a v2 document into the codec chain model: an F
// order becomes a reversing transpose, the dtype byte order a bytes codec and
// the compressor a bytes to bytes codec.
func (m *V2Metadata) ArrayMetadata(attributes map[string]any) (*ArrayMetadata, error) {
	dt, endian, err := ParseDType(m.DType)
	if err != nil {
		return nil, NewFormatError("%v", err)
	}
	if len(m.Filters) > 0 {
		return nil, NewConfigurationError("zarr v2 filters are not supported")
	}

	fill := make([]byte, dt.Size())
	if len(m.FillValue) > 0 && string(m.FillValue) != "null" {
		if fill, err = decodeFillValue(dt, m.FillValue); err != nil {
			return nil, wrapFormatError(err, "fill_value")
		}
	}

	var codecs []Codec
	switch m.Order {
	case "", "C":
	case "F":
		order := make([]int, len(m.Shape))
		for i := range order {
			order[i] = len(order) - 1 - i
		}
		codecs = append(codecs, TransposeCodec{Order: order})
	default:
		return nil, NewFormatError("unsupported order %q", m.Order)
	}
	codecs = append(codecs, BytesCodec{Endian: endian})

	if c := m.Compressor; c != nil {
		switch c.ID {
		case "blosc":
			shuffle := map[int]string{0: NoShuffle, 1: Shuffle, 2: BitShuffle}[c.Shuffle]
			codecs = append(codecs, BloscCodec{Cname: c.Cname, Clevel: Level(c.Clevel), Shuffle: shuffle, Blocksize: c.Blocksize})
		case "gzip":
			codecs = append(codecs, GzipCodec{Level: Level(c.Level)})
		case "zlib":
			codecs = append(codecs, zlibCodec{level: c.Level})
		case "zstd":
			codecs = append(codecs, ZstdCodec{Level: Level(c.Level), Checksum: c.Checksum})
		default:
			return nil, NewConfigurationError("unsupported compressor: %s", c.ID)
		}
	}

	sep := m.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	meta := &ArrayMetadata{
		ZarrFormat:       2,
		Shape:            m.Shape,
		ChunkShape:       m.Chunks,
		DataType:         dt,
		FillValue:        fill,
		Codecs:           codecs,
		ChunkKeyEncoding: ChunkKeyEncoding{Name: KeyEncodingV2, Separator: sep},
		Attributes:       attributes,
		v2:               m,
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return meta, nil
}
