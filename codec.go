package zarr

import (
	"bytes"
	"encoding/json"
)

// Codec is one step of a codec chain. The implementations are the value
// types in this package; a chain dispatches on the concrete type.
type Codec interface {
	// Name is the codec identifier written to zarr.json.
	Name() string
	configuration() map[string]any
}

// Codec names as they appear in metadata documents.
const (
	codecBytes     = "bytes"
	codecTranspose = "transpose"
	codecBlosc     = "blosc"
	codecGzip      = "gzip"
	codecZstd      = "zstd"
	codecCrc32c    = "crc32c"
	codecSharding  = "sharding_indexed"
)

// ChunkSpec describes the array that enters a codec.
type ChunkSpec struct {
	Shape     []int
	DataType  DataType
	FillValue []byte
}

func (s ChunkSpec) numBytes() int {
	return numElements(s.Shape) * s.DataType.Size()
}

// namedConfig is the {name, configuration} pair used for codecs, chunk
// grids and chunk key encodings.
type namedConfig struct {
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// codecDocument renders c as its {name, configuration} metadata entry.
func codecDocument(c Codec) map[string]any {
	doc := map[string]any{"name": c.Name()}
	if cfg := c.configuration(); cfg != nil {
		doc["configuration"] = cfg
	}
	return doc
}

func codecDocuments(codecs []Codec) []map[string]any {
	out := make([]map[string]any, len(codecs))
	for i, c := range codecs {
		out[i] = codecDocument(c)
	}
	return out
}

// ParseCodecs decodes a JSON list of codec entries in the zarr.json form,
// e.g. [{"name": "bytes"}, {"name": "zstd", "configuration": {"level": 3}}].
func ParseCodecs(data []byte) ([]Codec, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, wrapFormatError(err, "malformed codec list")
	}
	return parseCodecs(raw)
}

func parseCodecs(raw []json.RawMessage) ([]Codec, error) {
	codecs := make([]Codec, len(raw))
	for i, r := range raw {
		c, err := parseCodec(r)
		if err != nil {
			return nil, err
		}
		codecs[i] = c
	}
	return codecs, nil
}

// parseCodec decodes one codec entry. Members a codec does not know about
// are rejected, missing members take their defaults.
func parseCodec(raw json.RawMessage) (Codec, error) {
	var nc namedConfig
	if err := json.Unmarshal(raw, &nc); err != nil {
		return nil, wrapFormatError(err, "malformed codec entry")
	}
	cfg := nc.Configuration
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		cfg = json.RawMessage("{}")
	}

	var (
		c   Codec
		err error
	)
	switch nc.Name {
	case codecBytes:
		c, err = parseBytesCodec(cfg)
	case codecTranspose:
		c, err = parseTransposeCodec(cfg)
	case codecBlosc:
		c, err = parseBloscCodec(cfg)
	case codecGzip:
		c, err = parseGzipCodec(cfg)
	case codecZstd:
		c, err = parseZstdCodec(cfg)
	case codecCrc32c:
		err = strictUnmarshal(cfg, &struct{}{})
		c = Crc32cCodec{}
	case codecSharding:
		c, err = parseShardingCodec(cfg)
	default:
		return nil, NewFormatError("unknown codec %q", nc.Name)
	}
	if err != nil {
		return nil, wrapFormatError(err, "codec %s", nc.Name)
	}
	return c, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Endian is the byte order used by the bytes codec.
type Endian string

const (
	LittleEndian Endian = "little"
	BigEndian    Endian = "big"
)
