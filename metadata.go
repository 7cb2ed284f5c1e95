package zarr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// MetadataKey is the key of the metadata document below an array or group path.
const MetadataKey = "zarr.json"

// Node types of a metadata document.
const (
	NodeTypeArray = "array"
	NodeTypeGroup = "group"
)

// ArrayMetadata describes one array. It is immutable once built; the codec
// list always holds resolved codecs so that equal parameters compare equal
// however they were spelled.
type ArrayMetadata struct {
	ZarrFormat       int
	Shape            []int
	ChunkShape       []int
	DataType         DataType
	FillValue        []byte
	Codecs           []Codec
	ChunkKeyEncoding ChunkKeyEncoding
	Attributes       map[string]any
	DimensionNames   []string

	chain *CodecChain
	v2    *V2Metadata
}

// MetadataOption configures optional ArrayMetadata fields.
type MetadataOption func(*ArrayMetadata)

// WithChunkKeyEncoding sets how chunk coordinates map to keys.
func WithChunkKeyEncoding(e ChunkKeyEncoding) MetadataOption {
	return func(m *ArrayMetadata) {
		m.ChunkKeyEncoding = e
	}
}

// WithDimensionNames names the array axes.
func WithDimensionNames(names ...string) MetadataOption {
	return func(m *ArrayMetadata) {
		m.DimensionNames = slices.Clone(names)
	}
}

// NewArrayMetadata builds and validates metadata for a Zarr v3 array.
// fillValue may be nil (zero), a Go number or bool, or one of the strings
// "NaN", "Infinity", "-Infinity" or a "0x" raw bit pattern. Nil codecs
// default to a little endian bytes codec.
func NewArrayMetadata(shape, chunkShape []int, dt DataType, fillValue any, codecs []Codec, attributes map[string]any, opts ...MetadataOption) (*ArrayMetadata, error) {
	if !dt.Valid() {
		return nil, NewConfigurationError("unknown data type %q", dt)
	}
	fill, err := encodeFillValue(dt, fillValue)
	if err != nil {
		return nil, NewConfigurationError("%s", err.Error())
	}
	m := &ArrayMetadata{
		ZarrFormat:       3,
		Shape:            slices.Clone(shape),
		ChunkShape:       slices.Clone(chunkShape),
		DataType:         dt,
		FillValue:        fill,
		Codecs:           codecs,
		ChunkKeyEncoding: DefaultChunkKeyEncoding,
		Attributes:       attributes,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// validate checks the fields and resolves the codec chain.
func (m *ArrayMetadata) validate() error {
	if len(m.ChunkShape) != len(m.Shape) {
		return NewConfigurationError("chunk shape %v has rank %d, array shape %v has rank %d",
			m.ChunkShape, len(m.ChunkShape), m.Shape, len(m.Shape))
	}
	for i := range m.Shape {
		if m.Shape[i] < 0 {
			return NewConfigurationError("shape %v has a negative dimension", m.Shape)
		}
		if m.ChunkShape[i] <= 0 {
			return NewConfigurationError("chunk shape %v has a dimension below 1", m.ChunkShape)
		}
	}
	if err := m.ChunkKeyEncoding.validate(); err != nil {
		return err
	}
	if m.DimensionNames != nil && len(m.DimensionNames) != len(m.Shape) {
		return NewConfigurationError("%d dimension names for rank %d", len(m.DimensionNames), len(m.Shape))
	}
	if m.Attributes == nil {
		m.Attributes = map[string]any{}
	}
	codecs := m.Codecs
	if codecs == nil {
		codecs = []Codec{BytesCodec{Endian: LittleEndian}}
	}
	chain, err := NewCodecChain(codecs, ChunkSpec{Shape: m.ChunkShape, DataType: m.DataType, FillValue: m.FillValue})
	if err != nil {
		return err
	}
	m.chain = chain
	m.Codecs = chain.Codecs()
	return nil
}

// Chain returns the codec chain every chunk of the array is encoded with.
func (m *ArrayMetadata) Chain() *CodecChain {
	return m.chain
}

// FillValueAny returns the fill value as a Go value of the array's kind.
func (m *ArrayMetadata) FillValueAny() any {
	return decodeElement(m.DataType, m.FillValue)
}

// ChunkKey returns the store key of a chunk relative to the array path.
func (m *ArrayMetadata) ChunkKey(coords []int) string {
	return m.ChunkKeyEncoding.EncodeKey(coords)
}

// GridShape returns the number of chunks along each dimension.
func (m *ArrayMetadata) GridShape() []int {
	return GridShape(m.Shape, m.ChunkShape)
}

// Equal reports whether m and other describe the same array: every field,
// including every resolved codec parameter, must match.
func (m *ArrayMetadata) Equal(other *ArrayMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.ZarrFormat != other.ZarrFormat ||
		m.DataType != other.DataType ||
		m.ChunkKeyEncoding != other.ChunkKeyEncoding ||
		!slices.Equal(m.Shape, other.Shape) ||
		!slices.Equal(m.ChunkShape, other.ChunkShape) ||
		!bytes.Equal(m.FillValue, other.FillValue) ||
		!slices.Equal(m.DimensionNames, other.DimensionNames) ||
		!reflect.DeepEqual(m.Codecs, other.Codecs) {
		return false
	}
	a, errA := json.Marshal(m.Attributes)
	b, errB := json.Marshal(other.Attributes)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// arrayDocument is the zarr.json layout of an array.
type arrayDocument struct {
	ZarrFormat          int              `json:"zarr_format"`
	NodeType            string           `json:"node_type"`
	Shape               []int            `json:"shape"`
	DataType            DataType         `json:"data_type"`
	ChunkGrid           any              `json:"chunk_grid"`
	ChunkKeyEncoding    any              `json:"chunk_key_encoding"`
	FillValue           any              `json:"fill_value"`
	Codecs              []map[string]any `json:"codecs"`
	Attributes          map[string]any   `json:"attributes"`
	DimensionNames      []*string        `json:"dimension_names,omitempty"`
	StorageTransformers []any            `json:"storage_transformers,omitempty"`
}

// MarshalJSON renders the metadata document. Arrays opened from Zarr v2
// metadata render as .zarray documents.
func (m *ArrayMetadata) MarshalJSON() ([]byte, error) {
	if m.v2 != nil {
		return json.Marshal(m.v2)
	}
	doc := arrayDocument{
		ZarrFormat: 3,
		NodeType:   NodeTypeArray,
		Shape:      m.Shape,
		DataType:   m.DataType,
		ChunkGrid: map[string]any{
			"name":          "regular",
			"configuration": map[string]any{"chunk_shape": m.ChunkShape},
		},
		ChunkKeyEncoding: map[string]any{
			"name":          m.ChunkKeyEncoding.Name,
			"configuration": map[string]any{"separator": m.ChunkKeyEncoding.Separator},
		},
		FillValue:  fillValueJSON(m.DataType, m.FillValue),
		Codecs:     codecDocuments(m.Codecs),
		Attributes: m.Attributes,
	}
	if doc.Attributes == nil {
		doc.Attributes = map[string]any{}
	}
	if m.DimensionNames != nil {
		doc.DimensionNames = make([]*string, len(m.DimensionNames))
		for i := range m.DimensionNames {
			if m.DimensionNames[i] != "" {
				doc.DimensionNames[i] = &m.DimensionNames[i]
			}
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

var knownArrayFields = map[string]bool{
	"zarr_format": true, "node_type": true, "shape": true, "data_type": true,
	"chunk_grid": true, "chunk_key_encoding": true, "fill_value": true,
	"codecs": true, "attributes": true, "dimension_names": true,
	"storage_transformers": true,
}

// ParseArrayMetadata decodes a zarr.json array document.
func ParseArrayMetadata(data []byte) (*ArrayMetadata, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, wrapFormatError(err, "malformed metadata document")
	}
	if err := checkExtensionFields(fields, knownArrayFields); err != nil {
		return nil, err
	}

	var doc struct {
		ZarrFormat          int               `json:"zarr_format"`
		NodeType            string            `json:"node_type"`
		Shape               []int             `json:"shape"`
		DataType            string            `json:"data_type"`
		ChunkGrid           *namedConfig      `json:"chunk_grid"`
		ChunkKeyEncoding    *namedConfig      `json:"chunk_key_encoding"`
		FillValue           json.RawMessage   `json:"fill_value"`
		Codecs              []json.RawMessage `json:"codecs"`
		Attributes          map[string]any    `json:"attributes"`
		DimensionNames      []*string         `json:"dimension_names"`
		StorageTransformers []json.RawMessage `json:"storage_transformers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, wrapFormatError(err, "malformed metadata document")
	}
	if doc.ZarrFormat != 3 {
		return nil, NewFormatError("unsupported zarr_format %d, expected 3", doc.ZarrFormat)
	}
	if doc.NodeType != NodeTypeArray {
		return nil, NewFormatError("node_type is %q, expected %q", doc.NodeType, NodeTypeArray)
	}
	if doc.Shape == nil {
		return nil, NewFormatError("missing shape")
	}
	dt := DataType(doc.DataType)
	if !dt.Valid() {
		return nil, NewFormatError("unsupported data_type %q", doc.DataType)
	}
	if len(doc.StorageTransformers) > 0 {
		return nil, NewFormatError("storage transformers are not supported")
	}

	chunkShape, err := parseChunkGrid(doc.ChunkGrid)
	if err != nil {
		return nil, err
	}
	keyEncoding, err := parseChunkKeyEncoding(doc.ChunkKeyEncoding)
	if err != nil {
		return nil, err
	}
	fill, err := decodeFillValue(dt, doc.FillValue)
	if err != nil {
		return nil, wrapFormatError(err, "fill_value")
	}
	var codecs []Codec
	if doc.Codecs != nil {
		if codecs, err = parseCodecs(doc.Codecs); err != nil {
			return nil, err
		}
	}
	var names []string
	if doc.DimensionNames != nil {
		names = make([]string, len(doc.DimensionNames))
		for i, n := range doc.DimensionNames {
			if n != nil {
				names[i] = *n
			}
		}
	}

	m := &ArrayMetadata{
		ZarrFormat:       3,
		Shape:            doc.Shape,
		ChunkShape:       chunkShape,
		DataType:         dt,
		FillValue:        fill,
		Codecs:           codecs,
		ChunkKeyEncoding: keyEncoding,
		Attributes:       doc.Attributes,
		DimensionNames:   names,
	}
	if err := m.validate(); err != nil {
		return nil, NewFormatError("invalid array metadata: %v", err)
	}
	return m, nil
}

// checkExtensionFields rejects unknown top level members unless they are
// objects declaring "must_understand": false.
func checkExtensionFields(fields map[string]json.RawMessage, known map[string]bool) error {
	for name, raw := range fields {
		if known[name] {
			continue
		}
		var ext struct {
			MustUnderstand *bool `json:"must_understand"`
		}
		if err := json.Unmarshal(raw, &ext); err != nil || ext.MustUnderstand == nil || *ext.MustUnderstand {
			return NewFormatError("unknown metadata field %q", name)
		}
	}
	return nil
}

func parseChunkGrid(nc *namedConfig) ([]int, error) {
	if nc == nil {
		return nil, NewFormatError("missing chunk_grid")
	}
	if nc.Name != "regular" {
		return nil, NewFormatError("unsupported chunk grid %q", nc.Name)
	}
	var cfg struct {
		ChunkShape []int `json:"chunk_shape"`
	}
	if err := strictUnmarshal(nc.Configuration, &cfg); err != nil {
		return nil, wrapFormatError(err, "chunk_grid configuration")
	}
	if cfg.ChunkShape == nil {
		return nil, NewFormatError("chunk_grid is missing chunk_shape")
	}
	return cfg.ChunkShape, nil
}

func parseChunkKeyEncoding(nc *namedConfig) (ChunkKeyEncoding, error) {
	if nc == nil {
		return DefaultChunkKeyEncoding, nil
	}
	e := ChunkKeyEncoding{Name: nc.Name}
	switch nc.Name {
	case KeyEncodingDefault:
		e.Separator = "/"
	case KeyEncodingV2:
		e.Separator = "."
	default:
		return e, NewFormatError("unsupported chunk key encoding %q", nc.Name)
	}
	if len(nc.Configuration) > 0 {
		var cfg struct {
			Separator *string `json:"separator"`
		}
		if err := strictUnmarshal(nc.Configuration, &cfg); err != nil {
			return e, wrapFormatError(err, "chunk_key_encoding configuration")
		}
		if cfg.Separator != nil {
			e.Separator = *cfg.Separator
		}
	}
	if err := e.validate(); err != nil {
		return e, NewFormatError("%v", err)
	}
	return e, nil
}

func (m *ArrayMetadata) String() string {
	return fmt.Sprintf("%s%v chunks %v", m.DataType, m.Shape, m.ChunkShape)
}
