package etw

import (
	"errors"
	"strconv"
)

// PropertyValue is one decoded (name, value) pair.
type PropertyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const (
	nonameProperty      = "(noname)"
	writeStringProperty = "WriteString"
	structPlaceholder   = "Struct"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithNestedDecoding makes the decoder expand arrays as "[v1, v2]" and
// structs as "{Name: v}" instead of emitting placeholders. Expanded values
// advance the cursor.
func WithNestedDecoding(enabled bool) DecoderOption {
	return func(d *Decoder) { d.nested = enabled }
}

// WithMetrics counts decoded records and property failures.
func WithMetrics(m *Metrics) DecoderOption {
	return func(d *Decoder) { d.metrics = m }
}

// Decoder walks the properties of a record in schema order and formats each
// value. It keeps per-record state and scratch buffers, so one Decoder must
// not be used by more than one goroutine at a time.
type Decoder struct {
	md      MetadataProvider
	nested  bool
	metrics *Metrics

	// Per-record state.
	rec  *RawRecord
	data []byte
	pos  int
	// ints holds the value of every scalar integer property seen so far,
	// clamped to 16 bits, for later length and count references.
	ints []uint16

	maps   map[mapKey]*EventMap // nil entries memoise missing maps
	mapBuf []byte
	buf    []byte
}

func NewDecoder(md MetadataProvider, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		md:   md,
		maps: make(map[mapKey]*EventMap),
		buf:  make([]byte, 0, 256),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode formats the properties of rec described by s. s may be nil for
// string-only records. Per-property failures are reported in place as
// "[ERROR:<reason>]" values and never abort the record.
func (d *Decoder) Decode(s *EventSchema, rec *RawRecord) []PropertyValue {
	if rec.IsTraceMessage() {
		return nil
	}
	var props []PropertyValue
	if s != nil && !rec.IsStringOnly() {
		d.reset(rec, len(s.Properties))
		props = d.decodeRange(s, 0, s.TopLevelCount, make([]PropertyValue, 0, s.TopLevelCount))
		d.rec, d.data = nil, nil
	}
	if rec.IsStringOnly() {
		props = append(props, PropertyValue{Name: writeStringProperty, Value: rec.payloadString()})
	}
	d.metrics.recordDecoded()
	return props
}

func (d *Decoder) reset(rec *RawRecord, propCount int) {
	d.rec = rec
	d.data = rec.UserData
	d.pos = 0
	if cap(d.ints) < propCount {
		d.ints = make([]uint16, propCount)
	} else {
		d.ints = d.ints[:propCount]
		clear(d.ints)
	}
}

func (d *Decoder) remaining() []byte {
	assert(d.pos <= len(d.data), "cursor %d past end of %d byte payload", d.pos, len(d.data))
	return d.data[d.pos:]
}

// saturate16 clamps v to the range of a length or count.
func saturate16(v uint32) uint16 {
	return uint16(min(v, 0xffff))
}

// captureInteger remembers the value of a scalar integer property at the
// cursor in case a later property takes its length or count from it.
func (d *Decoder) captureInteger(i int, p *PropertyDescriptor) {
	if p.Flags&(PropertyStruct|PropertyParamCount) != 0 || p.Count != 1 {
		return
	}
	// A short payload must not leave an earlier element's value behind.
	d.ints[i] = 0
	v := d.remaining()
	switch p.InType {
	case TDH_INTYPE_INT8, TDH_INTYPE_UINT8:
		if len(v) >= 1 {
			d.ints[i] = uint16(v[0])
		}
	case TDH_INTYPE_INT16, TDH_INTYPE_UINT16:
		if len(v) >= 2 {
			d.ints[i] = uint16(readUint(v[:2]))
		}
	case TDH_INTYPE_INT32, TDH_INTYPE_UINT32, TDH_INTYPE_HEXINT32:
		if len(v) >= 4 {
			d.ints[i] = saturate16(uint32(readUint(v[:4])))
		}
	}
}

// propertyLength resolves the length of p, including the IPv6 address
// declared as a zero-length binary.
func (d *Decoder) propertyLength(p *PropertyDescriptor) uint16 {
	switch {
	case p.OutType == TDH_OUTTYPE_IPV6 && p.InType == TDH_INTYPE_BINARY && p.Length == 0 &&
		p.Flags&(PropertyParamLength|PropertyParamFixedLength) == 0:
		return 16
	case p.HasLengthRef():
		return d.ints[p.Length]
	}
	return p.Length
}

func (d *Decoder) propertyCount(p *PropertyDescriptor) uint16 {
	if p.HasCountRef() {
		return d.ints[p.Count]
	}
	return p.Count
}

func (d *Decoder) decodeRange(s *EventSchema, begin, end int, out []PropertyValue) []PropertyValue {
	for i := begin; i < end; i++ {
		p := &s.Properties[i]
		d.captureInteger(i, p)

		name := p.Name
		if name == "" {
			name = nonameProperty
		}
		value, err := d.decodeProperty(s, p)
		if err != nil {
			d.metrics.propertyError(err)
			declog.SampledWarnWithErrSig("property", &PropertyError{Name: name, Index: i, Err: err}).
				Str("event", s.Key.String()).
				Msg("property decode failed")
			value = "[ERROR:" + err.Error() + "]"
		}
		out = append(out, PropertyValue{Name: name, Value: value})
	}
	return out
}

func (d *Decoder) decodeProperty(s *EventSchema, p *PropertyDescriptor) (string, error) {
	length := d.propertyLength(p)
	count := d.propertyCount(p)
	isArray := count != 1 || p.Flags&(PropertyParamCount|PropertyParamFixedCount) != 0

	if !d.nested {
		switch {
		case isArray:
			return "Array[" + strconv.Itoa(int(count)) + "]", nil
		case p.IsStruct():
			return structPlaceholder, nil
		}
		return d.formatScalar(p, length)
	}

	if !isArray {
		if p.IsStruct() {
			return d.decodeStruct(s, p), nil
		}
		return d.formatScalar(p, length)
	}

	start := d.pos
	b := append([]byte(nil), '[')
	for j := range int(count) {
		if j > 0 {
			b = append(b, ", "...)
		}
		at := d.pos
		if p.IsStruct() {
			b = append(b, d.decodeStruct(s, p)...)
		} else {
			v, err := d.formatScalar(p, length)
			if err != nil {
				d.pos = start
				return "", err
			}
			b = append(b, v...)
		}
		// A zero-width element would repeat unchanged for the rest of the count.
		if d.pos == at && j+1 < int(count) {
			b = append(b, ", ..."...)
			break
		}
	}
	return string(append(b, ']')), nil
}

// decodeStruct renders the members of p as "{Name: v, ...}". Member
// failures are embedded the same way as top-level ones.
func (d *Decoder) decodeStruct(s *EventSchema, p *PropertyDescriptor) string {
	first := int(p.StructStart)
	members := d.decodeRange(s, first, first+int(p.StructCount), nil)
	b := append([]byte(nil), '{')
	for j, m := range members {
		if j > 0 {
			b = append(b, ", "...)
		}
		b = append(b, m.Name...)
		b = append(b, ": "...)
		b = append(b, m.Value...)
	}
	return string(append(b, '}'))
}

// formatScalar formats one element at the cursor and advances past it.
func (d *Decoder) formatScalar(p *PropertyDescriptor, length uint16) (string, error) {
	if length == 0 {
		if p.InType == TDH_INTYPE_NULL {
			return "", nil
		}
		if p.Flags&(PropertyParamLength|PropertyParamFixedLength) != 0 && isStringInType(p.InType) {
			return "", nil
		}
	}

	outType := p.OutType
	if outType == TDH_OUTTYPE_NOPRINT {
		outType = TDH_OUTTYPE_NULL
	}
	a := formatArgs{
		inType:      p.InType,
		outType:     outType,
		flags:       p.Flags,
		length:      length,
		pointerSize: d.rec.PointerSize(),
		data:        d.remaining(),
	}
	if p.MapName != "" && isMappableInType(p.InType) {
		a.eventMap = d.lookupMap(p.MapName)
	}

	out, n, err := formatProperty(d.buf[:0], &a)
	if err != nil && a.eventMap != nil && errors.Is(err, ErrMapLookupMiss) {
		d.metrics.mapMiss()
		a.eventMap = nil
		out, n, err = formatProperty(d.buf[:0], &a)
	}
	if err != nil {
		return "", err
	}
	d.buf = out
	d.pos += n
	return string(out), nil
}

// lookupMap returns the map named name for the current provider, fetching
// and parsing it on first use. A missing map yields nil and is remembered;
// other failures also yield nil but are retried on the next lookup.
func (d *Decoder) lookupMap(name string) *EventMap {
	key := mapKey{provider: d.rec.Provider, name: name}
	if m, ok := d.maps[key]; ok {
		return m
	}
	if d.mapBuf == nil {
		d.mapBuf = make([]byte, eventMapInfoHeaderSize+16*eventMapEntrySize)
	}

	var m *EventMap
	n, err := fetchBlob(&d.mapBuf, func(buf []byte) (int, error) {
		return d.md.EventMapInformation(d.rec, name, buf)
	})
	if err == nil {
		m, err = parseEventMapInfo(d.mapBuf[:n])
	}
	switch {
	case err == nil, errors.Is(err, ErrMapNotFound):
		d.maps[key] = m
	default:
		// Not remembered, the next record asks again.
		declog.SampledWarnWithErrSig("map", err).
			Str("provider", d.rec.Provider.String()).
			Str("map", name).
			Msg("event map unavailable")
	}
	return m
}
