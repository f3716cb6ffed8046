// Package capture reads and writes recorded traces as JSON.
//
// A capture file holds the provider manifests needed to describe its events
// and the raw records themselves, so a trace taken on one machine can be
// decoded anywhere:
//
//	f, err := capture.Load("trace.json")
//	md, err := f.Metadata()
//	session := etw.NewSession(etw.NewSchemaResolver(md, nil), etw.NewDecoder(md))
//	records, err := session.Run(ctx, f.Source(), key, 100)
package capture

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tekert/etwlens/etw"
)

// File is the top-level capture document.
type File struct {
	Manifests []Provider `json:"manifests"`
	Records   []Record   `json:"records"`
}

// Provider describes the events and maps of one provider.
type Provider struct {
	Provider etw.GUID `json:"provider"`
	Name     string   `json:"name"`
	Message  string   `json:"message,omitempty"`
	Maps     []Map    `json:"maps,omitempty"`
	Events   []Event  `json:"events"`
}

type Map struct {
	Name    string     `json:"name"`
	Bitmap  bool       `json:"bitmap,omitempty"`
	Entries []MapEntry `json:"entries"`
}

type MapEntry struct {
	Value uint32 `json:"value"`
	Name  string `json:"name"`
}

// Event describes one (id, version). Name fields hold the display strings;
// the matching *Value fields hold the numeric descriptor values.
type Event struct {
	ID      uint16 `json:"id"`
	Version uint8  `json:"version"`

	Name     string `json:"name,omitempty"`
	Task     string `json:"task,omitempty"`
	Opcode   string `json:"opcode,omitempty"`
	Level    string `json:"level,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Keywords string `json:"keywords,omitempty"`
	Message  string `json:"message,omitempty"`
	Source   string `json:"source,omitempty"` // xml (default), wbem, wpp, tlg

	TaskValue    uint16 `json:"taskValue,omitempty"`
	OpcodeValue  uint8  `json:"opcodeValue,omitempty"`
	LevelValue   uint8  `json:"levelValue,omitempty"`
	ChannelValue uint8  `json:"channelValue,omitempty"`
	KeywordValue uint64 `json:"keywordValue,omitempty"`

	Properties []Property `json:"properties"`
}

// Property describes one property. In and Out take the TDH type names, with
// or without their TDH_INTYPE_/TDH_OUTTYPE_ prefix.
type Property struct {
	Name        string     `json:"name"`
	In          string     `json:"in,omitempty"`
	Out         string     `json:"out,omitempty"`
	Length      uint16     `json:"length,omitempty"`
	LengthRef   string     `json:"lengthRef,omitempty"`
	FixedLength bool       `json:"fixedLength,omitempty"`
	Count       uint16     `json:"count,omitempty"`
	CountRef    string     `json:"countRef,omitempty"`
	FixedCount  bool       `json:"fixedCount,omitempty"`
	Map         string     `json:"map,omitempty"`
	Members     []Property `json:"members,omitempty"`
}

// Record is one raw event. Data is the user payload, base64 encoded in JSON.
type Record struct {
	Provider  etw.GUID `json:"provider"`
	ID        uint16   `json:"id"`
	Version   uint8    `json:"version"`
	Opcode    uint8    `json:"opcode,omitempty"`
	Level     uint8    `json:"level,omitempty"`
	Flags     uint16   `json:"flags,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Data      []byte   `json:"data"`
}

// Load reads a capture file from disk.
func Load(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	f, err := Decode(fd)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", path, err)
	}
	return f, nil
}

// Decode reads one capture document from r. Unknown fields are rejected so
// typos in hand-written captures surface early.
func Decode(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode writes f to w as indented JSON.
func (f *File) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

// Metadata builds a MetadataProvider from the capture manifests.
func (f *File) Metadata() (*etw.Manifest, error) {
	pms := make([]*etw.ProviderManifest, 0, len(f.Manifests))
	for i := range f.Manifests {
		pm, err := f.Manifests[i].manifest()
		if err != nil {
			return nil, err
		}
		pms = append(pms, pm)
	}
	return etw.NewManifest(pms...)
}

// RawRecords converts the capture records. The payloads are shared, not
// copied.
func (f *File) RawRecords() []*etw.RawRecord {
	out := make([]*etw.RawRecord, len(f.Records))
	for i := range f.Records {
		r := &f.Records[i]
		out[i] = &etw.RawRecord{
			Provider:  r.Provider,
			ID:        r.ID,
			Version:   r.Version,
			Opcode:    r.Opcode,
			Level:     r.Level,
			Flags:     r.Flags,
			Timestamp: r.Timestamp,
			UserData:  r.Data,
		}
	}
	return out
}

// Append adds rec to the capture.
func (f *File) Append(rec *etw.RawRecord) {
	f.Records = append(f.Records, Record{
		Provider:  rec.Provider,
		ID:        rec.ID,
		Version:   rec.Version,
		Opcode:    rec.Opcode,
		Level:     rec.Level,
		Flags:     rec.Flags,
		Timestamp: rec.Timestamp,
		Data:      rec.UserData,
	})
}

func (p *Provider) manifest() (*etw.ProviderManifest, error) {
	pm := &etw.ProviderManifest{
		Provider: p.Provider,
		Name:     p.Name,
		Message:  p.Message,
		Events:   make([]etw.EventDef, 0, len(p.Events)),
		Maps:     make([]etw.MapDef, 0, len(p.Maps)),
	}
	for _, m := range p.Maps {
		md := etw.MapDef{Name: m.Name, Bitmap: m.Bitmap}
		for _, e := range m.Entries {
			md.Entries = append(md.Entries, etw.MapEntry{Value: e.Value, Name: e.Name})
		}
		pm.Maps = append(pm.Maps, md)
	}
	for i := range p.Events {
		ev := &p.Events[i]
		def, err := ev.def()
		if err != nil {
			return nil, fmt.Errorf("provider %s event %d version %d: %w", p.Name, ev.ID, ev.Version, err)
		}
		pm.Events = append(pm.Events, def)
	}
	return pm, nil
}

func (e *Event) def() (etw.EventDef, error) {
	src, err := parseSource(e.Source)
	if err != nil {
		return etw.EventDef{}, err
	}
	props, err := propertyDefs(e.Properties)
	if err != nil {
		return etw.EventDef{}, err
	}
	return etw.EventDef{
		ID:           e.ID,
		Version:      e.Version,
		Channel:      e.ChannelValue,
		Level:        e.LevelValue,
		Opcode:       e.OpcodeValue,
		Task:         e.TaskValue,
		Keyword:      e.KeywordValue,
		ChannelName:  e.Channel,
		LevelName:    e.Level,
		KeywordsName: e.Keywords,
		TaskName:     e.Task,
		OpcodeName:   e.Opcode,
		EventName:    e.Name,
		Message:      e.Message,
		Source:       src,
		Properties:   props,
	}, nil
}

func propertyDefs(props []Property) ([]etw.PropertyDef, error) {
	out := make([]etw.PropertyDef, 0, len(props))
	for i := range props {
		p := &props[i]
		d := etw.PropertyDef{
			Name:        p.Name,
			MapName:     p.Map,
			Length:      p.Length,
			LengthFrom:  p.LengthRef,
			FixedLength: p.FixedLength,
			Count:       p.Count,
			CountFrom:   p.CountRef,
			FixedCount:  p.FixedCount,
		}
		if len(p.Members) > 0 {
			members, err := propertyDefs(p.Members)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Name, err)
			}
			d.Members = members
		} else {
			in, err := etw.ParseInType(p.In)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", p.Name, err)
			}
			outType, err := etw.ParseOutType(p.Out)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", p.Name, err)
			}
			d.InType, d.OutType = in, outType
		}
		out = append(out, d)
	}
	return out, nil
}

func parseSource(s string) (etw.DecodingSource, error) {
	switch strings.ToLower(s) {
	case "", "xml", "xmlfile":
		return etw.DecodingSourceXMLFile, nil
	case "wbem", "mof":
		return etw.DecodingSourceWbem, nil
	case "wpp":
		return etw.DecodingSourceWPP, nil
	case "tlg", "tracelogging":
		return etw.DecodingSourceTlg, nil
	}
	return 0, fmt.Errorf("unknown decoding source %q", s)
}
