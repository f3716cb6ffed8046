package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	plog "github.com/phuslu/log"

	"github.com/tekert/etwlens/capture"
	"github.com/tekert/etwlens/etw"
	"github.com/tekert/etwlens/internal/test"
)

const processCapture = "../../capture/testdata/process.json"

func TestLoadConfig(t *testing.T) {
	tt := test.FromT(t)
	cfg, err := loadConfig("testdata/etwlens.toml")
	tt.CheckErr(err)
	tt.Assert(cfg.Log.Level == "warn")
	tt.Assert(cfg.Log.Components["decoder"] == "error")
	tt.Assert(cfg.Decoder.Nested)
	tt.Assert(cfg.Decoder.MaxMatches == 5)
	tt.Assert(cfg.Decoder.PollInterval.Duration == 10*time.Millisecond)

	cfg, err = loadConfig("")
	tt.CheckErr(err)
	tt.Assert(cfg.Decoder.MaxMatches == etw.DefaultMaxMatches)
	tt.Assert(cfg.Decoder.PollInterval.Duration > 0)
}

func TestLoadConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"UnknownKey", "[decoder]\nmax_match = 3\n"},
		{"BadDuration", "[decoder]\npoll_interval = \"soon\"\n"},
		{"ZeroMatches", "[decoder]\nmax_matches = 0\n"},
		{"BadLevel", "[log]\nlevel = \"loud\"\n"},
		{"UnknownLogger", "[log.components]\nparser = \"debug\"\n"},
		{"Syntax", "[decoder\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.toml")
			if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := loadConfig(path); err == nil {
				t.Fatal("expected a config error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tt := test.FromT(t)
	for _, s := range []string{"trace", "DEBUG", "info", "Warning", "error", "off", ""} {
		_, err := parseLevel(s)
		tt.CheckErr(err)
	}
	_, err := parseLevel("verbose")
	tt.Assert(err != nil)
}

func TestLogLevels(t *testing.T) {
	tt := test.FromT(t)
	cfg, err := loadConfig("")
	tt.CheckErr(err)
	tt.Assert(len(cfg.logLevels()) == 0, "an unset level keeps every component default")

	cfg.Log.Components = map[string]string{"worker": "debug"}
	levels := cfg.logLevels()
	_, ok := levels[etw.DecoderLogger]
	tt.Assert(!ok, "decoder level must not change unless configured")
	tt.Assert(levels[etw.WorkerLogger] == plog.DebugLevel)

	cfg.Log.Level = "error"
	levels = cfg.logLevels()
	tt.Assert(levels[etw.DecoderLogger] == plog.ErrorLevel)
	tt.Assert(levels[etw.SessionLogger] == plog.ErrorLevel)
	tt.Assert(levels[etw.WorkerLogger] == plog.DebugLevel, "components override the global level")
}

func TestApplyLoggingKeepsDecoderDefault(t *testing.T) {
	tt := test.FromT(t)
	decoder := etw.GetLogManager().Logger(etw.DecoderLogger)
	saved := decoder.Level
	t.Cleanup(func() { decoder.SetLevel(saved) })
	decoder.SetLevel(plog.WarnLevel)

	cfg, err := loadConfig("")
	tt.CheckErr(err)
	cfg.applyLogging()
	tt.Assert(decoder.Level == plog.WarnLevel, "decoder level changed to ", decoder.Level)
}

// failFirstOpen fails the first Open and delegates the rest.
type failFirstOpen struct {
	etw.SourceOpener
	opened int
}

func (o *failFirstOpen) Open(ctx context.Context) (etw.RecordSource, error) {
	o.opened++
	if o.opened == 1 {
		return nil, errors.New("trace busy")
	}
	return o.SourceOpener.Open(ctx)
}

func TestRunScanFailure(t *testing.T) {
	tt := test.FromT(t)
	saved := openCapture
	t.Cleanup(func() { openCapture = saved })
	openCapture = func(f *capture.File) etw.SourceOpener {
		return &failFirstOpen{SourceOpener: capture.NewOpener(f)}
	}

	var out bytes.Buffer
	err := run([]string{
		"-capture", processCapture,
		"-list",
		"-e", "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}:1",
		"-max", "1",
		"-log", "off",
	}, &out)
	tt.CheckErr(err)

	// The failed scan lists no schemas, and the decode still runs.
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	tt.Assert(len(lines) == 2, out.String())
	tt.Assert(strings.HasPrefix(lines[0], "PROVIDER"), lines[0])
	var rec struct {
		Key etw.EventKey `json:"key"`
	}
	tt.CheckErr(json.Unmarshal([]byte(lines[1]), &rec))
	tt.Assert(rec.Key.ID == 1, lines[1])
}

func TestListSchemasOpenFailure(t *testing.T) {
	tt := test.FromT(t)
	etw.DisableLogging()
	failing := etw.SourceOpenerFunc(func(context.Context) (etw.RecordSource, error) {
		return nil, errors.New("no such session")
	})
	f, err := capture.Load(processCapture)
	tt.CheckErr(err)
	md, err := f.Metadata()
	tt.CheckErr(err)

	var out bytes.Buffer
	listSchemas(context.Background(), failing, etw.NewSchemaResolver(md, etw.NewSchemaCache()),
		etw.SortByProvider, false, &out)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	tt.Assert(len(lines) == 1 && strings.HasPrefix(lines[0], "PROVIDER"), out.String())
}

func TestRunList(t *testing.T) {
	tt := test.FromT(t)
	var out bytes.Buffer
	tt.CheckErr(run([]string{"-capture", processCapture, "-list", "-sort", "id", "-desc", "-log", "off"}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	tt.Assert(len(lines) == 3, out.String())
	tt.Assert(strings.HasPrefix(lines[0], "PROVIDER"))
	tt.Assert(strings.Contains(lines[1], "Net"), "id 2 sorts first when descending: ", lines[1])
	tt.Assert(strings.Contains(lines[2], "ImageName:UNICODESTRING"), lines[2])
}

func TestRunDecode(t *testing.T) {
	tt := test.FromT(t)
	var out bytes.Buffer
	err := run([]string{
		"-capture", processCapture,
		"-config", "testdata/etwlens.toml",
		"-e", "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}:1",
		"-e", "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}:2:1",
		"-max", "1",
		"-log", "off",
	}, &out)
	tt.CheckErr(err)

	type line struct {
		Batch      string              `json:"batch"`
		Key        etw.EventKey        `json:"key"`
		Properties []etw.PropertyValue `json:"properties"`
	}
	var got []line
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var l line
		tt.CheckErr(json.Unmarshal(sc.Bytes(), &l))
		got = append(got, l)
	}
	tt.Assert(len(got) == 2, "one record per event with -max 1, got ", len(got))
	tt.Assert(got[0].Key.ID == 1 && got[0].Properties[0].Value == "1234")
	tt.Assert(got[1].Key.ID == 2 && got[1].Properties[1].Value == "10.0.0.7")
	tt.Assert(got[0].Batch != got[1].Batch)
}

func TestRunErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"NoCapture", []string{"-list"}},
		{"MissingFile", []string{"-capture", "testdata/missing.json"}},
		{"BadKey", []string{"-capture", processCapture, "-e", "nope"}},
		{"BadSort", []string{"-capture", processCapture, "-sort", "color"}},
		{"BadMax", []string{"-capture", processCapture, "-max", "-1"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(append(tc.args, "-log", "off"), &out); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
