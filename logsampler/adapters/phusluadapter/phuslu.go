// Package phusluadapter connects a logsampler.Sampler to a phuslu/log logger.
package phusluadapter

import (
	"hash/maphash"
	"strconv"
	"sync/atomic"

	"github.com/tekert/etwlens/logsampler"

	plog "github.com/phuslu/log"
)

var hashSeed = maphash.MakeSeed()

// SummaryReporter writes sampler summaries as Info events.
type SummaryReporter struct {
	Logger *plog.Logger
}

// LogSummary implements logsampler.SummaryReporter.
func (r *SummaryReporter) LogSummary(key string, suppressedCount int64) {
	r.Logger.Info().
		Str("samplerKey", key).
		Int64("suppressedCount", suppressedCount).
		Msg("suppressed log events")
}

// SampledLogger is a plog.Logger whose Sampled* methods consult a Sampler
// before building an entry. A nil entry means the event was dropped, and
// phuslu entries are nil-safe.
type SampledLogger struct {
	*plog.Logger
	Sampler logsampler.Sampler
}

// NewSampledLogger wraps base with sampler.
func NewSampledLogger(base *plog.Logger, sampler logsampler.Sampler) *SampledLogger {
	return &SampledLogger{Logger: base, Sampler: sampler}
}

// errSigKey appends a hash of the error text to key so that distinct errors
// under the same call site are sampled separately.
func errSigKey(key string, err error) string {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(err.Error())

	var buf [96]byte
	b := append(buf[:0], key...)
	b = append(b, ':')
	b = strconv.AppendUint(b, h.Sum64(), 16)
	return string(b)
}

// Sampled returns an entry at level, or nil if the level is disabled or the
// sampler suppressed key.
func (l *SampledLogger) Sampled(level plog.Level, key string, useErrSig bool, err ...error) *plog.Entry {
	if plog.Level(atomic.LoadUint32((*uint32)(&l.Logger.Level))) > level {
		return nil
	}

	var e error
	if len(err) > 0 {
		e = err[0]
	}
	if useErrSig && e != nil {
		key = errSigKey(key, e)
	}

	var suppressed int64
	if l.Sampler != nil {
		var ok bool
		if ok, suppressed = l.Sampler.ShouldLog(key, e); !ok {
			return nil
		}
	}
	entry := l.Logger.WithLevel(level)
	if suppressed > 0 {
		entry = entry.Int64("suppressedCount", suppressed)
	}
	if e != nil {
		entry = entry.Err(e)
	}
	return entry
}

func (l *SampledLogger) SampledError(key string) *plog.Entry {
	return l.Sampled(plog.ErrorLevel, key, false)
}

func (l *SampledLogger) SampledErrorWithErrSig(key string, err ...error) *plog.Entry {
	return l.Sampled(plog.ErrorLevel, key, true, err...)
}

func (l *SampledLogger) SampledWarn(key string) *plog.Entry {
	return l.Sampled(plog.WarnLevel, key, false)
}

func (l *SampledLogger) SampledWarnWithErrSig(key string, err ...error) *plog.Entry {
	return l.Sampled(plog.WarnLevel, key, true, err...)
}

func (l *SampledLogger) SampledTrace(key string) *plog.Entry {
	return l.Sampled(plog.TraceLevel, key, false)
}

func (l *SampledLogger) SampledTraceWithErrSig(key string, err ...error) *plog.Entry {
	return l.Sampled(plog.TraceLevel, key, true, err...)
}
