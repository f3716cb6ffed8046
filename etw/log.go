// Package etw logging uses phuslu/log with one logger per component and a
// sampler for the per-property decode path.

package etw

import (
	"os"
	"time"

	"github.com/tekert/etwlens/logsampler"
	"github.com/tekert/etwlens/logsampler/adapters/phusluadapter"

	plog "github.com/phuslu/log"
)

// LoggerName defines the name of a logger for configuration.
type LoggerName string

// Available logger names. Use these as keys when configuring log levels.
const (
	DecoderLogger LoggerName = "decoder"
	SessionLogger LoggerName = "session"
	WorkerLogger  LoggerName = "worker"
	DefaultLogger LoggerName = "default"
)

// SampledLogger is an alias for the phuslu sampled logger.
type SampledLogger = phusluadapter.SampledLogger

// LoggerManager owns the component loggers and the hot path sampler.
type LoggerManager struct {
	writer  plog.Writer
	sampler logsampler.Sampler
	loggers map[LoggerName]*plog.Logger
}

var (
	loggerManager *LoggerManager
	declog        *SampledLogger // Decoder hot path
	seslog        *plog.Logger   // Sessions and metadata scans
	wrklog        *plog.Logger   // Decode worker
	log           *plog.Logger   // Default/everything else
)

func init() {
	loggerManager = NewLoggerManager()
	declog = phusluadapter.NewSampledLogger(
		loggerManager.loggers[DecoderLogger],
		loggerManager.sampler,
	)
	seslog = loggerManager.loggers[SessionLogger]
	wrklog = loggerManager.loggers[WorkerLogger]
	log = loggerManager.loggers[DefaultLogger]
}

func newComponentLogger(name LoggerName, level plog.Level, w plog.Writer) *plog.Logger {
	return &plog.Logger{
		Level:   level,
		Writer:  w,
		Context: plog.NewContext(nil).Str("component", string(name)).Value(),
	}
}

// NewLoggerManager creates a new logger manager with default settings.
func NewLoggerManager() *LoggerManager {
	writer := &plog.IOWriter{Writer: os.Stderr}

	lm := &LoggerManager{
		writer:  writer,
		loggers: make(map[LoggerName]*plog.Logger),
	}
	lm.loggers[DecoderLogger] = newComponentLogger(DecoderLogger, plog.WarnLevel, writer)
	lm.loggers[SessionLogger] = newComponentLogger(SessionLogger, plog.InfoLevel, writer)
	lm.loggers[WorkerLogger] = newComponentLogger(WorkerLogger, plog.InfoLevel, writer)
	lm.loggers[DefaultLogger] = newComponentLogger(DefaultLogger, plog.InfoLevel, writer)

	backoff := logsampler.BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Factor:          1.2,
		ResetInterval:   10 * time.Minute,
	}
	reporter := &phusluadapter.SummaryReporter{Logger: lm.loggers[DefaultLogger]}
	lm.sampler = logsampler.NewEventDrivenSampler(logsampler.EventDrivenConfig{
		Backoff:  backoff,
		Reporter: reporter,
		MaxKeys:  4096,
	})
	return lm
}

// Logger returns the named component logger, or nil.
func (lm *LoggerManager) Logger(name LoggerName) *plog.Logger {
	return lm.loggers[name]
}

// SetBaseContext changes the base context for all loggers.
func (lm *LoggerManager) SetBaseContext(ctx []byte) {
	for name, logger := range lm.loggers {
		logger.Context = plog.NewContext(ctx).Str("component", string(name)).Value()
	}
}

// SetSampler changes the active sampler and closes the previous one.
func (lm *LoggerManager) SetSampler(sampler logsampler.Sampler) {
	if lm.sampler != nil {
		lm.sampler.Close()
	}
	lm.sampler = sampler
	if declog != nil {
		declog.Sampler = sampler
	}
}

// SetWriter changes the writer for all loggers.
func (lm *LoggerManager) SetWriter(writer plog.Writer) {
	lm.writer = writer
	for _, logger := range lm.loggers {
		logger.Writer = writer
	}
}

// SetLogLevels sets the log level for one or more loggers.
func (lm *LoggerManager) SetLogLevels(levels map[LoggerName]plog.Level) {
	for name, level := range levels {
		if logger, ok := lm.loggers[name]; ok {
			logger.SetLevel(level)
		}
	}
}

// GetSampler returns the hot path sampler.
func (lm *LoggerManager) GetSampler() logsampler.Sampler {
	return lm.sampler
}

// SetSampler sets the global sampler for hot-path logging.
func SetSampler(s logsampler.Sampler) { loggerManager.SetSampler(s) }

// SetLogLevels sets the log level for one or more loggers globally.
func SetLogLevels(levels map[LoggerName]plog.Level) { loggerManager.SetLogLevels(levels) }

// SetLogLevelsAll sets all registered loggers to the given level.
func SetLogLevelsAll(level plog.Level) {
	levels := make(map[LoggerName]plog.Level)
	for name := range loggerManager.loggers {
		levels[name] = level
	}
	SetLogLevels(levels)
}

func SetLogDebugLevel() { SetLogLevelsAll(plog.DebugLevel) }
func SetLogInfoLevel()  { SetLogLevelsAll(plog.InfoLevel) }
func SetLogWarnLevel()  { SetLogLevelsAll(plog.WarnLevel) }
func SetLogErrorLevel() { SetLogLevelsAll(plog.ErrorLevel) }
func SetLogTraceLevel() { SetLogLevelsAll(plog.TraceLevel) }

// DisableLogging silences every logger.
func DisableLogging() {
	SetLogLevelsAll(99) // NoLevel
}

// SetLogWriter sets the writer for all loggers.
func SetLogWriter(writer plog.Writer) { loggerManager.SetWriter(writer) }

// SetLogBaseContext sets the base context for all loggers.
func SetLogBaseContext(ctx []byte) { loggerManager.SetBaseContext(ctx) }

// GetLogManager returns the global logger manager.
func GetLogManager() *LoggerManager { return loggerManager }
