package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Destination shared by a logger and everything derived from it. The mutex
// keeps messages from different goroutines from interleaving.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

type field struct {
	key   string
	value interface{}
}

type Logger struct {
	// Tag used to filter and classify log messages.
	Tag string

	// Level set via WithDefaultLevel. Tag directives still take precedence.
	level    Level
	hasLevel bool

	fields []field

	sink *sink
}

// Write to stderr by default.
var DefaultLogger = &Logger{sink: &sink{out: os.Stderr}}

// Override the destination for this logger and all loggers sharing its sink.
func (log *Logger) SetDestination(out io.Writer) {
	log.sink.mu.Lock()
	log.sink.out = out
	log.sink.mu.Unlock()
}

// Derive a new logger with the given tag.
func (log *Logger) WithTag(tag string) *Logger {
	l := *log
	l.Tag = tag
	return &l
}

// Derive a new logger with the given default level. Tag directives from the
// environment still override it.
func (log *Logger) WithDefaultLevel(level Level) *Logger {
	l := *log
	l.level = level
	l.hasLevel = true
	return &l
}

// Derive a new logger that appends key=value to every message.
func (log *Logger) WithField(key string, value interface{}) *Logger {
	l := *log
	l.fields = append(append([]field(nil), log.fields...), field{key, value})
	return &l
}

// Level currently in effect for this logger.
func (log *Logger) Level() Level {
	return levelFor(log.Tag, log.level, log.hasLevel)
}

func (log *Logger) Enabled(level Level) bool {
	return level <= log.Level()
}

// Wrapper for []byte that implements io.Writer. Simpler and cheaper than
// bytes.Buffer.
type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// A global buffer pool, shared across all loggers.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make(buffer, 0, 256)
		return &b
	},
}

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if !log.Enabled(level) {
		return
	}

	bp := bufPool.Get().(*buffer)
	buf := (*bp)[:0]
	defer func() {
		*bp = buf[:0]
		bufPool.Put(bp)
	}()

	colorTimestamp.Fprint(&buf, time.Now().Format(timestampFormat))
	level.color().Fprintf(&buf, " %c/%s", level.letter(), log.Tag)

	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}
	colorLocation.Fprintf(&buf, "[%s:%d] ", filepath.Base(file), line)

	fmt.Fprintf(&buf, format, a...)

	for _, f := range log.fields {
		colorField.Fprintf(&buf, " %s=", f.key)
		fmt.Fprintf(&buf, "%v", f.value)
	}

	if n := len(buf); n == 0 || buf[n-1] != '\n' {
		buf = append(buf, '\n')
	}

	log.sink.mu.Lock()
	_, err := log.sink.out.Write(buf)
	log.sink.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("Failed to log to %v: %v", log.sink.out, err))
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}
