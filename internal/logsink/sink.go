package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is one of the four levels the original source's macros expand to.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Mode selects synchronous or asynchronous writes.
type Mode int

const (
	Sync Mode = iota
	Async
)

// Config configures a Sink.
type Config struct {
	Dir        string
	BaseName   string
	Mode       Mode
	QueueSize  int // only meaningful when Mode == Async
	SplitLines int // rotate to a new file after this many lines; 0 disables
	Disabled   bool
}

// Sink is the async log sink (C3): an explicitly-constructed instance
// rather than the original's process-wide singleton (Design Note 9,
// "Singletons... prefer explicit lifetimes"), writing dated,
// line-count-rotated files. The caller is expected to construct exactly
// one Sink at startup and pass a reference to every component that logs.
type Sink struct {
	cfg Config

	mu       sync.Mutex
	file     *os.File
	day      int
	lineNo   int
	splitIdx int

	queue *Queue
	wg    sync.WaitGroup
}

// Open opens (or creates) today's log file and, in Async mode, starts the
// background consumer goroutine.
func Open(cfg Config) (*Sink, error) {
	s := &Sink{cfg: cfg, day: time.Now().YearDay()}
	if cfg.Disabled {
		return s, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := s.openFileLocked(time.Now()); err != nil {
		return nil, err
	}
	if cfg.Mode == Async {
		size := cfg.QueueSize
		if size <= 0 {
			size = 1000
		}
		s.queue = NewQueue(size)
		s.wg.Add(1)
		go s.consume()
	}
	return s, nil
}

func (s *Sink) openFileLocked(now time.Time) error {
	name := now.Format("2006_01_02") + "_" + s.cfg.BaseName
	if s.splitIdx > 0 {
		name = fmt.Sprintf("%s.%d", name, s.splitIdx)
	}
	f, err := os.OpenFile(filepath.Join(s.cfg.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = f
	return nil
}

// Write formats one line and either enqueues it (async, queue not full) or
// writes it directly under the log mutex — §4.6's write_log.
func (s *Sink) Write(level Level, format string, args ...any) {
	if s.cfg.Disabled {
		return
	}
	now := time.Now()
	line := fmt.Sprintf("%s.%06d [%s] %s\n",
		now.Format("2006-01-02 15:04:05"), now.Nanosecond()/1000, level, fmt.Sprintf(format, args...))

	if s.cfg.Mode == Async && s.queue != nil && s.queue.Push(line) {
		return
	}
	s.writeDirect(line, now)
}

func (s *Sink) consume() {
	defer s.wg.Done()
	for {
		line, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.writeDirect(line, time.Now())
	}
}

func (s *Sink) writeDirect(line string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.YearDay()
	rotateByDay := day != s.day
	rotateBySplit := s.cfg.SplitLines > 0 && s.lineNo > 0 && s.lineNo%s.cfg.SplitLines == 0

	if rotateByDay {
		s.day = day
		s.lineNo = 0
		s.splitIdx = 0
		s.openFileLocked(now)
	} else if rotateBySplit {
		s.splitIdx++
		s.openFileLocked(now)
	}

	s.file.WriteString(line)
	s.lineNo++
}

// Flush flushes the current log file to disk.
func (s *Sink) Flush() error {
	if s.cfg.Disabled || s.file == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close stops the consumer goroutine (if any) and closes the log file.
func (s *Sink) Close() error {
	if s.cfg.Disabled {
		return nil
	}
	if s.queue != nil {
		s.queue.Close()
		s.wg.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
