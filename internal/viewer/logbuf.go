package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	golog "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/util"
)

// LogEntry is one log record. Lines that are not go-log JSON keep only Msg.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	System string    `json:"system,omitempty"`
	Msg    string    `json:"msg"`
}

// zapLine is the JSON shape go-log writes to a pipe.
type zapLine struct {
	TS     string `json:"ts"`
	Level  string `json:"level"`
	Logger string `json:"logger"`
	Msg    string `json:"msg"`
}

// LogBuffer keeps the recent log records for the diagnostics endpoints.
type LogBuffer struct {
	entries *util.RingBuffer[LogEntry]

	mu   sync.Mutex
	subs map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Follow mirrors every subsystem logger into the buffer until ctx is done.
func (b *LogBuffer) Follow(ctx context.Context) {
	pr := golog.NewPipeReader(golog.PipeFormat(golog.JSONOutput))
	go func() {
		<-ctx.Done()
		_ = pr.Close()
	}()
	go func() { _ = b.Consume(pr) }()
}

// Consume reads newline-delimited records until r fails.
func (b *LogBuffer) Consume(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		b.Add(sc.Text())
	}
	return sc.Err()
}

// Add records one line. Blank lines are ignored.
func (b *LogBuffer) Add(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	e := parseLine(line)

	b.entries.Push(e)
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
}

func parseLine(line string) LogEntry {
	var z zapLine
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &z) == nil && z.Msg != "" {
		ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", z.TS)
		if err != nil {
			ts = time.Now()
		}
		return LogEntry{TS: ts, Level: z.Level, System: z.Logger, Msg: z.Msg}
	}
	return LogEntry{TS: time.Now(), Msg: line}
}

// Snapshot returns the buffered records, oldest first. A non-empty system
// keeps only that subsystem.
func (b *LogBuffer) Snapshot(system string) []LogEntry {
	all := b.entries.Snapshot()
	if system == "" {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if e.System == system {
			out = append(out, e)
		}
	}
	return out
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// ServeLogsJSON handles GET /api/logs[?system=name].
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot(r.URL.Query().Get("system")))
}

// ServeLogsSSE handles GET /api/logs/stream[?system=name]. Tail only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	system := r.URL.Query().Get("system")
	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if system != "" && e.System != system {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = io.WriteString(w, "event: log\ndata: "+string(data)+"\n\n")
			flusher.Flush()
		}
	}
}
