package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// replayTail is how many written lines a ReplayPort keeps.
const replayTail = 64

// ReplayPort is a SerialPorter that replays fixture lines on a fixed
// interval, looping forever. Writes are counted and only the last
// replayTail lines are kept. It backs --dev mode.
type ReplayPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex
	partial []byte
	tail    []string
	written uint64
}

// NewReplayPort starts replaying lines every interval.
func NewReplayPort(lines [][]byte, interval time.Duration) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-p.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(lines) {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}
			line := lines[i]
			if !bytes.HasSuffix(line, []byte("\n")) {
				line = append(append([]byte(nil), line...), '\n')
			}
			if _, err := w.Write(line); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write keeps the most recent lines for Written and drops the rest.
func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.written += uint64(len(b))
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		p.keep(string(p.partial[:i+1]))
		p.partial = p.partial[i+1:]
	}
	if len(p.partial) > maxLineBytes {
		p.keep(string(p.partial))
		p.partial = nil
	}
	if len(p.partial) == 0 {
		p.partial = nil
	}
	return len(b), nil
}

func (p *ReplayPort) keep(line string) {
	if len(p.tail) < replayTail {
		p.tail = append(p.tail, line)
		return
	}
	copy(p.tail, p.tail[1:])
	p.tail[len(p.tail)-1] = line
}

// Written returns the retained tail of what was written to the port.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "") + string(p.partial)
}

// BytesWritten returns the total number of bytes written, retained or not.
func (p *ReplayPort) BytesWritten() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.r.Close()
}

// NewMockSerialMux creates a SerialMux that replays the fixture lines.
func NewMockSerialMux(lines [][]byte, interval time.Duration) *SerialMux[*ReplayPort] {
	return NewSerialMux(NewReplayPort(lines, interval))
}

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.readBuf.Len() == 0 {
		t.readCond.Wait()
	}
	if t.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return t.readBuf.Read(p)
}

// Write captures p, or returns WriteError once if it is set.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.writeBuf.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
	t.readCond.Broadcast()
}

// WrittenData returns all data written to the port.
func (t *TestableSerialPort) WrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuf.String()
}
