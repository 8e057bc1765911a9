package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/nbgw/at"
)

// fieldTimeout bounds reading the remainder of a data or notification line
// once its prefix matched.
const fieldTimeout = time.Second

// Terminators lists up to five response suffixes tested in priority order.
// Slot 1 is the success terminator, slot 2 the generic error, slots 3 and 4
// the categorised errors and slot 5 a caller supplied token. An empty slot
// never matches.
type Terminators [5]string

// notification is one entry of the unsolicited dispatch table.
type notification struct {
	prefix string
	kind   string
	handle func(ctx context.Context)
}

// pump moves bytes from the transport into a channel so the engine can
// poll for availability without blocking on Read.
type pump struct {
	chunks chan []byte
	// err is valid once chunks is closed.
	err error

	done chan struct{}
	once sync.Once
}

func startPump(r io.Reader) *pump {
	p := &pump{chunks: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		defer close(p.chunks)
		buf := make([]byte, 512)
		for {
			select {
			case <-p.done:
				return
			default:
			}
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case p.chunks <- bytes.Clone(buf[:n]):
				case <-p.done:
					return
				}
			}
			if err != nil {
				p.err = err
				return
			}
		}
	}()
	return p
}

// stop releases the reader goroutine once its current Read returns, even
// when nobody drains chunks any more.
func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

// engine is the command/response state machine. Only one exchange may be
// in flight at a time; the Modem serialises callers.
type engine struct {
	w       io.Writer
	in      *pump
	pending []byte
	readErr error

	log     *slog.Logger
	yield   func()
	newline string
	verbose bool
	metrics *Metrics

	acc     []byte
	out     []byte
	scratch []byte
	timer   *time.Timer

	notifications []notification
	// lastCode holds the category of the last +CME/+CMS ERROR.
	lastCode string
	// rebooted is raised by the reboot notification handler.
	rebooted bool
}

func newEngine(rw io.ReadWriter, config Config) *engine {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &engine{
		w:       rw,
		in:      startPump(rw),
		log:     config.Logger,
		yield:   config.Yield,
		newline: config.Newline,
		verbose: config.VerboseErrors,
		metrics: config.Metrics,
		acc:     make([]byte, 0, 64),
		timer:   t,
	}
}

// close stops the pump. The transport is closed by its owner.
func (e *engine) close() {
	e.in.stop()
}

// terminators returns the default set with slot 1 replaced by expect when
// it is not empty.
func (e *engine) terminators(expect string) Terminators {
	t := Terminators{0: at.OK, 1: at.ERROR}
	if expect != "" {
		t[0] = expect
	}
	if e.verbose {
		t[2] = at.CmeError
		t[3] = at.CmsError
	}
	return t
}

// send writes one command line. Parts are formatted with their default
// format and concatenated without separators.
func (e *engine) send(parts ...any) error {
	e.out = e.out[:0]
	for _, p := range parts {
		e.out = fmt.Append(e.out, p)
	}
	e.out = append(e.out, e.newline...)
	if _, err := e.w.Write(e.out); err != nil {
		return fmt.Errorf("write command %q: %w", strings.TrimSpace(string(e.out)), err)
	}
	return nil
}

// writeRaw writes a data-mode payload after a prompt.
func (e *engine) writeRaw(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// buffered reports whether unread module output is waiting.
func (e *engine) buffered() bool {
	return len(e.pending) > 0 || len(e.in.chunks) > 0
}

// readByte returns the next byte from the transport, waiting at most until
// deadline. It returns ErrNoAnswer when the deadline passes.
func (e *engine) readByte(ctx context.Context, deadline time.Time) (byte, error) {
	for {
		if len(e.pending) > 0 {
			b := e.pending[0]
			e.pending = e.pending[1:]
			return b, nil
		}
		if e.readErr != nil {
			return 0, e.readErr
		}
		e.yield()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, ErrNoAnswer
		}
		e.timer.Reset(wait)
		select {
		case chunk, ok := <-e.in.chunks:
			e.timer.Stop()
			if !ok {
				err := e.in.err
				if err == nil || errors.Is(err, io.EOF) {
					err = io.EOF
				}
				e.readErr = fmt.Errorf("read error: %w", err)
				continue
			}
			e.pending = chunk
		case <-e.timer.C:
			return 0, ErrNoAnswer
		case <-ctx.Done():
			e.timer.Stop()
			return 0, ctx.Err()
		}
	}
}

// wait consumes module output until one of t matches as a suffix of
// everything read since the call started, or timeout elapses. It returns
// the 1-based index of the matched slot, or 0 when nothing matched.
// Notifications are dispatched as they arrive and never count as a match.
func (e *engine) wait(ctx context.Context, timeout time.Duration, t Terminators) (int, error) {
	start := time.Now()
	idx, err := e.run(ctx, start.Add(timeout), &t, nil)
	e.metrics.observeExchange(idx, err, time.Since(start))
	return idx, err
}

// pumpUntil dispatches notifications until done reports true or timeout
// elapses. No terminator is matched.
func (e *engine) pumpUntil(ctx context.Context, timeout time.Duration, done func() bool) (bool, error) {
	if done != nil && done() {
		return true, nil
	}
	_, err := e.run(ctx, time.Now().Add(timeout), nil, done)
	return done != nil && done(), err
}

func (e *engine) run(ctx context.Context, deadline time.Time, t *Terminators, done func() bool) (int, error) {
	e.acc = e.acc[:0]
	for {
		b, err := e.readByte(ctx, deadline)
		if err != nil {
			e.discard()
			if errors.Is(err, ErrNoAnswer) {
				return 0, nil
			}
			return 0, err
		}
		if b == 0 {
			continue
		}
		e.acc = append(e.acc, b)

		if e.dispatch(ctx) {
			e.acc = e.acc[:0]
			if e.rebooted {
				e.rebooted = false
				return 0, ErrModuleReset
			}
			if done != nil && done() {
				return 0, nil
			}
			continue
		}

		if t == nil {
			continue
		}
		for i, term := range t {
			if term == "" || !hasSuffix(e.acc, term) {
				continue
			}
			if term == at.CmeError || term == at.CmsError {
				code, _ := e.line(ctx)
				e.lastCode = code
			} else {
				e.lastCode = ""
			}
			e.acc = e.acc[:0]
			return i + 1, nil
		}
	}
}

// dispatch runs the first notification handler whose prefix ends the
// accumulator.
func (e *engine) dispatch(ctx context.Context) bool {
	for _, n := range e.notifications {
		if !hasSuffix(e.acc, n.prefix) {
			continue
		}
		e.metrics.observeNotification(n.kind)
		n.handle(ctx)
		return true
	}
	return false
}

// discard drops the accumulator, logging whatever was left in it.
func (e *engine) discard() {
	if len(bytes.TrimSpace(e.acc)) > 0 {
		for _, l := range at.Lines(e.acc) {
			e.log.Debug("unhandled module output", "line", l, "type", at.Classify(l).String())
		}
	}
	e.acc = e.acc[:0]
}

// field reads the next comma separated value of the current line. It
// returns the trimmed value and the byte that ended it, ',' or '\n'.
func (e *engine) field(ctx context.Context) (string, byte, error) {
	deadline := time.Now().Add(fieldTimeout)
	e.scratch = e.scratch[:0]
	for {
		b, err := e.readByte(ctx, deadline)
		if err != nil {
			return strings.TrimSpace(string(e.scratch)), 0, err
		}
		switch b {
		case ',', '\n':
			return strings.TrimSpace(string(e.scratch)), b, nil
		case '\r':
			continue
		}
		e.scratch = append(e.scratch, b)
	}
}

// intField reads the next field and parses it as a decimal integer.
func (e *engine) intField(ctx context.Context) (int, byte, error) {
	s, delim, err := e.field(ctx)
	if err != nil {
		return 0, delim, err
	}
	n, err := strconv.Atoi(strings.Trim(s, `"`))
	if err != nil {
		return 0, delim, fmt.Errorf("%w: %q", ErrMalformedResponse, s)
	}
	return n, delim, nil
}

// intFields reads n consecutive integer fields.
func (e *engine) intFields(ctx context.Context, n int) ([]int, byte, error) {
	out := make([]int, n)
	var delim byte
	for i := range out {
		v, d, err := e.intField(ctx)
		if err != nil {
			return out, d, err
		}
		out[i], delim = v, d
	}
	return out, delim, nil
}

// line reads the rest of the current line, trimmed.
func (e *engine) line(ctx context.Context) (string, error) {
	deadline := time.Now().Add(fieldTimeout)
	e.scratch = e.scratch[:0]
	for {
		b, err := e.readByte(ctx, deadline)
		if err != nil {
			return strings.TrimSpace(string(e.scratch)), err
		}
		if b == '\n' {
			return strings.TrimSpace(string(e.scratch)), nil
		}
		e.scratch = append(e.scratch, b)
	}
}

// skipUntil discards input up to and including delim.
func (e *engine) skipUntil(ctx context.Context, delim byte) error {
	deadline := time.Now().Add(fieldTimeout)
	for {
		b, err := e.readByte(ctx, deadline)
		if err != nil {
			return err
		}
		if b == delim {
			return nil
		}
	}
}

// readN reads n raw bytes, each bounded by perByte, handing them to put.
// It returns the number of bytes read; a short count comes with the error
// that stopped it.
func (e *engine) readN(ctx context.Context, n int, perByte time.Duration, put func(byte)) (int, error) {
	for i := 0; i < n; i++ {
		b, err := e.readByte(ctx, time.Now().Add(perByte))
		if err != nil {
			return i, err
		}
		put(b)
	}
	return n, nil
}

func hasSuffix(acc []byte, s string) bool {
	return len(acc) >= len(s) && string(acc[len(acc)-len(s):]) == s
}
