package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/nbgw/at"
)

const (
	// initProbes is the number of AT attempts made while waiting for the
	// module to answer at all.
	initProbes = 5
	// maintainWindow is how long Maintain waits for each burst of
	// unsolicited output.
	maintainWindow = 15 * time.Millisecond
	// localTimeTimeout bounds AT+CLTS, which the module answers slowly
	// right after boot.
	localTimeTimeout = 10 * time.Second
)

// Modem drives a SIM7020 module over a single transport. It owns the
// multiplexer table and serialises every exchange: the module is
// half-duplex and only one command may be in flight at a time.
//
// Unsolicited notifications are only observed while some operation is
// waiting on the link. Call Maintain periodically when the application is
// otherwise idle so data-ready and error notifications for background
// sockets are still delivered.
type Modem struct {
	mu sync.Mutex

	// transport provides the physical connection to the module
	transport Transport
	config    Config
	log       *slog.Logger
	eng       *engine
	table     table
	// hex holds the encoded HTTP content chunk being decoded
	hex []byte

	// closed indicates if the modem has been shut down
	closed bool
	// initializing suppresses reboot recovery while init itself runs
	initializing bool
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and runs the initialisation
// sequence (AT probe, echo off, error reporting, network time).
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	config.Logger = config.Logger.WithGroup("modem")
	m := &Modem{
		transport: transport,
		config:    config,
		log:       config.Logger,
		eng:       newEngine(transport, config),
	}
	m.table.init(config.ReadTimeout)
	m.eng.notifications = m.notificationTable()

	initCtx, cancel := context.WithTimeout(ctx, config.InitTimeout)
	defer cancel()

	if err := m.init(initCtx); err != nil {
		m.eng.close()
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Close shuts down the modem and releases all resources. Open handles are
// not closed on the module. After calling Close(), the modem cannot be
// reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true
	m.eng.close()

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// Maintain pumps the link while no command is pending. Sockets flagged by
// a notification get their available count refreshed first.
func (m *Modem) Maintain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	return m.maintain(ctx)
}

func (m *Modem) maintain(ctx context.Context) error {
	check := false
	for i := range m.table.sockets {
		s := &m.table.sockets[i]
		if s.pending && !s.secure {
			s.pending = false
			check = true
		}
	}
	if check {
		for i := range m.table.sockets {
			s := &m.table.sockets[i]
			if s.state != slotSocket || s.secure || s.internalID < 0 {
				continue
			}
			if _, err := m.available(ctx, s); err != nil {
				if errors.Is(err, ErrModuleReset) {
					break
				}
				m.log.Debug("refresh available", "mux", s.mux, "error", err)
			}
		}
	}

	for m.eng.buffered() {
		if _, err := m.pump(ctx, maintainWindow, nil); err != nil && !errors.Is(err, ErrModuleReset) {
			return err
		}
	}
	return nil
}

// init performs the setup sequence for the module. It is run by New and
// again after the module rebooted unexpectedly.
func (m *Modem) init(ctx context.Context) error {
	m.initializing = true
	defer func() { m.initializing = false }()

	// 1. Wake-up / sanity check
	probe := min(500*time.Millisecond, m.config.ATTimeout)
	var err error
	for range initProbes {
		if err = m.command(ctx, probe, "", at.CmdAt); err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.exec(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	cmee := at.CmdTerseErrors
	if m.config.VerboseErrors {
		cmee = at.CmdVerboseErrors
	}
	if err := m.exec(ctx, cmee); err != nil {
		m.log.Warn("could not set error reporting", "command", cmee, "error", err)
	}

	if err := m.command(ctx, localTimeTimeout, "", at.CmdLocalTime); err != nil {
		return fmt.Errorf("enable network time: %w", err)
	}
	return nil
}

// reinit re-initialises the module after a reboot banner. Every handle is
// marked disconnected; the caller reports its own operation as failed.
func (m *Modem) reinit(ctx context.Context) {
	m.log.Warn("unexpected module reset, re-initialising")
	m.config.Metrics.observeReset()
	m.table.forget()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.InitTimeout)
	defer cancel()
	if err := m.init(ctx); err != nil {
		m.log.Error("re-initialisation failed", "error", err)
	}
}

func (m *Modem) usable() error {
	if m.closed {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return ErrNotInitialized
	}
	return nil
}

// wait runs one engine wait, recovering from a module reboot seen on the way.
func (m *Modem) wait(ctx context.Context, timeout time.Duration, t Terminators) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		idx, err := m.eng.wait(ctx, time.Until(deadline), t)
		if !errors.Is(err, ErrModuleReset) {
			return idx, err
		}
		if m.initializing {
			// The boot banner is expected while the module starts up.
			continue
		}
		m.reinit(ctx)
		return 0, err
	}
}

// pump dispatches notifications until done reports true or timeout elapses.
func (m *Modem) pump(ctx context.Context, timeout time.Duration, done func() bool) (bool, error) {
	ok, err := m.eng.pumpUntil(ctx, timeout, done)
	if errors.Is(err, ErrModuleReset) {
		m.reinit(ctx)
	}
	return ok, err
}

// check maps an engine result to an error.
func (m *Modem) check(cmd string, idx int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	switch idx {
	case 1, 5:
		return nil
	case 0:
		return fmt.Errorf("%s: %w", cmd, ErrNoAnswer)
	case 2:
		return &CommandError{Command: cmd}
	default:
		return &CommandError{Command: cmd, Code: m.eng.lastCode}
	}
}

// expect waits for expect (or OK when empty) as the success terminator.
func (m *Modem) expect(ctx context.Context, timeout time.Duration, cmd, expect string) error {
	idx, err := m.wait(ctx, timeout, m.eng.terminators(expect))
	return m.check(cmd, idx, err)
}

// command sends one command line and waits for its terminator.
func (m *Modem) command(ctx context.Context, timeout time.Duration, expect string, parts ...any) error {
	cmd := commandName(parts)
	if err := m.eng.send(parts...); err != nil {
		return err
	}
	return m.expect(ctx, timeout, cmd, expect)
}

// exec sends one command and expects OK within the AT timeout.
func (m *Modem) exec(ctx context.Context, parts ...any) error {
	return m.command(ctx, m.config.ATTimeout, "", parts...)
}

// commandName is the command text used in errors, AT+CSOCON= → AT+CSOCON.
func commandName(parts []any) string {
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSuffix(fmt.Sprint(parts[0]), "=")
}

// timeoutFrom returns the time left on ctx, or def when it has no deadline.
func timeoutFrom(ctx context.Context, def time.Duration) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d)
	}
	return def
}
