package modem_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/nbgw/at"
	"i4.energy/across/nbgw/modem"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newScripted starts a Modem on a TestTransport that already answered the
// initialisation sequence.
func newScripted(t *testing.T, opts ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.TestTransport) {
	t.Helper()
	tt := modem.NewTestTransport().ExpectInit(false)
	b := modem.NewConfigBuilder().
		WithDialer(tt).
		WithLogger(quietLogger()).
		WithATTimeout(200 * time.Millisecond)
	for _, opt := range opts {
		opt(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, tt
}

func TestModemNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).Init().Close(nil).Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m == nil {
			t.Fatal("New() should return valid modem on success")
		}

		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Verbose error reporting is requested when enabled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				AT().
				EchoOff().
				VerboseErrors().
				LocalTime().
				Close(nil).
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			WithVerboseErrors(true).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("ErrNoAnswer when the module never answers AT", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				Silent(at.CmdAt, 5).
				Close(nil).
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			WithATTimeout(50 * time.Millisecond).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNoAnswer) {
			t.Errorf("expected ErrNoAnswer, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when error occurs")
		}
	})

	t.Run("Error reporting failure is tolerated", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				AT().
				EchoOff().
				Command(at.CmdTerseErrors, "\r\nERROR\r\n").
				LocalTime().
				Close(nil).
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("Echo failure aborts initialisation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				AT().
				Command(at.CmdEchoOff, "\r\nERROR\r\n").
				Close(nil).
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		var cmdErr *modem.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Command != at.CmdEchoOff {
			t.Errorf("expected CommandError for ATE0, got: %v", err)
		}
		if !errors.Is(err, modem.ErrModem) {
			t.Errorf("CommandError should match ErrModem, got: %v", err)
		}
	})

	t.Run("Boot banner during initialisation is ignored", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				Command(at.CmdAt, "\r\nSMS Ready\r\n\r\nOK\r\n").
				EchoOff().
				TerseErrors().
				LocalTime().
				Close(nil).
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).Init().Close(nil).Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		closeError := errors.New("transport close failed")
		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).Init().Close(closeError).Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close and later use", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).Init().Close(nil).Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithLogger(quietLogger()).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		if err := m.Close(); err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}

		ctx := context.Background()
		if err := m.Maintain(ctx); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("Maintain: expected ErrAlreadyClosed, got: %v", err)
		}
		if _, err := m.NewClient(0); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("NewClient: expected ErrAlreadyClosed, got: %v", err)
		}
		if _, err := m.OpenHTTP(0, "http", "example.com", 80); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("OpenHTTP: expected ErrAlreadyClosed, got: %v", err)
		}
	})
}

func TestModemReset(t *testing.T) {
	ctx := context.Background()
	metrics := modem.NewMetrics("test", nil)
	m, tt := newScripted(t, func(b *modem.ConfigBuilder) { b.WithMetrics(metrics) })

	c, err := m.NewClient(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tt.Expect("AT+CSOC=1,1,1\r\n", "\r\nSMS Ready\r\n").ExpectInit(false)

	err = c.Connect(ctx, "203.0.113.5", 80)
	if !errors.Is(err, modem.ErrModuleReset) {
		t.Fatalf("expected ErrModuleReset, got: %v", err)
	}
	if tt.Remaining() != 0 {
		t.Errorf("re-initialisation left %d commands unsent", tt.Remaining())
	}
	if c.Connected() {
		t.Error("handle must be disconnected after a reset")
	}

	// The driver is usable again once the reset was reported.
	tt.Expect("AT+CSOC=1,1,1\r\n", "\r\n+CSOC: 0\r\n\r\nOK\r\n").
		Expect("AT+CSOCON=0,80,\"203.0.113.5\"\r\n", "\r\nOK\r\n")
	if err := c.Connect(ctx, "203.0.113.5", 80); err != nil {
		t.Fatalf("connect after reset: %v", err)
	}
	if un := tt.Unmatched(); len(un) != 0 {
		t.Errorf("unexpected commands %q", un)
	}
}

func TestModemMaintain(t *testing.T) {
	ctx := context.Background()
	m, tt := newScripted(t)

	c, err := m.NewClient(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tt.Expect("AT+CSOC=1,1,1\r\n", "\r\n+CSOC: 1\r\n\r\nOK\r\n").
		Expect("AT+CSOCON=1,7,\"192.0.2.1\"\r\n", "\r\nOK\r\n")
	if err := c.Connect(ctx, "192.0.2.1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("Idle link is a no-op", func(t *testing.T) {
		before := len(tt.Written())
		if err := m.Maintain(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tt.Written()) != before {
			t.Errorf("unexpected commands %q", tt.Written()[before:])
		}
	})

	t.Run("Pending notification refreshes the backlog", func(t *testing.T) {
		tt.Expect("AT+CSORXGET=4,1\r\n", "\r\n+CSORXGET: 4,1,12\r\n\r\nOK\r\n").
			Expect("AT+CSOSTATUS=1\r\n", "\r\n+CSOSTATUS: 1,2\r\n\r\nOK\r\n")
		tt.SendData("\r\n+CSONMI: 1,5\r\n")

		// One pass dispatches the notification, a later one acts on it.
		deadline := time.Now().Add(2 * time.Second)
		for tt.Remaining() != 0 && time.Now().Before(deadline) {
			if err := m.Maintain(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
		}
		if tt.Remaining() != 0 {
			t.Fatalf("expected backlog refresh, %d commands unsent", tt.Remaining())
		}

		tt.Expect("AT+CSORXGET=4,1\r\n", "\r\n+CSORXGET: 4,1,12\r\n\r\nOK\r\n").
			Expect("AT+CSOSTATUS=1\r\n", "\r\n+CSOSTATUS: 1,2\r\n\r\nOK\r\n")
		if n, err := m.Available(ctx, 3); err != nil || n != 12 {
			t.Errorf("expected 12 bytes reported, got %d (%v)", n, err)
		}
	})
}
