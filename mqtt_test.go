package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type stubFetcher struct {
	fail error
}

func (s stubFetcher) Fetch(_ context.Context, id, rawURL string) (*FetchResult, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return &FetchResult{ID: id, URL: rawURL, Status: 200, Body: "OK"}, nil
}

type stubMessage struct {
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 0 }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return "nbgw/fetch" }
func (m stubMessage) MessageID() uint16 { return 1 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

type published struct {
	topic string
	res   FetchResult
}

func runIntake(t *testing.T, f fetcher, want int, payloads ...string) []published {
	t.Helper()
	in := NewIntake(slog.New(slog.DiscardHandler), f, "nbgw/fetch")
	for _, p := range payloads {
		in.handle(nil, stubMessage{payload: []byte(p)})
	}

	out := make(chan published, len(payloads))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- in.Run(ctx, func(topic string, payload []byte) error {
			var res FetchResult
			if err := json.Unmarshal(payload, &res); err != nil {
				return err
			}
			out <- published{topic: topic, res: res}
			return nil
		})
	}()

	var got []published
	for len(got) < want {
		select {
		case p := <-out:
			got = append(got, p)
		case <-ctx.Done():
			t.Fatalf("only %d results published", len(got))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error from Run(): %v", err)
	}
	return got
}

func TestIntake(t *testing.T) {
	t.Run("Results are published with the job id", func(t *testing.T) {
		got := runIntake(t, stubFetcher{}, 1, `{"id":"a1","url":"http://example.com/"}`)
		if got[0].topic != "nbgw/fetch/result" {
			t.Errorf("unexpected topic %q", got[0].topic)
		}
		if got[0].res.ID != "a1" || got[0].res.Status != 200 {
			t.Errorf("unexpected result %+v", got[0].res)
		}
	})

	t.Run("Missing id is generated", func(t *testing.T) {
		got := runIntake(t, stubFetcher{}, 1, `{"url":"http://example.com/"}`)
		if len(got[0].res.ID) != 36 {
			t.Errorf("expected a uuid, got %q", got[0].res.ID)
		}
	})

	t.Run("Invalid jobs are dropped", func(t *testing.T) {
		got := runIntake(t, stubFetcher{}, 1, `not json`, `{"id":"x"}`, `{"id":"b2","url":"http://example.com/"}`)
		if len(got) != 1 || got[0].res.ID != "b2" {
			t.Errorf("unexpected results %+v", got)
		}
	})

	t.Run("Failures are published as errors", func(t *testing.T) {
		got := runIntake(t, stubFetcher{fail: errors.New("no answer")}, 1, `{"id":"c3","url":"http://example.com/"}`)
		if got[0].res.Error != "no answer" || got[0].res.Status != 0 {
			t.Errorf("unexpected result %+v", got[0].res)
		}
	})
}
