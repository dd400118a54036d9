package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsdash/internal/models"
)

func TestClassify(t *testing.T) {
	r := New(nil, 0)
	cases := []struct {
		raw     string
		want    models.FrameType
		wantErr bool
	}{
		{`{"type":"auth_response","status":"success"}`, models.FrameAuthResponse, false},
		{`{"type":"data_update","data":{"cpu":12}}`, models.FrameDataUpdate, false},
		{`{"type":"something_new"}`, models.FrameUnknown, false},
		{`not json`, "", true},
		{`[1,2,3]`, "", true},
		{`{"data":{}}`, "", true},
		{`{"type":`, "", true},
		{`{"type":5}`, "", true},
		{``, "", true},
	}
	for _, tc := range cases {
		f, err := r.Classify([]byte(tc.raw))
		if tc.wantErr {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("%q: expected ErrMalformedFrame, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.raw, err)
		}
		if f.Type != tc.want {
			t.Fatalf("%q: expected type %s, got %s", tc.raw, tc.want, f.Type)
		}
		if f.ReceivedAt.IsZero() {
			t.Fatalf("%q: expected receipt timestamp", tc.raw)
		}
	}
}

func TestClassifyKeepsUnknownTag(t *testing.T) {
	r := New(nil, 0)
	f, err := r.Classify([]byte(`{"type":"device_added"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.RawType != "device_added" {
		t.Fatalf("expected raw tag preserved, got %q", f.RawType)
	}
}

func TestProcessAcceptsLooseFieldShapes(t *testing.T) {
	r := New(nil, 0)
	var got []models.Frame
	record := func(f models.Frame) { got = append(got, f) }
	r.Subscribe(models.FrameError, record)
	r.Subscribe(models.FramePing, record)
	r.Subscribe(models.FrameAuthResponse, record)

	frames := []string{
		`{"type":"error","error":{"code":500,"message":"upstream down"}}`,
		`{"type":"ping","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"ping","timestamp":1700000000000.5}`,
		`{"type":"auth_response","status":"error","error":{"message":"bad token"}}`,
		`{"type":"error","error":{"code":7}}`,
	}
	for _, raw := range frames {
		if err := r.Process([]byte(raw)); err != nil {
			t.Fatalf("%s: unexpected error %v", raw, err)
		}
	}
	if len(got) != len(frames) {
		t.Fatalf("expected %d dispatched frames, got %d (stats %+v)", len(frames), len(got), r.Stats())
	}
	if got[0].Envelope.Error != "upstream down" {
		t.Fatalf("expected object error message, got %q", got[0].Envelope.Error)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got[1].Envelope.Timestamp != want {
		t.Fatalf("expected RFC3339 timestamp %d, got %d", want, got[1].Envelope.Timestamp)
	}
	if got[2].Envelope.Timestamp != 1700000000000 {
		t.Fatalf("expected fractional millis truncated, got %d", got[2].Envelope.Timestamp)
	}
	if got[3].Envelope.Status != "error" || got[3].Envelope.Error != "bad token" {
		t.Fatalf("unexpected auth response %+v", got[3].Envelope)
	}
	if got[4].Envelope.Error != `{"code":7}` {
		t.Fatalf("expected compact object text without a message, got %q", got[4].Envelope.Error)
	}
	if st := r.Stats(); st.Malformed != 0 || st.Dispatched != uint64(len(frames)) {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDispatchRegistrationOrder(t *testing.T) {
	r := New(nil, 0)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		r.Subscribe(models.FrameNotification, func(models.Frame) { order = append(order, i) })
	}
	if err := r.Process([]byte(`{"type":"notification","data":{}}`)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected registration order [1 2 3], got %v", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	r := New(nil, 0)
	calls := 0
	unsub := r.Subscribe(models.FramePing, func(models.Frame) { calls++ })
	_ = r.Process([]byte(`{"type":"ping"}`))
	unsub()
	unsub()
	_ = r.Process([]byte(`{"type":"ping"}`))
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestUnknownGoesToFallback(t *testing.T) {
	r := New(nil, 0)
	var got []string
	r.SetFallback(func(f models.Frame) { got = append(got, f.RawType) })
	_ = r.Process([]byte(`{"type":"mystery"}`))
	_ = r.Process([]byte(`{"type":"error","error":"boom"}`))
	if len(got) != 2 || got[0] != "mystery" || got[1] != "error" {
		t.Fatalf("expected both unhandled frames at fallback, got %v", got)
	}
	if s := r.Stats(); s.Unhandled != 2 {
		t.Fatalf("expected unhandled=2, got %+v", s)
	}
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	r := New(nil, 0)
	reached := false
	r.Subscribe(models.FrameDataUpdate, func(models.Frame) { panic("bad handler") })
	r.Subscribe(models.FrameDataUpdate, func(models.Frame) { reached = true })
	if err := r.Process([]byte(`{"type":"data_update"}`)); err != nil {
		t.Fatal(err)
	}
	if !reached {
		t.Fatalf("expected second subscriber to run")
	}
}

func TestMalformedFrameBetweenWellFormedFrames(t *testing.T) {
	r := New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	r.Subscribe(models.FrameNotification, func(f models.Frame) { got <- string(f.Envelope.Data) })

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.Enqueue(ctx, []byte(`{"type":"notification","data":1}`))
	r.Enqueue(ctx, []byte(`<<garbage>>`))
	r.Enqueue(ctx, []byte(`{"type":"notification","data":2}`))

	var seen []string
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case v := <-got:
			seen = append(seen, v)
		case <-timeout:
			t.Fatalf("timed out, dispatched so far: %v", seen)
		}
	}
	if seen[0] != "1" || seen[1] != "2" {
		t.Fatalf("expected frames in receipt order [1 2], got %v", seen)
	}
	cancel()
	<-done
	s := r.Stats()
	if s.Malformed != 1 || s.Received != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
