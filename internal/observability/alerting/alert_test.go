package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "RedisGate/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (n *stubNotifier) Channel() Channel { return n.channel }

func (n *stubNotifier) Notify(_ context.Context, event Event) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	logStub := &stubNotifier{channel: ChannelLog}
	amqpStub := &stubNotifier{channel: ChannelAMQP}
	dispatcher := NewFanout(logStub, amqpStub)

	event := Event{
		Previous:   "up",
		Current:    "down",
		Message:    "存活探测失败",
		Severity:   xerrors.SeverityCritical,
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(logStub.events) != 1 || len(amqpStub.events) != 1 {
		t.Fatalf("event not fanned out: log=%d amqp=%d", len(logStub.events), len(amqpStub.events))
	}
	if logStub.events[0].Current != "down" {
		t.Fatalf("event mutated in transit: %+v", logStub.events[0])
	}
}

func TestFanoutFailureDoesNotBlockOtherChannels(t *testing.T) {
	broken := &stubNotifier{channel: ChannelAMQP, err: errors.New("connection refused")}
	healthy := &stubNotifier{channel: ChannelLog}
	dispatcher := NewFanout(broken, healthy)

	err := dispatcher.Notify(context.Background(), Event{Previous: "up", Current: "degraded"})
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if !errors.Is(err, broken.err) {
		t.Fatalf("joined error should wrap the channel failure: %v", err)
	}
	if len(healthy.events) != 1 {
		t.Fatal("healthy channel should still receive the event")
	}
}

func TestFanoutIgnoresNilNotifiers(t *testing.T) {
	dispatcher := NewFanout(nil, &stubNotifier{channel: ChannelLog})
	if err := dispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	notifier := &LogNotifier{}
	if notifier.Channel() != ChannelLog {
		t.Fatalf("unexpected channel %s", notifier.Channel())
	}
	if err := notifier.Notify(context.Background(), Event{Previous: "up", Current: "degraded"}); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
}
