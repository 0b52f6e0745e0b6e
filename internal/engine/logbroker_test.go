package engine_test

import (
	"testing"

	"github.com/seantiz/tremor/internal/engine"
	"github.com/seantiz/tremor/internal/model"
)

func entry(msg string) model.LogEntry {
	return model.LogEntry{Level: model.LevelInfo, Process: "worker-0", Message: msg}
}

func messages(ch <-chan model.LogEntry) []string {
	var got []string
	for e := range ch {
		got = append(got, e.Message)
	}
	return got
}

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	want := []string{"reading inputs", "computing", "done"}
	for _, m := range want {
		b.Publish("j1", entry(m))
	}
	b.Close("j1")

	got := messages(ch)
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewLogBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", entry("hello"))
	b.Close("j1")

	if got := messages(ch1); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got)
	}
	if got := messages(ch2); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got)
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewLogBroker()
	b.Publish("j1", entry("early"))
	b.Close("j1")

	ch, unsub := b.Subscribe("j1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()

	b.Publish("j1", entry("after unsub"))
	b.Close("j1")

	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("got unexpected entry %q after unsubscribe", e.Message)
		}
	default:
	}
}

func TestLogBrokerPublishToUnknownJobIsNoop(t *testing.T) {
	b := engine.NewLogBroker()
	b.Publish("nonexistent", entry("line"))
	b.Close("nonexistent")
}

func TestLogBrokerLateSubscriberMissesEarlierEntries(t *testing.T) {
	b := engine.NewLogBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()

	b.Publish("j1", entry("line 1"))

	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", entry("line 2"))
	b.Close("j1")

	if got := messages(ch1); len(got) != 2 {
		t.Errorf("subscriber 1 got %d entries, want 2", len(got))
	}
	if got := messages(ch2); len(got) != 1 || got[0] != "line 2" {
		t.Errorf("late subscriber got %v, want [line 2]", got)
	}
}
