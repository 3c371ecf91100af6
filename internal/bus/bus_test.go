package bus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe("upload_status")
	c := b.Subscribe("upload_status")
	other := b.Subscribe("upload_completion")

	b.Publish("upload_status", "done")

	for _, ch := range []chan Message{a, c} {
		select {
		case msg := <-ch:
			if msg.Payload != "done" {
				t.Errorf("got payload %v, want done", msg.Payload)
			}
			if msg.Topic != "upload_status" {
				t.Errorf("got topic %q, want upload_status", msg.Topic)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case msg := <-other:
		t.Errorf("other topic received %v", msg)
	default:
	}
}

func TestPublishDropsWhenSubscriberLags(t *testing.T) {
	b := New()
	ch := b.Subscribe("upload_status")

	// Fill the buffer and one more. The overflow event must be dropped,
	// not block the publisher.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish("upload_status", i)
	}

	got := 0
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	if got != subscriberBuffer {
		t.Errorf("received %d events, want %d", got, subscriberBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe("upload_completion")
	b.Unsubscribe("upload_completion", ch)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing to a topic with no subscribers is a no-op.
	b.Publish("upload_completion", "late")

	// Double unsubscribe must not panic or double-close.
	b.Unsubscribe("upload_completion", ch)
}

func TestTopicHandleRelease(t *testing.T) {
	b := New()
	ch := b.Subscribe("upload_status")

	h := b.Open("upload_status")
	if err := h.Post("first"); err != nil {
		t.Fatalf("post: %v", err)
	}
	h.Release()
	h.Release() // idempotent

	if err := h.Post("second"); err != ErrReleased {
		t.Errorf("post after release: got %v, want ErrReleased", err)
	}

	select {
	case msg := <-ch:
		if msg.Payload != "first" {
			t.Errorf("got %v, want first", msg.Payload)
		}
	default:
		t.Fatal("first post not delivered")
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected delivery after release: %v", msg)
	default:
	}
}

func TestTopicReleaseAfter(t *testing.T) {
	b := New()
	h := b.Open("upload_status")
	h.ReleaseAfter(10 * time.Millisecond)

	if err := h.Post("in-flight"); err != nil {
		t.Errorf("post before delayed release: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.Post("probe") == nil {
		if time.Now().After(deadline) {
			t.Fatal("handle never released")
		}
		time.Sleep(time.Millisecond)
	}
}
