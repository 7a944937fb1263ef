package fanout

import (
	"testing"
)

func drain(ch <-chan int) []int {
	var out []int
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestHub_subscribersJoinAtLiveEdge(t *testing.T) {
	h := New[int](8)
	_, a := h.Subscribe()
	h.Publish(1)
	h.Publish(2)
	h.Publish(3)
	_, b := h.Subscribe()
	h.Publish(4)
	h.Publish(5)

	if got := drain(a); len(got) != 5 {
		t.Errorf("A saw %v", got)
	}
	got := drain(b)
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("B saw %v, want [4 5]", got)
	}
}

func TestHub_slowSubscriberDropsOldest(t *testing.T) {
	h := New[int](2)
	drops := 0
	h.OnDrop(func() { drops++ })
	_, slow := h.Subscribe()
	_, fast := h.Subscribe()

	var fastSeen []int
	for i := 1; i <= 5; i++ {
		h.Publish(i)
		fastSeen = append(fastSeen, drain(fast)...)
	}
	if len(fastSeen) != 5 {
		t.Errorf("fast subscriber lost values: %v", fastSeen)
	}
	got := drain(slow)
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("slow subscriber = %v, want [4 5]", got)
	}
	if drops != 3 || h.Stats().Dropped != 3 {
		t.Errorf("drops = %d, stats = %+v", drops, h.Stats())
	}
}

func TestHub_unsubscribeClosesChannel(t *testing.T) {
	h := New[int](1)
	counts := []int{}
	h.OnChange(func(n int) { counts = append(counts, n) })
	id, ch := h.Subscribe()
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	h.Publish(1)
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Errorf("OnChange calls = %v", counts)
	}
}
