package events

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(clk, nil), clk
}

func messages(evs []types.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Message)
	}
	return out
}

func TestStoreKeepsNewest(t *testing.T) {
	s, clk := newTestStore()
	for i := 0; i < 8; i++ {
		clk.Advance(time.Second)
		s.ForService("mon", types.EventLevelInfo, fmt.Sprintf("msg %d", i))
	}

	got := s.GetForService("mon")
	require.Len(t, got, MaxPerSubject)
	assert.Equal(t, []string{"msg 3", "msg 4", "msg 5", "msg 6", "msg 7"}, messages(got))
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
	}
}

// TestStoreCollapsesDuplicates tests that a repeated message occupies one slot
func TestStoreCollapsesDuplicates(t *testing.T) {
	s, clk := newTestStore()
	s.ForDaemon("mon.h1", types.EventLevelError, "boom")
	first := s.GetForDaemon("mon.h1")[0].Created

	clk.Advance(time.Minute)
	s.ForDaemon("mon.h1", types.EventLevelInfo, "other")
	clk.Advance(time.Minute)
	s.ForDaemon("mon.h1", types.EventLevelError, "boom")

	got := s.GetForDaemon("mon.h1")
	require.Len(t, got, 2)
	assert.Equal(t, []string{"other", "boom"}, messages(got))
	assert.True(t, got[1].Created.After(first))
}

func TestStoreSubjectsAreSeparate(t *testing.T) {
	s, _ := newTestStore()
	s.ForService("mon", types.EventLevelInfo, "a")
	s.ForDaemon("mon", types.EventLevelInfo, "b")

	assert.Equal(t, []string{"a"}, messages(s.GetForService("mon")))
	assert.Equal(t, []string{"b"}, messages(s.GetForDaemon("mon")))
	assert.Empty(t, s.GetForService("mgr"))
}

func TestFromError(t *testing.T) {
	s, _ := newTestStore()

	err := types.NewExecutionError(types.EventKindDaemon, "osd.3", "h2", errors.New("container exited"))
	assert.True(t, s.FromError(fmt.Errorf("deploy: %w", err)))
	got := s.GetForDaemon("osd.3")
	require.Len(t, got, 1)
	assert.Equal(t, types.EventLevelError, got[0].Level)
	assert.Contains(t, got[0].Message, "container exited")

	assert.False(t, s.FromError(errors.New("plain")))
}

func TestCleanup(t *testing.T) {
	s, _ := newTestStore()
	s.ForService("mon", types.EventLevelInfo, "x")
	s.ForService("rgw.gone", types.EventLevelInfo, "x")
	s.ForDaemon("mon.h1", types.EventLevelInfo, "x")
	s.ForDaemon("mon.h9", types.EventLevelInfo, "x")

	removed := s.Cleanup([]string{"mon"}, []string{"mon.h1"})
	assert.Equal(t, 2, removed)
	assert.Len(t, s.GetForService("mon"), 1)
	assert.Empty(t, s.GetForService("rgw.gone"))
	assert.Len(t, s.GetForDaemon("mon.h1"), 1)
	assert.Empty(t, s.GetForDaemon("mon.h9"))
}

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	s := NewStore(clock.Real{}, b)
	s.ForService("mgr", types.EventLevelInfo, "deployed")

	select {
	case e := <-sub:
		assert.Equal(t, "service:mgr", e.Key())
		assert.Equal(t, "deployed", e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub
	assert.False(t, ok)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&types.Event{Kind: types.EventKindService, Subject: "mon", Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}
