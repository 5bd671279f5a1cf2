package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/format"
)

func TestPublishFansOutAndFilters(t *testing.T) {
	h := New()
	all := NewChan("all", 4)
	drops := NewChan("drops", 4, Drop)
	h.Register(all)
	h.Register(drops)
	require.Equal(t, 2, h.Listeners())

	h.Publish(Event{Kind: DragUpdate, Session: "s1", Operation: "copy"})
	h.Publish(Event{Kind: Drop, Session: "s1", Formats: []format.ID{format.Text}})

	require.Equal(t, DragUpdate, (<-all.C()).Kind)
	ev := <-all.C()
	require.Equal(t, Drop, ev.Kind)
	require.False(t, ev.Time.IsZero())

	require.Equal(t, Drop, (<-drops.C()).Kind)
	require.Empty(t, drops.C())

	h.Unregister(all)
	h.Publish(Event{Kind: DragEnd, Session: "s1"})
	require.Empty(t, all.C())
}

func TestRegisterReplaysLatestClipboard(t *testing.T) {
	h := New()
	h.Publish(Event{Kind: ClipboardChanged, Formats: []format.ID{format.HTML}})

	l := NewChan("late", 1)
	h.Register(l)
	ev := <-l.C()
	require.Equal(t, ClipboardChanged, ev.Kind)
	require.Equal(t, []format.ID{format.HTML}, ev.Formats)

	latest, ok := h.Latest(ClipboardChanged)
	require.True(t, ok)
	require.Equal(t, ev, latest)
}

func TestSlowListenerNeverBlocks(t *testing.T) {
	h := New()
	l := NewChan("slow", 1)
	h.Register(l)
	for i := 0; i < 10; i++ {
		h.Publish(Event{Kind: TargetMove, Target: "canvas"})
	}
	require.Len(t, l.C(), 1)
	require.Equal(t, uint64(9), l.Dropped())
}
