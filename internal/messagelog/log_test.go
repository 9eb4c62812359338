package messagelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrecipe/internal/types"
)

func TestAppendDeduplicates(t *testing.T) {
	l := New()
	msg := types.NewUserMessage("https://youtu.be/abc123")

	require.True(t, l.Append(msg))
	assert.False(t, l.Append(msg), "same message twice")
	assert.False(t, l.Append(types.NewUserMessage("https://youtu.be/abc123")), "same text and sender, new id")
	assert.Equal(t, 1, l.Len())

	assert.True(t, l.Append(types.NewAssistantMessage("https://youtu.be/abc123")), "different sender")
	assert.Equal(t, 2, l.Len())
}

func TestSnapshotsAreImmutable(t *testing.T) {
	l := New()
	l.Append(types.NewUserMessage("hello"))

	snap := l.Snapshot()
	snap.Messages[0].Text = "mutated"

	assert.Equal(t, "hello", l.Snapshot().Messages[0].Text)
}

func TestUpdateDoesNotLeakIntoOldSnapshots(t *testing.T) {
	l := New()
	l.Append(types.NewStreamingMessage("Chunk"))
	before := l.Snapshot()
	id := before.Messages[0].ID

	l.Update(func(msgs []types.Message) []types.Message {
		out, ok := Edit(msgs, id, func(m *types.Message) { m.Text += " two" })
		require.True(t, ok)
		return out
	})

	assert.Equal(t, "Chunk", before.Messages[0].Text)
	got, ok := l.Find(id)
	require.True(t, ok)
	assert.Equal(t, "Chunk two", got.Text)
	assert.Greater(t, l.Snapshot().Seq, before.Seq)
}

func TestSubscribeObservesMutationOrder(t *testing.T) {
	l := New()
	var seen []int
	unsubscribe := l.Subscribe(func(s Snapshot) {
		seen = append(seen, len(s.Messages))
	})

	l.Append(types.NewUserMessage("one"))
	l.Append(types.NewAssistantMessage("two"))
	l.Append(types.NewAssistantMessage("two"))
	l.Clear()

	assert.Equal(t, []int{1, 2, 0}, seen)

	unsubscribe()
	unsubscribe()
	l.Append(types.NewUserMessage("three"))
	assert.Equal(t, []int{1, 2, 0}, seen)
}

func TestClearAndReset(t *testing.T) {
	welcome := types.NewAssistantMessage("welcome")
	l := New(welcome)
	l.Append(types.NewUserMessage("hi"))

	l.Clear(welcome)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, welcome.ID, l.Snapshot().Messages[0].ID)

	loaded := []types.Message{types.NewUserMessage("a"), types.NewAssistantMessage("b")}
	l.Reset(loaded)
	loaded[0].Text = "changed"
	assert.Equal(t, "a", l.Snapshot().Messages[0].Text)
}

func TestWithout(t *testing.T) {
	msgs := []types.Message{
		types.NewUserMessage("q"),
		types.NewPlaceholder("Generating response..."),
	}
	out := Without(msgs, IsPlaceholder)
	require.Len(t, out, 1)
	assert.Equal(t, "q", out[0].Text)
	assert.Len(t, msgs, 2)
}
