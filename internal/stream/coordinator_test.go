package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/channel/channeltest"
	"github.com/user/chatrecipe/internal/loop"
	"github.com/user/chatrecipe/internal/messagelog"
	"github.com/user/chatrecipe/internal/types"
)

type harness struct {
	log      *messagelog.Log
	fake     *channeltest.Fake
	sched    *loop.Manual
	coord    *Coordinator
	outcomes []Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		log:   messagelog.New(),
		fake:  channeltest.New(),
		sched: loop.NewManual(),
	}
	h.coord = New(h.log, h.fake, h.sched, Options{
		OnOutcome: func(o Outcome) { h.outcomes = append(h.outcomes, o) },
	})
	_, err := h.fake.Subscribe(h.coord.HandleEvent)
	require.NoError(t, err)
	return h
}

func (h *harness) messages() []types.Message {
	return h.log.Snapshot().Messages
}

func (h *harness) assistantMessages() []types.Message {
	var out []types.Message
	for _, m := range h.messages() {
		if m.Sender == types.SenderAssistant && !m.IsLoadingPlaceholder {
			out = append(out, m)
		}
	}
	return out
}

func countActive(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Streaming() {
			n++
		}
	}
	return n
}

func TestScenarioFetchStream(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.log.Append(types.NewUserMessage("https://youtu.be/abc123")))

	require.True(t, h.coord.Begin(channel.FetchContent("https://youtu.be/abc123")))
	assert.Equal(t, AwaitingFirstChunk, h.coord.Phase())

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsLoadingPlaceholder)
	assert.Equal(t, FetchingPlaceholder, msgs[1].Text)

	req, ok := h.fake.Last()
	require.True(t, ok)
	assert.Equal(t, channel.RequestFetchContent, req.Name)
	assert.Equal(t, "https://youtu.be/abc123", req.Identifier)

	h.fake.Chunk(channel.EventContentStream, "## Pancakes  \r\n\r\n\r\n", "srv-1")
	assert.Equal(t, Streaming, h.coord.Phase())
	msgs = h.messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].IsLoadingPlaceholder)
	assert.True(t, msgs[1].Streaming())

	h.fake.Chunk(channel.EventContentStream, "- flour\n", "srv-1")
	h.fake.Complete(channel.EventContentStream)

	assert.Equal(t, Done, h.coord.Phase())
	msgs = h.messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Complete)
	assert.Equal(t, "## Pancakes\n\n- flour", msgs[1].Text)
	_, active := h.coord.ActiveMessageID()
	assert.False(t, active)

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, Completed, h.outcomes[0].Kind)
	assert.Equal(t, msgs[1].ID, h.outcomes[0].MessageID)
}

func TestScenarioStopDiscardsLateChunks(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("how long do I bake it?"))
	h.fake.Chunk(channel.EventResponse, "Bake for", "srv-7")
	h.fake.Chunk(channel.EventResponse, " 20 minutes", "srv-7")

	require.True(t, h.coord.Stop())
	assert.Equal(t, Stopping, h.coord.Phase())

	stop, ok := h.fake.Last()
	require.True(t, ok)
	assert.Equal(t, channel.RequestStop, stop.Name)
	assert.Equal(t, "srv-7", stop.MessageID)

	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	final := replies[0]
	assert.True(t, final.Complete)
	assert.True(t, final.Stopped)
	assert.Equal(t, "Bake for 20 minutes"+StoppedSuffix, final.Text)

	h.sched.Advance(50 * time.Millisecond)
	h.fake.Chunk(channel.EventResponse, " at 180C", "srv-7")
	h.fake.Complete(channel.EventResponse)
	h.fake.Fail(channel.EventResponse, "cancelled", "")

	replies = h.assistantMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, final.Text, replies[0].Text)
	assert.Equal(t, Stopping, h.coord.Phase())

	h.sched.Advance(DefaultStopTimeout)
	assert.Equal(t, Idle, h.coord.Phase())
	require.Len(t, h.outcomes, 1)
	assert.Equal(t, Stopped, h.outcomes[0].Kind)
}

func TestStopAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "partial", "")
	h.coord.Stop()

	h.fake.AckStop()
	assert.Equal(t, Idle, h.coord.Phase())
	assert.Equal(t, 0, h.sched.Pending(), "stop timer should be cancelled")

	stop, _ := h.fake.Last()
	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, string(replies[0].ID), stop.MessageID, "falls back to the local id without a server id")
}

func TestStoppedPayloadEndsStopping(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "partial", "srv-1")
	h.coord.Stop()

	h.fake.Deliver(channel.EventResponse, channel.Payload{Stopped: true})
	assert.Equal(t, Idle, h.coord.Phase())
}

func TestStopBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	req := channel.Generate("q")
	h.coord.Begin(req)

	require.True(t, h.coord.Stop())
	stop, _ := h.fake.Last()
	assert.Equal(t, string(req.ID), stop.MessageID)
	assert.Empty(t, h.messages(), "placeholder removed")

	h.fake.Chunk(channel.EventResponse, "late", "srv-1")
	assert.Empty(t, h.messages())
	assert.False(t, h.coord.Stop(), "already stopping")
}

func TestAtMostOneActiveStream(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.coord.Begin(channel.Generate("first")))
	assert.False(t, h.coord.Begin(channel.Generate("second")))

	h.fake.Chunk(channel.EventResponse, "a", "srv-1")
	assert.False(t, h.coord.Begin(channel.Generate("third")))
	assert.Len(t, h.fake.Emitted(), 1)
	assert.LessOrEqual(t, countActive(h.messages()), 1)

	h.fake.Complete(channel.EventResponse)
	assert.True(t, h.coord.Begin(channel.Generate("fourth")))
	assert.Len(t, h.fake.Emitted(), 2)
	assert.LessOrEqual(t, countActive(h.messages()), 1)
}

func TestBeginRejectedWhileStopping(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.coord.Stop()
	assert.False(t, h.coord.Begin(channel.Generate("again")))

	h.sched.Advance(DefaultStopTimeout)
	assert.True(t, h.coord.Begin(channel.Generate("again")))
}

func TestErrorFinalizesPartialReply(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "half an answer  \n", "srv-1")
	h.fake.Fail(channel.EventResponse, "model overloaded", channel.ErrorKindGeneration)

	assert.Equal(t, Idle, h.coord.Phase())
	replies := h.assistantMessages()
	require.Len(t, replies, 2)
	assert.True(t, replies[0].Complete)
	assert.Equal(t, "half an answer", replies[0].Text)
	assert.True(t, replies[1].Error)
	assert.Equal(t, "Error: model overloaded", replies[1].Text)

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, Errored, h.outcomes[0].Kind)
	assert.Equal(t, channel.ErrorKindGeneration, h.outcomes[0].ErrKind)
}

func TestFetchErrorMessage(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.FetchContent("not a video"))
	h.fake.Fail(channel.EventContentStream, "no transcript", channel.ErrorKindResource)

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Error fetching recipe: no transcript", msgs[0].Text)
	assert.Equal(t, channel.ErrorKindResource, h.outcomes[0].ErrKind)
}

func TestEmitFailureResolvesAsError(t *testing.T) {
	h := newHarness(t)
	h.fake.FailEmits(channel.ErrNotConnected)

	require.True(t, h.coord.Begin(channel.Generate("q")))
	assert.Equal(t, Idle, h.coord.Phase())
	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Error)
	assert.True(t, strings.HasPrefix(msgs[0].Text, GenerateErrorPrefix))
}

func TestDiscardsOtherStreamsAndServerIDs(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))

	h.fake.Chunk(channel.EventContentStream, "wrong stream", "srv-1")
	assert.Equal(t, AwaitingFirstChunk, h.coord.Phase())

	h.fake.Chunk(channel.EventResponse, "right", "srv-1")
	h.fake.Chunk(channel.EventResponse, " stale", "srv-0")
	h.fake.Chunk(channel.EventResponse, " more", "")

	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, "right more", replies[0].Text)
}

func TestEventsAfterDoneDiscarded(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "answer", "srv-1")
	h.fake.Complete(channel.EventResponse)

	h.fake.Chunk(channel.EventResponse, " replayed", "srv-1")
	h.fake.Fail(channel.EventResponse, "late", "")
	h.fake.AckStop()

	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, "answer", replies[0].Text)
	assert.Len(t, h.outcomes, 1)
}

func TestRemoteStopWhileStreaming(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "cut", "srv-1")
	h.fake.Deliver(channel.EventResponse, channel.Payload{Stopped: true})

	assert.Equal(t, Idle, h.coord.Phase())
	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Stopped)
	assert.True(t, replies[0].Complete)
}

func TestAbandonLeavesPartialIncomplete(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "partial", "srv-3")

	h.coord.Abandon()
	assert.Equal(t, Idle, h.coord.Phase())
	stop, _ := h.fake.Last()
	assert.Equal(t, channel.RequestStop, stop.Name)
	assert.Equal(t, "srv-3", stop.MessageID)

	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.False(t, replies[0].Complete)

	h.fake.Chunk(channel.EventResponse, " more", "srv-3")
	assert.Equal(t, "partial", h.assistantMessages()[0].Text)
}

func TestStoppedReplyNotAdoptedByNextRequest(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.Generate("first"))
	h.fake.Chunk(channel.EventResponse, "old-1 ", "srv-A")
	h.coord.Stop()
	h.sched.Advance(DefaultStopTimeout)
	require.Equal(t, Idle, h.coord.Phase())

	require.True(t, h.coord.Begin(channel.Generate("second")))
	h.fake.Chunk(channel.EventResponse, "old-2 ", "srv-A")
	assert.Equal(t, AwaitingFirstChunk, h.coord.Phase())

	h.fake.Chunk(channel.EventResponse, "new-1", "srv-B")
	id, ok := h.coord.ActiveMessageID()
	require.True(t, ok)
	replies := h.assistantMessages()
	require.Len(t, replies, 2)
	assert.Equal(t, id, replies[1].ID)
	assert.Equal(t, "new-1", replies[1].Text)
}

func TestAbandonedReplyNotAdoptedBySharingCoordinator(t *testing.T) {
	h := newHarness(t)
	retired := &Retired{}
	old := New(messagelog.New(), h.fake, h.sched, Options{Retired: retired})
	_, err := h.fake.Subscribe(old.HandleEvent)
	require.NoError(t, err)
	h.coord = New(h.log, h.fake, h.sched, Options{Retired: retired})
	_, err = h.fake.Subscribe(h.coord.HandleEvent)
	require.NoError(t, err)

	old.Begin(channel.Generate("q"))
	h.fake.Chunk(channel.EventResponse, "abandoned", "srv-A")
	old.Abandon()

	h.coord.Begin(channel.Generate("q2"))
	h.fake.Chunk(channel.EventResponse, " tail", "srv-A")
	assert.Equal(t, AwaitingFirstChunk, h.coord.Phase())
	h.fake.Chunk(channel.EventResponse, "fresh", "srv-B")
	replies := h.assistantMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, "fresh", replies[0].Text)
}

func TestActiveMessageClearedOnEveryEnding(t *testing.T) {
	endings := map[string]func(h *harness){
		"error":       func(h *harness) { h.fake.Fail(channel.EventResponse, "boom", "") },
		"stop":        func(h *harness) { h.coord.Stop() },
		"remote stop": func(h *harness) { h.fake.Deliver(channel.EventResponse, channel.Payload{Stopped: true}) },
		"complete":    func(h *harness) { h.fake.Complete(channel.EventResponse) },
	}
	for name, end := range endings {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.coord.Begin(channel.Generate("q"))
			h.fake.Chunk(channel.EventResponse, "part", "srv-1")
			_, active := h.coord.ActiveMessageID()
			require.True(t, active)

			end(h)
			_, active = h.coord.ActiveMessageID()
			assert.False(t, active)
			require.NotEmpty(t, h.outcomes)
			assert.NotEmpty(t, h.outcomes[0].MessageID)
		})
	}
}

func TestEmptyCompletionIsAnError(t *testing.T) {
	h := newHarness(t)
	h.coord.Begin(channel.FetchContent("https://youtu.be/abc123"))
	h.fake.Complete(channel.EventContentStream)

	assert.Equal(t, Idle, h.coord.Phase())
	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Error)
	assert.Equal(t, FetchErrorPrefix+EmptyReplyReason, msgs[0].Text)

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, Errored, h.outcomes[0].Kind)
	assert.Empty(t, h.outcomes[0].ErrKind)
}
