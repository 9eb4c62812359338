package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/user/chatrecipe/internal/chat"
	"github.com/user/chatrecipe/internal/routekey"
	"github.com/user/chatrecipe/internal/stream"
	"github.com/user/chatrecipe/internal/types"
)

func TestTermPrinter_StreamsIncrementally(t *testing.T) {
	var buf bytes.Buffer
	p := newTermPrinter(&buf)
	welcome := types.NewAssistantMessage(chat.WelcomeText)

	p.Render(chat.View{Key: "home", Loading: true})
	if buf.Len() != 0 {
		t.Fatalf("expected nothing while loading, got %q", buf.String())
	}

	p.Render(chat.View{Key: "home", Messages: []types.Message{welcome}})
	if !strings.Contains(buf.String(), chat.WelcomeText) {
		t.Fatalf("expected history to be printed, got %q", buf.String())
	}
	buf.Reset()

	user := types.NewUserMessage("https://youtu.be/dQw4w9WgXcQ")
	placeholder := types.NewPlaceholder(stream.FetchingPlaceholder)
	p.Render(chat.View{Key: "home", Messages: []types.Message{welcome, user, placeholder}})

	reply := types.NewStreamingMessage("Step 1")
	p.Render(chat.View{Key: "home", Messages: []types.Message{welcome, user, reply}})
	reply.Text = "Step 1, Step 2"
	p.Render(chat.View{Key: "home", Messages: []types.Message{welcome, user, reply}})
	reply.Complete = true
	p.Render(chat.View{Key: "home", Messages: []types.Message{welcome, user, reply}})

	want := "… " + stream.FetchingPlaceholder + "\nchatrecipe: Step 1, Step 2\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestTermPrinter_NewKeyReprintsHistory(t *testing.T) {
	var buf bytes.Buffer
	p := newTermPrinter(&buf)
	msg := types.NewAssistantMessage("saved reply")

	p.Render(chat.View{Key: "home", Messages: []types.Message{types.NewAssistantMessage(chat.WelcomeText)}})
	buf.Reset()

	ctx := routekey.Context{Ref: "https://youtu.be/dQw4w9WgXcQ"}
	p.Render(chat.View{Key: routekey.KeyFor(ctx), Context: ctx, Messages: []types.Message{msg}})
	out := buf.String()
	if !strings.Contains(out, ctx.Ref) || !strings.Contains(out, "saved reply") {
		t.Errorf("expected header and history, got %q", out)
	}
}

func TestRefusal(t *testing.T) {
	tests := []struct {
		view chat.View
		want string
	}{
		{chat.View{Loading: true}, "still loading"},
		{chat.View{Phase: stream.Streaming, Connected: true}, "/stop"},
		{chat.View{}, "not connected"},
	}
	for _, tt := range tests {
		if got := refusal(tt.view); !strings.Contains(got, tt.want) {
			t.Errorf("refusal(%+v) = %q, want it to mention %q", tt.view, got, tt.want)
		}
	}
}
