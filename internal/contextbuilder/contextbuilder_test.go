package contextbuilder

import (
	"context"
	"testing"

	"github.com/llmrelay/llmrelay/pkg/provider"
)

func msg(role provider.Role, content string) provider.Message {
	return provider.Message{Role: role, Content: content}
}

func TestPassthroughCopies(t *testing.T) {
	in := []provider.Message{msg(provider.RoleUser, "hi")}

	out, err := NewPassthrough().BuildContext(context.Background(), "c", in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "hi" {
		t.Fatalf("unexpected output %v", out)
	}

	out[0].Content = "mutated"
	if in[0].Content != "hi" {
		t.Fatal("input slice must not be shared with output")
	}
}

func TestWindowTrimsOldest(t *testing.T) {
	in := []provider.Message{
		msg(provider.RoleUser, "1"),
		msg(provider.RoleAssistant, "2"),
		msg(provider.RoleUser, "3"),
		msg(provider.RoleAssistant, "4"),
	}

	out, err := NewWindow(2).BuildContext(context.Background(), "c", in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Content != "3" || out[1].Content != "4" {
		t.Fatalf("window should keep the trailing messages, got %v", out)
	}
}

func TestWindowPreservesSystemMessage(t *testing.T) {
	in := []provider.Message{
		msg(provider.RoleSystem, "you are helpful"),
		msg(provider.RoleUser, "1"),
		msg(provider.RoleAssistant, "2"),
		msg(provider.RoleUser, "3"),
	}

	out, err := NewWindow(2).BuildContext(context.Background(), "c", in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("want system + 2 trailing, got %v", out)
	}
	if out[0].Role != provider.RoleSystem {
		t.Fatalf("system message must survive the trim, got %v", out[0])
	}
	if out[1].Content != "2" || out[2].Content != "3" {
		t.Fatalf("unexpected trailing window %v", out)
	}
}

func TestWindowShortConversationUntouched(t *testing.T) {
	in := []provider.Message{msg(provider.RoleUser, "only")}

	out, err := NewWindow(10).BuildContext(context.Background(), "c", in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "only" {
		t.Fatalf("unexpected output %v", out)
	}
}
