package prompt

import (
	"reflect"
	"testing"

	"github.com/nugget/thane-gateway/internal/llm"
)

func TestCompose_WithSystemPrompt(t *testing.T) {
	dialog := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	got := Compose("be nice", dialog, "how are you")

	want := []llm.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compose = %+v, want %+v", got, want)
	}
}

func TestCompose_EmptySystemPromptOmitted(t *testing.T) {
	got := Compose("", nil, "hi")
	want := []llm.Message{{Role: "user", Content: "hi"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compose = %+v, want %+v", got, want)
	}
}

func TestCompose_EmptyDialog(t *testing.T) {
	got := Compose("system", []llm.Message{}, "first message")
	want := []llm.Message{
		{Role: "system", Content: "system"},
		{Role: "user", Content: "first message"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compose = %+v, want %+v", got, want)
	}
}

func TestCompose_DoesNotMutateDialog(t *testing.T) {
	dialog := []llm.Message{{Role: "user", Content: "hi"}}
	_ = Compose("sys", dialog, "next")
	if len(dialog) != 1 {
		t.Fatalf("Compose mutated caller's dialog slice, len = %d", len(dialog))
	}
}
