package prompts

import "testing"

func TestListReturnsRegisteredPromptsSorted(t *testing.T) {
	m := NewManager()
	m.Register(Prompt{Name: "zeta"}, func(args map[string]any) Content { return Content{} })
	m.Register(Prompt{Name: "alpha"}, func(args map[string]any) Content { return Content{} })

	list := m.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("List() = %+v, want sorted [alpha zeta]", list)
	}
}

func TestGetRendersWithArguments(t *testing.T) {
	m := NewManager()
	m.Register(Prompt{Name: "greet"}, func(args map[string]any) Content {
		name, _ := args["name"].(string)
		return Content{Messages: []Message{{Role: "user", Content: "hello " + name}}}
	})

	content, err := m.Get("greet", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("Get() err = %v", err)
	}
	if content.Messages[0].Content != "hello ada" {
		t.Fatalf("Content = %+v, want rendered greeting", content)
	}
}

func TestGetUnknownNameReturnsErrNotFound(t *testing.T) {
	m := NewManager()
	if _, err := m.Get("nope", nil); err == nil {
		t.Fatalf("Get() err = nil, want ErrNotFound")
	}
}

func TestGetNilArgumentsDoesNotPanic(t *testing.T) {
	m := NewManager()
	called := false
	m.Register(Prompt{Name: "p"}, func(args map[string]any) Content {
		called = true
		if args == nil {
			t.Fatalf("generator received nil args map")
		}
		return Content{}
	})
	if _, err := m.Get("p", nil); err != nil {
		t.Fatalf("Get() err = %v", err)
	}
	if !called {
		t.Fatalf("expected generator to be called")
	}
}
