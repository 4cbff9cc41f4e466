package resources

import "testing"

func TestListReturnsResourcesAndTemplatesSorted(t *testing.T) {
	m := NewManager()
	m.Register(Resource{URI: "b"}, func() []Content { return nil })
	m.Register(Resource{URI: "a"}, func() []Content { return nil })
	m.RegisterTemplate(Template{URITemplate: "y"})
	m.RegisterTemplate(Template{URITemplate: "x"})

	res, tmpl := m.List()
	if len(res) != 2 || res[0].URI != "a" || res[1].URI != "b" {
		t.Fatalf("List() resources = %+v, want sorted [a b]", res)
	}
	if len(tmpl) != 2 || tmpl[0].URITemplate != "x" || tmpl[1].URITemplate != "y" {
		t.Fatalf("List() templates = %+v, want sorted [x y]", tmpl)
	}
}

func TestReadReturnsFreshContentEachCall(t *testing.T) {
	m := NewManager()
	calls := 0
	m.Register(Resource{URI: "u"}, func() []Content {
		calls++
		return []Content{{URI: "u", Text: "v"}}
	})

	if _, err := m.Read("u"); err != nil {
		t.Fatalf("Read() err = %v", err)
	}
	if _, err := m.Read("u"); err != nil {
		t.Fatalf("Read() err = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (content regenerated per read)", calls)
	}
}

func TestReadUnknownURIReturnsErrNotFound(t *testing.T) {
	m := NewManager()
	if _, err := m.Read("nope"); err == nil {
		t.Fatalf("Read() err = nil, want ErrNotFound")
	}
}

func TestSubscribeUnknownURIReturnsErrNotFound(t *testing.T) {
	m := NewManager()
	if err := m.Subscribe("nope", "sess"); err == nil {
		t.Fatalf("Subscribe() err = nil, want ErrNotFound")
	}
}

func TestSubscribeThenUnsubscribeClearsSubscriber(t *testing.T) {
	m := NewManager()
	m.Register(Resource{URI: "u"}, func() []Content { return nil })

	if err := m.Subscribe("u", "sess-1"); err != nil {
		t.Fatalf("Subscribe() err = %v", err)
	}
	if subs := m.Subscribers("u"); len(subs) != 1 || subs[0] != "sess-1" {
		t.Fatalf("Subscribers() = %v, want [sess-1]", subs)
	}

	m.Unsubscribe("u", "sess-1")
	if subs := m.Subscribers("u"); len(subs) != 0 {
		t.Fatalf("Subscribers() = %v, want none after unsubscribe", subs)
	}
}

func TestUnsubscribeUnknownURIIsNotAnError(t *testing.T) {
	m := NewManager()
	m.Unsubscribe("nope", "sess")
}
