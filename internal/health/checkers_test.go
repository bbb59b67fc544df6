package health

import (
	"context"
	"errors"
	"testing"
)

type fakeRegistry struct {
	ids     []string
	results map[string]error
}

func (f *fakeRegistry) IDs() []string { return f.ids }

func (f *fakeRegistry) CheckHealth(context.Context) map[string]error { return f.results }

func TestHomeWritable(t *testing.T) {
	c := HomeWritable(t.TempDir())
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("writable dir failed: %v", err)
	}

	c = HomeWritable("/nonexistent/wopr-home")
	if err := c.Check(context.Background()); err == nil {
		t.Error("missing dir passed")
	}
}

func TestProvidersReachable(t *testing.T) {
	down := errors.New("unreachable")

	c := ProvidersReachable(&fakeRegistry{})
	if err := c.Check(context.Background()); err == nil {
		t.Error("empty registry passed")
	}

	c = ProvidersReachable(&fakeRegistry{
		ids:     []string{"a", "b"},
		results: map[string]error{"a": down, "b": nil},
	})
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("partial outage failed readiness: %v", err)
	}

	c = ProvidersReachable(&fakeRegistry{
		ids:     []string{"a", "b"},
		results: map[string]error{"a": down, "b": down},
	})
	if err := c.Check(context.Background()); err == nil {
		t.Error("total outage passed")
	}
}
