package ingress_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
	"github.com/YspCoder/picrelay/ingress"
)

const pngB64 = "iVBORw0KGgo="

type fakeSource struct {
	current string
	replied string
	recent  []string
}

func (f *fakeSource) CurrentImage(context.Context) (string, error) {
	return f.current, nil
}

func (f *fakeSource) RepliedImage(context.Context) (string, error) {
	return f.replied, nil
}

func (f *fakeSource) RecentImages(_ context.Context, n int) ([]string, error) {
	if len(f.recent) > n {
		return f.recent[:n], nil
	}
	return f.recent, nil
}

func TestResolvePriority(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())

	cases := []struct {
		name   string
		source *fakeSource
		want   string
	}{
		{"current wins", &fakeSource{current: pngB64, replied: "/9j/xxx", recent: []string{"UklGRxxx"}}, pngB64},
		{"replied next", &fakeSource{replied: "/9j/xxx", recent: []string{"UklGRxxx"}}, "/9j/xxx"},
		{"recent last", &fakeSource{recent: []string{"", "UklGRxxx"}}, "UklGRxxx"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(context.Background(), tc.source)
		if err != nil {
			t.Fatalf("%s: Resolve: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestResolveStripsDataURI(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())
	source := &fakeSource{current: "data:image/png;base64," + pngB64}

	got, err := r.Resolve(context.Background(), source)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != pngB64 {
		t.Errorf("expected bare payload %q, got %q", pngB64, got)
	}
}

func TestResolveWithoutImage(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())

	_, err := r.Resolve(context.Background(), &fakeSource{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if dto.KindOf(err) != dto.KindPrecondition {
		t.Errorf("expected precondition error, got %v", dto.KindOf(err))
	}
}

func TestProbeFirstReturnsSuccess(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())
	fetch := func(_ context.Context, ref string) (string, error) {
		if ref == "good" {
			return pngB64, nil
		}
		return "", errors.New("not found")
	}

	got, err := r.ProbeFirst(context.Background(), []string{"bad", "good"}, fetch)
	if err != nil {
		t.Fatalf("ProbeFirst: %v", err)
	}
	if got != pngB64 {
		t.Errorf("expected %q, got %q", pngB64, got)
	}
}

func TestProbeFirstSkipsRecentFailures(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())

	var mu sync.Mutex
	calls := 0
	fetch := func(context.Context, string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "", errors.New("not found")
	}

	if _, err := r.ProbeFirst(context.Background(), []string{"a", "b"}, fetch); err == nil {
		t.Fatal("expected an error when every probe fails")
	}
	mu.Lock()
	first := calls
	mu.Unlock()
	if first != 2 {
		t.Fatalf("expected 2 fetches, got %d", first)
	}

	// Both refs are now in the negative cache; a second probe must not
	// fetch at all.
	if _, err := r.ProbeFirst(context.Background(), []string{"a", "b"}, fetch); err == nil {
		t.Fatal("expected an error")
	}
	mu.Lock()
	second := calls
	mu.Unlock()
	if second != first {
		t.Errorf("expected no additional fetches, got %d", second-first)
	}
}

func TestProbeFirstRejectsNonImagePayload(t *testing.T) {
	r := ingress.NewResolver(zap.NewNop())
	fetch := func(context.Context, string) (string, error) {
		return "definitely not base64 image data", nil
	}

	if _, err := r.ProbeFirst(context.Background(), []string{"a"}, fetch); err == nil {
		t.Fatal("expected an error for a non-image payload")
	}
}
