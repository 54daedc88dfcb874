package blob

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSafeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"my photo (1).jpg", "my_photo_1_.jpg"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"söme fïle.png", "s_me_f_le.png"},
		{"", "upload"},
		{"///", "_"},
	}
	for _, c := range cases {
		if got := SafeFilename(c.in); got != c.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("a", 300) + ".jpg"
	if got := SafeFilename(long); len(got) != 120 {
		t.Errorf("expected cap at 120 chars, got %d", len(got))
	}
}

func TestKeys(t *testing.T) {
	if got := InputKey("j1", "a.jpg"); got != "jobs/j1/input/a.jpg" {
		t.Errorf("InputKey = %q", got)
	}
	if got := OutputKey("j1"); got != "jobs/j1/output/output.jpg" {
		t.Errorf("OutputKey = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.SignURL(ctx, "missing", time.Minute); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Upload(ctx, "jobs/j1/input/a.jpg", "image/jpeg", strings.NewReader("payload")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, ok := m.Get("jobs/j1/input/a.jpg")
	if !ok || string(data) != "payload" {
		t.Fatalf("stored object mismatch: %q, %v", data, ok)
	}

	u, err := m.SignURL(ctx, "jobs/j1/input/a.jpg", time.Minute)
	if err != nil {
		t.Fatalf("SignURL: %v", err)
	}
	if !strings.HasPrefix(u, "memory://blob/") {
		t.Errorf("unexpected url %q", u)
	}

	if err := m.Delete(ctx, "jobs/j1/input/a.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("jobs/j1/input/a.jpg"); ok {
		t.Errorf("expected object deleted")
	}
	// Deleting again stays silent.
	if err := m.Delete(ctx, "jobs/j1/input/a.jpg"); err != nil {
		t.Fatalf("Delete (missing): %v", err)
	}
}
