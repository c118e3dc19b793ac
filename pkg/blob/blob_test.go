package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := ChunkKey("s1", 3)
	n, err := s.Put(ctx, key, strings.NewReader("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Put = %d, %v", n, err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Fatalf("Get = %q", data)
	}
	if size, err := Size(s, key); err != nil || size != 5 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	if err := s.DeletePrefix(ctx, ChunkPrefix("s1")); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if ok, _ := s.Exists(ctx, key); ok {
		t.Fatal("chunk still exists after DeletePrefix")
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of a missing key must succeed: %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "jobs/../../x"} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
	if s.Path("../x") != "" {
		t.Error("Path must reject traversal")
	}
}

// TestPutIsAtomic 读取中断时不留下半写的对象
func TestPutIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	if _, err := s.Put(ctx, "jobs/j1/audio.mp3", r); err == nil {
		t.Fatal("expected Put to fail")
	}
	if ok, _ := s.Exists(ctx, "jobs/j1/audio.mp3"); ok {
		t.Fatal("failed Put left an object behind")
	}
}

func TestMoveReplacesTarget(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	staging, final := StagingKey("s1", 0, "n1"), ChunkKey("s1", 0)
	s.Put(ctx, final, strings.NewReader("old"))
	s.Put(ctx, staging, strings.NewReader("new"))

	if err := s.Move(ctx, staging, final); err != nil {
		t.Fatalf("Move: %v", err)
	}
	rc, err := s.Get(ctx, final)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "new" {
		t.Fatalf("content = %q", data)
	}
	if ok, _ := s.Exists(ctx, staging); ok {
		t.Fatal("staging object left behind")
	}
	if err := s.Move(ctx, staging, final); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Move of a missing key err = %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
