package files

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err = store.Save(ctx, "op-1/upload.csv", strings.NewReader("a,b\n1,2\n")); err != nil {
		t.Fatal(err)
	}

	f, err := store.Open(ctx, "op-1/upload.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "a,b\n1,2\n" {
		t.Errorf("unexpected content %q", got)
	}

	// overwrites replace the previous artifact
	if err = store.Save(ctx, "op-1/upload.csv", strings.NewReader("c\n")); err != nil {
		t.Fatal(err)
	}
	g, err := store.Open(ctx, "op-1/upload.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if data, err = io.ReadAll(g); err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "c\n" {
		t.Errorf("unexpected content after overwrite %q", got)
	}

	if _, err = store.Open(ctx, "op-1/missing.csv"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist; got %v", err)
	}
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err = store.Save(context.Background(), "../outside.csv", strings.NewReader("x")); err == nil {
		t.Error("expected error for a name escaping the root")
	}
	if _, err = store.Open(context.Background(), "../../etc/passwd"); err == nil {
		t.Error("expected error for a name escaping the root")
	}
}
