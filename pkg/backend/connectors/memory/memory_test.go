package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/imagekeeper/imagekeeper/defaults"
	"github.com/imagekeeper/imagekeeper/pkg/artifact"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	schemes, err := artifact.Schemes()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	r := New(backend.Options{
		Name:          "siteA",
		DefaultMinRAM: 512,
		Artifacts:     artifact.NewFetcher(schemes, artifact.Options{StoreDir: filepath.Join(dir, "store")}),
	})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r, dir
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func statuses(t *testing.T, r *Registry, name string) map[backend.Status]int {
	t.Helper()
	images, err := r.ListImages(context.Background(), &backend.ImageFilter{Name: name})
	if err != nil {
		t.Fatal(err)
	}
	res := map[backend.Status]int{}
	for _, img := range images {
		res[img.Status]++
	}
	return res
}

func TestAddImage(t *testing.T) {
	ctx := context.Background()
	r, dir := newRegistry(t)
	a := catalog.Appliance{
		Title:    "debian10",
		Format:   "qcow2",
		Location: writeArtifact(t, dir, "debian10.img", "debian"),
		Tags:     map[string]string{"os": "debian"},
	}

	id, err := r.AddImage(ctx, a)
	if err != nil {
		t.Fatal(err)
	}

	images, err := r.ListImages(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 {
		t.Fatalf("expected one image, got %d", len(images))
	}
	img := images[0]
	if img.ID != id || img.Name != "debian10" || img.Status != backend.StatusActive {
		t.Errorf("unexpected image %+v", img)
	}
	if img.MinRAM != 512 {
		t.Errorf("got min RAM %d, want the default 512", img.MinRAM)
	}
	if img.Visibility != defaults.Visibility {
		t.Errorf("got visibility %q", img.Visibility)
	}
	if img.Tags["os"] != "debian" || img.Tags[defaults.TagLocation] != a.Location {
		t.Errorf("unexpected tags %v", img.Tags)
	}

	sum := sha256.Sum256([]byte("debian"))
	if digest, _ := r.Digest(id); digest != hex.EncodeToString(sum[:]) {
		t.Errorf("got digest %s", digest)
	}
}

func TestAddImageUnreadableArtifact(t *testing.T) {
	r, dir := newRegistry(t)
	_, err := r.AddImage(context.Background(), catalog.Appliance{
		Title:    "debian10",
		Location: filepath.Join(dir, "missing.img"),
	})
	if !ikerrors.IsReason(err, ikerrors.ReasonArtifactUnavailable) {
		t.Fatalf("got %v, want reason %s", err, ikerrors.ReasonArtifactUnavailable)
	}
	images, _ := r.ListImages(context.Background(), nil)
	if len(images) != 0 {
		t.Errorf("no image must be created, got %d", len(images))
	}
}

func TestUpdateThenDeleteDisabled(t *testing.T) {
	ctx := context.Background()
	r, dir := newRegistry(t)
	a := catalog.Appliance{Title: "debian10", Location: writeArtifact(t, dir, "v1.img", "v1")}
	if _, err := r.AddImage(ctx, a); err != nil {
		t.Fatal(err)
	}

	a.Location = writeArtifact(t, dir, "v2.img", "v2")
	newID, err := r.UpdateImage(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if got := statuses(t, r, "debian10"); got[backend.StatusActive] != 1 || got[backend.StatusDisabled] != 1 {
		t.Errorf("after update: got %v", got)
	}

	deleted, err := r.DeleteDisabled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 {
		t.Errorf("expected one deleted image, got %v", deleted)
	}
	if got := statuses(t, r, "debian10"); got[backend.StatusActive] != 1 || got[backend.StatusDisabled] != 0 {
		t.Errorf("after cleanup: got %v", got)
	}

	images, _ := r.ListImages(ctx, &backend.ImageFilter{Status: backend.StatusActive})
	if len(images) != 1 || images[0].ID != newID {
		t.Errorf("the active image should be %s, got %+v", newID, images)
	}

	deleted, err = r.DeleteDisabled(ctx)
	if err != nil || len(deleted) != 0 {
		t.Errorf("second cleanup must be a no-op, got %v, %v", deleted, err)
	}
}

func TestDeprecateNothing(t *testing.T) {
	r, _ := newRegistry(t)
	found, err := r.DeprecateImage(context.Background(), "debian10")
	if err != nil || found {
		t.Errorf("got %v, %v; want false, nil", found, err)
	}
}

func TestNotConnected(t *testing.T) {
	r := New(backend.Options{Name: "siteA"})
	images, err := r.ListImages(context.Background(), nil)
	if !ikerrors.IsReason(err, ikerrors.ReasonImageListFailed) {
		t.Errorf("got %v, want reason %s", err, ikerrors.ReasonImageListFailed)
	}
	if images == nil || len(images) != 0 {
		t.Errorf("a failed listing must return an empty list, got %#v", images)
	}
	if _, err := r.DeprecateImage(context.Background(), "debian10"); !ikerrors.IsReason(err, ikerrors.ReasonUnknown) {
		t.Errorf("got %v, want reason %s", err, ikerrors.ReasonUnknown)
	}
}
