package formats

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistry(t *testing.T) {
	r, err := Registry()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"helixnebula", "imagekeeper"}, r.Tags()); diff != "" {
		t.Errorf("unexpected tags (-want +got):\n%s", diff)
	}
	if _, err := r.Resolve("helixnebula"); err != nil {
		t.Errorf("resolve(helixnebula): %v", err)
	}
}
