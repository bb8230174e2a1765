package catalog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/imagekeeper/imagekeeper/defaults"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

type lineFormat struct{}

// Parse reads one "title location" pair per line.
func (lineFormat) Parse(r io.Reader) ([]Appliance, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var list []Appliance
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		a := Appliance{Title: fields[0]}
		if len(fields) > 1 {
			a.Location = fields[1]
		}
		list = append(list, a)
	}
	return list, nil
}

func newRegistry(t *testing.T) *plugin.Registry[FormatFactory] {
	t.Helper()
	r, err := plugin.Discover(Namespace, plugin.Entry[FormatFactory]{
		Tag:     "lines",
		Factory: func() Format { return lineFormat{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.list")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	formats := newRegistry(t)

	path := writeList(t, "debian10 /tmp/debian10.img\ncentos7 /tmp/centos7.img\n")
	list, err := Load(path, "lines", formats)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"centos7", "debian10"}, Titles(list)); diff != "" {
		t.Errorf("unexpected titles (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name    string
		content string
		path    string
		tag     string
		reason  ikerrors.Reason
	}{
		{name: "unknown format", content: "a b", tag: "xml", reason: ikerrors.ReasonClassNotFound},
		{name: "missing file", path: "/nonexistent/image.list", tag: "lines", reason: ikerrors.ReasonImageListFileNotFound},
		{name: "empty list", content: "\n", tag: "lines", reason: ikerrors.ReasonNoImageFound},
		{name: "missing location", content: "debian10\n", tag: "lines", reason: ikerrors.ReasonInvalidImageList},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.path
			if p == "" {
				p = writeList(t, tc.content)
			}
			_, err := Load(p, tc.tag, formats)
			if !ikerrors.IsReason(err, tc.reason) {
				t.Errorf("got %v, want reason %s", err, tc.reason)
			}
		})
	}
}

func TestApplianceDefaults(t *testing.T) {
	a := Appliance{Title: "debian10", Location: "/tmp/debian10.img", Format: "QCOW2"}
	if got := a.DiskFormat(); got != "qcow2" {
		t.Errorf("DiskFormat() = %q", got)
	}
	if got := (Appliance{}).DiskFormat(); got != defaults.DiskFormat {
		t.Errorf("DiskFormat() without format = %q", got)
	}
	if got := a.ContainerFormatOrDefault(); got != "bare" {
		t.Errorf("ContainerFormatOrDefault() = %q", got)
	}

	ram := 2048
	for _, tc := range []struct {
		minRAM *int
		def    int
		want   int
	}{
		{minRAM: nil, def: 512, want: 512},
		{minRAM: &ram, def: 512, want: 2048},
		{minRAM: &ram, def: 4096, want: 4096},
	} {
		a.MinRAM = tc.minRAM
		if got := a.EffectiveMinRAM(tc.def); got != tc.want {
			t.Errorf("EffectiveMinRAM(%d) = %d, want %d", tc.def, got, tc.want)
		}
	}
}

func TestChanges(t *testing.T) {
	a := Appliance{
		Title:    "debian10",
		Format:   "qcow2",
		Location: "/tmp/debian10.img",
		Tags:     map[string]string{"os": "debian"},
	}

	if got := a.Changes(a.ManagedTags()); got != "" {
		t.Errorf("expected no changes, got %q", got)
	}

	image := a.ManagedTags()
	image["unrelated"] = "value"
	if got := a.Changes(image); got != "" {
		t.Errorf("unmanaged tags must be ignored, got %q", got)
	}

	image[defaults.TagLocation] = "/tmp/debian10-old.img"
	want := `changed:imagekeeper.location={"/tmp/debian10-old.img" -> "/tmp/debian10.img"}`
	if got := a.Changes(image); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	a.Version = "20240101"
	image = Appliance{Title: "debian10", Format: "qcow2", Location: "/tmp/debian10.img"}.ManagedTags()
	want = `added:imagekeeper.version="20240101"`
	if got := a.Changes(image); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDuplicates(t *testing.T) {
	list := []Appliance{{Title: "a"}, {Title: "b"}, {Title: "a"}, {Title: "a"}}
	if diff := cmp.Diff(map[string]int{"a": 3}, Duplicates(list)); diff != "" {
		t.Errorf("unexpected duplicates (-want +got):\n%s", diff)
	}
	if got := Duplicates(list[1:2]); len(got) != 0 {
		t.Errorf("expected no duplicates, got %v", got)
	}
}

func TestConvertRAM(t *testing.T) {
	for in, want := range map[int64]int{
		0:          0,
		1:          1,
		1048576:    1,
		1048577:    2,
		1073741824: 1024,
	} {
		if got := ConvertRAM(in); got != want {
			t.Errorf("ConvertRAM(%d) = %d, want %d", in, got, want)
		}
	}
}
