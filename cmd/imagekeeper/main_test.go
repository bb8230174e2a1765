package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/reconcile"
)

type fixture struct {
	dir        string
	cloudList  string
	imageList  string
	debianPath string
}

func newFixture(t *testing.T, clouds string) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.cloudList = filepath.Join(f.dir, "clouds.json")
	f.imageList = filepath.Join(f.dir, "image.list")
	f.debianPath = filepath.Join(f.dir, "debian10.img")
	if err := os.WriteFile(f.cloudList, []byte(clouds), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.debianPath, []byte("debian 10"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.writeImageList(t, f.debianPath)
	return f
}

func (f *fixture) writeImageList(t *testing.T, location string) {
	t.Helper()
	list := fmt.Sprintf(`[{"title":"debian10","format":"qcow2","location":%q}]`, location)
	if err := os.WriteFile(f.imageList, []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) args(cmd string, extra ...string) []string {
	args := []string{
		cmd,
		"--cloud-list", f.cloudList,
		"--image-list", f.imageList,
		"--image-format", "imagekeeper",
		"--store-dir", filepath.Join(f.dir, "store"),
		"--work-dir", filepath.Join(f.dir, "work"),
	}
	return append(args, extra...)
}

func execute(t *testing.T, args ...string) (*app, string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp(&out)
	cmd := a.command()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return a, out.String(), err
}

func TestSync(t *testing.T) {
	f := newFixture(t, `[{"name":"siteA","type":"mockRegistry","parameters":{}}]`)

	a, out, err := execute(t, f.args("sync", "-o", "json")...)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if a.exitCode != exitOK {
		t.Errorf("got exit code %d, want %d", a.exitCode, exitOK)
	}

	var report reconcile.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unable to decode %q: %v", out, err)
	}
	if len(report.Backends) != 1 || report.Backends[0].Status != reconcile.StatusSucceeded {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := report.Backends[0].Appliances[0].Outcome; got != reconcile.OutcomeAdded {
		t.Errorf("got outcome %s, want %s", got, reconcile.OutcomeAdded)
	}
}

func TestSyncPartialFailure(t *testing.T) {
	f := newFixture(t, `[{"name":"siteA","type":"mockRegistry","parameters":{}}]`)
	f.writeImageList(t, filepath.Join(f.dir, "missing.img"))

	a, out, err := execute(t, f.args("sync")...)
	if err == nil || !strings.Contains(err.Error(), "1 of 1 backends failed: siteA") {
		t.Fatalf("got %v, want a backend failure\n%s", err, out)
	}
	if a.exitCode != exitPartial {
		t.Errorf("got exit code %d, want %d", a.exitCode, exitPartial)
	}
	if !strings.Contains(out, "Failed") {
		t.Errorf("the report does not show the failure:\n%s", out)
	}
}

func TestSyncConfigurationErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		clouds string
		extra  []string
		reason ikerrors.Reason
	}{
		{
			name:   "duplicate backend",
			clouds: `[{"name":"siteA","type":"mockRegistry","parameters":{}},{"name":"siteA","type":"mockRegistry","parameters":{}}]`,
			reason: ikerrors.ReasonDuplicateBackendName,
		},
		{
			name:   "unknown connector",
			clouds: `[{"name":"siteA","type":"vmware","parameters":{}}]`,
			reason: ikerrors.ReasonBackendNotFound,
		},
		{
			name:   "unknown format",
			clouds: `[{"name":"siteA","type":"mockRegistry","parameters":{}}]`,
			extra:  []string{"--image-format", "appdb"},
			reason: ikerrors.ReasonClassNotFound,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.clouds)
			a, _, err := execute(t, f.args("sync", tc.extra...)...)
			if !ikerrors.IsReason(err, tc.reason) {
				t.Errorf("got %v, want reason %s", err, tc.reason)
			}
			if a.exitCode != exitConfiguration {
				t.Errorf("got exit code %d, want %d", a.exitCode, exitConfiguration)
			}
		})
	}

	f := newFixture(t, `[]`)
	a, _, err := execute(t, f.args("sync", "--workers", "0")...)
	if err == nil || a.exitCode != exitConfiguration {
		t.Errorf("got %v with exit code %d, want an invalid configuration", err, a.exitCode)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	f := newFixture(t, `[{"name":"siteA","type":"mockRegistry","parameters":{}}]`)
	t.Setenv("IMAGEKEEPER_CLOUD_LIST", f.cloudList)
	t.Setenv("IMAGEKEEPER_IMAGE_LIST", f.imageList)
	t.Setenv("IMAGEKEEPER_IMAGE_FORMAT", "imagekeeper")

	a, out, err := execute(t, "validate")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if a.exitCode != exitOK {
		t.Errorf("got exit code %d", a.exitCode)
	}
}

func TestConfigFile(t *testing.T) {
	f := newFixture(t, `[{"name":"siteA","type":"mockRegistry","parameters":{}}]`)
	config := filepath.Join(f.dir, "imagekeeper.yaml")
	data := fmt.Sprintf("cloud-list: %s\nimage-list: %s\nimage-format: imagekeeper\n", f.cloudList, f.imageList)
	if err := os.WriteFile(config, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, out, err := execute(t, "validate", "--config", config)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}

	a, _, err := execute(t, "validate", "--config", filepath.Join(f.dir, "missing.yaml"))
	if err == nil || a.exitCode != exitConfiguration {
		t.Errorf("got %v with exit code %d, want a configuration error", err, a.exitCode)
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t, `- name: siteA
  type: mockRegistry
  parameters: {}
- name: siteB
  type: openstack
  parameters:
    auth_type: v3password
`)
	_, out, err := execute(t, f.args("validate")...)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	for _, want := range []string{"2 backends (siteA, siteB)", "1 appliances (debian10)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}

	list := fmt.Sprintf(`[{"title":"debian10","location":%q},{"title":"debian10","location":%q}]`, f.debianPath, f.debianPath)
	if err := os.WriteFile(f.imageList, []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}
	a, _, err := execute(t, f.args("validate")...)
	if err == nil || !strings.Contains(err.Error(), "debian10 (2 times)") {
		t.Errorf("got %v, want a duplicate appliance error", err)
	}
	if a.exitCode != exitPartial {
		t.Errorf("got exit code %d, want %d", a.exitCode, exitPartial)
	}
}

func TestPlugins(t *testing.T) {
	_, out, err := execute(t, "plugins")
	if err != nil {
		t.Fatal(err)
	}
	var rows []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		rows = append(rows, strings.Join(strings.Fields(line), " "))
	}
	for _, want := range []string{
		"NAMESPACE TAG IMPLEMENTATION",
		"connector mockRegistry memory",
		"connector openstack glance",
		"image list format helixnebula HelixNebula",
		"artifact scheme s3 aws-s3",
	} {
		found := false
		for _, row := range rows {
			if row == want {
				found = true
			}
		}
		if !found {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}
