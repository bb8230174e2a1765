package artifact

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

const payload = "QFI\xfb qcow2 image payload"

func sha256sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func sha512sum(s string) string {
	sum := sha512.Sum512([]byte(s))
	return "sha512:" + hex.EncodeToString(sum[:])
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	schemes, err := Schemes()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return NewFetcher(schemes, Options{
		StoreDir: filepath.Join(dir, "store"),
		WorkDir:  filepath.Join(dir, "work"),
	})
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestOpenLocalFile(t *testing.T) {
	f := newTestFetcher(t)
	path := filepath.Join(t.TempDir(), "debian10.img")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, location := range []string{path, "file://" + path} {
		for _, checksum := range []string{"", sha256sum(payload), sha512sum(payload)} {
			r, err := f.Open(context.Background(), location, checksum)
			if err != nil {
				t.Fatalf("Open(%s, %q): %v", location, checksum, err)
			}
			if got := readAll(t, r); got != payload {
				t.Errorf("got %q, want %q", got, payload)
			}
		}
	}

	for name, tc := range map[string]struct {
		location string
		checksum string
	}{
		"missing file":       {location: "/tmp/imagekeeper-does-not-exist.img"},
		"checksum mismatch":  {location: path, checksum: sha256sum("other")},
		"unknown algorithm":  {location: path, checksum: "md5:abc"},
		"malformed checksum": {location: path, checksum: "abc"},
		"unknown scheme":     {location: "ftp://example.org/debian10.img"},
		"empty location":     {location: ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.Open(context.Background(), tc.location, tc.checksum)
			if !ikerrors.IsReason(err, ikerrors.ReasonArtifactUnavailable) {
				t.Errorf("got %v, want reason %s", err, ikerrors.ReasonArtifactUnavailable)
			}
		})
	}
}

func TestOpenHTTPIsCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/debian10.img" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	location := srv.URL + "/images/debian10.img"
	for i := 0; i < 3; i++ {
		r, err := f.Open(context.Background(), location, sha512sum(payload))
		if err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, r); got != payload {
			t.Errorf("got %q, want %q", got, payload)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected a single download, got %d", n)
	}

	entries, err := os.ReadDir(f.opts.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work directory should be empty, found %d entries", len(entries))
	}

	_, err = f.Open(context.Background(), srv.URL+"/images/missing.img", "")
	if !ikerrors.IsReason(err, ikerrors.ReasonArtifactUnavailable) {
		t.Errorf("got %v, want reason %s", err, ikerrors.ReasonArtifactUnavailable)
	}
}

func TestOpenHTTPChecksumMismatchIsNotStored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Open(context.Background(), srv.URL+"/debian10.img", sha256sum("other"))
	if !ikerrors.IsReason(err, ikerrors.ReasonArtifactUnavailable) {
		t.Fatalf("got %v, want reason %s", err, ikerrors.ReasonArtifactUnavailable)
	}
	entries, err := os.ReadDir(f.opts.StoreDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("a mismatching download must not be stored, found %d entries", len(entries))
	}
}

func TestOpenS3(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAIMAGEKEEPER")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/appliances/debian10.img" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	location := "s3://appliances/debian10.img?region=eu-west-1&path_style=true&endpoint=" + srv.URL
	r, err := f.Open(context.Background(), location, sha256sum(payload))
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, r); got != payload {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestParseLocation(t *testing.T) {
	for _, tc := range []struct {
		location string
		scheme   string
		host     string
		path     string
		wantErr  bool
	}{
		{location: "/tmp/debian10.img", scheme: "file", path: "/tmp/debian10.img"},
		{location: "images/../debian10.img", scheme: "file", path: "debian10.img"},
		{location: "file:///tmp/debian10.img", scheme: "file", path: "/tmp/debian10.img"},
		{location: "HTTPS://AppDB.example.org/debian10.img", scheme: "https", host: "appdb.example.org", path: "/debian10.img"},
		{location: "s3://bucket/path/debian10.img", scheme: "s3", host: "bucket", path: "/path/debian10.img"},
		{location: "azblob://account/container/debian10.img", scheme: "azblob", host: "account", path: "/container/debian10.img"},
		{location: "gs:///debian10.img", wantErr: true},
		{location: "file://", wantErr: true},
	} {
		u, err := parseLocation(tc.location)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLocation(%q): expected an error", tc.location)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLocation(%q): %v", tc.location, err)
			continue
		}
		got := []string{u.Scheme, u.Host, u.Path}
		if diff := cmp.Diff([]string{tc.scheme, tc.host, tc.path}, got); diff != "" {
			t.Errorf("parseLocation(%q) (-want +got):\n%s", tc.location, diff)
		}
	}
}

func TestSchemes(t *testing.T) {
	r, err := Schemes()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"azblob", "gs", "http", "https", "s3"}, r.Tags()); diff != "" {
		t.Errorf("unexpected schemes (-want +got):\n%s", diff)
	}
}
