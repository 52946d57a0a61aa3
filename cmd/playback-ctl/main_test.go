package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gftdcojp/playback-loader/pkg/playback"
)

func TestParseTime(t *testing.T) {
	got, err := parseTime("12.5s")
	if err != nil {
		t.Fatal(err)
	}
	if got != (playback.Time{Sec: 12, Nsec: 500000000}) {
		t.Errorf("parseTime(12.5s) = %+v", got)
	}

	got, err = parseTime("1970-01-01T00:00:03.000000001Z")
	if err != nil {
		t.Fatal(err)
	}
	if got != (playback.Time{Sec: 3, Nsec: 1}) {
		t.Errorf("parseTime(rfc3339) = %+v", got)
	}

	if _, err := parseTime("yesterday"); err == nil {
		t.Error("expected error for invalid time")
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "playback-ctl dev") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSeekCommand(t *testing.T) {
	var gotReq playback.SeekRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/seek" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(playback.SeekResponse{Time: gotReq.Time})
	}))
	defer srv.Close()

	out, err := runCommand(t, "--addr", srv.URL, "seek", "2s")
	if err != nil {
		t.Fatalf("seek failed: %v (%s)", err, out)
	}
	if gotReq.Time != (playback.Time{Sec: 2}) {
		t.Errorf("server got %+v, want 2s", gotReq.Time)
	}
	if !strings.Contains(out, "seeking to") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStatusCommandJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(playback.Status{Name: "drive", Initialized: true, BlockCount: 3})
	}))
	defer srv.Close()

	out, err := runCommand(t, "--addr", srv.URL, "-o", "json", "status")
	if err != nil {
		t.Fatal(err)
	}
	var st playback.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if st.Name != "drive" || st.BlockCount != 3 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStatusCommandError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(playback.ErrorResponse{Error: "not initialized", Code: playback.CodeUnavailable})
	}))
	defer srv.Close()

	if _, err := runCommand(t, "--addr", srv.URL, "status"); err == nil {
		t.Fatal("expected error from unavailable server")
	}
}
