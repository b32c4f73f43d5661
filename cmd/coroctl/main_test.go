package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rogpeppe/go-internal/testscript"

	"github.com/kmrgirish/gocoro/tsc"
)

func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"coroctl": main1,
	}))
}

func main1() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func TestScript(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata/script",
	})
}

func TestParseDelays(t *testing.T) {
	got, err := parseDelays("30, 10,0")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]tsc.Tick{30, 10, 0}, got); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}
	if _, err := parseDelays("1,x"); err == nil {
		t.Error("bad delay accepted")
	}
	if got, err := parseDelays(""); got != nil || err != nil {
		t.Errorf("empty: %v, %v", got, err)
	}
	if _, err := parseDelays("18446744073709551615"); err == nil {
		t.Error("never-firing delay accepted")
	}
}

func TestSleepersRejectsLargestMaxDelay(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"sleepers", "-max-delay=18446744073709551615"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("exit 0, stdout %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "max-delay must be below") {
		t.Errorf("stderr %q", stderr.String())
	}
}

func TestSleepersOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"sleepers", "-delays=30,10,20,10", "-workers=2"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %q", stdout.String())
	}
	for _, i := range []int{0, 2} {
		want := "1@10 3@10 2@20 0@30"
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %q, want suffix %q", lines[i], want)
		}
	}
	if !strings.Contains(lines[1], "switches 8 timers 4") {
		t.Errorf("summary %q", lines[1])
	}
}
