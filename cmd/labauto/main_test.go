package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/labauto/data"
	"github.com/nasa-jpl/labauto/keysight"
	"github.com/nasa-jpl/labauto/sweep"
)

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"start=-1.5", "stop=2.0", "points=21", "prefix=IV", "directory=-data"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"start":     -1.5,
		"stop":      2.0,
		"points":    21,
		"prefix":    "IV",
		"directory": "-data",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed args differ (-want +got):\n%s", diff)
	}
	if _, err := parseArgs([]string{"points"}); err == nil {
		t.Error("expected an argument without = to fail")
	}
}

func TestMockCatalog(t *testing.T) {
	c := defaultConfig()
	c.Mock = true
	c.DataDir = t.TempDir()
	cat := BuildCatalog(c)
	proc, ok := cat["sweep"]().(*sweep.Sweep)
	if !ok {
		t.Fatalf("sweep factory built %T", cat["sweep"]())
	}
	if _, ok := proc.DMM.(*keysight.MockDMM); !ok {
		t.Errorf("Mock: true built a %T", proc.DMM)
	}
	if proc.Limits != c.SupplyLimits {
		t.Errorf("sweep limits %+v, expected %+v", proc.Limits, c.SupplyLimits)
	}
	for _, p := range proc.Parameters() {
		if p.Name == "directory" && p.Get() != c.DataDir {
			t.Errorf("directory defaults to %v, expected %s", p.Get(), c.DataDir)
		}
	}
}

func TestRemoteSerial(t *testing.T) {
	c := defaultConfig()
	c.DMM = ObjSetup{Addr: "/dev/ttyUSB3", Serial: true}
	dmm, _ := instruments(c)
	d := dmm.(*keysight.DMM)
	if d.Addr != "/dev/ttyUSB3" || d.Term.Rx != '\n' {
		t.Errorf("serial DMM configured as %+v", d.RemoteDevice)
	}
}

func TestConvertFITS(t *testing.T) {
	d, err := data.New(sweep.Schema, data.WithBufferSize(2))
	if err != nil {
		t.Fatal(err)
	}
	d.Append(0, 0.0, 0.01)
	d.Append(1, 1.0, 1.02)
	in := filepath.Join(t.TempDir(), "IV20261018_1.csv")
	if err := d.Save(in); err != nil {
		t.Fatal(err)
	}
	out, err := convertFITS(in, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.TrimSuffix(in, ".csv") + ".fits"; out != want {
		t.Errorf("wrote %s, expected %s", out, want)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ff, err := fitsio.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	tbl, ok := ff.Get("DATA").(*fitsio.Table)
	if !ok || tbl.NumRows() != 2 {
		t.Errorf("converted file has no two-row DATA table")
	}
	if _, err := convertFITS(filepath.Join(t.TempDir(), "missing.csv"), ""); err == nil {
		t.Error("converting a missing file should fail")
	}
}
