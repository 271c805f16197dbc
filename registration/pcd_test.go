package registration

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
)

func TestReadPCD(t *testing.T) {
	t.Run("minimal ascii file", func(t *testing.T) {
		input := `# .PCD v0.7 - Point Cloud Data file format
VERSION 0.7
FIELDS x y z
SIZE 4 4 4
TYPE F F F
COUNT 1 1 1
WIDTH 3
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 3
DATA ascii
0.5 1.5 -2
1 2 3
-0.25 0 4.5
`
		cloud, err := ReadPCD(strings.NewReader(input))
		if err != nil {
			t.Fatalf("ReadPCD() error = %v", err)
		}
		want := []r3.Vector{{X: 0.5, Y: 1.5, Z: -2}, {X: 1, Y: 2, Z: 3}, {X: -0.25, Y: 0, Z: 4.5}}
		if cloud.Len() != len(want) {
			t.Fatalf("ReadPCD() returned %d points, want %d", cloud.Len(), len(want))
		}
		for i := range want {
			if !vectorsEqual(cloud.Points[i], want[i]) {
				t.Errorf("point %d = %v, want %v", i, cloud.Points[i], want[i])
			}
		}
	})

	t.Run("extra fields are ignored", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y z rgb
SIZE 4 4 4 4
TYPE F F F F
COUNT 1 1 1 1
WIDTH 1
HEIGHT 1
POINTS 1
DATA ascii
1 2 3 4.2108e+06
`
		cloud, err := ReadPCD(strings.NewReader(input))
		if err != nil {
			t.Fatalf("ReadPCD() error = %v", err)
		}
		if cloud.Len() != 1 || !vectorsEqual(cloud.Points[0], r3.Vector{X: 1, Y: 2, Z: 3}) {
			t.Errorf("ReadPCD() = %v, want single point (1, 2, 3)", cloud.Points)
		}
	})

	t.Run("nan points are dropped", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y z
WIDTH 3
HEIGHT 1
POINTS 3
DATA ascii
1 0 0
nan nan nan
0 0 1
`
		cloud, err := ReadPCD(strings.NewReader(input))
		if err != nil {
			t.Fatalf("ReadPCD() error = %v", err)
		}
		if cloud.Len() != 2 {
			t.Errorf("ReadPCD() kept %d points, want 2", cloud.Len())
		}
	})

	t.Run("binary data rejected", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y z
POINTS 1
DATA binary
`
		if _, err := ReadPCD(strings.NewReader(input)); err == nil {
			t.Fatal("ReadPCD() accepted binary data")
		}
	})

	t.Run("missing z field rejected", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y
POINTS 1
DATA ascii
1 2
`
		if _, err := ReadPCD(strings.NewReader(input)); err == nil {
			t.Fatal("ReadPCD() accepted cloud without z field")
		}
	})

	t.Run("truncated data rejected", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y z
POINTS 3
DATA ascii
1 2 3
`
		if _, err := ReadPCD(strings.NewReader(input)); err == nil {
			t.Fatal("ReadPCD() accepted truncated file")
		}
	})

	t.Run("missing data header rejected", func(t *testing.T) {
		input := `VERSION 0.7
FIELDS x y z
POINTS 0
`
		if _, err := ReadPCD(strings.NewReader(input)); err == nil {
			t.Fatal("ReadPCD() accepted file without DATA header")
		}
	})
}

func TestWritePCDRoundTrip(t *testing.T) {
	cloud := NewPointCloud([]r3.Vector{
		{X: 0.125, Y: -3.5, Z: 7},
		{X: 1e-4, Y: 2.25, Z: -0.75},
		{X: 42, Y: 0, Z: 0.001},
	})

	path := filepath.Join(t.TempDir(), "cloud.pcd")
	if err := WritePCDFile(path, cloud); err != nil {
		t.Fatalf("WritePCDFile() error = %v", err)
	}

	got, err := ReadPCDFile(path)
	if err != nil {
		t.Fatalf("ReadPCDFile() error = %v", err)
	}
	if got.Len() != cloud.Len() {
		t.Fatalf("round trip returned %d points, want %d", got.Len(), cloud.Len())
	}
	for i := range cloud.Points {
		if !vectorsEqual(got.Points[i], cloud.Points[i]) {
			t.Errorf("point %d = %v, want %v", i, got.Points[i], cloud.Points[i])
		}
	}
}

func TestWritePCDEmptyCloud(t *testing.T) {
	var buf strings.Builder
	if err := WritePCD(&buf, &PointCloud{}); err != nil {
		t.Fatalf("WritePCD() error = %v", err)
	}

	got, err := ReadPCD(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("ReadPCD() error = %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("round trip of empty cloud returned %d points", got.Len())
	}
}
