package registration

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// ReadPCD parses a point cloud from the PCD v0.7 format. Only ASCII data is
// supported; binary and binary_compressed files are rejected. Fields beyond
// x, y and z are ignored, and NaN points of organized clouds are dropped.
func ReadPCD(r io.Reader) (*PointCloud, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	xCol, yCol, zCol := -1, -1, -1
	pointCount := -1
	dataSeen := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "VERSION", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT":
			// Not needed for ASCII x/y/z extraction.
		case "FIELDS":
			for i, name := range fields[1:] {
				switch strings.ToLower(name) {
				case "x":
					xCol = i
				case "y":
					yCol = i
				case "z":
					zCol = i
				}
			}
		case "POINTS":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pcd: malformed POINTS header %q", line)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("pcd: invalid POINTS header %q: %w", fields[1], err)
			}
			pointCount = n
		case "DATA":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pcd: malformed DATA header %q", line)
			}
			if kind := strings.ToLower(fields[1]); kind != "ascii" {
				return nil, fmt.Errorf("pcd: unsupported data encoding %q", kind)
			}
			dataSeen = true
		}
		if dataSeen {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pcd: read header: %w", err)
	}
	if !dataSeen {
		return nil, fmt.Errorf("pcd: missing DATA header")
	}
	if xCol < 0 || yCol < 0 || zCol < 0 {
		return nil, fmt.Errorf("pcd: FIELDS header does not declare x, y and z")
	}

	cloud := &PointCloud{}
	if pointCount > 0 {
		cloud.Points = make([]r3.Vector, 0, pointCount)
	}
	maxCol := xCol
	if yCol > maxCol {
		maxCol = yCol
	}
	if zCol > maxCol {
		maxCol = zCol
	}

	read := 0
	for scanner.Scan() {
		if pointCount >= 0 && read >= pointCount {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) <= maxCol {
			return nil, fmt.Errorf("pcd: point %d has %d columns, need %d", read, len(fields), maxCol+1)
		}

		x, err := strconv.ParseFloat(fields[xCol], 64)
		if err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", read, err)
		}
		y, err := strconv.ParseFloat(fields[yCol], 64)
		if err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", read, err)
		}
		z, err := strconv.ParseFloat(fields[zCol], 64)
		if err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", read, err)
		}
		read++

		if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
			continue
		}
		cloud.Points = append(cloud.Points, r3.Vector{X: x, Y: y, Z: z})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pcd: read data: %w", err)
	}
	if pointCount >= 0 && read < pointCount {
		return nil, fmt.Errorf("pcd: expected %d points, file holds %d", pointCount, read)
	}

	return cloud, nil
}

// WritePCD writes the cloud in ASCII PCD v0.7 format.
func WritePCD(w io.Writer, cloud *PointCloud) error {
	bw := bufio.NewWriter(w)
	n := cloud.Len()

	fmt.Fprintln(bw, "# .PCD v0.7 - Point Cloud Data file format")
	fmt.Fprintln(bw, "VERSION 0.7")
	fmt.Fprintln(bw, "FIELDS x y z")
	fmt.Fprintln(bw, "SIZE 4 4 4")
	fmt.Fprintln(bw, "TYPE F F F")
	fmt.Fprintln(bw, "COUNT 1 1 1")
	fmt.Fprintf(bw, "WIDTH %d\n", n)
	fmt.Fprintln(bw, "HEIGHT 1")
	fmt.Fprintln(bw, "VIEWPOINT 0 0 0 1 0 0 0")
	fmt.Fprintf(bw, "POINTS %d\n", n)
	fmt.Fprintln(bw, "DATA ascii")

	for _, p := range cloud.Points {
		if _, err := fmt.Fprintf(bw, "%g %g %g\n", p.X, p.Y, p.Z); err != nil {
			return fmt.Errorf("pcd: write point: %w", err)
		}
	}
	return bw.Flush()
}

// ReadPCDFile reads a point cloud from the PCD file at path.
func ReadPCDFile(path string) (*PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pcd: open %s: %w", path, err)
	}
	defer f.Close()

	cloud, err := ReadPCD(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return cloud, nil
}

// WritePCDFile writes the cloud to a PCD file at path.
func WritePCDFile(path string, cloud *PointCloud) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pcd: create %s: %w", path, err)
	}
	if err := WritePCD(f, cloud); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
