package station

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/kwv/simreg/icp"
)

// CloudFormat names a point cloud encoding.
type CloudFormat string

const (
	FormatAuto CloudFormat = ""
	FormatPCD  CloudFormat = "pcd"
	FormatJSON CloudFormat = "json"
)

// ParseCloudFile reads a point cloud file; the extension picks the format.
func ParseCloudFile(path string) (*icp.PointBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseCloud(data, formatFromName(path))
}

func formatFromName(name string) CloudFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcd":
		return FormatPCD
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// ParseCloud decodes ASCII PCD or JSON point cloud data. FormatAuto treats
// data starting with '{' as JSON.
func ParseCloud(data []byte, format CloudFormat) (*icp.PointBuffer, error) {
	if format == FormatAuto {
		format = FormatPCD
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}
	switch format {
	case FormatPCD:
		return parsePCD(data)
	case FormatJSON:
		var c Cloud
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		return c.Buffer(), nil
	}
	return nil, fmt.Errorf("unknown cloud format %q", format)
}

// pcdHeader is the subset of the PCD header this reader uses.
type pcdHeader struct {
	fields []string
	counts []int
	points int
	data   string
}

// column returns the data column of a field, or -1.
func (h pcdHeader) column(field string) int {
	col := 0
	for i, f := range h.fields {
		if f == field {
			return col
		}
		col += h.counts[i]
	}
	return -1
}

func (h pcdHeader) width() int {
	w := 0
	for _, c := range h.counts {
		w += c
	}
	return w
}

func parsePCD(data []byte) (*icp.PointBuffer, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var h pcdHeader
	width, height := -1, 1
	line := 0
	for h.data == "" && sc.Scan() {
		line++
		f := strings.Fields(sc.Text())
		if len(f) == 0 || strings.HasPrefix(f[0], "#") {
			continue
		}
		var err error
		switch strings.ToUpper(f[0]) {
		case "FIELDS":
			h.fields = f[1:]
		case "COUNT":
			h.counts, err = atoiAll(f[1:])
		case "WIDTH":
			width, err = strconv.Atoi(valueOf(f))
		case "HEIGHT":
			height, err = strconv.Atoi(valueOf(f))
		case "POINTS":
			h.points, err = strconv.Atoi(valueOf(f))
		case "DATA":
			h.data = strings.ToLower(valueOf(f))
		case "VERSION", "SIZE", "TYPE", "VIEWPOINT":
		default:
			return nil, fmt.Errorf("pcd line %d: unexpected header %q", line, f[0])
		}
		if err != nil {
			return nil, fmt.Errorf("pcd line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pcd: %w", err)
	}
	if h.data == "" {
		return nil, fmt.Errorf("pcd: missing DATA line")
	}
	if h.data != "ascii" {
		return nil, fmt.Errorf("pcd: unsupported data encoding %q", h.data)
	}
	if h.counts == nil {
		h.counts = make([]int, len(h.fields))
		for i := range h.counts {
			h.counts[i] = 1
		}
	}
	if len(h.counts) != len(h.fields) {
		return nil, fmt.Errorf("pcd: %d fields but %d counts", len(h.fields), len(h.counts))
	}
	if h.points == 0 && width >= 0 {
		h.points = width * height
	}
	if h.points < 0 {
		return nil, fmt.Errorf("pcd: negative point count %d", h.points)
	}

	cols := [3]int{h.column("x"), h.column("y"), h.column("z")}
	if cols[0] < 0 || cols[1] < 0 || cols[2] < 0 {
		return nil, fmt.Errorf("pcd: fields %v lack x y z", h.fields)
	}
	ncols := [3]int{h.column("normal_x"), h.column("normal_y"), h.column("normal_z")}
	withNormals := ncols[0] >= 0 && ncols[1] >= 0 && ncols[2] >= 0

	// POINTS is untrusted; each ascii row takes at least 6 bytes.
	points := make([]icp.Point, 0, min(h.points, len(data)/6))
	for sc.Scan() {
		line++
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		if len(f) != h.width() {
			return nil, fmt.Errorf("pcd line %d: %d values, want %d", line, len(f), h.width())
		}
		var p icp.Point
		var err error
		if p.Position, err = vectorAt(f, cols); err != nil {
			return nil, fmt.Errorf("pcd line %d: %w", line, err)
		}
		if withNormals {
			if p.Normal, err = vectorAt(f, ncols); err != nil {
				return nil, fmt.Errorf("pcd line %d: %w", line, err)
			}
		}
		points = append(points, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pcd: %w", err)
	}
	if len(points) != h.points {
		return nil, fmt.Errorf("pcd: header declares %d points, found %d", h.points, len(points))
	}
	return icp.BufferFromPoints(points, withNormals), nil
}

func valueOf(f []string) string {
	if len(f) < 2 {
		return ""
	}
	return f[1]
}

func atoiAll(s []string) ([]int, error) {
	out := make([]int, len(s))
	for i, v := range s {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// vectorAt parses three columns; "nan" and "inf" tokens are accepted.
func vectorAt(f []string, cols [3]int) (r3.Vector, error) {
	var v [3]float64
	for i, c := range cols {
		x, err := strconv.ParseFloat(f[c], 64)
		if err != nil {
			return r3.Vector{}, err
		}
		v[i] = x
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// WritePCD writes b as an ASCII PCD file. Non-finite values are written as nan/inf.
func WritePCD(w io.Writer, b *icp.PointBuffer) error {
	bw := bufio.NewWriter(w)
	fields, size, typ, count := "x y z", "4 4 4", "F F F", "1 1 1"
	if b.HasNormals() {
		fields += " normal_x normal_y normal_z"
		size += " 4 4 4"
		typ += " F F F"
		count += " 1 1 1"
	}
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\nVERSION 0.7\n")
	fmt.Fprintf(bw, "FIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\n", fields, size, typ, count)
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA ascii\n", b.Len(), b.Len())

	for i := 0; i < b.Len(); i++ {
		p := b.Position(i)
		bw.WriteString(formatFloat(p.X) + " " + formatFloat(p.Y) + " " + formatFloat(p.Z))
		if b.HasNormals() {
			n := b.Normal(i)
			bw.WriteString(" " + formatFloat(n.X) + " " + formatFloat(n.Y) + " " + formatFloat(n.Z))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Cloud is the JSON wire form of a point buffer.
type Cloud struct {
	Points []CloudPoint `json:"points"`
}

// CloudPoint is one JSON point. Non-finite coordinates travel as null.
type CloudPoint struct {
	X      JSONFloat     `json:"x"`
	Y      JSONFloat     `json:"y"`
	Z      JSONFloat     `json:"z"`
	Normal *[3]JSONFloat `json:"normal,omitempty"`
}

// JSONFloat encodes NaN and ±Inf as null and decodes null as NaN.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *JSONFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = JSONFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}

// Buffer converts the cloud. It carries normals if any point has one;
// points without a normal then get a NaN normal.
func (c Cloud) Buffer() *icp.PointBuffer {
	withNormals := false
	for _, p := range c.Points {
		if p.Normal != nil {
			withNormals = true
			break
		}
	}
	nan := math.NaN()
	points := make([]icp.Point, len(c.Points))
	for i, p := range c.Points {
		points[i].Position = r3.Vector{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
		points[i].Normal = r3.Vector{X: nan, Y: nan, Z: nan}
		if p.Normal != nil {
			points[i].Normal = r3.Vector{X: float64(p.Normal[0]), Y: float64(p.Normal[1]), Z: float64(p.Normal[2])}
		}
	}
	return icp.BufferFromPoints(points, withNormals)
}

// CloudFromBuffer is the inverse of Cloud.Buffer.
func CloudFromBuffer(b *icp.PointBuffer) Cloud {
	c := Cloud{Points: make([]CloudPoint, b.Len())}
	for i := range c.Points {
		p := b.Position(i)
		c.Points[i] = CloudPoint{X: JSONFloat(p.X), Y: JSONFloat(p.Y), Z: JSONFloat(p.Z)}
		if b.HasNormals() {
			n := b.Normal(i)
			c.Points[i].Normal = &[3]JSONFloat{JSONFloat(n.X), JSONFloat(n.Y), JSONFloat(n.Z)}
		}
	}
	return c
}
