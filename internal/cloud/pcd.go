package cloud

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// PCDType is the DATA encoding of a PCD file.
type PCDType int

const (
	// PCDAscii stores one whitespace separated point per line.
	PCDAscii PCDType = iota
	// PCDBinary stores little-endian packed points.
	PCDBinary
	// PCDCompressed is recognised in headers but not decoded.
	PCDCompressed
)

// ErrUnsupportedPCD is returned for PCD variants this reader does not decode.
var ErrUnsupportedPCD = errors.New("unsupported pcd")

type pcdField struct {
	name  string
	size  int
	kind  byte // F, I or U
	count int
}

type pcdHeader struct {
	fields []pcdField
	width  int
	height int
	points int
	data   PCDType
}

// maxPCDCount bounds COUNT per field; maxPCDPrealloc bounds the point slice
// allocated up front from the header's POINTS.
const (
	maxPCDCount    = 4096
	maxPCDPrealloc = 1 << 20
)

// stride is the byte width of one packed point.
func (h pcdHeader) stride() int {
	n := 0
	for _, f := range h.fields {
		n += f.size * f.count
	}
	return n
}

func (h pcdHeader) index(names ...string) int {
	for i, f := range h.fields {
		for _, n := range names {
			if f.name == n {
				return i
			}
		}
	}
	return -1
}

// ReadPCD decodes an ASCII or binary PCD stream. Only x, y, z and an optional
// intensity field are kept; other fields are skipped.
func ReadPCD(r io.Reader) (*Cloud, error) {
	in := bufio.NewReader(r)
	header, err := readPCDHeader(in)
	if err != nil {
		return nil, err
	}
	xi, yi, zi := header.index("x"), header.index("y"), header.index("z")
	if xi < 0 || yi < 0 || zi < 0 {
		return nil, fmt.Errorf("%w: FIELDS must include x y z", ErrUnsupportedPCD)
	}
	ii := header.index("intensity", "i")

	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header, xi, yi, zi, ii)
	case PCDBinary:
		return readPCDBinary(in, header, xi, yi, zi, ii)
	default:
		return nil, fmt.Errorf("%w: binary_compressed data", ErrUnsupportedPCD)
	}
}

func readPCDHeader(in *bufio.Reader) (pcdHeader, error) {
	var h pcdHeader
	var sizes, counts []int
	var types []string
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("read pcd header: %w", err)
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		tokens := strings.Fields(value)
		switch strings.ToUpper(key) {
		case "VERSION", "VIEWPOINT":
		case "FIELDS":
			h.fields = make([]pcdField, len(tokens))
			for i, t := range tokens {
				h.fields[i] = pcdField{name: t, size: 4, kind: 'F', count: 1}
			}
		case "SIZE":
			if sizes, err = atois(tokens); err != nil {
				return h, fmt.Errorf("invalid SIZE line %q: %w", line, err)
			}
		case "TYPE":
			types = tokens
		case "COUNT":
			if counts, err = atois(tokens); err != nil {
				return h, fmt.Errorf("invalid COUNT line %q: %w", line, err)
			}
		case "WIDTH":
			if h.width, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("invalid WIDTH %q: %w", value, err)
			}
		case "HEIGHT":
			if h.height, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("invalid HEIGHT %q: %w", value, err)
			}
		case "POINTS":
			if h.points, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("invalid POINTS %q: %w", value, err)
			}
		case "DATA":
			switch value {
			case "ascii":
				h.data = PCDAscii
			case "binary":
				h.data = PCDBinary
			case "binary_compressed":
				h.data = PCDCompressed
			default:
				return h, fmt.Errorf("%w: DATA %q", ErrUnsupportedPCD, value)
			}
			return h, h.apply(sizes, types, counts)
		default:
			return h, fmt.Errorf("unexpected pcd header line %q", line)
		}
	}
}

func (h *pcdHeader) apply(sizes []int, types []string, counts []int) error {
	n := len(h.fields)
	if n == 0 {
		return errors.New("pcd header has no FIELDS line")
	}
	if sizes != nil && len(sizes) != n || types != nil && len(types) != n || counts != nil && len(counts) != n {
		return errors.New("pcd SIZE/TYPE/COUNT length does not match FIELDS")
	}
	for i := range h.fields {
		if sizes != nil {
			h.fields[i].size = sizes[i]
		}
		if types != nil {
			h.fields[i].kind = types[i][0]
		}
		if counts != nil {
			h.fields[i].count = counts[i]
		}
		f := h.fields[i]
		if f.size != 1 && f.size != 2 && f.size != 4 && f.size != 8 {
			return fmt.Errorf("pcd field %s has invalid SIZE %d", f.name, f.size)
		}
		if f.count <= 0 || f.count > maxPCDCount {
			return fmt.Errorf("pcd field %s has invalid COUNT %d", f.name, f.count)
		}
	}
	if h.width < 0 || h.height < 0 || h.points < 0 {
		return fmt.Errorf("pcd header has negative dimensions: WIDTH %d HEIGHT %d POINTS %d", h.width, h.height, h.points)
	}
	if h.points == 0 {
		if h.height > 0 && h.width > math.MaxInt32/h.height {
			return fmt.Errorf("pcd header WIDTH %d x HEIGHT %d overflows", h.width, h.height)
		}
		h.points = h.width * h.height
	}
	return nil
}

func atois(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readPCDAscii(in *bufio.Reader, h pcdHeader, xi, yi, zi, ii int) (*Cloud, error) {
	// Column offsets account for multi-count fields.
	offsets := make([]int, len(h.fields))
	col := 0
	for i, f := range h.fields {
		offsets[i] = col
		col += f.count
	}
	c := &Cloud{Points: make([]Point, 0, min(h.points, maxPCDPrealloc))}
	for i := 0; i < h.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && strings.TrimSpace(line) != "") {
			return nil, fmt.Errorf("read point %d: %w", i, err)
		}
		tokens := strings.Fields(line)
		if len(tokens) < col {
			return nil, fmt.Errorf("point %d has %d values, want %d", i, len(tokens), col)
		}
		parse := func(field int) (float64, error) {
			return strconv.ParseFloat(tokens[offsets[field]], 64)
		}
		var p Point
		if p.X, err = parse(xi); err != nil {
			return nil, fmt.Errorf("point %d x: %w", i, err)
		}
		if p.Y, err = parse(yi); err != nil {
			return nil, fmt.Errorf("point %d y: %w", i, err)
		}
		if p.Z, err = parse(zi); err != nil {
			return nil, fmt.Errorf("point %d z: %w", i, err)
		}
		if ii >= 0 {
			v, err := parse(ii)
			if err != nil {
				return nil, fmt.Errorf("point %d intensity: %w", i, err)
			}
			p.Intensity = float32(v)
		}
		c.Points = append(c.Points, p)
	}
	return c, nil
}

func readPCDBinary(in *bufio.Reader, h pcdHeader, xi, yi, zi, ii int) (*Cloud, error) {
	offsets := make([]int, len(h.fields))
	off := 0
	for i, f := range h.fields {
		offsets[i] = off
		off += f.size * f.count
	}
	stride := h.stride()
	buf := make([]byte, stride)
	c := &Cloud{Points: make([]Point, 0, min(h.points, maxPCDPrealloc))}
	for i := 0; i < h.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, fmt.Errorf("read point %d: %w", i, err)
		}
		var p Point
		var err error
		if p.X, err = decodeValue(buf[offsets[xi]:], h.fields[xi]); err != nil {
			return nil, err
		}
		if p.Y, err = decodeValue(buf[offsets[yi]:], h.fields[yi]); err != nil {
			return nil, err
		}
		if p.Z, err = decodeValue(buf[offsets[zi]:], h.fields[zi]); err != nil {
			return nil, err
		}
		if ii >= 0 {
			v, err := decodeValue(buf[offsets[ii]:], h.fields[ii])
			if err != nil {
				return nil, err
			}
			p.Intensity = float32(v)
		}
		c.Points = append(c.Points, p)
	}
	return c, nil
}

func decodeValue(b []byte, f pcdField) (float64, error) {
	le := binary.LittleEndian
	switch {
	case f.kind == 'F' && f.size == 4:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case f.kind == 'F' && f.size == 8:
		return math.Float64frombits(le.Uint64(b)), nil
	case f.kind == 'U' && f.size == 1:
		return float64(b[0]), nil
	case f.kind == 'U' && f.size == 2:
		return float64(le.Uint16(b)), nil
	case f.kind == 'U' && f.size == 4:
		return float64(le.Uint32(b)), nil
	case f.kind == 'I' && f.size == 1:
		return float64(int8(b[0])), nil
	case f.kind == 'I' && f.size == 2:
		return float64(int16(le.Uint16(b))), nil
	case f.kind == 'I' && f.size == 4:
		return float64(int32(le.Uint32(b))), nil
	}
	return 0, fmt.Errorf("%w: field %s type %c size %d", ErrUnsupportedPCD, f.name, f.kind, f.size)
}

// WritePCD encodes c as a PCD v0.7 file with x y z intensity float fields.
func WritePCD(w io.Writer, c *Cloud, data PCDType) error {
	n := c.Len()
	bw := bufio.NewWriter(w)
	var enc string
	switch data {
	case PCDAscii:
		enc = "ascii"
	case PCDBinary:
		enc = "binary"
	default:
		return fmt.Errorf("%w: cannot write data type %d", ErrUnsupportedPCD, data)
	}
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\nFIELDS x y z intensity\nSIZE 4 4 4 4\nTYPE F F F F\nCOUNT 1 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", n, n, enc)

	var buf [16]byte
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		p := c.Points[i]
		if data == PCDAscii {
			fmt.Fprintf(bw, "%g %g %g %g\n", float32(p.X), float32(p.Y), float32(p.Z), p.Intensity)
			continue
		}
		le.PutUint32(buf[0:], math.Float32bits(float32(p.X)))
		le.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
		le.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
		le.PutUint32(buf[12:], math.Float32bits(p.Intensity))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
