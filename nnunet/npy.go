// Package nnunet reads and writes the training framework's preprocessed
// intermediate representation: NumPy array files (.npy, .npz) plus a JSON
// properties sidecar carrying the spatial metadata the array itself cannot
// hold.
package nnunet

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
)

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

// Array is an n-dimensional array in C (row-major) order. Data is widened to
// float64 in memory; Descr remembers the on-disk scalar type so a write
// reproduces the original bytes.
type Array struct {
	Shape []int
	Descr string // NumPy dtype descr: |u1, <i2, <i4, <f4 or <f8
	Data  []float64
}

// Len is the number of elements implied by Shape.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

func elemSize(descr string) (int, error) {
	switch descr {
	case "|u1":
		return 1, nil
	case "<i2":
		return 2, nil
	case "<i4", "<f4":
		return 4, nil
	case "<f8":
		return 8, nil
	}
	return 0, fmt.Errorf("nnunet: unsupported dtype descr %q", descr)
}

// ReadNpy decodes a .npy stream. Fortran-ordered and big-endian arrays are
// rejected: the training framework never emits them.
func ReadNpy(r io.Reader) (*Array, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, pfx.Err(err)
	}
	for i, b := range npyMagic {
		if head[i] != b {
			return nil, fmt.Errorf("nnunet: not a .npy file (bad magic)")
		}
	}

	major := head[6]
	var headerLen int
	switch major {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, pfx.Err(err)
		}
		headerLen = int(l)
	case 2:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, pfx.Err(err)
		}
		headerLen = int(l)
	default:
		return nil, fmt.Errorf("nnunet: unsupported .npy version %d.%d", head[6], head[7])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, pfx.Err(err)
	}

	a := &Array{}
	if err := parseHeader(string(headerBytes), a); err != nil {
		return nil, err
	}

	size, err := elemSize(a.Descr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, a.Len()*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("nnunet: array data truncated: %w", err)
	}

	a.Data = make([]float64, a.Len())
	switch a.Descr {
	case "|u1":
		for i := range a.Data {
			a.Data[i] = float64(buf[i])
		}
	case "<i2":
		for i := range a.Data {
			a.Data[i] = float64(int16(binary.LittleEndian.Uint16(buf[2*i:])))
		}
	case "<i4":
		for i := range a.Data {
			a.Data[i] = float64(int32(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	case "<f4":
		for i := range a.Data {
			a.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	case "<f8":
		for i := range a.Data {
			a.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
	}

	return a, nil
}

// parseHeader picks descr, fortran_order and shape out of the Python literal
// dict NumPy stores, e.g.
// {'descr': '<f4', 'fortran_order': False, 'shape': (1, 24, 196, 196), }
func parseHeader(header string, a *Array) error {
	descr, err := dictValue(header, "descr")
	if err != nil {
		return err
	}
	a.Descr = descr

	order, err := dictValue(header, "fortran_order")
	if err != nil {
		return err
	}
	if order == "True" {
		return fmt.Errorf("nnunet: fortran-ordered .npy arrays are not supported")
	}

	shapeStr, err := dictValue(header, "shape")
	if err != nil {
		return err
	}
	open := strings.Index(shapeStr, "(")
	end := strings.Index(shapeStr, ")")
	if open < 0 || end < open {
		return fmt.Errorf("nnunet: malformed shape %q in .npy header", shapeStr)
	}
	for _, part := range strings.Split(shapeStr[open+1:end], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("nnunet: malformed shape dimension %q: %w", part, err)
		}
		a.Shape = append(a.Shape, d)
	}
	if len(a.Shape) == 0 {
		return fmt.Errorf("nnunet: zero-dimensional arrays are not supported")
	}

	return nil
}

// dictValue extracts one value from the header dict: the quoted string,
// parenthesized tuple, or bare literal following the key's colon.
func dictValue(header, key string) (string, error) {
	idx := strings.Index(header, "'"+key+"'")
	if idx < 0 {
		return "", fmt.Errorf("nnunet: .npy header missing %q: %s", key, header)
	}
	rest := header[idx+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("nnunet: malformed .npy header: %s", header)
	}
	rest = strings.TrimSpace(rest[colon+1:])

	switch {
	case strings.HasPrefix(rest, "'"):
		end := strings.Index(rest[1:], "'")
		if end < 0 {
			return "", fmt.Errorf("nnunet: unterminated string for %q in .npy header: %s", key, header)
		}
		return rest[1 : 1+end], nil
	case strings.HasPrefix(rest, "("):
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("nnunet: unterminated tuple for %q in .npy header: %s", key, header)
		}
		return rest[:end+1], nil
	default:
		if end := strings.IndexAny(rest, ",}"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest), nil
	}
}

// WriteNpy encodes the array as .npy version 1.0.
func WriteNpy(w io.Writer, a *Array) error {
	size, err := elemSize(a.Descr)
	if err != nil {
		return err
	}
	if len(a.Data) != a.Len() {
		return fmt.Errorf("nnunet: shape %v implies %d elements but array holds %d", a.Shape, a.Len(), len(a.Data))
	}

	dims := make([]string, 0, len(a.Shape))
	for _, d := range a.Shape {
		dims = append(dims, strconv.Itoa(d))
	}
	shape := strings.Join(dims, ", ")
	if len(a.Shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", a.Descr, shape)

	// Pad so data starts on a 64-byte boundary, newline-terminated like
	// NumPy's own writer.
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	if pad := 64 - total%64; pad != 64 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return pfx.Err(err)
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return pfx.Err(err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return pfx.Err(err)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return pfx.Err(err)
	}

	buf := make([]byte, len(a.Data)*size)
	switch a.Descr {
	case "|u1":
		for i, v := range a.Data {
			buf[i] = byte(uint8(v))
		}
	case "<i2":
		for i, v := range a.Data {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
		}
	case "<i4":
		for i, v := range a.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(v)))
		}
	case "<f4":
		for i, v := range a.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case "<f8":
		for i, v := range a.Data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}

	if _, err := w.Write(buf); err != nil {
		return pfx.Err(err)
	}

	return nil
}
