// Package imageio reads and writes volumes as single-file NIfTI-1 images
// (.nii or gzip-compressed .nii.gz) and rigid transformations as YAML.
package imageio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/gzip"

	"svrrecon/internal/models"
)

// NIfTI-1 datatype codes supported by the decoder.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
)

const (
	headerSize = 348
	voxOffset  = 352
)

// ErrUnsupported is returned for NIfTI files this package cannot decode.
var ErrUnsupported = errors.New("unsupported NIfTI image")

// header is the on-disk NIfTI-1 header layout.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// ReadVolume loads a NIfTI-1 image. Files ending in .gz are decompressed.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("can't uncompress %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}

	v, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return v, nil
}

// WriteVolume stores v as a float32 NIfTI-1 image. Paths ending in .gz are
// gzip-compressed.
func WriteVolume(path string, v *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image: %w", err)
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gw = gzip.NewWriter(bw)
		w = gw
	}

	err = Encode(w, v)
	if gw != nil {
		if cerr := gw.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// Decode parses an uncompressed NIfTI-1 stream. Only the first volume of a
// 4D image is returned.
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("%w: bad header size", ErrUnsupported)
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: not a single-file image (magic %q)", ErrUnsupported, h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 2 || ndim > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrUnsupported, ndim)
	}
	width, height, depth := int(h.Dim[1]), int(h.Dim[2]), 1
	if ndim >= 3 && h.Dim[3] > 0 {
		depth = int(h.Dim[3])
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupported)
	}

	grid := gridFromHeader(&h, width, height, depth)

	// Skip extensions up to the voxel data
	skip := int64(h.VoxOffset) - headerSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skipping extensions: %w", err)
		}
	}

	v := models.NewVolume(grid)
	if err := readVoxels(r, order, h.Datatype, v.Data); err != nil {
		return nil, err
	}

	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}
	return v, nil
}

// readVoxels converts the voxel block to float64.
func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, out []float64) error {
	var size int
	switch datatype {
	case dtUint8, dtInt8:
		size = 1
	case dtInt16, dtUint16:
		size = 2
	case dtInt32, dtFloat32:
		size = 4
	case dtFloat64:
		size = 8
	default:
		return fmt.Errorf("%w: datatype %d", ErrUnsupported, datatype)
	}

	buf := make([]byte, size*len(out))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading voxel data: %w", err)
	}

	for i := range out {
		b := buf[i*size:]
		switch datatype {
		case dtUint8:
			out[i] = float64(b[0])
		case dtInt8:
			out[i] = float64(int8(b[0]))
		case dtInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			out[i] = float64(order.Uint16(b))
		case dtInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case dtFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return nil
}

// gridFromHeader derives voxel geometry, preferring the sform, then the
// qform, then plain pixel spacing.
func gridFromHeader(h *header, width, height, depth int) models.Grid {
	spacing := func(p float32) float64 {
		if p <= 0 {
			return 1
		}
		return float64(p)
	}
	g := models.NewGrid(width, height, depth, spacing(h.Pixdim[1]), spacing(h.Pixdim[2]), spacing(h.Pixdim[3]))

	switch {
	case h.SformCode > 0:
		col := func(j int) r3.Vector {
			return r3.Vector{X: float64(h.SrowX[j]), Y: float64(h.SrowY[j]), Z: float64(h.SrowZ[j])}
		}
		axes := [3]*r3.Vector{&g.XAxis, &g.YAxis, &g.ZAxis}
		steps := [3]*float64{&g.Dx, &g.Dy, &g.Dz}
		for j := 0; j < 3; j++ {
			c := col(j)
			if n := c.Norm(); n > 0 {
				*steps[j] = n
				*axes[j] = c.Mul(1 / n)
			}
		}
		g.Origin = col(3)

	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 0 {
			a = 0
		}
		a = math.Sqrt(a)
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		g.XAxis = r3.Vector{X: a*a + b*b - c*c - d*d, Y: 2 * (b*c + a*d), Z: 2 * (b*d - a*c)}
		g.YAxis = r3.Vector{X: 2 * (b*c - a*d), Y: a*a + c*c - b*b - d*d, Z: 2 * (c*d + a*b)}
		g.ZAxis = r3.Vector{X: 2 * (b*d + a*c), Y: 2 * (c*d - a*b), Z: a*a + d*d - b*b - c*c}.Mul(qfac)
		g.Origin = r3.Vector{X: float64(h.QoffsetX), Y: float64(h.QoffsetY), Z: float64(h.QoffsetZ)}
	}
	return g
}

// Encode writes v as an uncompressed float32 NIfTI-1 stream with an sform.
func Encode(w io.Writer, v *models.Volume) error {
	var h header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	h.Datatype = dtFloat32
	h.Bitpix = 32
	h.Pixdim = [8]float32{1, float32(v.Dx), float32(v.Dy), float32(v.Dz), 1, 1, 1, 1}
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.XYZTUnits = 2 // mm
	h.SformCode = 1
	copy(h.Magic[:], "n+1\x00")

	x := v.XAxis.Mul(v.Dx)
	y := v.YAxis.Mul(v.Dy)
	z := v.ZAxis.Mul(v.Dz)
	h.SrowX = [4]float32{float32(x.X), float32(y.X), float32(z.X), float32(v.Origin.X)}
	h.SrowY = [4]float32{float32(x.Y), float32(y.Y), float32(z.Y), float32(v.Origin.Y)}
	h.SrowZ = [4]float32{float32(x.Z), float32(y.Z), float32(z.Z), float32(v.Origin.Z)}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	// Empty extension block
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return fmt.Errorf("writing extension: %w", err)
	}

	buf := make([]byte, 4*len(v.Data))
	for i, val := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(val)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}
	return nil
}
