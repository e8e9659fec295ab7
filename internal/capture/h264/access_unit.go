package h264

import (
	"bytes"
	"io"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const readChunkSize = 64 * 1024

// AccessUnit is one complete H.264 picture in Annex-B form.
type AccessUnit struct {
	Data  []byte
	IsKey bool
}

// AccessUnitReader splits an elementary Annex-B byte stream (as produced by
// screenrecord or a hardware encoder) into access units.
type AccessUnitReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	pending [][]byte
	sawVCL  bool
	isKey   bool
	ready   []AccessUnit
	eof     bool
}

// NewAccessUnitReader wraps r.
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next complete access unit, or io.EOF once the stream and
// all buffered data are exhausted.
func (a *AccessUnitReader) Next() (AccessUnit, error) {
	for len(a.ready) == 0 {
		if a.eof {
			return AccessUnit{}, io.EOF
		}

		n, err := a.r.Read(a.chunk)
		if n > 0 {
			a.buf = append(a.buf, a.chunk[:n]...)
			a.drainComplete()
		}
		if err != nil {
			if err != io.EOF {
				return AccessUnit{}, err
			}
			a.eof = true
			a.flush()
		}
	}

	au := a.ready[0]
	a.ready = a.ready[1:]
	return au, nil
}

// drainComplete consumes every NAL unit that is followed by another start code.
func (a *AccessUnitReader) drainComplete() {
	first := bytes.Index(a.buf, StartCode3)
	if first < 0 {
		return
	}
	for {
		next := bytes.Index(a.buf[first+3:], StartCode3)
		if next < 0 {
			break
		}
		end := first + 3 + next
		a.push(a.buf[first+3 : end])
		first = end
	}
	a.buf = append(a.buf[:0], a.buf[first:]...)
}

func (a *AccessUnitReader) flush() {
	if start := bytes.Index(a.buf, StartCode3); start >= 0 {
		a.push(a.buf[start+3:])
	}
	a.buf = nil
	a.emit()
}

func (a *AccessUnitReader) push(raw []byte) {
	trimmed := appendNALU(nil, raw)
	if len(trimmed) == 0 {
		return
	}
	nalu := append([]byte{}, trimmed[0]...)

	t := NALUType(nalu)
	if a.sawVCL && startsAccessUnit(t, nalu) {
		a.emit()
	}

	a.pending = append(a.pending, nalu)
	if IsVCL(t) {
		a.sawVCL = true
	}
	if t == mch264.NALUTypeIDR {
		a.isKey = true
	}
}

func (a *AccessUnitReader) emit() {
	if len(a.pending) == 0 || !a.sawVCL {
		return
	}
	size := 0
	for _, nalu := range a.pending {
		size += len(StartCode4) + len(nalu)
	}
	data := make([]byte, 0, size)
	for _, nalu := range a.pending {
		data = append(data, StartCode4...)
		data = append(data, nalu...)
	}
	a.ready = append(a.ready, AccessUnit{Data: data, IsKey: a.isKey})
	a.pending = nil
	a.sawVCL = false
	a.isKey = false
}

// startsAccessUnit implements the first-NAL-of-picture detection of H.264 7.4.1.2.3:
// non-VCL units that precede a picture, or a slice with first_mb_in_slice == 0.
func startsAccessUnit(t mch264.NALUType, nalu []byte) bool {
	switch t {
	case mch264.NALUTypeAccessUnitDelimiter, mch264.NALUTypeSPS, mch264.NALUTypePPS, mch264.NALUTypeSEI:
		return true
	case mch264.NALUTypeNonIDR, mch264.NALUTypeIDR:
		// first_mb_in_slice is ue(v); a leading 1 bit encodes zero.
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}
