package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// HasStartCode checks if data begins with a start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitNALUs splits Annex-B data into NAL unit payloads without start codes.
// Data without any start code is returned as a single NAL unit.
func SplitNALUs(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 {
			if start >= 0 {
				nalus = appendNALU(nalus, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}

	if start < 0 {
		return [][]byte{data}
	}
	return appendNALU(nalus, data[start:])
}

// appendNALU trims the trailing zero that belongs to a following 4-byte start code.
func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	for len(nalu) > 0 && nalu[len(nalu)-1] == 0x00 {
		nalu = nalu[:len(nalu)-1]
	}
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// NALUType returns the type of a NAL unit payload (without start code).
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// IsVCL reports whether the NAL unit carries slice data.
func IsVCL(t mch264.NALUType) bool {
	return t == mch264.NALUTypeNonIDR || t == mch264.NALUTypeIDR
}

// IsKeyFrame checks if the data contains an IDR (keyframe) NAL unit
func IsKeyFrame(data []byte) bool {
	for _, nalu := range SplitNALUs(data) {
		if NALUType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ExtractParameterSets returns the first SPS and PPS found in an Annex-B access unit.
func ExtractParameterSets(data []byte) (sps, pps []byte) {
	for _, nalu := range SplitNALUs(data) {
		switch NALUType(nalu) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = append([]byte{}, nalu...)
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = append([]byte{}, nalu...)
			}
		}
	}
	return sps, pps
}
