package h264

import (
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AnnexBToAVCC converts H.264 Annex-B data to AVCC (4-byte length prefixes).
// Parameter sets and AUDs are dropped when stripParams is set, since MP4
// carries them in the sample description.
func AnnexBToAVCC(data []byte, stripParams bool) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	nalus := SplitNALUs(data)
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}

	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		if stripParams {
			switch NALUType(nalu) {
			case mch264.NALUTypeSPS, mch264.NALUTypePPS, mch264.NALUTypeAccessUnitDelimiter:
				continue
			}
		}
		length := uint32(len(nalu))
		out = append(out,
			byte(length>>24),
			byte(length>>16),
			byte(length>>8),
			byte(length),
		)
		out = append(out, nalu...)
	}
	return out, nil
}

// AVCCToAnnexB converts AVCC data back to Annex-B format
func AVCCToAnnexB(data []byte) ([]byte, error) {
	var result []byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}

		length := uint32(data[offset])<<24 | uint32(data[offset+1])<<16 | uint32(data[offset+2])<<8 | uint32(data[offset+3])
		offset += 4

		if offset+int(length) > len(data) {
			return nil, fmt.Errorf("invalid length prefix: %d", length)
		}

		result = append(result, StartCode4...)
		result = append(result, data[offset:offset+int(length)]...)
		offset += int(length)
	}

	return result, nil
}

// AVCDecoderConfig builds an avcC record (ISO/IEC 14496-15) from one SPS and
// one PPS, as used for Matroska CodecPrivate.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("missing parameter sets (sps=%d, pps=%d)", len(sps), len(pps))
	}

	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved + lengthSizeMinusOne = 3
		0xE1,   // reserved + numOfSequenceParameterSets = 1
		byte(len(sps)>>8), byte(len(sps)),
	)
	out = append(out, sps...)
	out = append(out, 0x01, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out, nil
}
