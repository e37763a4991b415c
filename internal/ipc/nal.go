package ipc

// SplitAccessUnits scans an Annex-B H.264/H.265 elementary stream for
// access-unit boundaries, returning the complete access units found and the
// unconsumed remainder (a partial access unit still being received). An
// access unit starts at the first VCL NAL unit following a start code;
// non-VCL NAL units (SPS/PPS/SEI) are folded into the following access unit
// so a segment cut never happens inside one.
//
// This lets the Capture Worker mirror the container writer's contract: a new
// file is only opened (and the old one closed) once a full access unit has
// been accumulated, never mid-frame.
func SplitAccessUnits(buf []byte) (units [][]byte, remainder []byte) {
	starts := findStartCodes(buf)
	if len(starts) < 2 {
		return nil, buf
	}

	auStart := 0
	seenVCL := false   // the access unit being accumulated already holds a slice
	pendingStart := -1 // first non-VCL NAL unit after that slice, if any
	for i := 0; i < len(starts); i++ {
		nalStart := starts[i].payloadOffset
		if nalStart >= len(buf) {
			continue
		}
		if !isVCL(buf[nalStart]) {
			if seenVCL && pendingStart < 0 {
				pendingStart = starts[i].offset
			}
			continue
		}
		// A slice following the current unit's slice begins a new access
		// unit, together with any non-VCL NAL units just before it.
		if seenVCL {
			cut := starts[i].offset
			if pendingStart >= 0 {
				cut = pendingStart
			}
			units = append(units, buf[auStart:cut])
			auStart = cut
		}
		seenVCL = true
		pendingStart = -1
	}

	return units, buf[auStart:]
}

type startCode struct {
	offset        int // index of the start code prefix (0x00 0x00 0x01)
	payloadOffset int // index of the NAL header byte following the prefix
}

func findStartCodes(buf []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] != 0x00 || buf[i+1] != 0x00 {
			continue
		}
		if buf[i+2] == 0x01 {
			codes = append(codes, startCode{offset: i, payloadOffset: i + 3})
		}
	}
	return codes
}

// isVCL reports whether the H.264 NAL header byte begins a coded slice
// (VCL) NAL unit, as opposed to a parameter set or SEI message. Types 1 and
// 5 are non-IDR and IDR coded slices respectively (ITU-T H.264 Table 7-1).
func isVCL(nalHeader byte) bool {
	nalType := nalHeader & 0x1F
	return nalType == 1 || nalType == 5
}
