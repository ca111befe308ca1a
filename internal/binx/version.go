package binx

import (
	"bytes"
	"unicode/utf16"
)

const releaseMarker = "++UE5+Release-"

// DetectEngineVersion scans non-executable sections for the engine build
// branch literal (++UE5+Release-5.N) in UTF-16LE or UTF-8 and returns "5.N".
// Returns "" if no marker is present.
func DetectEngineVersion(img *Image) string {
	utf8Marker := []byte(releaseMarker)
	utf16Marker := encodeUTF16(releaseMarker)
	for _, s := range img.Sections {
		if s.Exec || len(s.Data) == 0 {
			continue
		}
		if i := bytes.Index(s.Data, utf16Marker); i >= 0 {
			if v := scanVersion(s.Data[i+len(utf16Marker):], 2); v != "" {
				return v
			}
		}
		if i := bytes.Index(s.Data, utf8Marker); i >= 0 {
			if v := scanVersion(s.Data[i+len(utf8Marker):], 1); v != "" {
				return v
			}
		}
	}
	return ""
}

// scanVersion reads a dotted numeric version with the given code unit width.
func scanVersion(b []byte, unit int) string {
	var out []byte
	for i := 0; i+unit <= len(b) && len(out) < 16; i += unit {
		c := b[i]
		if unit == 2 && b[i+1] != 0 {
			break
		}
		if (c >= '0' && c <= '9') || (c == '.' && len(out) > 0) {
			out = append(out, c)
			continue
		}
		break
	}
	out = bytes.TrimRight(out, ".")
	if len(out) == 0 {
		return ""
	}
	return string(out)
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}
