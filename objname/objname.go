// Package objname maps logical object names onto names the remote API will
// accept. Logical names are slash-separated paths; the remote API stores
// objects in a single flat folder and rejects slashes, so every underscore
// is doubled and every slash becomes "_-". Every underscore in an encoded
// name therefore starts an escape sequence, which keeps the mapping
// reversible even for names that contain the escape character itself.
package objname

import "strings"

var encoder = strings.NewReplacer("_", "__", "/", "_-")

// Encode converts a logical object name into a remote-safe flat name.
func Encode(name string) string {
	return encoder.Replace(name)
}

// Decode is the inverse of Encode: Decode(Encode(name)) == name for every
// name. Byte pairs that Encode never emits are passed through unchanged.
func Decode(enc string) string {
	var b strings.Builder
	b.Grow(len(enc))
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if c != '_' || i+1 == len(enc) {
			b.WriteByte(c)
			continue
		}
		i++
		switch enc[i] {
		case '_':
			b.WriteByte('_')
		case '-':
			b.WriteByte('/')
		default:
			b.WriteByte('_')
			b.WriteByte(enc[i])
		}
	}
	return b.String()
}
