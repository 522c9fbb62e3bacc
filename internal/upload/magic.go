package upload

import "bytes"

type magic struct {
	name   string
	offset int
	bytes  []byte
}

func (m magic) match(b []byte) bool {
	end := m.offset + len(m.bytes)
	return len(b) >= end && bytes.Equal(b[m.offset:end], m.bytes)
}

// Rejected regardless of the declared type. Zip is absent because docx is a zip.
var dangerousMagic = []magic{
	{"windows executable", 0, []byte("MZ")},
	{"ELF executable", 0, []byte{0x7F, 'E', 'L', 'F'}},
	{"Java class or Mach-O fat binary", 0, []byte{0xCA, 0xFE, 0xBA, 0xBE}},
	{"Mach-O executable", 0, []byte{0xFE, 0xED, 0xFA, 0xCE}},
	{"Mach-O executable", 0, []byte{0xFE, 0xED, 0xFA, 0xCF}},
	{"Mach-O executable", 0, []byte{0xCE, 0xFA, 0xED, 0xFE}},
	{"Mach-O executable", 0, []byte{0xCF, 0xFA, 0xED, 0xFE}},
	{"shell script", 0, []byte("#!")},
	{"RAR archive", 0, []byte("Rar!\x1A\x07")},
	{"7z archive", 0, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}},
}

// Any one of the listed signatures satisfies the type.
var mimeMagic = map[string][]magic{
	"image/jpeg": {{"jpeg", 0, []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":  {{"png", 0, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif":  {{"gif87a", 0, []byte("GIF87a")}, {"gif89a", 0, []byte("GIF89a")}},
	"image/webp": {{"webp", 8, []byte("WEBP")}},

	"application/pdf": {{"pdf", 0, []byte("%PDF-")}},

	"application/msword": {{"ole2", 0, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}}},

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {{"zip", 0, []byte{'P', 'K', 0x03, 0x04}}},

	"video/mp4":  {{"ftyp", 4, []byte("ftyp")}},
	"video/webm": {{"ebml", 0, []byte{0x1A, 0x45, 0xDF, 0xA3}}},
	"video/quicktime": {
		{"ftyp", 4, []byte("ftyp")},
		{"moov", 4, []byte("moov")},
		{"mdat", 4, []byte("mdat")},
		{"wide", 4, []byte("wide")},
		{"free", 4, []byte("free")},
	},
}

// DangerousSignature names the executable or archive format content starts with, or "".
func DangerousSignature(content []byte) string {
	for _, m := range dangerousMagic {
		if m.match(content) {
			return m.name
		}
	}
	return ""
}

// MatchesMIME reports whether the header of content is consistent with mimeType.
// text/plain has no signature; it only has to be free of NUL bytes.
func MatchesMIME(content []byte, mimeType string) bool {
	if mimeType == "text/plain" {
		head := content
		if len(head) > 512 {
			head = head[:512]
		}
		return bytes.IndexByte(head, 0) < 0
	}
	sigs, ok := mimeMagic[mimeType]
	if !ok {
		return false
	}
	for _, m := range sigs {
		if m.match(content) {
			if mimeType == "image/webp" && !bytes.HasPrefix(content, []byte("RIFF")) {
				return false
			}
			return true
		}
	}
	return false
}
