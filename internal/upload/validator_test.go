package upload

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}
	pdfContent = []byte("%PDF-1.7\n1 0 obj\n")
)

func newTestValidator() *Validator {
	return NewValidator(nil, clockwork.NewFakeClockAt(time.UnixMilli(1700000000000)))
}

func TestValidate_AcceptsMatchingFile(t *testing.T) {
	res := newTestValidator().Validate(File{Name: "photo.png", Size: int64(len(pngHeader)), Type: "image/png", Content: pngHeader})
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, "images", res.Category)
	assert.Regexp(t, `^1700000000000_[0-9a-f]{16}\.png$`, res.SecureFilename)
	assert.Empty(t, res.Warnings)
}

func TestValidate_MetadataOnlyWarns(t *testing.T) {
	res := newTestValidator().Validate(File{Name: "notes.txt", Size: 10, Type: "text/plain; charset=utf-8"})
	require.True(t, res.Valid, res.Error)
	assert.Len(t, res.Warnings, 1)
}

func TestValidate_ExtensionMIMEMismatch(t *testing.T) {
	for _, size := range []int64{1, 1024, 50 << 20} {
		res := newTestValidator().Validate(File{Name: "photo.png", Size: size, Type: "application/pdf"})
		assert.False(t, res.Valid)
		assert.Equal(t, StageMIME, res.Stage)
	}
}

func TestValidate_MagicByteSpoofing(t *testing.T) {
	exe := append([]byte("MZ\x90\x00"), bytes.Repeat([]byte{0}, 60)...)
	res := newTestValidator().Validate(File{Name: "invoice.pdf", Size: int64(len(exe)), Type: "application/pdf", Content: exe})
	assert.False(t, res.Valid)
	assert.Equal(t, StageSignature, res.Stage)
	assert.Contains(t, res.Error, "dangerous signature")
	assert.Empty(t, res.SecureFilename)
}

func TestValidate_SignatureMustMatchDeclaredType(t *testing.T) {
	res := newTestValidator().Validate(File{Name: "photo.jpg", Size: int64(len(pngHeader)), Type: "image/jpeg", Content: pngHeader})
	assert.False(t, res.Valid)
	assert.Equal(t, StageSignature, res.Stage)
	assert.Contains(t, res.Error, "spoofing")
}

func TestValidate_DoubleExtensionStopsAtFilename(t *testing.T) {
	// Size 0 and a bogus MIME would fail later stages; the filename stage must fire first.
	res := newTestValidator().Validate(File{Name: "resume.doc.exe", Size: 0, Type: "bogus/type"})
	assert.False(t, res.Valid)
	assert.Equal(t, StageFilename, res.Stage)
	assert.Contains(t, res.Error, "multiple extensions")
}

func TestValidate_SizeLimits(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(File{Name: "a.pdf", Size: 0, Type: "application/pdf"})
	assert.Equal(t, StageSize, res.Stage)

	res = v.Validate(File{Name: "big.png", Size: 10<<20 + 1, Type: "image/png"})
	assert.Equal(t, StageSize, res.Stage)

	res = v.Validate(File{Name: "big.mp4", Size: 10<<20 + 1, Type: "video/mp4"})
	assert.True(t, res.Valid)

	res = v.Validate(File{Name: "doc.pdf", Size: 100, Type: "application/pdf", Content: pdfContent})
	assert.Equal(t, StageSize, res.Stage, "declared size must match content")
}

func TestValidate_UnknownCategory(t *testing.T) {
	res := newTestValidator().Validate(File{Name: "data.csv", Size: 10, Type: "text/csv"})
	assert.Equal(t, StageCategory, res.Stage)
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"photo.png", true},
		{"README", true},
		{"a\x00b.png", false},
		{"../x.png", false},
		{"dir/x.png", false},
		{`dir\x.png`, false},
		{"shell.php.jpg", false},
		{"a.b", true},
		{"ab", false},
		{strings.Repeat("a", 252) + ".png", false},
		{strings.Repeat("a", 251) + ".png", true},
		{"run.sh", false},
		{"Setup.EXE", false},
		{"app.js", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidateFilename(tt.name) == "")
		})
	}
}

func TestMatchesMIME(t *testing.T) {
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 8)...)
	mp4 := []byte("\x00\x00\x00\x18ftypmp42")
	docx := []byte("PK\x03\x04\x14\x00")

	assert.True(t, MatchesMIME([]byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"))
	assert.True(t, MatchesMIME([]byte("GIF89a...."), "image/gif"))
	assert.True(t, MatchesMIME(webp, "image/webp"))
	assert.False(t, MatchesMIME([]byte("XXXX\x00\x00\x00\x00WEBP"), "image/webp"))
	assert.True(t, MatchesMIME(mp4, "video/mp4"))
	assert.True(t, MatchesMIME(mp4, "video/quicktime"))
	assert.True(t, MatchesMIME(docx, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.True(t, MatchesMIME([]byte("plain words"), "text/plain"))
	assert.False(t, MatchesMIME([]byte("bin\x00ary"), "text/plain"))
	assert.False(t, MatchesMIME([]byte{0xFF}, "image/jpeg"))
	assert.False(t, MatchesMIME(pdfContent, "application/x-unknown"))
}

func TestDangerousSignature(t *testing.T) {
	assert.Equal(t, "ELF executable", DangerousSignature([]byte("\x7fELF\x02\x01")))
	assert.Equal(t, "shell script", DangerousSignature([]byte("#!/bin/sh\n")))
	assert.Equal(t, "", DangerousSignature([]byte("PK\x03\x04")))
	assert.Equal(t, "", DangerousSignature(nil))
}

func TestScanForMalware(t *testing.T) {
	assert.Empty(t, ScanForMalware([]byte("just some text")))
	assert.Equal(t, []string{"script tag"}, ScanForMalware([]byte("GIF89a<SCRIPT>alert(1)</script>")))
	assert.Equal(t, []string{"php opener", "eval call", "base64 decode call"},
		ScanForMalware([]byte(`<?php eval(base64_decode("x"));`)))
	assert.Equal(t, []string{"asp opener"}, ScanForMalware([]byte(`<%@ Page %>`)))

	late := append(bytes.Repeat([]byte("a"), 11*1024), []byte("<script>")...)
	assert.Empty(t, ScanForMalware(late), "only the first 10KB is scanned")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGenerateSecureFilename(t *testing.T) {
	v := newTestValidator()
	a, err := v.GenerateSecureFilename("My Photo.JPG")
	require.NoError(t, err)
	b, err := v.GenerateSecureFilename("My Photo.JPG")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, ".jpg"))
	assert.NotContains(t, a, "Photo")

	noExt, err := v.GenerateSecureFilename("README")
	require.NoError(t, err)
	assert.Regexp(t, `^\d+_[0-9a-f]{16}$`, noExt)

	v.random = failingReader{}
	_, err = v.GenerateSecureFilename("x.png")
	assert.Error(t, err)
}

func TestMaxSize(t *testing.T) {
	assert.Equal(t, int64(100<<20), newTestValidator().MaxSize())
}
