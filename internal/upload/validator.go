// Package upload validates user file uploads before anything is stored.
//
// Validation short-circuits on the first failure: filename, category,
// MIME type, size, then file signature. Accepted files are stored under a
// generated name; the client-supplied name never reaches the filesystem.
package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
)

const (
	minNameLength = 3
	maxNameLength = 255
)

// Category groups extensions with the MIME types and size limit they share.
type Category struct {
	Name       string
	Extensions []string
	MIMETypes  []string
	MaxSize    int64
}

// DefaultCategories are images (10MB), documents (20MB) and videos (100MB).
func DefaultCategories() []Category {
	return []Category{
		{
			Name:       "images",
			Extensions: []string{"jpg", "jpeg", "png", "gif", "webp"},
			MIMETypes:  []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
			MaxSize:    10 << 20,
		},
		{
			Name:       "documents",
			Extensions: []string{"pdf", "doc", "docx", "txt"},
			MIMETypes: []string{
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"text/plain",
			},
			MaxSize: 20 << 20,
		},
		{
			Name:       "videos",
			Extensions: []string{"mp4", "webm", "mov"},
			MIMETypes:  []string{"video/mp4", "video/webm", "video/quicktime"},
			MaxSize:    100 << 20,
		},
	}
}

var dangerousExtensions = map[string]struct{}{
	"exe": {}, "bat": {}, "cmd": {}, "com": {}, "pif": {}, "scr": {}, "vbs": {},
	"js": {}, "jar": {}, "sh": {}, "php": {}, "asp": {}, "jsp": {},
}

// File is an upload as received. Content may be nil when only metadata is known.
type File struct {
	Name    string
	Size    int64
	Type    string
	Content []byte
}

// Stage names the pipeline step that rejected a file.
type Stage string

const (
	StageFilename  Stage = "filename"
	StageCategory  Stage = "category"
	StageMIME      Stage = "mime"
	StageSize      Stage = "size"
	StageSignature Stage = "signature"
	StageMalware   Stage = "malware"
)

// ValidationResult is the outcome of Validate. SecureFilename is set only when Valid.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	Error          string   `json:"error,omitempty"`
	Stage          Stage    `json:"stage,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	SecureFilename string   `json:"secureFilename,omitempty"`
	Category       string   `json:"category,omitempty"`
}

func reject(stage Stage, format string, args ...any) ValidationResult {
	return ValidationResult{Stage: stage, Error: fmt.Sprintf(format, args...)}
}

// Validator checks files against a category table.
type Validator struct {
	categories []Category
	byExt      map[string]*Category
	clock      clockwork.Clock
	random     io.Reader
}

// NewValidator builds a validator. Nil categories select DefaultCategories.
func NewValidator(categories []Category, clock clockwork.Clock) *Validator {
	if categories == nil {
		categories = DefaultCategories()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	v := &Validator{
		categories: categories,
		byExt:      make(map[string]*Category),
		clock:      clock,
		random:     rand.Reader,
	}
	for i := range v.categories {
		c := &v.categories[i]
		for _, ext := range c.Extensions {
			v.byExt[strings.ToLower(ext)] = c
		}
	}
	return v
}

// Validate runs the pipeline on f.
func (v *Validator) Validate(f File) ValidationResult {
	if err := ValidateFilename(f.Name); err != "" {
		return reject(StageFilename, "%s", err)
	}

	ext := extension(f.Name)
	cat, ok := v.byExt[ext]
	if !ok {
		return reject(StageCategory, "File type .%s is not allowed", ext)
	}

	mimeType := normalizeMIME(f.Type)
	if !contains(cat.MIMETypes, mimeType) {
		return reject(StageMIME, "MIME type %q does not match file extension .%s", f.Type, ext)
	}

	if f.Size <= 0 {
		return reject(StageSize, "File is empty")
	}
	if f.Size > cat.MaxSize {
		return reject(StageSize, "File exceeds maximum size of %d bytes for %s", cat.MaxSize, cat.Name)
	}

	var warnings []string
	if f.Content == nil {
		warnings = append(warnings, "File content not provided; signature verification skipped")
	} else {
		if int64(len(f.Content)) != f.Size {
			return reject(StageSize, "Declared size does not match file content")
		}
		if name := DangerousSignature(f.Content); name != "" {
			return reject(StageSignature, "File content matches dangerous signature: %s", name)
		}
		if !MatchesMIME(f.Content, mimeType) {
			return reject(StageSignature, "File signature does not match declared type %s (possible spoofing)", mimeType)
		}
	}

	name, err := v.GenerateSecureFilename(f.Name)
	if err != nil {
		return reject(StageFilename, "Could not generate storage name")
	}
	return ValidationResult{
		Valid:          true,
		Warnings:       warnings,
		SecureFilename: name,
		Category:       cat.Name,
	}
}

// ValidateFilename returns the reason name is unsafe, or "" when it is acceptable.
func ValidateFilename(name string) string {
	switch {
	case strings.ContainsRune(name, 0):
		return "Filename contains null bytes"
	case strings.ContainsAny(name, `/\`) || strings.Contains(name, ".."):
		return "Filename contains path traversal characters"
	case strings.Count(name, ".") > 1:
		return "Filename contains multiple extensions"
	case len(name) < minNameLength || len(name) > maxNameLength:
		return fmt.Sprintf("Filename length must be between %d and %d characters", minNameLength, maxNameLength)
	}
	if _, bad := dangerousExtensions[extension(name)]; bad {
		return "File extension is not allowed"
	}
	return ""
}

// GenerateSecureFilename returns "<unix ms>_<16 hex>.<ext>" for storage.
func (v *Validator) GenerateSecureFilename(original string) (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(v.random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	name := strconv.FormatInt(v.clock.Now().UnixMilli(), 10) + "_" + hex.EncodeToString(buf)
	if ext := extension(original); ext != "" {
		name += "." + ext
	}
	return name, nil
}

// MaxSize is the largest size any category accepts.
func (v *Validator) MaxSize() int64 {
	var top int64
	for _, c := range v.categories {
		if c.MaxSize > top {
			top = c.MaxSize
		}
	}
	return top
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

func normalizeMIME(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
