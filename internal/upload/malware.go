package upload

import "regexp"

const scanWindow = 10 * 1024

var malwarePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script tag", regexp.MustCompile(`(?i)<script`)},
	{"php opener", regexp.MustCompile(`(?i)<\?(php|=)`)},
	{"asp opener", regexp.MustCompile(`<%[@=]`)},
	{"eval call", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"base64 decode call", regexp.MustCompile(`(?i)base64_decode\s*\(`)},
}

// ScanForMalware looks for embedded script in the first 10KB and returns the
// names of the patterns found. Any hit is a threat.
func ScanForMalware(content []byte) []string {
	if len(content) > scanWindow {
		content = content[:scanWindow]
	}
	var threats []string
	for _, p := range malwarePatterns {
		if p.re.Match(content) {
			threats = append(threats, p.name)
		}
	}
	return threats
}
