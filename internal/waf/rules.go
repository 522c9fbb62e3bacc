package waf

import "regexp"

// AllowedMethods are the only HTTP methods the firewall passes.
var AllowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "OPTIONS": {}, "HEAD": {},
}

// maliciousAgents fingerprint scanners and exploit frameworks.
var maliciousAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sqlmap`),
	regexp.MustCompile(`(?i)nikto`),
	regexp.MustCompile(`(?i)\bnmap\b`),
	regexp.MustCompile(`(?i)masscan`),
	regexp.MustCompile(`(?i)nessus`),
	regexp.MustCompile(`(?i)openvas`),
	regexp.MustCompile(`(?i)acunetix`),
	regexp.MustCompile(`(?i)w3af`),
	regexp.MustCompile(`(?i)dirbuster`),
	regexp.MustCompile(`(?i)gobuster`),
	regexp.MustCompile(`(?i)\bdirb\b`),
	regexp.MustCompile(`(?i)wpscan`),
	regexp.MustCompile(`(?i)metasploit`),
	regexp.MustCompile(`(?i)havij`),
	regexp.MustCompile(`(?i)zgrab`),
	regexp.MustCompile(`(?i)nuclei`),
	regexp.MustCompile(`(?i)\bhydra\b`),
	regexp.MustCompile(`(?i)zmeu`),
	regexp.MustCompile(`(?i)fimap`),
	regexp.MustCompile(`(?i)arachni`),
	regexp.MustCompile(`(?i)skipfish`),
	regexp.MustCompile(`(?i)whatweb`),
	regexp.MustCompile(`(?i)commix`),
}

// suspiciousPaths match against the raw and decoded path+query.
var suspiciousPaths = []*regexp.Regexp{
	// traversal
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`(?i)%2e%2e|%252e%252e|\.\.%2f|\.\.%5c|%c0%ae`),
	// system files
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts|group)|/proc/self/|/windows/system32|c:\\windows|(boot|win)\.ini`),
	// admin and CMS panels
	regexp.MustCompile(`(?i)/(wp-admin|wp-login\.php|wp-config\.php|phpmyadmin|pma|administrator|xmlrpc\.php|cgi-bin)(/|$|\?)`),
	// VCS and environment leakage
	regexp.MustCompile(`(?i)/\.(git|svn|hg|bzr|env|htaccess|htpasswd|ds_store|aws|ssh)(/|$|\?|\.)`),
}

// suspiciousExtensions match against the path only.
var suspiciousExtensions = regexp.MustCompile(`(?i)\.(bak|backup|old|orig|save|swp|sql|sqlite|db|dump|tar|tgz|gz|zip|rar|7z)$`)
