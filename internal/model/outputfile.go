package model

import (
	"fmt"
	"strings"
	"time"
)

// Checksum methods the system can verify.
const (
	ChecksumMD5    = "md5"
	ChecksumSHA1   = "sha1"
	ChecksumSHA256 = "sha256"
	ChecksumSHA512 = "sha512"
)

var verifiableMethods = map[string]bool{
	ChecksumMD5:    true,
	ChecksumSHA1:   true,
	ChecksumSHA256: true,
	ChecksumSHA512: true,
}

// Checksum is a digest and the method that produced it.
type Checksum struct {
	Method string `json:"method"`
	Value  string `json:"value"`
}

// ParseChecksum parses "method:value", e.g. "sha256:abcd".
func ParseChecksum(s string) (Checksum, error) {
	method, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || value == "" {
		return Checksum{}, fmt.Errorf("checksum %q: expected method:value", s)
	}
	c := Checksum{Method: strings.ToLower(strings.TrimSpace(method)), Value: strings.TrimSpace(value)}
	if !c.Verifiable() {
		return Checksum{}, fmt.Errorf("checksum %q: unsupported method %q", s, c.Method)
	}
	return c, nil
}

// Verifiable reports whether the method is one the system can check and the
// value is set.
func (c Checksum) Verifiable() bool {
	return verifiableMethods[strings.ToLower(c.Method)] && c.Value != ""
}

func (c Checksum) String() string {
	return c.Method + ":" + c.Value
}

// OutputFile is an artifact reference produced by a successful execution.
// The bytes live in external storage; only the URL and checksum are kept.
type OutputFile struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	URL          string     `json:"url"`
	Name         string     `json:"name"`
	SizeBytes    int64      `json:"size_bytes"`
	Checksum     Checksum   `json:"checksum"`
	Downloaded   bool       `json:"downloaded"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
}
