// Package verify checks downloaded backups before they are restored.
package verify

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// Result is the outcome of a verification
type Result struct {
	Valid    bool     `json:"valid"`
	Hash     string   `json:"hash,omitempty"`
	FileSize int64    `json:"fileSize"`
	Errors   []string `json:"errors,omitempty"`
}

// IntegrityError is a size or hash mismatch; a restore must stop on it
type IntegrityError struct {
	Path   string
	Errors []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("backup integrity check failed for %s: %s", e.Path, strings.Join(e.Errors, "; "))
}

// Hash returns the hex sha256 of data
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify computes the size and sha256 of data and compares them with the
// expectations that were supplied. A zero expectedSize or empty expectedHash
// is not checked.
func Verify(data []byte, expectedSize int64, expectedHash string) Result {
	result := Result{
		Hash:     Hash(data),
		FileSize: int64(len(data)),
	}
	if expectedSize > 0 && expectedSize != result.FileSize {
		result.Errors = append(result.Errors,
			fmt.Sprintf("file size mismatch: expected %d, got %d", expectedSize, result.FileSize))
	}
	if expectedHash != "" && !strings.EqualFold(expectedHash, result.Hash) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("hash mismatch: expected %s, got %s", expectedHash, result.Hash))
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// Check runs Verify and returns an IntegrityError on mismatch
func Check(path string, data []byte, expectedSize int64, expectedHash string) (Result, error) {
	result := Verify(data, expectedSize, expectedHash)
	if !result.Valid {
		return result, &IntegrityError{Path: path, Errors: result.Errors}
	}
	return result, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// dumpMarkers identify the plain SQL produced by pg_dump and mysqldump
var dumpMarkers = []string{"PostgreSQL database dump", "MySQL dump", "MariaDB dump", "--"}

// VerifyFormat does a shallow shape check of data for kind. Callers treat
// failures as warnings.
func VerifyFormat(data []byte, kind config.Kind) Result {
	result := Result{FileSize: int64(len(data))}

	switch kind {
	case config.KindDatabase:
		if !bytes.HasPrefix(data, gzipMagic) {
			if !looksLikeDump(data) {
				result.Errors = append(result.Errors, "invalid database backup format: expected a gzip compressed SQL dump")
			}
			break
		}
		head, err := gunzipHead(data, 512)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("invalid database backup: %v", err))
		} else if !looksLikeDump(head) {
			result.Errors = append(result.Errors, "invalid database backup format: expected pg_dump or mysqldump output")
		}

	case config.KindCSV:
		content := string(data)
		if len(content) > 0 && !strings.ContainsAny(content, ",\n\r") {
			result.Errors = append(result.Errors, "invalid CSV format: expected comma-separated values")
		}

	case config.KindDirectory, config.KindClientDirectory, config.KindImage:
		if !bytes.HasPrefix(data, gzipMagic) {
			result.Errors = append(result.Errors, "invalid archive format: expected tar.gz")
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func looksLikeDump(data []byte) bool {
	n := len(data)
	if n > 200 {
		n = 200
	}
	head := strings.TrimSpace(string(data[:n]))
	for _, marker := range dumpMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

func gunzipHead(data []byte, n int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	head, err := io.ReadAll(io.LimitReader(zr, n))
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return head, nil
}
