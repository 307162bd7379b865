package domain

import (
	"fmt"
	"strings"
)

// Object store key layout:
//
//	raw/{job_id}/{original_name}
//	processed/{job_id}/{operation}.{ext}
//	archives/{job_id}.zip
//
// Keys are fully qualified by job id and operation, so no two tasks ever
// write the same key.

// RawKey returns the object key for the submitted bytes.
func RawKey(jobID, originalName string) string {
	name := strings.TrimSpace(originalName)
	if name == "" {
		name = "upload.bin"
	}
	// Collapse path separators; the original name only contributes a leaf.
	name = strings.ReplaceAll(name, "/", "_")
	return fmt.Sprintf("raw/%s/%s", jobID, name)
}

// ProcessedKey returns the object key for an operation's artifact.
func ProcessedKey(jobID string, op OperationTag) string {
	return fmt.Sprintf("processed/%s/%s.%s", jobID, op, op.OutputExt())
}

// ArchiveKey returns the object key for the job's ZIP bundle.
func ArchiveKey(jobID string) string {
	return fmt.Sprintf("archives/%s.zip", jobID)
}

// BaseName strips the extension from an original filename for use in
// download-friendly names; falls back to "image".
func BaseName(originalName string) string {
	name := strings.TrimSpace(originalName)
	if name == "" {
		return "image"
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// DownloadName builds the attachment filename advertised on signed URLs.
func DownloadName(op OperationTag, originalName, key string) string {
	ext := key
	if i := strings.LastIndex(key, "."); i >= 0 {
		ext = key[i+1:]
	}
	return fmt.Sprintf("pixtools_%s_%s.%s", op, BaseName(originalName), ext)
}

// ArchiveDownloadName builds the attachment filename for the ZIP bundle.
func ArchiveDownloadName(originalName string) string {
	return fmt.Sprintf("pixtools_bundle_%s.zip", BaseName(originalName))
}
