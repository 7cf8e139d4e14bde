// Package storage provides the blob store used for workspace exports.
package storage

import (
	"context"
	"fmt"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// BlobStore is the blob storage surface used by workspace export, the
// session workspace API, and skill imports.
type BlobStore interface {
	// PutObject stores raw bytes under key with the given content type.
	PutObject(ctx context.Context, key string, data []byte, contentType string) error

	// UploadFile streams a local file to key with the given content type.
	UploadFile(ctx context.Context, key, localPath, contentType string) (ObjectInfo, error)

	// GetObject fetches an object's bytes.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// DownloadPrefix downloads every object under prefix into destRoot,
	// preserving relative paths. Keys that would escape destRoot are skipped.
	DownloadPrefix(ctx context.Context, prefix, destRoot string) (int, error)

	// ListPrefix lists objects under prefix.
	ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeletePrefix deletes every object under prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// PresignGet returns a time-limited GET URL for key. The URL instructs
	// browsers to render the object inline with the given filename and
	// content type.
	PresignGet(ctx context.Context, key, filename, contentType string) (string, error)
}

// Session object key layout. All workspace artifacts for a session live
// under one prefix so export, listing, and cleanup agree on structure.
const (
	sessionPrefix = "sessions"
)

// SessionFilesPrefix returns the prefix holding a session's exported files.
func SessionFilesPrefix(sessionID string) string {
	return fmt.Sprintf("%s/%s/files/", sessionPrefix, sessionID)
}

// SessionFileKey returns the object key for one exported workspace file.
func SessionFileKey(sessionID, relPath string) string {
	return fmt.Sprintf("%s/%s/files/%s", sessionPrefix, sessionID, relPath)
}

// SessionManifestKey returns the object key of a session's export manifest.
func SessionManifestKey(sessionID string) string {
	return fmt.Sprintf("%s/%s/manifest.json", sessionPrefix, sessionID)
}

// SessionArchiveKey returns the object key of a session's zip archive.
func SessionArchiveKey(sessionID string) string {
	return fmt.Sprintf("%s/%s/archive.zip", sessionPrefix, sessionID)
}

// SessionPrefix returns the prefix holding everything exported for a session.
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("%s/%s/", sessionPrefix, sessionID)
}

// SkillPrefix returns the prefix holding one imported skill's files.
func SkillPrefix(userID, skillName string) string {
	return fmt.Sprintf("skills/%s/%s/", userID, skillName)
}

// AttachmentPrefix returns the prefix holding one uploaded attachment.
func AttachmentPrefix(userID, sessionID, attachmentID string) string {
	return fmt.Sprintf("attachments/%s/%s/%s/", userID, sessionID, attachmentID)
}
