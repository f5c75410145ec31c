// Package encoder turns document files into the base64 payloads stored in
// the work database for dispatch to the analyzer.
package encoder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

// ErrUnreadableFile marks a document whose file could not be read at
// staging time. The caller skips the document instead of failing the batch.
var ErrUnreadableFile = errors.New("document file is unreadable")

// Encoder reads document files and upserts their encoded bodies.
type Encoder struct {
	work *db.Work
	log  *common.ContextLogger
}

// New creates an encoder writing to the given work store.
func New(work *db.Work) *Encoder {
	return &Encoder{
		work: work,
		log:  common.ServiceLogger("encoder"),
	}
}

// EncodeAndStore reads the document's file, encodes it and upserts the
// encoded body keyed by document id. Re-staging the same document updates
// the existing row in place, so the returned id is stable across runs.
func (e *Encoder) EncodeAndStore(doc *db.Document) (uint, error) {
	raw, err := os.ReadFile(doc.Filepath)
	if err != nil {
		e.log.WithField("filepath", doc.Filepath).WithError(err).
			Warn("failed to read document file")
		return 0, fmt.Errorf("%w: %s", ErrUnreadableFile, doc.Filepath)
	}

	body := &db.EncodedBody{
		DocumentID:  doc.ID,
		Content:     Normalize(base64.StdEncoding.EncodeToString(raw)),
		ContentType: ContentType(doc.Filepath),
		DocType:     DocType(doc.Filepath),
		FileSize:    int64(len(raw)),
		Encoding:    "base64",
	}

	if err := e.work.UpsertEncodedBody(body); err != nil {
		return 0, fmt.Errorf("failed to store encoded body for document %d: %w", doc.ID, err)
	}

	return body.ID, nil
}

// Normalize strips trailing whitespace from an encoded payload and
// restores '=' padding until its length is a multiple of four. Payloads
// round-tripped through clients that trim padding decode again afterwards.
func Normalize(encoded string) string {
	encoded = strings.TrimRight(encoded, " \t\r\n")
	for len(encoded)%4 != 0 {
		encoded += "="
	}
	return encoded
}

// ContentType guesses a MIME type from the file extension, falling back to
// application/octet-stream.
func ContentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// DocType returns the lowercase file extension without the leading dot.
func DocType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return strings.ToLower(ext)
}
