// Package relay turns a multipart upload into a single broker message.
package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
)

// ErrInvalidForm marks uploads rejected before anything is published.
var ErrInvalidForm = errors.New("invalid upload form")

// maxFieldSize caps the plain text fields (bucket, path, fileName).
const maxFieldSize = 4 << 10

// Message is the body published to the broker. Files holds base64 payloads,
// parallel to FileNames.
type Message struct {
	Files     []string `json:"files"`
	FileNames []string `json:"fileNames"`
	Bucket    string   `json:"bucket"`
	Path      string   `json:"path"`
	Email     string   `json:"email"`
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldSize {
		return "", fmt.Errorf("%w: field %q too long", ErrInvalidForm, part.FormName())
	}
	return string(b), nil
}

// encodePart streams a file part through a base64 encoder so the raw bytes
// are never buffered as a whole.
func encodePart(part *multipart.Part) (string, error) {
	var b strings.Builder
	enc := base64.NewEncoder(base64.StdEncoding, &b)
	if _, err := io.Copy(enc, part); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ReadForm consumes the multipart stream and builds the message. Repeated
// "file" and "fileName" parts are paired by position; when no fileName parts
// are sent the part file names are used instead. At least one file and a
// bucket are required.
//
// Errors caused by the stream itself (for example an exceeded body limit)
// are wrapped so callers can still match them with errors.As.
func ReadForm(mr *multipart.Reader, email string) (*Message, error) {
	msg := &Message{
		Files:     []string{},
		FileNames: []string{},
		Email:     email,
	}
	var partNames []string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidForm, err)
		}

		switch part.FormName() {
		case "file":
			encoded, err := encodePart(part)
			if err != nil {
				return nil, fmt.Errorf("%w: read file: %w", ErrInvalidForm, err)
			}
			msg.Files = append(msg.Files, encoded)
			partNames = append(partNames, part.FileName())
		case "fileName":
			name, err := readField(part)
			if err != nil {
				return nil, err
			}
			msg.FileNames = append(msg.FileNames, name)
		case "bucket":
			if msg.Bucket, err = readField(part); err != nil {
				return nil, err
			}
		case "path":
			if msg.Path, err = readField(part); err != nil {
				return nil, err
			}
		default:
			if _, err := io.Copy(io.Discard, part); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidForm, err)
			}
		}
		part.Close()
	}

	if len(msg.Files) == 0 {
		return nil, fmt.Errorf("%w: no file uploaded", ErrInvalidForm)
	}
	if strings.TrimSpace(msg.Bucket) == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidForm)
	}
	if len(msg.FileNames) == 0 {
		msg.FileNames = partNames
	}
	if len(msg.FileNames) != len(msg.Files) {
		return nil, fmt.Errorf("%w: %d fileName values for %d files",
			ErrInvalidForm, len(msg.FileNames), len(msg.Files))
	}

	return msg, nil
}
