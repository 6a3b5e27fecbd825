package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/auth"
	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/relay"
	"github.com/stefando/uploadRelay/internal/tree"
	"github.com/stefando/uploadRelay/internal/upload"
)

// multipartMemory is the part of a direct upload kept in memory; the rest
// is spooled to temporary files.
const multipartMemory = 32 << 20

// IncompleteHeader flags a listing where some keys have no URL.
const IncompleteHeader = "X-Listing-Incomplete"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// bucketParam picks the bucket from the query, then a JSON body on POST,
// then the configured default.
func (s *Server) bucketParam(r *http.Request) (string, error) {
	if b := r.URL.Query().Get("bucket"); b != "" {
		return b, nil
	}
	if r.Method == http.MethodPost && r.Body != nil {
		var body struct {
			Bucket string `json:"bucket"`
		}
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if body.Bucket != "" {
			return body.Bucket, nil
		}
	}
	return s.opts.DefaultBucket, nil
}

func (s *Server) relayHandler(svc *relay.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithContext(r.Context())
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "broker is not configured")
			return
		}
		broker := svc.Broker()

		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
			return
		}

		msg, err := relay.ReadForm(mr, auth.EmailFromContext(r.Context()))
		switch {
		case err == nil:
		case isTooLarge(err):
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		case errors.Is(err, relay.ErrInvalidForm):
			logger.Info("rejected upload form", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		default:
			logger.Error("failed to read upload", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read upload")
			return
		}

		if err := svc.Send(r.Context(), msg); err != nil {
			logger.Error("relay failed", zap.String("broker", broker), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to send file to "+broker)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": svc.Status()})
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context())
	if s.opts.Uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, upload.ErrNoFile.Error())
		return
	}
	defer file.Close()

	key, err := s.opts.Uploader.UploadFile(r.Context(), r.FormValue("bucket"), r.FormValue("path"), &upload.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	switch {
	case err == nil:
	case errors.Is(err, upload.ErrNoFile), errors.Is(err, upload.ErrNoBucket):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		logger.Error("direct upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to upload file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "File uploaded successfully",
		"key":     key,
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.bucketParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listing, err := s.opts.Lister.List(r.Context(), bucket)
	if err != nil {
		logging.WithContext(r.Context()).Error("listing failed", zap.String("bucket", bucket), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	if listing.Incomplete {
		w.Header().Set(IncompleteHeader, "true")
	}
	writeJSON(w, http.StatusOK, listing.Files)
}

func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request) {
	bucket, _ := s.bucketParam(r)
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	url, err := s.opts.Lister.URL(r.Context(), bucket, key)
	if err != nil {
		logging.WithContext(r.Context()).Error("presign failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to sign url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "url": url})
}

type treeResponse struct {
	Path      string       `json:"path"`
	Tree      []*tree.Node `json:"tree"`
	Conflicts []string     `json:"conflicts"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	bucket, _ := s.bucketParam(r)
	folder := strings.Trim(r.URL.Query().Get("path"), "/")

	listing, err := s.opts.Lister.List(r.Context(), bucket)
	if err != nil {
		logging.WithContext(r.Context()).Error("listing failed", zap.String("bucket", bucket), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	entries := make([]tree.Entry, 0, len(listing.Files))
	for _, f := range listing.Files {
		entries = append(entries, tree.Entry{Key: f.Key, URL: f.PathStyleURL})
	}
	roots, conflicts := tree.Build(entries)
	files, folders := tree.CountNodes(roots)
	logging.WithContext(r.Context()).Debug("projected tree",
		zap.String("bucket", bucket),
		zap.Int("files", files),
		zap.Int("folders", folders))
	if len(conflicts) > 0 {
		logging.WithContext(r.Context()).Warn("keys left out of tree",
			zap.String("bucket", bucket), zap.Strings("keys", conflicts))
	}
	if conflicts == nil {
		conflicts = []string{}
	}

	nodes, ok := tree.FolderContents(roots, folder)
	if !ok {
		writeError(w, http.StatusNotFound, "folder not found")
		return
	}

	if listing.Incomplete {
		w.Header().Set(IncompleteHeader, "true")
	}
	writeJSON(w, http.StatusOK, treeResponse{Path: folder, Tree: nodes, Conflicts: conflicts})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.opts.Lister.Buckets(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("bucket listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list buckets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": buckets})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := s.opts.Login.Authenticate(r.Context(), &req)
	s.writeTokens(w, r, resp, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := s.opts.Login.Refresh(r.Context(), &req)
	s.writeTokens(w, r, resp, err)
}

func (s *Server) writeTokens(w http.ResponseWriter, r *http.Request, resp *auth.LoginResponse, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, auth.ErrMissingCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.WithContext(r.Context()).Info("authentication failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Authentication failed")
	}
}
