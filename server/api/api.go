// Package api exposes the upload service's wire endpoints over HTTP,
// routed with httprouter: one small router built once at construction,
// one JSON error shape, a catch-all 404 handler.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/julienschmidt/httprouter"

	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/server/service"
)

var errMalformedRange = errors.New("malformed Range header")

// maxChunkUploadMemory bounds how much of a multipart /upload/chunk body
// is buffered in memory before spilling to a temp file, mirroring the
// bounded-memory discipline digest.Stream uses for whole-file hashing.
const maxChunkUploadMemory = 32 << 20

// Error is the JSON shape returned on any non-2xx response.
type Error struct {
	Message string `json:"message"`
}

func (e Error) Error() string { return e.Message }

// API wraps a Service and exposes it as an http.Handler.
type API struct {
	svc       *service.Service
	startedAt time.Time
	Handler   http.Handler
}

// New builds the API's router around svc.
func New(svc *service.Service) *API {
	api := &API{svc: svc, startedAt: time.Now()}
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(api.notFoundHandler)

	router.POST("/upload/create", api.createFileHandler)
	router.POST("/upload/verify", api.verifyHashHandler)
	router.POST("/upload/chunk", api.uploadChunkHandler)
	router.POST("/upload/merge", api.mergeFileHandler)
	router.GET("/files/:fileId", api.getFileHandler)
	router.GET("/health", api.healthHandler)

	api.Handler = router
	return api
}

func (api *API) notFoundHandler(w http.ResponseWriter, req *http.Request) {
	writeError(w, "404 - no such route", http.StatusNotFound)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(Error{Message: message})
}

func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(obj)
}

// statusForError maps a service-layer error onto its HTTP status, using
// the same errors.Contains-based taxonomy match the rest of the module
// uses, rather than type assertions or string comparison.
func statusForError(err error) int {
	switch {
	case errors.Contains(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Contains(err, service.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Contains(err, service.ErrHashMismatch):
		return http.StatusConflict
	case errors.Contains(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Contains(err, service.ErrIncomplete):
		return http.StatusNotFound
	case errors.Contains(err, service.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) createFileHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body protocol.CreateFileRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := api.svc.CreateFile(body)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, resp)
}

func (api *API) verifyHashHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body protocol.VerifyHashRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := api.svc.VerifyHash(body)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, resp)
}

func (api *API) uploadChunkHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if err := req.ParseMultipartForm(maxChunkUploadMemory); err != nil {
		writeError(w, "malformed multipart body", http.StatusBadRequest)
		return
	}
	file, _, err := req.FormFile("chunk")
	if err != nil {
		writeError(w, "missing chunk file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, "failed to read chunk body", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(req.FormValue("chunkIndex"))
	if err != nil {
		writeError(w, "invalid chunkIndex", http.StatusBadRequest)
		return
	}
	body := protocol.UploadChunkRequest{
		UploadToken: req.FormValue("uploadToken"),
		ChunkIndex:  idx,
		ChunkHash:   req.FormValue("chunkHash"),
		ChunkBytes:  data,
	}
	resp, err := api.svc.UploadChunk(body)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, resp)
}

func (api *API) mergeFileHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body protocol.MergeFileRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := api.svc.MergeFile(body)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, resp)
}

func (api *API) getFileHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	fileID := ps.ByName("fileId")

	var rng *service.ByteRange
	if h := req.Header.Get("Range"); h != "" {
		r, err := parseRangeHeader(h)
		if err != nil {
			writeError(w, "malformed Range header", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		rng = r
	}

	stream, err := api.svc.GetFileStream(fileID, rng)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.MIMEType)
	w.Header().Set("Accept-Ranges", "bytes")
	if stream.Partial {
		w.Header().Set("Content-Range", contentRangeHeader(stream.Range.Start, stream.Range.End, stream.Total))
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Range.End-stream.Range.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Total, 10))
		w.WriteHeader(http.StatusOK)
	}
	io.Copy(w, stream.Body)
}

func (api *API) healthHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, protocol.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(api.startedAt).String(),
	})
}

// parseRangeHeader parses a single-range "bytes=start-end" header with
// absolute file offsets.
func parseRangeHeader(h string) (*service.ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(h, prefix) {
		return nil, errMalformedRange
	}
	parts := strings.SplitN(strings.TrimPrefix(h, prefix), "-", 2)
	if len(parts) != 2 {
		return nil, errMalformedRange
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errMalformedRange
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errMalformedRange
	}
	return &service.ByteRange{Start: start, End: end}, nil
}

func contentRangeHeader(start, end, total int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(total, 10)
}
