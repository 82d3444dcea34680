package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mozenebula/mini-asr-backend/pkg/fetch"
	"github.com/mozenebula/mini-asr-backend/pkg/search"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// maxMultipartMemory is the in-memory parse budget; larger uploads spill
// to disk during form parsing.
const maxMultipartMemory = 32 << 20

// Submission validation messages.
const (
	msgNoSource    = "The file or file_url parameter cannot be empty, you must provide one of them"
	msgBothSources = "The 'file' and 'file_url' parameters cannot be both provided, you must provide only one of them."
)

// handleCreateTask accepts a multipart upload or a file_url form and
// persists a queued task. Uploads are saved through the media store and
// their size and duration recorded up front; URL media is fetched later
// by the processor.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			sendError(w, fmt.Errorf("failed to parse multipart form: %w", err), http.StatusBadRequest)
			return
		}
	} else if err := r.ParseForm(); err != nil {
		sendError(w, fmt.Errorf("failed to parse form: %w", err), http.StatusBadRequest)
		return
	}

	req, err := submitRequestFromForm(r)
	if err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}

	var upload []byte
	var uploadName string
	hasUpload := false
	if r.MultipartForm != nil {
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			upload, err = io.ReadAll(file)
			if err != nil {
				sendError(w, fmt.Errorf("failed to read uploaded file: %w", err), http.StatusBadRequest)
				return
			}
			uploadName = header.Filename
			hasUpload = true
		case errors.Is(err, http.ErrMissingFile):
		default:
			sendError(w, err, http.StatusBadRequest)
			return
		}
	}

	if !hasUpload && req.FileURL == "" {
		sendError(w, errors.New(msgNoSource), http.StatusBadRequest)
		return
	}
	if hasUpload && req.FileURL != "" {
		sendError(w, errors.New(msgBothSources), http.StatusBadRequest)
		return
	}

	t, err := req.NewTask()
	if err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}
	t.EngineName = s.engine

	if hasUpload {
		filePath, err := s.media.SaveUpload(upload, uploadName)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, fetch.ErrFileTooLarge) || errors.Is(err, fetch.ErrDisallowedType) {
				status = http.StatusBadRequest
			}
			sendError(w, err, status)
			return
		}
		duration, err := s.media.ProbeDuration(r.Context(), filePath)
		if err != nil {
			s.discardUpload(filePath)
			sendError(w, fmt.Errorf("failed to probe media duration: %w", err), http.StatusInternalServerError)
			return
		}
		size := int64(len(upload))
		t.FilePath = filePath
		t.FileName = uploadName
		t.FileSizeBytes = &size
		t.FileDuration = &duration
	}

	created, err := s.store.Create(r.Context(), t)
	if err != nil {
		if t.FilePath != "" {
			s.discardUpload(t.FilePath)
		}
		s.sendStoreError(w, err)
		return
	}

	outputURL := fmt.Sprintf("%s/api/whisper/tasks/%d", s.baseURL, created.ID)
	if err := s.store.Update(r.Context(), created.ID, &task.Update{OutputURL: &outputURL}); err != nil {
		s.logger.Error("Failed to record task output URL", map[string]interface{}{
			"task_id": created.ID,
			"error":   err.Error(),
		})
	}
	created.OutputURL = outputURL

	s.metrics.TaskCreated()
	s.logger.Info("Created transcription task", map[string]interface{}{
		"task_id":  created.ID,
		"type":     string(created.TaskType),
		"priority": string(created.Priority),
		"upload":   hasUpload,
	})
	sendJSONStatus(w, http.StatusAccepted, APIResponse{Success: true, Data: created})
}

func (s *Server) discardUpload(filePath string) {
	if err := s.media.Delete(filePath); err != nil {
		s.logger.Error("Failed to remove rejected upload", map[string]interface{}{
			"path":  filePath,
			"error": err.Error(),
		})
	}
}

// handleGetTask answers with the status-mapped code: 202 while the task
// is in flight, 200 when completed, 500 with the error message when
// failed.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}

	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	resp := APIResponse{Success: true, Data: t}
	if t.Status == task.StatusFailed {
		resp.Success = false
		resp.Error = t.Status.HTTPStatusMessage()
		if t.ErrorMessage != nil && *t.ErrorMessage != "" {
			resp.Error = *t.ErrorMessage
		}
	}
	sendJSONStatus(w, t.Status.HTTPStatusCode(), resp)
}

func (s *Server) handleQueryTasks(w http.ResponseWriter, r *http.Request) {
	var filter task.QueryFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		sendError(w, fmt.Errorf("invalid query filter: %w", err), http.StatusBadRequest)
		return
	}
	if filter.Status != nil && !filter.Status.Valid() {
		sendError(w, fmt.Errorf("invalid task status: %s", *filter.Status), http.StatusBadRequest)
		return
	}
	if filter.Priority != nil && !filter.Priority.Valid() {
		sendError(w, fmt.Errorf("invalid task priority: %s", *filter.Priority), http.StatusBadRequest)
		return
	}

	result, err := s.store.Query(r.Context(), &filter)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: result})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.sendStoreError(w, err)
		return
	}
	if s.index != nil {
		s.index.Remove(id)
	}

	s.logger.Info("Deleted task", map[string]interface{}{"task_id": id})
	sendJSON(w, APIResponse{Success: true, Data: map[string]bool{"deleted": true}})
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		sendError(w, search.ErrDisabled, http.StatusServiceUnavailable)
		return
	}

	params := r.URL.Query()
	page, err := s.index.Search(params.Get("q"), intParam(params.Get("limit")), intParam(params.Get("offset")))
	if err != nil {
		if errors.Is(err, search.ErrDisabled) {
			sendError(w, err, http.StatusServiceUnavailable)
			return
		}
		sendError(w, fmt.Errorf("search failed: %w", err), http.StatusBadRequest)
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: page})
}

func taskIDFromRequest(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task ID: %q", raw)
	}
	return id, nil
}

func intParam(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

// submitRequestFromForm reads the submission fields from the parsed
// form. Absent optional fields stay nil so the request defaults apply.
func submitRequestFromForm(r *http.Request) (*task.SubmitRequest, error) {
	req := &task.SubmitRequest{
		TaskType:       r.FormValue("task_type"),
		Priority:       r.FormValue("priority"),
		CallbackURL:    r.FormValue("callback_url"),
		Platform:       r.FormValue("platform"),
		Language:       r.FormValue("language"),
		FileURL:        r.FormValue("file_url"),
		Temperature:    r.FormValue("temperature"),
		InitialPrompt:  r.FormValue("initial_prompt"),
		ClipTimestamps: r.FormValue("clip_timestamps"),
	}

	var err error
	if req.CompressionRatioThreshold, err = formFloat(r, "compression_ratio_threshold"); err != nil {
		return nil, err
	}
	if req.NoSpeechThreshold, err = formFloat(r, "no_speech_threshold"); err != nil {
		return nil, err
	}
	if req.HallucinationSilenceThreshold, err = formFloat(r, "hallucination_silence_threshold"); err != nil {
		return nil, err
	}
	if req.ConditionOnPreviousText, err = formBool(r, "condition_on_previous_text"); err != nil {
		return nil, err
	}
	if req.WordTimestamps, err = formBool(r, "word_timestamps"); err != nil {
		return nil, err
	}
	req.PrependPunctuations = formString(r, "prepend_punctuations")
	req.AppendPunctuations = formString(r, "append_punctuations")
	return req, nil
}

func formFloat(r *http.Request, key string) (*float64, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return &v, nil
}

func formBool(r *http.Request, key string) (*bool, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return &v, nil
}

// formString keeps explicit empty values: clearing a punctuation set is
// a valid override, so absence and "" must stay distinguishable.
func formString(r *http.Request, key string) *string {
	if vals, ok := r.Form[key]; ok && len(vals) > 0 {
		return &vals[0]
	}
	return nil
}
