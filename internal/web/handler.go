// Package web serves the synthesis form, the history view and audio playback.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/voiceover/internal/audio"
	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/voiceover"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	noticeGenerated  = "generated"
	referenceField   = "reference"
	referenceDefault = "default"
	referenceUpload  = "upload"
)

// Service is the orchestrator surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, req voiceover.Request) (history.Record, error)
	ListPage(ctx context.Context, page int) (voiceover.Page, error)
	Record(ctx context.Context, id int64) (history.Record, error)
	DefaultReference() string
	Speakers() []string
}

type Handler struct {
	svc       Service
	tmpl      *template.Template
	maxUpload int64
	log       *slog.Logger
}

func NewHandler(svc Service, maxUpload int64, log *slog.Logger) (*Handler, error) {
	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"timestamp": func(t time.Time) string { return t.UTC().Format(history.TimestampLayout) },
		"prev":      func(n int) int { return n - 1 },
		"next":      func(n int) int { return n + 1 },
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &Handler{
		svc:       svc,
		tmpl:      tmpl,
		maxUpload: maxUpload,
		log:       log.With(slog.String("component", "web")),
	}, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /synthesize", h.handleSynthesize)
	mux.HandleFunc("GET /audio/{id}", h.handleAudio)
	mux.HandleFunc("GET /audio/{id}/reference", h.handleReferenceAudio)
	mux.HandleFunc("GET /reference/default", h.handleDefaultReference)
	mux.HandleFunc("GET /api/records", h.handleRecords)
}

type indexView struct {
	Methods          []voiceover.Method
	SingleSpeaker    voiceover.Method
	VoiceCloning     voiceover.Method
	Speakers         []string
	DefaultReference string
	Form             formValues
	Notice           string
	Warning          string
	Error            string
	Generated        *history.Record
	Page             voiceover.Page
}

type formValues struct {
	Text            string
	Method          voiceover.Method
	Speaker         string
	ReferenceOption string
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := indexView{Form: formValues{Method: voiceover.MethodVoiceCloning}}
	if r.URL.Query().Get("notice") == noticeGenerated {
		view.Notice = "Audio generated successfully!"
		if id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64); err == nil {
			if rec, err := h.svc.Record(r.Context(), id); err == nil {
				view.Generated = &rec
			}
		}
	}
	h.render(w, r, http.StatusOK, view)
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.render(w, r, http.StatusBadRequest, indexView{Error: "Could not read the submitted form."})
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	form := formValues{
		Text:            r.FormValue("text"),
		Speaker:         r.FormValue("speaker"),
		ReferenceOption: r.FormValue("reference_option"),
	}
	method, err := voiceover.ParseMethod(r.FormValue("method"))
	if err != nil {
		h.render(w, r, http.StatusBadRequest, indexView{Form: form, Error: "Unknown synthesis method."})
		return
	}
	form.Method = method

	var req voiceover.Request
	switch method {
	case voiceover.MethodSingleSpeaker:
		req = voiceover.SingleSpeaker{Text: form.Text, Speaker: form.Speaker}
	default:
		ref := voiceover.DefaultReference()
		if form.ReferenceOption != referenceDefault {
			file, _, err := r.FormFile(referenceField)
			switch {
			case err == nil:
				defer file.Close()
				ref = voiceover.UploadedReference(file)
			case form.ReferenceOption == referenceUpload:
				h.render(w, r, http.StatusBadRequest, indexView{Form: form, Error: "Please upload a reference audio file."})
				return
			case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
				h.render(w, r, http.StatusBadRequest, indexView{Form: form, Error: "Could not read the uploaded reference audio."})
				return
			}
		}
		req = voiceover.VoiceCloning{Text: form.Text, Reference: ref}
	}

	rec, err := h.svc.Submit(r.Context(), req)
	switch {
	case err == nil:
		http.Redirect(w, r, "/?notice="+noticeGenerated+"&id="+strconv.FormatInt(rec.ID, 10), http.StatusSeeOther)
	case errors.Is(err, voiceover.ErrEmptyText):
		h.render(w, r, http.StatusUnprocessableEntity, indexView{Form: form, Warning: "Please enter some text."})
	case errors.Is(err, voiceover.ErrUnknownSpeaker):
		h.render(w, r, http.StatusBadRequest, indexView{Form: form, Error: "Unknown speaker."})
	case errors.Is(err, audio.ErrInvalidWAV):
		h.render(w, r, http.StatusBadRequest, indexView{Form: form, Error: "The reference audio must be a WAV file."})
	default:
		h.log.Error("synthesis failed", slog.String("method", string(method)), slog.String("error", err.Error()))
		h.render(w, r, http.StatusInternalServerError, indexView{Form: form, Error: "Synthesis failed: " + err.Error()})
	}
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.serveWAV(w, r, rec.WavFile)
}

func (h *Handler) handleReferenceAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !rec.HasReference() {
		http.NotFound(w, r)
		return
	}
	h.serveWAV(w, r, rec.ReferenceAudio)
}

func (h *Handler) handleDefaultReference(w http.ResponseWriter, r *http.Request) {
	h.serveWAV(w, r, h.svc.DefaultReference())
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.ListPage(r.Context(), pageParam(r))
	if err != nil {
		h.log.Error("list history failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		h.log.Warn("encode history page", slog.String("error", err.Error()))
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (history.Record, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return history.Record{}, false
	}
	rec, err := h.svc.Record(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		http.NotFound(w, r)
		return history.Record{}, false
	}
	if err != nil {
		h.log.Error("load record failed", slog.Int64("id", id), slog.String("error", err.Error()))
		http.Error(w, "failed to load record", http.StatusInternalServerError)
		return history.Record{}, false
	}
	return rec, true
}

func (h *Handler) serveWAV(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.log.Warn("audio file missing", slog.String("path", path))
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to open audio", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, view indexView) {
	if view.Form.Method == "" {
		view.Form.Method = voiceover.MethodVoiceCloning
	}
	view.Methods = voiceover.Methods
	view.SingleSpeaker = voiceover.MethodSingleSpeaker
	view.VoiceCloning = voiceover.MethodVoiceCloning
	view.Speakers = h.svc.Speakers()
	view.DefaultReference = filepath.Base(h.svc.DefaultReference())

	page, err := h.svc.ListPage(r.Context(), pageParam(r))
	if err != nil {
		h.log.Error("list history failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	view.Page = page

	var buf strings.Builder
	if err := h.tmpl.Execute(&buf, view); err != nil {
		h.log.Error("render page failed", slog.String("error", err.Error()))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, buf.String())
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		return 1
	}
	return page
}
