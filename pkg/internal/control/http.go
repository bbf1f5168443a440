package control

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
)

// maxSpecificationSize bounds the accepted request bodies.
const maxSpecificationSize = 8 << 20

func hlog() *slog.Logger {
	return slog.With("component", "control.Handler")
}

type revertRequest struct {
	Revert bool `json:"revert"`
}

type retransformRequest struct {
	Classes []string `json:"classes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP API of the controller.
func Handler(c *Controller) http.Handler {
	h := handler{c: c}
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/specification", h.getSpecification).Methods(http.MethodGet)
	v1.HandleFunc("/specification", h.install).Methods(http.MethodPut)
	v1.HandleFunc("/specification", h.clearAll).Methods(http.MethodDelete)
	v1.HandleFunc("/specification/merge", h.merge).Methods(http.MethodPost)
	v1.HandleFunc("/revert", h.getRevert).Methods(http.MethodGet)
	v1.HandleFunc("/revert", h.setRevert).Methods(http.MethodPut)
	v1.HandleFunc("/retransform", h.retransform).Methods(http.MethodPost)
	v1.HandleFunc("/classes", h.classes).Methods(http.MethodGet)
	v1.HandleFunc("/classes/{class:.+}/descriptors", h.descriptors).Methods(http.MethodGet)
	v1.HandleFunc("/classes/{class:.+}", h.clearClass).Methods(http.MethodDelete)
	v1.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.Use(logRequests)
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		hlog().Debug("received request", "method", req.Method, "uri", req.RequestURI, "remoteAddr", req.RemoteAddr)
		next.ServeHTTP(rw, req)
	})
}

type handler struct {
	c *Controller
}

func (h handler) getSpecification(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(rw, h.c.Specification())
}

func (h handler) install(rw http.ResponseWriter, req *http.Request) {
	body, ok := readBody(rw, req)
	if !ok {
		return
	}
	ch, err := h.c.Install(req.Context(), body)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, ch)
}

func (h handler) merge(rw http.ResponseWriter, req *http.Request) {
	body, ok := readBody(rw, req)
	if !ok {
		return
	}
	ch, err := h.c.Merge(req.Context(), body)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, ch)
}

func (h handler) clearAll(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, h.c.ClearAll(req.Context()))
}

func (h handler) getRevert(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, revertRequest{Revert: h.c.Revert()})
}

func (h handler) setRevert(rw http.ResponseWriter, req *http.Request) {
	var r revertRequest
	if !decodeBody(rw, req, &r) {
		return
	}
	h.c.SetRevert(r.Revert)
	writeJSON(rw, http.StatusOK, r)
}

func (h handler) retransform(rw http.ResponseWriter, req *http.Request) {
	body, ok := readBody(rw, req)
	if !ok {
		return
	}
	var r retransformRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &r); err != nil {
			writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}
	for i, name := range r.Classes {
		r.Classes[i] = classfile.BinaryName(name)
	}
	ch, err := h.c.Retransform(req.Context(), r.Classes)
	if err != nil {
		writeJSON(rw, http.StatusNotImplemented, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, ch)
}

func (h handler) classes(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, h.c.Classes())
}

func (h handler) descriptors(rw http.ResponseWriter, req *http.Request) {
	className := classfile.BinaryName(mux.Vars(req)["class"])
	descs := h.c.Descriptors(className)
	if descs == nil {
		writeJSON(rw, http.StatusNotFound, errorResponse{Error: "no descriptors for class " + className})
		return
	}
	writeJSON(rw, http.StatusOK, descs)
}

func (h handler) clearClass(rw http.ResponseWriter, req *http.Request) {
	className := classfile.BinaryName(mux.Vars(req)["class"])
	ch, ok := h.c.ClearClass(req.Context(), className)
	if !ok {
		writeJSON(rw, http.StatusNotFound, errorResponse{Error: "no descriptors for class " + className})
		return
	}
	writeJSON(rw, http.StatusOK, ch)
}

func (h handler) status(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, h.c.Status())
}

func readBody(rw http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, req.Body, maxSpecificationSize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return nil, false
	}
	return body, true
}

func decodeBody(rw http.ResponseWriter, req *http.Request, dst any) bool {
	body, ok := readBody(rw, req)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, probes.ErrInvalidSpecification) {
		status = http.StatusBadRequest
	}
	writeJSON(rw, status, errorResponse{Error: err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		hlog().Error("can't encode response", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if _, err := rw.Write(body); err != nil {
		hlog().Debug("can't write response", "error", err)
	}
}
