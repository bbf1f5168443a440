package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/grafana/jfr-agent/pkg/internal/rewrite"
)

// class files are bounded by the 64K constant pool, but base64 and JSON add overhead
const maxBodySize = 16 << 20

type transformRequest struct {
	ClassName  string `json:"class_name"`
	Bytes      []byte `json:"bytes"`
	Redefining bool   `json:"redefining"`
}

type eventClass struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

type transformResponse struct {
	Modified bool `json:"modified"`
	// Bytes is empty when the class is not modified.
	Bytes        []byte       `json:"bytes,omitempty"`
	EventClasses []eventClass `json:"event_classes,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP API the shim talks to.
func (b *Bridge) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/hello", b.hello).Methods(http.MethodPost)
	v1.HandleFunc("/transform", b.transform).Methods(http.MethodPost)
	v1.HandleFunc("/retransform", b.pollRetransform).Methods(http.MethodGet)
	v1.HandleFunc("/retransform/result", b.retransformResult).Methods(http.MethodPost)
	return r
}

func (b *Bridge) hello(rw http.ResponseWriter, req *http.Request) {
	var c Capabilities
	if !decode(rw, req, &c) {
		return
	}
	if err := b.Hello(c); err != nil {
		log().Error("can't accept JVM agent shim", "error", err, "remoteAddr", req.RemoteAddr)
		writeJSON(rw, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) transform(rw http.ResponseWriter, req *http.Request) {
	var tr transformRequest
	if !decode(rw, req, &tr) {
		return
	}
	if tr.Redefining {
		log().Debug("transforming redefined class", "class", tr.ClassName)
	}
	res, err := b.Transform(tr.ClassName, tr.Bytes)
	if err != nil {
		writeJSON(rw, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	resp := transformResponse{Modified: res.Modified}
	if res.Modified {
		resp.Bytes = res.Bytes
		resp.EventClasses = eventClasses(res.EventClasses)
	}
	writeJSON(rw, http.StatusOK, resp)
}

func eventClasses(ecs []rewrite.EventClass) []eventClass {
	out := make([]eventClass, 0, len(ecs))
	for _, ec := range ecs {
		out = append(out, eventClass{Name: ec.Name, Bytes: ec.Bytes})
	}
	return out
}

// pollRetransform waits for a retransform request up to the duration of the timeout
// query parameter, capped by MaxPollTimeout. It answers 204 when there is no work.
func (b *Bridge) pollRetransform(rw http.ResponseWriter, req *http.Request) {
	timeout := b.cfg.MaxPollTimeout
	if q := req.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d < 0 {
			writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid timeout " + q})
			return
		}
		timeout = min(d, timeout)
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	r := b.poll(ctx)
	if r == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusOK, r)
}

func (b *Bridge) retransformResult(rw http.ResponseWriter, req *http.Request) {
	var res retransformResult
	if !decode(rw, req, &res) {
		return
	}
	if !b.complete(res) {
		writeJSON(rw, http.StatusNotFound, errorResponse{Error: "no pending retransform request with this id"})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func decode(rw http.ResponseWriter, req *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(rw, req.Body, maxBodySize))
	if err == nil {
		err = json.Unmarshal(body, dst)
	}
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(rw, status, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log().Error("can't encode response", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if _, err := rw.Write(body); err != nil {
		log().Debug("can't write response", "error", err)
	}
}
