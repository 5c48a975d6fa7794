package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"pageprimer/internal/engine"
	"pageprimer/pkg/api"
	"pageprimer/pkg/domain"
)

const maxBodyBytes = 1 << 20

type primeResult struct {
	err error
}

// prime 处理 POST /v1/prime
//
// 请求体：{"url": "...", "selector": "...", "wait": true, "timeoutMS": 30000}。
// wait 为 true 时阻塞到会话结束或超时（超时取消会话并返回 504），否则立即返回 202。
func (s *Server) prime(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	in := gjson.ParseBytes(body)
	url := in.Get("url").String()
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	loaded := engine.Always
	if sel := in.Get("selector").String(); sel != "" {
		loaded = engine.AllOf(engine.ReadyStateComplete, engine.SelectorPresent(sel))
	}
	timeout := s.primeTimeout
	if ms := in.Get("timeoutMS").Int(); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	wait := in.Get("wait").Bool()

	done := make(chan primeResult, 1)
	req := api.PrimeRequest{
		URL:        url,
		Loaded:     loaded,
		OnComplete: func(domain.SessionID) { done <- primeResult{} },
		OnFailure:  func(_ domain.SessionID, err error) { done <- primeResult{err: err} },
	}
	id, err := s.svc.PrimePage(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !wait {
		// 调用方负责超时：到期后取消仍在进行的会话
		time.AfterFunc(timeout, func() { s.expire(id, timeout) })
		s.writeSession(w, http.StatusAccepted, id)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			s.writeSession(w, http.StatusBadGateway, id)
			return
		}
		s.writeSession(w, http.StatusOK, id)
	case <-timer.C:
		s.expire(id, timeout)
		s.writeFinal(w, id)
	case <-r.Context().Done():
		_ = s.svc.Cancel(id)
	}
}

// expire 取消超时的会话，会话已结束时什么也不做
func (s *Server) expire(id domain.SessionID, timeout time.Duration) {
	if err := s.svc.Cancel(id); err == nil {
		s.log.Warn("预取超时，已取消会话", "sessionID", string(id), "timeout", timeout.String())
	}
}

// writeFinal 按会话的最终状态选择响应码；与超时同时结束的会话按实际结果返回
func (s *Server) writeFinal(w http.ResponseWriter, id domain.SessionID) {
	info, err := s.svc.Session(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusGatewayTimeout
	switch info.State {
	case domain.StateCompleted:
		status = http.StatusOK
	case domain.StateFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, sessionJSON(info))
}

// getSession 处理 GET /v1/prime/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, http.StatusOK, domain.SessionID(chi.URLParam(r, "id")))
}

// cancel 处理 DELETE /v1/prime/{id}
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(chi.URLParam(r, "id"))
	if err := s.svc.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fetch 处理 GET /v1/fetch?url=，经拦截层取得资源并原样返回
func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	ctx := r.Context()
	if doc := r.URL.Query().Get("document"); doc != "" {
		ctx = domain.WithMainDocument(ctx, doc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer res.Body.Close()

	for k, vals := range res.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		s.log.Warn("转发响应体失败", "url", target, "error", err)
	}
}

// cacheKeys 处理 GET /v1/cache
func (s *Server) cacheKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.Store().Keys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := `{"keys":[]}`
	for _, k := range keys {
		out, _ = sjson.Set(out, "keys.-1", k)
	}
	out, _ = sjson.Set(out, "count", len(keys))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeSession(w http.ResponseWriter, status int, id domain.SessionID) {
	info, err := s.svc.Session(id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, status, sessionJSON(info))
}

func sessionJSON(info domain.SessionInfo) string {
	out, _ := sjson.Set("{}", "id", string(info.ID))
	out, _ = sjson.Set(out, "url", info.URL)
	out, _ = sjson.Set(out, "state", string(info.State))
	if info.Target != "" {
		out, _ = sjson.Set(out, "target", info.Target)
	}
	if info.Error != "" {
		out, _ = sjson.Set(out, "error", info.Error)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, raw string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	out, _ := sjson.Set("{}", "error", msg)
	writeJSON(w, status, out)
}
