//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package status

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/skratchdot/open-golang/open"
	goji "goji.io"
	"goji.io/pat"
	"golang.org/x/net/websocket"
)

var page = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><head><meta http-equiv="refresh" content="2"><title>glitch {{.State}}</title></head>
<body><pre>
state:    {{.State}}
run:      {{.RunID}}
space:    {{if .Space}}{{.Space}}{{end}}
attempts: {{.Attempts}} / {{.Total}}
{{with .Last}}last:     {{.Point}} {{.State}} {{.Diagnostic}}
{{end}}{{with .Result}}result:   {{.Outcome}}{{with .Point}} at {{.}}{{end}}
{{end}}</pre></body></html>
`))

// requestLogger logs every request at V(2).
func requestLogger(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		glog.V(2).Infof("%s | %-7s %s | %s", r.RemoteAddr, r.Method, r.URL.RequestURI(), time.Since(start))
	})
}

func httpReply(w http.ResponseWriter, code int, result interface{}) {
	msg, err := json.Marshal(result)
	if err != nil {
		code = http.StatusInternalServerError
		msg, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}

func httpError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	httpReply(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// NewHandler serves:
//
//	GET /                   a self-refreshing page
//	GET /status             the current Snapshot
//	GET /attempts?since=N   kept attempts with ordinal above N
//	GET /attempts/:ordinal  one attempt
//	GET /events             websocket feed of journal entries
func NewHandler(b *Board) http.Handler {
	mux := goji.NewMux()
	mux.Use(requestLogger)
	mux.HandleFunc(pat.Get("/status"), func(w http.ResponseWriter, r *http.Request) {
		httpReply(w, http.StatusOK, b.Snapshot())
	})
	mux.HandleFunc(pat.Get("/attempts"), func(w http.ResponseWriter, r *http.Request) {
		since := 0
		if s := r.FormValue("since"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid since %q", s)
				return
			}
			since = n
		}
		httpReply(w, http.StatusOK, b.Attempts(since))
	})
	mux.HandleFunc(pat.Get("/attempts/:ordinal"), func(w http.ResponseWriter, r *http.Request) {
		s := pat.Param(r, "ordinal")
		n, err := strconv.Atoi(s)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid ordinal %q", s)
			return
		}
		rec, ok := b.Attempt(n)
		if !ok {
			httpError(w, http.StatusNotFound, "attempt %d not found", n)
			return
		}
		httpReply(w, http.StatusOK, rec)
	})
	mux.Handle(pat.Get("/events"), eventsHandler(b))
	mux.HandleFunc(pat.Get("/"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := page.Execute(w, b.Snapshot()); err != nil {
			glog.Errorf("status page: %s", err)
		}
	})
	return mux
}

func eventsHandler(b *Board) websocket.Handler {
	return func(ws *websocket.Conn) {
		defer ws.Close()
		ch := b.watch()
		defer b.unwatch(ch)
		gone := make(chan struct{})
		go func() {
			var text string
			for websocket.Message.Receive(ws, &text) == nil {
			}
			close(gone)
		}()
		for {
			select {
			case msg := <-ch:
				if err := websocket.Message.Send(ws, string(msg)); err != nil {
					glog.V(1).Infof("status: websocket send error: %s, closing connection", err)
					return
				}
			case <-gone:
				return
			}
		}
	}
}

type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Serve starts serving b on addr in the background.
func Serve(addr string, b *Board) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to listen on %s", addr)
	}
	s := &Server{ln: ln, srv: &http.Server{Handler: NewHandler(b)}}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			glog.Errorf("status server: %s", err)
		}
	}()
	glog.Infof("Serving status at %s", s.URL())
	return s, nil
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s/", s.ln.Addr())
}

// OpenBrowser opens the status page in the default browser.
func (s *Server) OpenBrowser() error {
	return errors.Trace(open.Start(s.URL()))
}

func (s *Server) Close() error {
	return s.srv.Close()
}
