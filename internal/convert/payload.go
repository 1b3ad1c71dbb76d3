package convert

import "net/http"

// Payload is a fully buffered HTTP response.
type Payload struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the payload carries a 2xx status.
func (p *Payload) OK() bool {
	return p.Status >= 200 && p.Status <= 299
}

// Write sends the payload to w.
func (p *Payload) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range p.Header {
		h[k] = append([]string(nil), vs...)
	}
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(p.Body)
}

func errorPayload(status int, message string) *Payload {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store, no-cache")
	return &Payload{Status: status, Header: h, Body: []byte(message)}
}
