// Package ascii contains an injectable HTTP interface to line-oriented
// G-code controllers
package ascii

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/jogstream/gcodectl"
	"github.com/nasa-jpl/jogstream/generichttp"
)

// RawCommunicator sends one line and returns the controller's reply to it
type RawCommunicator interface {
	Raw(string) (string, error)
}

// RawReply is the body of a /raw response
type RawReply struct {
	// Lines holds every reply line the controller sent before each "ok"
	Lines []string `json:"lines"`

	// Sent is how many lines of the block were sent
	Sent int `json:"sent"`

	// Refused is the controller's error for the line that stopped the block
	Refused string `json:"refused,omitempty"`
}

// RawWrapper is a wrapper around a raw communicator
type RawWrapper struct {
	Comm RawCommunicator
}

// blockLines splits a block into the lines worth sending, dropping blank
// lines and ; or (...) comments
func blockLines(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || (strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")")) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// HTTPRaw sends a block of G-code, {"str": "G91\nG1 X0.1 F60\nG90"}, one line
// at a time.  The first refused line stops the block and is reported with
// 422; a link failure is 502.
func (rw *RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	lines := blockLines(str.Str)
	if len(lines) == 0 {
		http.Error(w, "no G-code in block", http.StatusBadRequest)
		return
	}

	reply := RawReply{Lines: []string{}}
	for _, line := range lines {
		resp, err := rw.Comm.Raw(line)
		if resp != "" {
			reply.Lines = append(reply.Lines, strings.Split(resp, "\n")...)
		}
		if err != nil {
			var bad gcodectl.ErrBadResponse
			if errors.As(err, &bad) {
				reply.Refused = bad.Resp
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				json.NewEncoder(w).Encode(reply)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		reply.Sent++
	}
	generichttp.RespondJSON(w, reply)
}

// InjectRawComm injects a /raw POST route into a route table
func InjectRawComm(table generichttp.RouteTable, raw RawCommunicator) {
	wrap := RawWrapper{Comm: raw}
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = wrap.HTTPRaw
}
