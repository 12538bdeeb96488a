// jogctl is a terminal pendant for jogd.  It holds a jog button for as long
// as the operator keeps the command running.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/theckman/yacspin"
)

// DefaultAddr is the jogd endpoint used when JOGCTL_ADDR is unset
const DefaultAddr = "http://localhost:8000/jog"

var client = &http.Client{Timeout: 5 * time.Second}

func addr() string {
	if a := os.Getenv("JOGCTL_ADDR"); a != "" {
		return strings.TrimSuffix(a, "/")
	}
	return DefaultAddr
}

func root() {
	str := `jogctl drives a jogd server from the terminal.

Usage:
	jogctl <command> [args]

Commands:
	hold <button> <axis><dir> [source]   e.g. jogctl hold x+ X+ pendant
	stop
	status
	lock
	unlock

The server is read from JOGCTL_ADDR, default ` + DefaultAddr
	fmt.Println(str)
}

func request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
		rdr = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, addr()+path, rdr)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return b, errors.Errorf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

// splitAxisDir splits "X+" into "X" and "+"
func splitAxisDir(s string) (string, string, error) {
	if len(s) < 2 {
		return "", "", errors.Errorf("expected axis and direction like X+, got %q", s)
	}
	return s[:len(s)-1], s[len(s)-1:], nil
}

func hold(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: jogctl hold <button> <axis><dir> [source]")
	}
	button := args[0]
	axis, dir, err := splitAxisDir(args[1])
	if err != nil {
		return err
	}
	source := "terminal"
	if len(args) > 2 {
		source = args[2]
	}

	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " jogging " + axis + dir,
		Message:           "press enter to release",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopMessage:       "released",
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return errors.Wrap(err, "building spinner")
	}

	// from here on a signal must release the button, not kill the process
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	released := make(chan struct{})
	go func() {
		enter := make(chan struct{})
		go func() {
			bufio.NewReader(os.Stdin).ReadString('\n')
			close(enter)
		}()
		select {
		case <-enter:
		case <-sig:
		}
		close(released)
	}()
	return holdUntil(button, map[string]string{"axis": axis, "dir": dir, "source": source}, spin, released)
}

// spinner is the part of yacspin.Spinner a hold drives
type spinner interface {
	Start() error
	Stop() error
	StopFail() error
	StopFailMessage(string)
}

// holdUntil presses button and keeps it held until released closes.  A
// release that arrives while the press is in flight still lets go.
func holdUntil(button string, body map[string]string, spin spinner, released <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := request(ctx, http.MethodPost, "/hold/"+button, body); err != nil {
		// the server may have started the hold before the request failed
		release(button)
		return err
	}
	if err := spin.Start(); err != nil {
		release(button)
		return err
	}
	<-released

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if _, err := request(rctx, http.MethodDelete, "/hold/"+button, nil); err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		// the hold is still live on the server; try to stop everything
		request(rctx, http.MethodPost, "/stop", nil)
		return err
	}
	return spin.Stop()
}

// release lets go of button without reporting failure
func release(button string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request(ctx, http.MethodDelete, "/hold/"+button, nil)
}

func status() error {
	b, err := request(context.Background(), http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func lock(locked bool) error {
	_, err := request(context.Background(), http.MethodPost, "/lock", map[string]bool{"bool": locked})
	return err
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	var err error
	switch strings.ToLower(args[1]) {
	case "hold":
		err = hold(args[2:])
	case "stop":
		_, err = request(context.Background(), http.MethodPost, "/stop", nil)
	case "status":
		err = status()
	case "lock":
		err = lock(true)
	case "unlock":
		err = lock(false)
	case "help":
		root()
	default:
		err = errors.Errorf("unknown command %s", args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
