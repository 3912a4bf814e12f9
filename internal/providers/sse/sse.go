// Package sse reads text/event-stream bodies.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxLine bounds a single event line; backends send whole JSON objects per line.
const maxLine = 1 << 20

// ErrStop may be returned by a handler to end reading without error.
var ErrStop = errors.New("sse: stop")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data string
}

// Read calls fn for every event in r until EOF, a read error, or fn returns
// an error. Multiple data lines of one event are joined with "\n".
func Read(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		name string
		data []string
	)
	dispatch := func() error {
		if name == "" && len(data) == 0 {
			return nil
		}
		ev := Event{Name: name, Data: strings.Join(data, "\n")}
		name, data = "", nil
		return fn(ev)
	}

	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopped(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return stopped(dispatch())
}

func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
