package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readCommand reads one RESP array of bulk strings. Inline commands are not
// supported.
func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if prefix, err = r.ReadByte(); err != nil {
			return nil, err
		}
		if prefix != '$' {
			return nil, fmt.Errorf("unexpected prefix %q", prefix)
		}
		size, err := readLength(r)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func writeSimpleString(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "+%s\r\n", value)
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	fmt.Fprintf(w, "-%s\r\n", msg)
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	fmt.Fprintf(w, ":%d\r\n", value)
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	w.WriteString("$-1\r\n")
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	w.WriteString("*-1\r\n")
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	appendArray(w, values)
	return w.Flush()
}

// appendArray buffers nested arrays of strings and integers. Write errors are
// sticky on bufio.Writer and surface on Flush.
func appendArray(w *bufio.Writer, values []interface{}) {
	fmt.Fprintf(w, "*%d\r\n", len(values))
	for _, value := range values {
		switch v := value.(type) {
		case []interface{}:
			appendArray(w, v)
		case int64:
			fmt.Fprintf(w, ":%d\r\n", v)
		case string:
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		default:
			s := fmt.Sprint(v)
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		}
	}
}
