// Package pipe implements the PipeClient: a single NUL-framed JSON-RPC
// exchange with a browser's debugging transport over a pair of OS pipes,
// used exclusively to load the extension and hand back a keep-alive handle
// for the writable end.
package pipe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/actionbook/bridge/internal/bridgeerr"
)

// MaxResponseSize is the cap on a pre-NUL response; larger responses are
// rejected rather than buffered without bound.
const MaxResponseSize = 1 << 20 // 1,048,576 bytes

// KeepAlive is the sole owner of the writable end of the command pipe.
// While held, the browser will not observe end-of-input on its command
// pipe; Close (or letting it be garbage collected after an explicit Close)
// is the only clean way to let the browser exit.
type KeepAlive struct {
	writer *os.File
}

// Close drops ownership of the writable pipe end, which is the sole signal
// used to cleanly end the browser.
func (k *KeepAlive) Close() error {
	if k.writer == nil {
		return nil
	}
	err := k.writer.Close()
	k.writer = nil
	return err
}

// Client pairs the parent-side ends of the two pipes wired onto the
// browser child's file descriptors 3 (read, command) and 4 (write,
// response).
type Client struct {
	reader *os.File
	writer *os.File
}

// New wraps the parent's read and write pipe ends.
func New(reader, writer *os.File) *Client {
	return &Client{reader: reader, writer: writer}
}

// Write sends raw bytes on the command pipe. LoadExtension is the only
// caller that needs a particular framing; Write is exposed for tests and
// any future command beyond loadExtension.
func (c *Client) Write(p []byte) (int, error) { return c.writer.Write(p) }

// Read reads raw bytes from the response pipe.
func (c *Client) Read(p []byte) (int, error) { return c.reader.Read(p) }

type loadExtensionRequest struct {
	ID     int                 `json:"id"`
	Method string              `json:"method"`
	Params loadExtensionParams `json:"params"`
}

type loadExtensionParams struct {
	Path string `json:"path"`
}

type loadExtensionResponse struct {
	Error  *struct{ Message string `json:"message"` } `json:"error,omitempty"`
	Result *struct {
		ID string `json:"id"`
	} `json:"result,omitempty"`
}

// LoadExtension sends the single loadExtension request this client ever
// sends, parses the reply, and on success hands back the extension id and a
// KeepAlive owning the writable pipe end.
//
// Blocking I/O is used throughout; callers in an asynchronous context must
// run this on a dedicated worker goroutine, never on a cooperative path
// that other work depends on.
func (c *Client) LoadExtension(path string) (string, *KeepAlive, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", nil, bridgeerr.Wrap(bridgeerr.Extension, "resolve extension path", err)
	}

	req := loadExtensionRequest{
		ID:     1,
		Method: "Extensions.loadUnpacked",
		Params: loadExtensionParams{Path: absPath},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", nil, bridgeerr.Wrap(bridgeerr.Protocol, "encode loadExtension request", err)
	}
	data = append(data, 0)

	if _, err := c.writer.Write(data); err != nil {
		return "", nil, bridgeerr.Wrap(bridgeerr.Resource, "write to command pipe", err)
	}

	raw, err := readNULTerminated(c.reader)
	if err != nil {
		return "", nil, err
	}

	id, err := parseLoadExtensionResponse(raw)
	if err != nil {
		return "", nil, err
	}
	return id, &KeepAlive{writer: c.writer}, nil
}

func parseLoadExtensionResponse(raw []byte) (string, error) {
	var resp loadExtensionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.Protocol, fmt.Sprintf("failed to parse CDP pipe response: %s", raw), err)
	}
	if resp.Error != nil {
		return "", bridgeerr.New(bridgeerr.Extension, fmt.Sprintf("CDP Extensions.loadUnpacked failed: %s", resp.Error.Message))
	}
	if resp.Result == nil || resp.Result.ID == "" {
		return "", bridgeerr.New(bridgeerr.Extension, fmt.Sprintf("CDP response missing result.id: %s", raw))
	}
	return resp.Result.ID, nil
}

// readNULTerminated reads byte-by-byte until a NUL terminator, enforcing
// MaxResponseSize, matching the wire format described in the debugging
// transport's pipe mode.
func readNULTerminated(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	buf := make([]byte, 0, 4096)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, bridgeerr.New(bridgeerr.Resource, "CDP pipe closed before receiving response")
			}
			return nil, bridgeerr.Wrap(bridgeerr.Resource, "read from response pipe", err)
		}
		if b == 0 {
			return buf, nil
		}
		if len(buf) >= MaxResponseSize {
			return nil, bridgeerr.New(bridgeerr.Protocol, fmt.Sprintf("CDP pipe response exceeds %d bytes", MaxResponseSize))
		}
		buf = append(buf, b)
	}
}
