package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/types"
)

// Destination invokes one specific ServerEndpoint directly, with no
// load-balancing across a group: a Supervisor's dispatch and control calls
// to the Worker that holds a task, and a Worker's startTask/terminateTask
// reports to its home Supervisor.
type Destination struct {
	client *retryablehttp.Client
	signer *signer // nil: this Destination never signs (Supervisor -> Worker)
}

// NewDestination builds a Destination that signs every request with key
// under group, for Worker-to-Supervisor calls. Pass a nil key for
// Supervisor-to-Worker Destinations, which send no auth headers.
func NewDestination(cfg Config, key []byte, group string) *Destination {
	d := &Destination{client: newClient(cfg)}
	if key != nil {
		d.signer = &signer{key: key, group: group}
	}
	return d
}

// Invoke POSTs body (marshaled to JSON) to endpoint's base URL + path and
// unmarshals the response body into out (if non-nil).
func (d *Destination) Invoke(ctx context.Context, endpoint types.ServerEndpoint, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return chronoerr.New(chronoerr.KindInvalidConfig, "rpc.Destination.Invoke", err)
		}
		reader = bytes.NewReader(b)
	}

	url := endpoint.BaseURL() + path
	resp, err := doWithMetrics(ctx, d.client, d.signer, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return chronoerr.New(chronoerr.KindTransient, "rpc.Destination.Invoke",
			fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chronoerr.New(chronoerr.KindTransient, "rpc.Destination.Invoke", err)
	}
	return nil
}
