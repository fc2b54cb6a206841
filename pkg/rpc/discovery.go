package rpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/types"
)

// Discovery invokes one member of a group, starting at a random member,
// and fails over to the next group member in round-robin order when a
// member's call exhausts its retries.
// Used for Worker-to-Supervisor calls, which address a Supervisor group
// rather than one fixed endpoint.
type Discovery struct {
	client    *retryablehttp.Client
	signer    *signer
	discovery registry.Discovery
}

// NewDiscovery builds a Discovery client that signs every request with key
// under group (Worker-to-Supervisor calls always sign).
func NewDiscovery(cfg Config, disc registry.Discovery, key []byte, group string) *Discovery {
	return &Discovery{
		client:    newClient(cfg),
		signer:    &signer{key: key, group: group},
		discovery: disc,
	}
}

// Invoke resolves group's members, picks a random starting index, and
// tries each member in round-robin order until one answers or every
// member has been tried.
func (d *Discovery) Invoke(ctx context.Context, group, path string, body, out interface{}) error {
	members, err := d.discovery.Discover(ctx, group)
	if err != nil {
		return chronoerr.New(chronoerr.KindTransient, "rpc.Discovery.Invoke", err)
	}
	if len(members) == 0 {
		return chronoerr.New(chronoerr.KindTransient, "rpc.Discovery.Invoke",
			fmt.Errorf("no alive members in group %q", group))
	}

	var reader []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return chronoerr.New(chronoerr.KindInvalidConfig, "rpc.Discovery.Invoke", err)
		}
		reader = b
	}

	start := randIndex(len(members))
	var lastErr error
	for i := 0; i < len(members); i++ {
		endpoint := members[(start+i)%len(members)]
		err := d.invokeOne(ctx, endpoint, path, reader, out)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (d *Discovery) invokeOne(ctx context.Context, endpoint types.ServerEndpoint, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	url := endpoint.BaseURL() + path
	resp, err := doWithMetrics(ctx, d.client, d.signer, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return chronoerr.New(chronoerr.KindTransient, "rpc.Discovery.invokeOne",
			fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chronoerr.New(chronoerr.KindTransient, "rpc.Discovery.invokeOne", err)
	}
	return nil
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
