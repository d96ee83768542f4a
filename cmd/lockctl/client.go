package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client is an HTTP client for the partnerlock API.
type Client struct {
	addr   string
	token  string
	http   *http.Client
	stream *http.Client
}

// newClient creates a Client from the current config. PARTNERLOCK_ADDR,
// PARTNERLOCK_TOKEN and PARTNERLOCK_CACERT override it.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("PARTNERLOCK_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("PARTNERLOCK_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("PARTNERLOCK_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		if data, err := os.ReadFile(caCert); err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}
	transport := &http.Transport{TLSClientConfig: tlsCfg}

	return &Client{
		addr:   strings.TrimRight(addr, "/"),
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
		stream: &http.Client{Transport: transport},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Partnerlock-Token", c.token)
	}
	return req, nil
}

func (c *Client) do(method, path string, body any) (map[string]any, error) {
	req, err := c.newRequest(context.Background(), method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(path string) (map[string]any, error) {
	return c.do("GET", path, nil)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	return c.do("POST", path, body)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	return c.do("PUT", path, body)
}

// watch reads server-sent events from path and calls fn with each event's
// name and data until the server ends the stream or ctx is cancelled.
func (c *Client) watch(ctx context.Context, path string, fn func(event string, data map[string]any)) error {
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_, err := parseResponse(resp)
		return err
	}
	defer resp.Body.Close()

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				return fmt.Errorf("bad event payload: %w", err)
			}
			fn(event, data)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// self returns the principal id of the configured token.
func (c *Client) self() (string, error) {
	result, err := c.get("/v1/auth/token/lookup-self")
	if err != nil {
		return "", err
	}
	d, _ := result["data"].(map[string]any)
	id, _ := d["principal_id"].(string)
	if id == "" {
		return "", fmt.Errorf("token has no principal")
	}
	return id, nil
}

func escape(segment string) string {
	return url.PathEscape(segment)
}

func queryEscape(v string) string {
	return url.QueryEscape(v)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			return nil, fmt.Errorf("%v", joinAny(errs))
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
