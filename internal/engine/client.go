// Package engine talks to the image synthesis backends over HTTP.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

const apiPrefix = "/sdapi/v1"

// Result is the decoded answer of one generation call.
type Result struct {
	Images     []image.Image
	Info       *entity.Map
	Parameters entity.Value
}

type Client struct {
	rootURL      string
	httpClient   *http.Client
	username     string
	password     string
	recoverDisk  bool
	probeTimeout time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithOutputRecovery marks the backend as able to leave results on disk
// when it cannot return them inline.
func WithOutputRecovery(enabled bool) ClientOption {
	return func(c *Client) { c.recoverDisk = enabled }
}

func WithProbeTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.probeTimeout = d }
}

// NewClient builds a client for the backend at rootURL (scheme://host:port).
// Generation calls have no client-side timeout.
func NewClient(rootURL string, opts ...ClientOption) *Client {
	c := &Client{
		rootURL:      strings.TrimRight(rootURL, "/"),
		httpClient:   &http.Client{},
		probeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string { return c.rootURL }

func (c *Client) RecoversOutputOnDisk() bool { return c.recoverDisk }

func (c *Client) Txt2Img(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, apiPrefix+"/txt2img", txt2imgBody(payload))
}

func (c *Client) Img2Img(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, apiPrefix+"/img2img", img2imgBody(payload))
}

func (c *Client) ExtraSingleImage(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, apiPrefix+"/extra-single-image", payload.Clone())
}

func (c *Client) Interrogate(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, apiPrefix+"/interrogate", interrogateBody(payload))
}

func (c *Client) ControlNetDetect(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, "/controlnet/detect", controlNetDetectBody(payload))
}

func (c *Client) PromptGen(ctx context.Context, payload *entity.Map) (*Result, error) {
	return c.generate(ctx, "/moonland/promptgen", promptGenBody(payload))
}

// Generate dispatches payload to the endpoint serving jobType.
func (c *Client) Generate(ctx context.Context, jobType entity.JobType, payload *entity.Map) (*Result, error) {
	switch jobType {
	case entity.JobTypeTxt2Img:
		return c.Txt2Img(ctx, payload)
	case entity.JobTypeImg2Img:
		return c.Img2Img(ctx, payload)
	case entity.JobTypeExtra:
		return c.ExtraSingleImage(ctx, payload)
	case entity.JobTypeInterrogate:
		return c.Interrogate(ctx, payload)
	case entity.JobTypeControlNetDetect:
		return c.ControlNetDetect(ctx, payload)
	case entity.JobTypePromptGen:
		return c.PromptGen(ctx, payload)
	}
	return nil, fmt.Errorf("engine: unsupported job type %q", jobType)
}

// SetModel switches the loaded checkpoint.
func (c *Client) SetModel(ctx context.Context, name string) error {
	body := entity.NewMap()
	body.Set("sd_model_checkpoint", entity.String(name))
	_, err := c.do(ctx, http.MethodPost, apiPrefix+"/options", body)
	return err
}

// QueueStatus is the health probe.
func (c *Client) QueueStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, apiPrefix+"/queue/status", nil)
	return err
}

func (c *Client) Restart(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, apiPrefix+"/server-restart", nil)
	return err
}

func (c *Client) generate(ctx context.Context, endpoint string, body *entity.Map) (*Result, error) {
	data, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	return decodeResult(endpoint, data)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body *entity.Map) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("engine %s: encode request: %w", endpoint, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.rootURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("engine %s: build request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine %s: read response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(endpoint, resp.StatusCode, data)
	}
	return data, nil
}

func decodeResult(endpoint string, data []byte) (*Result, error) {
	r, err := entity.ParseMap(data)
	if err != nil {
		return nil, fmt.Errorf("engine %s: decode response: %w", endpoint, err)
	}

	res := &Result{Info: entity.NewMap(), Parameters: entity.NewMap()}

	var encoded []string
	if list, ok := r.List("images"); ok {
		for _, v := range list {
			if s, ok := v.(entity.String); ok {
				encoded = append(encoded, string(s))
			}
		}
	} else if s, ok := r.String("image"); ok {
		encoded = append(encoded, s)
	}
	for i, s := range encoded {
		img, err := imaging.DecodeBase64(s)
		if err != nil {
			return nil, fmt.Errorf("engine %s: image %d: %w", endpoint, i, err)
		}
		res.Images = append(res.Images, img)
	}

	switch {
	case r.Has("info"):
		res.Info = infoMap("info", r)
	case r.Has("html_info"):
		res.Info = infoMap("html_info", r)
	case r.Has("caption"):
		res.Info = infoMap("caption", r)
	}

	if p, ok := r.Get("parameters"); ok {
		res.Parameters = p
	}
	return res, nil
}

// infoMap decodes a JSON-encoded info string, otherwise wraps the raw value
// under key.
func infoMap(key string, r *entity.Map) *entity.Map {
	v, _ := r.Get(key)
	switch t := v.(type) {
	case *entity.Map:
		return t
	case entity.String:
		if key == "info" {
			if m, err := entity.ParseMap([]byte(t)); err == nil && m.Len() > 0 {
				return m
			}
		}
	}
	m := entity.NewMap()
	m.Set(key, v)
	return m
}
