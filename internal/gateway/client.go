// Package gateway sends messages through a connected messaging-gateway
// instance over its local HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"whatsflow/internal/media"
	logx "whatsflow/pkg/logx"
)

type Config struct {
	// BaseURL is the gateway service address, e.g. "http://127.0.0.1:3002".
	BaseURL string
	// Instances optionally overrides the base URL per gateway instance id.
	Instances  map[string]string
	Timeout    time.Duration
	RatePerSec int
}

// Client dispatches one message to one group on one gateway instance.
//
// Dispatch never returns an error: any transport failure, non-2xx response
// or unresolvable media reference is reported as false and logged. One
// attempt per call; retry policy (there is none) belongs to the caller's
// recurrence rule.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter

	media media.Store
	log   logx.Logger
}

func New(cfg Config, mediaStore media.Store, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{media: mediaStore, log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps the gateway settings at runtime.
func (c *Client) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.httpc = &http.Client{Timeout: cfg.Timeout}
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (c *Client) snapshot() (Config, *http.Client, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.httpc, c.limiter
}

// Dispatch sends content (plus optional media) to groupID via instanceID.
func (c *Client) Dispatch(ctx context.Context, instanceID, groupID, content, mediaType, mediaRef string) bool {
	cfg, httpc, limiter := c.snapshot()

	log := c.log.With(logx.String("instance", instanceID), logx.String("group", groupID))

	payload := map[string]any{
		"to":      groupID,
		"message": content,
		"type":    messageType(mediaType),
	}
	if mediaType != "" && mediaType != "text" && mediaRef != "" {
		if c.media == nil {
			log.Warn("dispatch skipped: media reference set but no media store configured",
				logx.String("media", mediaRef))
			return false
		}
		b, err := c.media.Resolve(mediaRef)
		if err != nil {
			log.Warn("dispatch failed: media unresolvable", logx.String("media", mediaRef), logx.Err(err))
			return false
		}
		// The gateway expects the raw bytes base64-encoded under a key
		// named after the media type ("image", "audio", "video").
		payload[mediaType] = base64.StdEncoding.EncodeToString(b)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("dispatch failed: encode payload", logx.Err(err))
		return false
	}

	endpoint := c.endpointFor(cfg, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Error("dispatch failed: build request", logx.Err(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			log.Warn("dispatch aborted while rate-limited", logx.Err(err))
			return false
		}
	}

	start := time.Now()
	resp, err := httpc.Do(req)
	if err != nil {
		log.Warn("dispatch failed: gateway unreachable", logx.Err(err), logx.Duration("took", time.Since(start)))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("dispatch failed: gateway rejected send",
			logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
		return false
	}

	log.Debug("dispatched", logx.Duration("took", time.Since(start)))
	return true
}

func (c *Client) endpointFor(cfg Config, instanceID string) string {
	base := cfg.BaseURL
	if override, ok := cfg.Instances[instanceID]; ok && strings.TrimSpace(override) != "" {
		base = override
	}
	return strings.TrimRight(base, "/") + "/send/" + url.PathEscape(instanceID)
}

func messageType(mediaType string) string {
	if mediaType == "" {
		return "text"
	}
	return mediaType
}
